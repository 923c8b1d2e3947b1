package ws

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Code0Breaker/voice-app-test/internal/relay"
)

// Frame types on the relay channel.
const (
	TypeMessage = "message"
	TypeChunk   = "chunk"
	TypeError   = "error"
)

// ClientMessage initiates a turn. An empty ConversationID asks the relay
// to create a fresh conversation.
type ClientMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Text           string `json:"text"`
}

type ChunkFrame struct {
	Type string `json:"type"`
	relay.ChunkEvent
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DecodeClientMessage validates one inbound frame. Payload-level checks
// (empty text, busy conversation) are the relay's responsibility.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid json frame")
	}

	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return ClientMessage{}, fmt.Errorf("missing frame type")
	}
	if typ != TypeMessage {
		return ClientMessage{}, fmt.Errorf("unsupported frame type %q", typ)
	}

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid message frame")
	}
	return msg, nil
}

func encodeChunk(ev relay.ChunkEvent) ([]byte, error) {
	return json.Marshal(ChunkFrame{Type: TypeChunk, ChunkEvent: ev})
}

func encodeError(message string) ([]byte, error) {
	return json.Marshal(ErrorFrame{Type: TypeError, Message: message})
}
