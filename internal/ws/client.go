package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Code0Breaker/voice-app-test/internal/relay"
)

// Client is the dialing side of the relay channel. It remembers the
// conversation id learned from the first chunk so later turns continue
// the same conversation.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu             sync.Mutex
	conversationID string

	writeMu sync.Mutex
}

func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &Client{conn: conn, logger: logger}, nil
}

// Send initiates a turn with the given text.
func (c *Client) Send(text string) error {
	c.mu.Lock()
	convID := c.conversationID
	c.mu.Unlock()

	data, err := json.Marshal(ClientMessage{
		Type:           TypeMessage,
		ConversationID: convID,
		Text:           text,
	})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Reset forgets the current conversation; the next Send starts a new one.
func (c *Client) Reset() {
	c.mu.Lock()
	c.conversationID = ""
	c.mu.Unlock()
}

// Run reads frames until the connection closes, dispatching chunk and
// error frames. A normal closure returns nil.
func (c *Client) Run(onChunk func(relay.ChunkEvent), onError func(message string)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Warn("skipping malformed frame", zap.ByteString("frame", data))
			continue
		}

		switch envelope.Type {
		case TypeChunk:
			var frame ChunkFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				c.logger.Warn("skipping malformed chunk frame", zap.Error(err))
				continue
			}
			c.mu.Lock()
			c.conversationID = frame.ConversationID
			c.mu.Unlock()
			if onChunk != nil {
				onChunk(frame.ChunkEvent)
			}
		case TypeError:
			var frame ErrorFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				c.logger.Warn("skipping malformed error frame", zap.Error(err))
				continue
			}
			if onError != nil {
				onError(frame.Message)
			}
		default:
			c.logger.Warn("skipping unknown frame type", zap.String("type", envelope.Type))
		}
	}
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	deadline := time.Now().Add(writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	return c.conn.Close()
}
