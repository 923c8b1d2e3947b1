package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Code0Breaker/voice-app-test/internal/models"
	"github.com/Code0Breaker/voice-app-test/internal/ollama"
)

// ChunkEvent is one outbound event of a turn. Done false carries a single
// fragment; the terminal event has Done true and empty text.
type ChunkEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Text           string `json:"text"`
	Done           bool   `json:"done"`
}

// Store is the persistence boundary the relay writes through.
type Store interface {
	GetConversation(id string) (*models.Conversation, error)
	CreateConversation() (*models.Conversation, error)
	ListMessages(conversationID string) ([]models.Message, error)
	AppendMessage(conversationID, role, content string) (*models.Message, error)
	SetMessageContent(messageID, content string) error
	UpdateConversationTitle(id, title string) error
}

// Stream matches the fragment sequence produced by the generation client.
type Stream interface {
	Fragments() <-chan string
	Err() error
	Close()
}

// Generator opens one upstream streaming request per turn.
type Generator interface {
	Chat(ctx context.Context, messages []ollama.Message) (Stream, error)
}

// Trimmer bounds the history projected upstream.
type Trimmer interface {
	Trim(msgs []ollama.Message) []ollama.Message
}

// Titler names a conversation from its first exchange. Optional.
type Titler interface {
	TitleConversation(ctx context.Context, userText, assistantText string) (string, error)
}

// Ollama adapts the concrete client to Generator.
type Ollama struct {
	Client *ollama.Client
}

func (o Ollama) Chat(ctx context.Context, messages []ollama.Message) (Stream, error) {
	return o.Client.Chat(ctx, messages)
}

type Relay struct {
	store           Store
	gen             Generator
	trimmer         Trimmer
	titler          Titler
	logger          *zap.Logger
	fragmentTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Relay)

// WithTitler enables async auto-titling of new conversations.
func WithTitler(t Titler) Option {
	return func(r *Relay) { r.titler = t }
}

// WithTrimmer bounds the projected history.
func WithTrimmer(t Trimmer) Option {
	return func(r *Relay) { r.trimmer = t }
}

// WithFragmentTimeout treats a stall longer than d between fragments as a
// transport failure. Zero relies on the connection's own timeout.
func WithFragmentTimeout(d time.Duration) Option {
	return func(r *Relay) { r.fragmentTimeout = d }
}

func New(store Store, gen Generator, logger *zap.Logger, opts ...Option) *Relay {
	r := &Relay{
		store:    store,
		gen:      gen,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleUtterance runs one turn: persist the user text, stream the
// assistant response through emit in upstream order, and finalize the
// assistant message. On success exactly one Done event follows the
// fragments. On failure no Done event is emitted, the error is returned
// for the caller to surface, and whatever was accumulated stays persisted.
func (r *Relay) HandleUtterance(ctx context.Context, conversationID, text string, emit func(ChunkEvent)) error {
	if strings.TrimSpace(text) == "" {
		return turnErr(KindInvalidTurn, errors.New("empty utterance"))
	}

	conv, err := r.resolveConversation(conversationID)
	if err != nil {
		return err
	}
	isNew := conv.ID != conversationID

	if !r.acquire(conv.ID) {
		return turnErr(KindInvalidTurn, fmt.Errorf("a turn is already in flight for conversation %s", conv.ID))
	}
	defer r.release(conv.ID)

	userMsg, err := r.store.AppendMessage(conv.ID, models.RoleUser, text)
	if err != nil {
		return turnErr(KindStore, fmt.Errorf("append user message: %w", err))
	}

	history, err := r.projectHistory(conv.ID)
	if err != nil {
		return err
	}

	// The placeholder exists before any fragment so a stable message id
	// can be referenced immediately.
	placeholder, err := r.store.AppendMessage(conv.ID, models.RoleAssistant, "")
	if err != nil {
		return turnErr(KindStore, fmt.Errorf("create assistant placeholder: %w", err))
	}

	stream, err := r.gen.Chat(ctx, history)
	if err != nil {
		return turnErr(KindUpstreamUnavailable, err)
	}
	defer stream.Close()

	answer, err := r.forward(ctx, conv.ID, placeholder.ID, stream, emit)
	if err != nil {
		// Partial progress stays durable. Finalize best-effort with
		// whatever arrived before the failure.
		if answer != "" {
			if perr := r.store.SetMessageContent(placeholder.ID, answer); perr != nil {
				r.logger.Error("failed to persist partial assistant content",
					zap.String("messageId", placeholder.ID), zap.Error(perr))
			}
		}
		return err
	}

	if err := r.store.SetMessageContent(placeholder.ID, answer); err != nil {
		return turnErr(KindStore, fmt.Errorf("finalize assistant message: %w", err))
	}

	emit(ChunkEvent{ConversationID: conv.ID, MessageID: placeholder.ID, Done: true})

	if isNew && r.titler != nil {
		go r.titleConversation(conv.ID, userMsg.Content, answer)
	}
	return nil
}

func (r *Relay) resolveConversation(id string) (*models.Conversation, error) {
	if id != "" {
		conv, err := r.store.GetConversation(id)
		if err != nil {
			return nil, turnErr(KindStore, fmt.Errorf("resolve conversation: %w", err))
		}
		if conv != nil {
			return conv, nil
		}
	}
	conv, err := r.store.CreateConversation()
	if err != nil {
		return nil, turnErr(KindStore, fmt.Errorf("create conversation: %w", err))
	}
	return conv, nil
}

func (r *Relay) acquire(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[conversationID]; busy {
		return false
	}
	r.inflight[conversationID] = struct{}{}
	return true
}

func (r *Relay) release(conversationID string) {
	r.mu.Lock()
	delete(r.inflight, conversationID)
	r.mu.Unlock()
}

func (r *Relay) projectHistory(conversationID string) ([]ollama.Message, error) {
	history, err := r.store.ListMessages(conversationID)
	if err != nil {
		return nil, turnErr(KindStore, fmt.Errorf("load history: %w", err))
	}
	msgs := make([]ollama.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, ollama.Message{Role: m.Role, Content: m.Content})
	}
	if r.trimmer != nil {
		msgs = r.trimmer.Trim(msgs)
	}
	return msgs, nil
}

// forward relays fragments in upstream order until the stream ends,
// returning the accumulated answer.
func (r *Relay) forward(ctx context.Context, conversationID, messageID string, stream Stream, emit func(ChunkEvent)) (string, error) {
	var buf strings.Builder

	var timer *time.Timer
	var timeoutC <-chan time.Time
	if r.fragmentTimeout > 0 {
		timer = time.NewTimer(r.fragmentTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		select {
		case frag, ok := <-stream.Fragments():
			if !ok {
				if err := stream.Err(); err != nil {
					return buf.String(), turnErr(KindUpstreamTransport, err)
				}
				return buf.String(), nil
			}
			buf.WriteString(frag)
			emit(ChunkEvent{
				ConversationID: conversationID,
				MessageID:      messageID,
				Text:           frag,
			})
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(r.fragmentTimeout)
			}
		case <-timeoutC:
			return buf.String(), turnErr(KindUpstreamTransport,
				fmt.Errorf("no fragment within %s", r.fragmentTimeout))
		case <-ctx.Done():
			return buf.String(), ctx.Err()
		}
	}
}

func (r *Relay) titleConversation(conversationID, userText, answer string) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	title, err := r.titler.TitleConversation(ctx, userText, answer)
	if err != nil {
		r.logger.Warn("conversation titling failed",
			zap.String("conversationId", conversationID), zap.Error(err))
		return
	}
	if err := r.store.UpdateConversationTitle(conversationID, title); err != nil {
		r.logger.Warn("failed to store conversation title",
			zap.String("conversationId", conversationID), zap.Error(err))
	}
}
