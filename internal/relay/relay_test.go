package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Code0Breaker/voice-app-test/internal/models"
	"github.com/Code0Breaker/voice-app-test/internal/ollama"
)

type fakeStore struct {
	mu     sync.Mutex
	nextID int
	convs  map[string]*models.Conversation
	msgs   map[string][]*models.Message
	byID   map[string]*models.Message
	titles map[string]string

	getErr    error
	createErr error
	appendErr error
	listErr   error
	setErr    error

	appendCalls int
	setCalls    int
	titleSet    chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs:    make(map[string]*models.Conversation),
		msgs:     make(map[string][]*models.Message),
		byID:     make(map[string]*models.Message),
		titles:   make(map[string]string),
		titleSet: make(chan string, 1),
	}
}

func (s *fakeStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *fakeStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.convs[id], nil
}

func (s *fakeStore) CreateConversation() (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	conv := &models.Conversation{ID: s.id("conv"), Title: "New Chat", CreatedAt: time.Now()}
	s.convs[conv.ID] = conv
	return conv, nil
}

func (s *fakeStore) ListMessages(conversationID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]models.Message, 0, len(s.msgs[conversationID]))
	for _, m := range s.msgs[conversationID] {
		out = append(out, *m)
	}
	return out, nil
}

func (s *fakeStore) AppendMessage(conversationID, role, content string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	msg := &models.Message{
		ID:      s.id("msg"),
		ConvID:  conversationID,
		Role:    role,
		Content: content,
		Seq:     int64(len(s.msgs[conversationID]) + 1),
	}
	s.msgs[conversationID] = append(s.msgs[conversationID], msg)
	s.byID[msg.ID] = msg
	return msg, nil
}

func (s *fakeStore) SetMessageContent(messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	if s.setErr != nil {
		return s.setErr
	}
	msg, ok := s.byID[messageID]
	if !ok {
		return fmt.Errorf("no message %s", messageID)
	}
	msg.Content = content
	return nil
}

func (s *fakeStore) UpdateConversationTitle(id, title string) error {
	s.mu.Lock()
	s.titles[id] = title
	s.mu.Unlock()
	select {
	case s.titleSet <- title:
	default:
	}
	return nil
}

func (s *fakeStore) content(messageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.byID[messageID]; ok {
		return msg.Content
	}
	return ""
}

type fakeStream struct {
	ch     chan string
	endErr error
	mu     sync.Mutex
	closed bool
}

func newFakeStream(frags []string, endErr error) *fakeStream {
	ch := make(chan string, len(frags))
	for _, f := range frags {
		ch <- f
	}
	close(ch)
	return &fakeStream{ch: ch, endErr: endErr}
}

func (s *fakeStream) Fragments() <-chan string { return s.ch }
func (s *fakeStream) Err() error               { return s.endErr }
func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type fakeGen struct {
	mu       sync.Mutex
	last     []ollama.Message
	calls    int
	stream   Stream
	chatErr  error
	chatSeen chan struct{}
}

func (g *fakeGen) Chat(ctx context.Context, messages []ollama.Message) (Stream, error) {
	g.mu.Lock()
	g.last = messages
	g.calls++
	g.mu.Unlock()
	if g.chatSeen != nil {
		select {
		case g.chatSeen <- struct{}{}:
		default:
		}
	}
	if g.chatErr != nil {
		return nil, g.chatErr
	}
	return g.stream, nil
}

func (g *fakeGen) lastMessages() []ollama.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

type collector struct {
	mu     sync.Mutex
	events []ChunkEvent
}

func (c *collector) emit(ev ChunkEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) all() []ChunkEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChunkEvent, len(c.events))
	copy(out, c.events)
	return out
}

func TestTurnStreamsAndFinalizes(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{stream: newFakeStream([]string{"Hi", " there"}, nil)}
	r := New(store, gen, zap.NewNop())

	var c collector
	if err := r.HandleUtterance(context.Background(), "", "hello", c.emit); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	events := c.all()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Text != "Hi" || events[0].Done {
		t.Fatalf("events[0]=%+v, want Hi fragment", events[0])
	}
	if events[1].Text != " there" || events[1].Done {
		t.Fatalf("events[1]=%+v, want ' there' fragment", events[1])
	}
	if !events[2].Done || events[2].Text != "" {
		t.Fatalf("events[2]=%+v, want terminal done with empty text", events[2])
	}

	convID := events[0].ConversationID
	msgs, _ := store.ListMessages(convID)
	if len(msgs) != 2 {
		t.Fatalf("got %d persisted messages, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "hello" {
		t.Fatalf("msgs[0]=%+v, want user hello", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "Hi there" {
		t.Fatalf("msgs[1]=%+v, want assistant 'Hi there'", msgs[1])
	}
	if msgs[1].ID != events[2].MessageID {
		t.Fatalf("done event message id %s, want %s", events[2].MessageID, msgs[1].ID)
	}

	if store.appendCalls != 2 || store.setCalls != 1 {
		t.Fatalf("writes append=%d set=%d, want 2 and 1", store.appendCalls, store.setCalls)
	}
}

func TestTurnTransportFailurePersistsPartial(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{stream: newFakeStream([]string{"Hi"}, errors.New("connection reset"))}
	r := New(store, gen, zap.NewNop())

	var c collector
	err := r.HandleUtterance(context.Background(), "", "hello", c.emit)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if KindOf(err) != KindUpstreamTransport {
		t.Fatalf("kind=%q, want %q", KindOf(err), KindUpstreamTransport)
	}

	events := c.all()
	if len(events) != 1 || events[0].Done {
		t.Fatalf("events=%+v, want exactly one non-done fragment", events)
	}
	if got := store.content(events[0].MessageID); got != "Hi" {
		t.Fatalf("persisted partial=%q, want Hi", got)
	}
}

func TestTurnUpstreamUnavailable(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{chatErr: errors.New("connection refused")}
	r := New(store, gen, zap.NewNop())

	var c collector
	err := r.HandleUtterance(context.Background(), "", "hello", c.emit)
	if KindOf(err) != KindUpstreamUnavailable {
		t.Fatalf("kind=%q, want %q", KindOf(err), KindUpstreamUnavailable)
	}
	if len(c.all()) != 0 {
		t.Fatalf("no events should be emitted before the first fragment")
	}
}

func TestEmptyUtteranceRejected(t *testing.T) {
	store := newFakeStore()
	r := New(store, &fakeGen{}, zap.NewNop())

	err := r.HandleUtterance(context.Background(), "", "   ", func(ChunkEvent) {})
	if KindOf(err) != KindInvalidTurn {
		t.Fatalf("kind=%q, want %q", KindOf(err), KindInvalidTurn)
	}
	if store.appendCalls != 0 {
		t.Fatalf("nothing should be persisted for an invalid turn")
	}
}

func TestConcurrentTurnOnSameConversationRejected(t *testing.T) {
	store := newFakeStore()
	conv, _ := store.CreateConversation()

	blocking := &fakeStream{ch: make(chan string)}
	gen := &fakeGen{stream: blocking, chatSeen: make(chan struct{}, 1)}
	r := New(store, gen, zap.NewNop())

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- r.HandleUtterance(context.Background(), conv.ID, "first", func(ChunkEvent) {})
	}()

	select {
	case <-gen.chatSeen:
	case <-time.After(2 * time.Second):
		t.Fatalf("first turn never reached the generator")
	}

	err := r.HandleUtterance(context.Background(), conv.ID, "second", func(ChunkEvent) {})
	if KindOf(err) != KindInvalidTurn {
		t.Fatalf("kind=%q, want %q", KindOf(err), KindInvalidTurn)
	}

	close(blocking.ch)
	if err := <-firstDone; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}

	// The guard is released after the terminal signal.
	gen.stream = newFakeStream(nil, nil)
	if err := r.HandleUtterance(context.Background(), conv.ID, "third", func(ChunkEvent) {}); err != nil {
		t.Fatalf("turn after release failed: %v", err)
	}
}

func TestConversationReuseProjectsFullHistory(t *testing.T) {
	store := newFakeStore()
	conv, _ := store.CreateConversation()
	store.AppendMessage(conv.ID, models.RoleUser, "hello")
	store.AppendMessage(conv.ID, models.RoleAssistant, "Hi there")
	store.appendCalls = 0

	gen := &fakeGen{stream: newFakeStream([]string{"Fine"}, nil)}
	r := New(store, gen, zap.NewNop())

	var c collector
	if err := r.HandleUtterance(context.Background(), conv.ID, "how are you", c.emit); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	if len(store.convs) != 1 {
		t.Fatalf("got %d conversations, want reuse of the existing one", len(store.convs))
	}

	projected := gen.lastMessages()
	want := []ollama.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "Hi there"},
		{Role: "user", Content: "how are you"},
	}
	if len(projected) != len(want) {
		t.Fatalf("projected %d messages, want %d", len(projected), len(want))
	}
	for i := range want {
		if projected[i] != want[i] {
			t.Fatalf("projected[%d]=%+v, want %+v", i, projected[i], want[i])
		}
	}
}

func TestUnknownConversationIDCreatesFresh(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{stream: newFakeStream([]string{"Hi"}, nil)}
	r := New(store, gen, zap.NewNop())

	var c collector
	if err := r.HandleUtterance(context.Background(), "gone", "hello", c.emit); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	events := c.all()
	if events[0].ConversationID == "gone" {
		t.Fatalf("a stale id must not be resurrected")
	}
	if _, ok := store.convs[events[0].ConversationID]; !ok {
		t.Fatalf("events reference an unknown conversation %s", events[0].ConversationID)
	}
}

func TestStoreFailureSurfacesWithoutEvents(t *testing.T) {
	store := newFakeStore()
	store.appendErr = errors.New("disk full")
	r := New(store, &fakeGen{}, zap.NewNop())

	var c collector
	err := r.HandleUtterance(context.Background(), "", "hello", c.emit)
	if KindOf(err) != KindStore {
		t.Fatalf("kind=%q, want %q", KindOf(err), KindStore)
	}
	if len(c.all()) != 0 {
		t.Fatalf("no events should be emitted on a store failure")
	}
}

type fakeTitler struct{}

func (fakeTitler) TitleConversation(ctx context.Context, userText, assistantText string) (string, error) {
	return "Greeting " + strings.Fields(userText)[0], nil
}

func TestNewConversationIsTitledAsync(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{stream: newFakeStream([]string{"Hi there"}, nil)}
	r := New(store, gen, zap.NewNop(), WithTitler(fakeTitler{}))

	if err := r.HandleUtterance(context.Background(), "", "hello friend", func(ChunkEvent) {}); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	select {
	case title := <-store.titleSet:
		if title != "Greeting hello" {
			t.Fatalf("title=%q, want Greeting hello", title)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("conversation was never titled")
	}
}

func TestExistingConversationIsNotRetitled(t *testing.T) {
	store := newFakeStore()
	conv, _ := store.CreateConversation()
	gen := &fakeGen{stream: newFakeStream([]string{"Hi"}, nil)}
	r := New(store, gen, zap.NewNop(), WithTitler(fakeTitler{}))

	if err := r.HandleUtterance(context.Background(), conv.ID, "hello again", func(ChunkEvent) {}); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	select {
	case title := <-store.titleSet:
		t.Fatalf("unexpected retitle to %q", title)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFragmentTimeoutIsTransportFailure(t *testing.T) {
	store := newFakeStore()
	blocking := &fakeStream{ch: make(chan string)}
	gen := &fakeGen{stream: blocking}
	r := New(store, gen, zap.NewNop(), WithFragmentTimeout(50*time.Millisecond))

	err := r.HandleUtterance(context.Background(), "", "hello", func(ChunkEvent) {})
	if KindOf(err) != KindUpstreamTransport {
		t.Fatalf("kind=%q, want %q", KindOf(err), KindUpstreamTransport)
	}
}

func TestCancellationStopsDeliveryAndKeepsPartial(t *testing.T) {
	store := newFakeStore()
	blocking := &fakeStream{ch: make(chan string, 1)}
	blocking.ch <- "Hi"
	gen := &fakeGen{stream: blocking}
	r := New(store, gen, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var c collector
	done := make(chan error, 1)
	go func() {
		done <- r.HandleUtterance(ctx, "", "hello", func(ev ChunkEvent) {
			c.emit(ev)
			cancel()
		})
	}()

	err := <-done
	if err == nil || KindOf(err) != "" {
		t.Fatalf("cancellation should surface the context error, got %v", err)
	}
	events := c.all()
	if len(events) != 1 || events[0].Done {
		t.Fatalf("events=%+v, want the single fragment only", events)
	}
	if got := store.content(events[0].MessageID); got != "Hi" {
		t.Fatalf("persisted partial=%q, want Hi", got)
	}
}
