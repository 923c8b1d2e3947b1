package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Code0Breaker/voice-app-test/internal/relay"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 20 * time.Second
)

// Handler upgrades each request to a websocket carrying one client
// session: message frames in, chunk and error frames out.
type Handler struct {
	relay    *relay.Relay
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandler(r *relay.Relay, logger *zap.Logger) *Handler {
	return &Handler{
		relay:  r,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(req.Context())
	s := &session{
		conn:     conn,
		relay:    h.relay,
		logger:   h.logger.With(zap.String("remote", conn.RemoteAddr().String())),
		outbound: make(chan []byte, 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.logger.Info("client connected")
	go s.writeLoop()
	s.readLoop()

	cancel()
	s.turns.Wait()
	conn.Close()
	s.logger.Info("client disconnected")
}

// session is one connected client. All conn writes go through writeLoop;
// gorilla connections do not allow concurrent writers.
type session struct {
	conn     *websocket.Conn
	relay    *relay.Relay
	logger   *zap.Logger
	outbound chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	turns    sync.WaitGroup
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		msg, err := DecodeClientMessage(data)
		if err != nil {
			s.sendError(err.Error())
			continue
		}

		// Turns run off the read loop so independent conversations can
		// stream concurrently; the relay rejects a second turn on a
		// conversation that already has one in flight.
		s.turns.Add(1)
		go func() {
			defer s.turns.Done()
			s.runTurn(msg)
		}()
	}
}

func (s *session) runTurn(msg ClientMessage) {
	err := s.relay.HandleUtterance(s.ctx, msg.ConversationID, msg.Text, s.sendChunk)
	if err == nil {
		return
	}
	if s.ctx.Err() != nil {
		// Session closed mid-turn; no event delivery afterwards.
		return
	}
	s.logger.Error("turn failed",
		zap.String("kind", string(relay.KindOf(err))),
		zap.Error(err))
	s.sendError(err.Error())
}

func (s *session) sendChunk(ev relay.ChunkEvent) {
	data, err := encodeChunk(ev)
	if err != nil {
		s.logger.Error("failed to encode chunk frame", zap.Error(err))
		return
	}
	s.enqueue(data)
}

func (s *session) sendError(message string) {
	data, err := encodeError(message)
	if err != nil {
		s.logger.Error("failed to encode error frame", zap.Error(err))
		return
	}
	s.enqueue(data)
}

func (s *session) enqueue(data []byte) {
	select {
	case s.outbound <- data:
	case <-s.ctx.Done():
	}
}

// fail tears the session down from the writer side; closing the conn
// unblocks the read loop as well.
func (s *session) fail() {
	s.cancel()
	s.conn.Close()
}

func (s *session) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.ctx.Done():
			deadline := time.Now().Add(writeTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case data := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("websocket write error", zap.Error(err))
				s.fail()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				s.fail()
				return
			}
		}
	}
}
