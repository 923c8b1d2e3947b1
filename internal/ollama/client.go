package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Message is one role-tagged entry of the conversation context sent
// upstream, oldest first.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatRecord struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

type Client struct {
	baseURL string
	model   string
	httpc   *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, model string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpc:   &http.Client{},
		logger:  logger,
	}
}

func (c *Client) Model() string { return c.model }

// Chat opens one streaming request against /api/chat and returns a Stream
// of text fragments. A non-success status or missing body fails the call
// before any fragment is produced.
func (c *Client) Chat(ctx context.Context, messages []Message) (*Stream, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if resp.Body == nil {
		cancel()
		return nil, errors.New("ollama: response has no body")
	}

	s := &Stream{
		fragments: make(chan string, 16),
		ctx:       ctx,
		cancel:    cancel,
		logger:    c.logger,
	}
	go s.read(resp.Body)
	return s, nil
}

// Stream is a lazy, finite sequence of non-empty text fragments. The
// sequence ends when upstream signals completion, the connection closes,
// or the stream is closed by the consumer.
type Stream struct {
	fragments chan string
	ctx       context.Context
	cancel    context.CancelFunc
	err       error
	logger    *zap.Logger
}

// Fragments yields fragments in upstream emission order. The channel is
// closed when the sequence ends; check Err afterwards to distinguish a
// completed stream from a broken connection.
func (s *Stream) Fragments() <-chan string {
	return s.fragments
}

// Err reports why the stream ended. It is valid only after Fragments has
// been closed. A nil error means upstream completed or closed cleanly.
func (s *Stream) Err() error {
	return s.err
}

// Close abandons the stream and releases the underlying connection. Safe
// to call at any time, including after the stream has ended.
func (s *Stream) Close() {
	s.cancel()
}

func (s *Stream) read(body io.ReadCloser) {
	defer close(s.fragments)
	defer body.Close()
	defer s.cancel()

	reader := bufio.NewReader(body)
	for {
		// ReadBytes buffers partial records across network reads;
		// only a newline-terminated record is ever parsed.
		line, err := reader.ReadBytes('\n')
		if err == nil {
			if s.handleLine(line) {
				return
			}
			continue
		}

		if err == io.EOF {
			// Clean close. A trailing unterminated record is
			// incomplete and is discarded, matching the buffered
			// line policy.
			return
		}
		if s.ctx.Err() != nil {
			// Abandoned by the consumer, not an upstream fault.
			return
		}
		s.err = fmt.Errorf("ollama stream read: %w", err)
		return
	}
}

// handleLine parses one complete record and reports whether the sequence
// is finished.
func (s *Stream) handleLine(line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var record chatRecord
	if err := json.Unmarshal(line, &record); err != nil {
		// Malformed upstream output must not abort a healthy stream.
		s.logger.Debug("skipping malformed ollama record", zap.ByteString("line", line))
		return false
	}

	if record.Message.Content != "" {
		select {
		case s.fragments <- record.Message.Content:
		case <-s.ctx.Done():
			return true
		}
	}

	// Completion ends the sequence immediately; unread bytes are
	// discarded when the body is released.
	return record.Done
}
