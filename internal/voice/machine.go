package voice

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Code0Breaker/voice-app-test/internal/relay"
)

// State is the voice turn state. Exactly one is active at a time.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateAnswering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateAnswering:
		return "answering"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Capture is the speech-to-text collaborator. Its events are fed back
// through the OnCapture* methods.
type Capture interface {
	Start() error
	Stop()
	Abort()
}

// Playback renders assistant text as speech. Exactly one of onDone and
// onStopped fires per Speak call.
type Playback interface {
	Speak(text string, onDone, onStopped func()) error
	Stop()
}

// TurnSender hands a finished transcript to the relay channel.
type TurnSender interface {
	Send(text string) error
}

// Feedback drives the ambient visual layer. Optional.
type Feedback interface {
	Mode(s State)
	Level(level float64)
}

// CaptureError is a speech recognition failure surfaced to the UI layer.
type CaptureError struct {
	Reason string
}

func (e *CaptureError) Error() string {
	return "speech capture failed: " + e.Reason
}

// RelayError is a failed turn reported by the server.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string {
	return "turn failed: " + e.Message
}

// Machine coordinates speech capture, network streaming and playback so
// that at most one of them is active at any instant. All methods are safe
// for concurrent use; collaborator calls happen outside the lock so their
// callbacks may re-enter the machine.
type Machine struct {
	capture  Capture
	playback Playback
	sender   TurnSender
	feedback Feedback
	onError  func(error)
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	transcript string
	answer     string
	answered   bool // first-chunk side effects already ran for this turn
}

type Option func(*Machine)

func WithFeedback(f Feedback) Option {
	return func(m *Machine) { m.feedback = f }
}

// WithErrorHandler surfaces capture and relay failures to the UI layer.
func WithErrorHandler(fn func(error)) Option {
	return func(m *Machine) { m.onError = fn }
}

func NewMachine(capture Capture, playback Playback, sender TurnSender, logger *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		capture:  capture,
		playback: playback,
		sender:   sender,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Transcript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcript
}

func (m *Machine) Answer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.answer
}

// Activate begins a voice session: idle -> listening with capture
// running.
func (m *Machine) Activate() error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return errors.New("cannot activate while " + state.String())
	}
	m.transcript = ""
	m.answer = ""
	m.answered = false
	m.state = StateListening
	m.mu.Unlock()

	if err := m.capture.Start(); err != nil {
		m.resetToIdle()
		return fmt.Errorf("start capture: %w", err)
	}
	return nil
}

// OnCaptureStart confirms capture is live; listening feedback begins.
func (m *Machine) OnCaptureStart() {
	m.mu.Lock()
	listening := m.state == StateListening
	m.mu.Unlock()
	if listening && m.feedback != nil {
		m.feedback.Mode(StateListening)
	}
}

// OnCaptureResult replaces the in-progress transcript with the latest
// recognition result.
func (m *Machine) OnCaptureResult(transcript string) {
	m.mu.Lock()
	if m.state == StateListening {
		m.transcript = transcript
	}
	m.mu.Unlock()
}

// OnVolumeChange maps the platform volume range (-2..10) onto 0..1 for
// the feedback layer.
func (m *Machine) OnVolumeChange(value float64) {
	if m.feedback == nil {
		return
	}
	normalized := (value + 2) / 12
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}
	m.feedback.Level(normalized)
}

// OnCaptureEnd closes the listening phase. A non-empty transcript is
// drained exactly once and handed to the relay; an empty one resolves the
// machine back to idle.
func (m *Machine) OnCaptureEnd() {
	m.mu.Lock()
	if m.state != StateListening {
		m.mu.Unlock()
		return
	}
	text := m.transcript
	m.transcript = ""
	if text == "" {
		m.mu.Unlock()
		m.resetToIdle()
		return
	}
	m.state = StateThinking
	m.answered = false
	m.answer = ""
	m.mu.Unlock()

	m.capture.Stop()
	if m.feedback != nil {
		m.feedback.Mode(StateThinking)
	}
	if err := m.sender.Send(text); err != nil {
		m.resetToIdle()
		m.surface(fmt.Errorf("send utterance: %w", err))
	}
}

// OnCaptureError resolves the machine to idle and surfaces the failure.
func (m *Machine) OnCaptureError(reason string) {
	m.logger.Warn("speech capture error", zap.String("reason", reason))
	m.resetToIdle()
	m.surface(&CaptureError{Reason: reason})
}

// OnChunk consumes one relay event. The first fragment of a turn flips
// thinking into answering exactly once, even if the signal is duplicated;
// the terminal event hands the accumulated answer to playback.
func (m *Machine) OnChunk(ev relay.ChunkEvent) {
	m.mu.Lock()
	if m.state != StateThinking && m.state != StateAnswering {
		m.mu.Unlock()
		return
	}

	if ev.Done {
		text := m.answer
		m.state = StateAnswering
		m.mu.Unlock()
		m.speak(text)
		return
	}

	m.answer += ev.Text
	firstChunk := !m.answered
	m.answered = true
	m.state = StateAnswering
	m.mu.Unlock()

	if firstChunk && m.feedback != nil {
		m.feedback.Mode(StateAnswering)
	}
}

// OnRelayError resolves the machine to idle and surfaces the failure.
func (m *Machine) OnRelayError(message string) {
	m.logger.Warn("relay error", zap.String("message", message))
	m.resetToIdle()
	m.surface(&RelayError{Message: message})
}

// Close aborts everything in flight and resolves to idle.
func (m *Machine) Close() {
	m.capture.Abort()
	m.playback.Stop()
	m.resetToIdle()
}

func (m *Machine) speak(text string) {
	err := m.playback.Speak(text, m.onPlaybackDone, m.onPlaybackStopped)
	if err != nil {
		m.resetToIdle()
		m.surface(fmt.Errorf("start playback: %w", err))
	}
}

// onPlaybackDone restarts capture for continuous turn-taking.
func (m *Machine) onPlaybackDone() {
	m.mu.Lock()
	if m.state != StateAnswering {
		m.mu.Unlock()
		return
	}
	m.transcript = ""
	m.answer = ""
	m.answered = false
	m.state = StateListening
	m.mu.Unlock()

	if m.feedback != nil {
		m.feedback.Mode(StateListening)
		m.feedback.Level(0)
	}
	if err := m.capture.Start(); err != nil {
		m.resetToIdle()
		m.surface(fmt.Errorf("restart capture: %w", err))
	}
}

// onPlaybackStopped means playback was cancelled; the session ends.
func (m *Machine) onPlaybackStopped() {
	m.mu.Lock()
	if m.state != StateAnswering {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.resetToIdle()
}

func (m *Machine) resetToIdle() {
	m.mu.Lock()
	m.state = StateIdle
	m.transcript = ""
	m.answer = ""
	m.answered = false
	m.mu.Unlock()

	if m.feedback != nil {
		m.feedback.Mode(StateIdle)
		m.feedback.Level(0)
	}
}

func (m *Machine) surface(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}
