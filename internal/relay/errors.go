package relay

import "errors"

// Kind classifies how a turn failed.
type Kind string

const (
	// KindUpstreamUnavailable covers a failed initial request, a
	// non-success status, or a missing response body.
	KindUpstreamUnavailable Kind = "upstream unavailable"
	// KindUpstreamTransport covers a stream that broke mid-read.
	KindUpstreamTransport Kind = "upstream transport failure"
	// KindStore covers any persistence operation failing.
	KindStore Kind = "store failure"
	// KindInvalidTurn covers empty text or a turn requested while one
	// is already in flight for the conversation.
	KindInvalidTurn Kind = "invalid turn request"
)

type TurnError struct {
	Kind Kind
	Err  error
}

func (e *TurnError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *TurnError) Unwrap() error { return e.Err }

func turnErr(kind Kind, err error) *TurnError {
	return &TurnError{Kind: kind, Err: err}
}

// KindOf extracts the turn failure classification, or "" for errors that
// did not come from a turn (e.g. context cancellation).
func KindOf(err error) Kind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
