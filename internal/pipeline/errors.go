package pipeline

import "errors"

// TerminalError marks a failure that no retry can fix.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error { return e.Err }

// IsTerminal reports whether err, or anything it wraps, is a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
