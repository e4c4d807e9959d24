package fetch

import "fmt"

// TransientError marks a failure worth retrying: timeouts, connection
// errors, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient fetch error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError marks a failure that retrying cannot fix: 4xx responses.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return fmt.Sprintf("terminal fetch error: %v", e.Err) }
func (e *TerminalError) Unwrap() error { return e.Err }
