// Package generator turns a prompt into a stream of text chunks produced by
// an external model.
package generator

import (
	"context"
	"errors"
	"fmt"
)

// Generator produces assistant text for a prompt.
type Generator interface {
	// Stream starts generation and returns a channel of events. Content
	// events arrive as output becomes available; the last event has Done set
	// and carries the terminal Status. The channel is closed afterwards.
	// If ctx is cancelled the final event may be dropped; a channel that
	// closes without a Done event means the stream was cancelled.
	Stream(ctx context.Context, prompt string) (<-chan Event, error)

	// Name returns the generator identifier (e.g., "process", "echo").
	Name() string
}

// Event represents a chunk of streaming output.
type Event struct {
	Content string // text chunk (empty for the final event)
	Done    bool   // true if this is the final event
	Status  Status // terminal status, meaningful when Done is set
	Err     error  // non-nil unless Status is StatusDone
}

// Status is the terminal state of a stream.
type Status int

const (
	// StatusDone means the generator finished normally.
	StatusDone Status = iota
	// StatusTimeout means the generation exceeded its allotted time.
	StatusTimeout
	// StatusCancelled means the caller went away.
	StatusCancelled
	// StatusFailed means the generator exited abnormally.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	ErrTimeout = errors.New("generation timed out")
	ErrFailed  = errors.New("generation failed")
)

// Error describes why a stream did not finish with StatusDone.
type Error struct {
	Status   Status
	ExitCode int    // child exit code, -1 if unknown
	Stderr   string // captured diagnostic output
	Err      error
}

func (e *Error) Error() string {
	msg := e.Status.String()
	switch e.Status {
	case StatusTimeout:
		msg = ErrTimeout.Error()
	case StatusFailed:
		msg = ErrFailed.Error()
		if e.ExitCode > 0 {
			msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
		}
	case StatusCancelled:
		msg = "generation cancelled"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the status sentinels, so errors.Is(err, ErrTimeout) holds for a
// timed out stream and errors.Is(err, context.Canceled) for a cancelled one.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Status == StatusTimeout
	case ErrFailed:
		return e.Status == StatusFailed
	case context.Canceled:
		return e.Status == StatusCancelled
	}
	return false
}

// Diagnostics returns the captured stderr of a failed stream, if any.
func Diagnostics(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Stderr
	}
	return ""
}

// StatusOf returns the terminal status implied by err.
func StatusOf(err error) Status {
	var ge *Error
	switch {
	case err == nil:
		return StatusDone
	case errors.As(err, &ge):
		return ge.Status
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusFailed
	}
}

// finalEvent builds the terminal event for err.
func finalEvent(err error) Event {
	return Event{Done: true, Status: StatusOf(err), Err: err}
}
