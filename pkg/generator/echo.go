package generator

import (
	"context"
	"strings"
	"time"

	"github.com/shanemcd/llamachat/pkg/prompt"
)

// Echo is a generator that streams the last user message of the prompt back
// word by word, for development and testing.
type Echo struct {
	// Delay is slept between words to make streaming visible.
	Delay time.Duration
}

// NewEcho creates a new echo generator.
func NewEcho(delay time.Duration) *Echo {
	return &Echo{Delay: delay}
}

// Stream echoes the last user message, one word per event.
func (e *Echo) Stream(ctx context.Context, p string) (<-chan Event, error) {
	words := strings.SplitAfter(prompt.LastMessage(p), " ")
	ch := make(chan Event)

	go func() {
		defer close(ch)

		for i, w := range words {
			if i > 0 && e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- Event{Content: w}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case ch <- finalEvent(ctx.Err()):
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// Name returns the generator identifier.
func (e *Echo) Name() string {
	return "echo"
}

var _ Generator = (*Echo)(nil)
