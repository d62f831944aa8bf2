// Package prompt renders a session's state and a new user message into the
// text handed to the generator.
package prompt

import (
	"strings"

	"github.com/shanemcd/llamachat/pkg/session"
)

const (
	// HumanPrefix opens every user message in the prompt.
	HumanPrefix = "### Human: "
	// AssistantCue marks where the assistant's continuation begins.
	AssistantCue = "### Assistant:"
)

// Builder renders prompts. The zero value includes the full history.
type Builder struct {
	// MaxTurns limits the prompt to the most recent turns. Zero or negative
	// means no limit. Stored history is never affected.
	MaxTurns int
}

// Build returns the prompt for message given the system prompt and prior
// turns. Identical inputs always produce identical output.
//
// Layout, parts joined by a newline:
//
//	<system prompt>
//	### Human: <user>
//	### Assistant: <assistant>
//	...
//	### Human: <message>
//	### Assistant:
func (b Builder) Build(systemPrompt *string, history []session.Turn, message string) string {
	if b.MaxTurns > 0 && len(history) > b.MaxTurns {
		history = history[len(history)-b.MaxTurns:]
	}

	parts := make([]string, 0, len(history)+2)
	if systemPrompt != nil && *systemPrompt != "" {
		parts = append(parts, *systemPrompt)
	}
	for _, turn := range history {
		parts = append(parts, HumanPrefix+turn.User+"\n"+AssistantCue+" "+turn.Assistant)
	}
	parts = append(parts, HumanPrefix+message+"\n"+AssistantCue)

	return strings.Join(parts, "\n")
}

// Build renders a prompt with the full history.
func Build(systemPrompt *string, history []session.Turn, message string) string {
	return Builder{}.Build(systemPrompt, history, message)
}

// LastMessage extracts the final user message from a prompt produced by
// Build. It returns the whole prompt if it has no recognizable layout.
func LastMessage(p string) string {
	i := strings.LastIndex(p, HumanPrefix)
	if i < 0 {
		return p
	}
	msg := p[i+len(HumanPrefix):]
	return strings.TrimSuffix(msg, "\n"+AssistantCue)
}
