package prompt

import (
	"testing"

	"github.com/shanemcd/llamachat/pkg/session"
)

func strPtr(s string) *string { return &s }

func TestBuild(t *testing.T) {
	history := []session.Turn{
		{User: "Hi", Assistant: "Hello!"},
		{User: "How are you?", Assistant: "Fine."},
	}

	tests := []struct {
		name    string
		system  *string
		history []session.Turn
		message string
		max     int
		want    string
	}{
		{
			name:    "empty session",
			message: "Hi",
			want:    "### Human: Hi\n### Assistant:",
		},
		{
			name:    "system prompt",
			system:  strPtr("You are terse."),
			message: "Hi",
			want:    "You are terse.\n### Human: Hi\n### Assistant:",
		},
		{
			name:    "empty system prompt is skipped",
			system:  strPtr(""),
			message: "Hi",
			want:    "### Human: Hi\n### Assistant:",
		},
		{
			name:    "history in order",
			history: history,
			message: "Bye",
			want: "### Human: Hi\n### Assistant: Hello!\n" +
				"### Human: How are you?\n### Assistant: Fine.\n" +
				"### Human: Bye\n### Assistant:",
		},
		{
			name:    "window keeps most recent turns",
			system:  strPtr("sys"),
			history: history,
			message: "Bye",
			max:     1,
			want: "sys\n" +
				"### Human: How are you?\n### Assistant: Fine.\n" +
				"### Human: Bye\n### Assistant:",
		},
		{
			name:    "window larger than history",
			history: history[:1],
			message: "Bye",
			max:     10,
			want:    "### Human: Hi\n### Assistant: Hello!\n### Human: Bye\n### Assistant:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Builder{MaxTurns: tt.max}.Build(tt.system, tt.history, tt.message)
			if got != tt.want {
				t.Errorf("unexpected prompt\n got: %q\nwant: %q", got, tt.want)
			}
		})
	}
}

func TestBuild_Deterministic(t *testing.T) {
	history := []session.Turn{{User: "Hi", Assistant: "Hello!"}}
	a := Build(strPtr("sys"), history, "again")
	b := Build(strPtr("sys"), history, "again")
	if a != b {
		t.Errorf("identical inputs produced different prompts:\n%q\n%q", a, b)
	}
}

func TestBuild_DoesNotMutateHistory(t *testing.T) {
	history := []session.Turn{{User: "a", Assistant: "1"}, {User: "b", Assistant: "2"}}
	Builder{MaxTurns: 1}.Build(nil, history, "c")
	if len(history) != 2 || history[0].User != "a" {
		t.Errorf("history mutated: %+v", history)
	}
}

func TestLastMessage(t *testing.T) {
	history := []session.Turn{{User: "Hi", Assistant: "Hello!"}}
	p := Build(strPtr("sys"), history, "what next?")
	if got := LastMessage(p); got != "what next?" {
		t.Errorf("expected %q, got %q", "what next?", got)
	}
	if got := LastMessage("free text"); got != "free text" {
		t.Errorf("expected passthrough, got %q", got)
	}
}
