package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/shanemcd/llamachat/pkg/api"
)

// HistoryCmd prints the history of a chat session.
type HistoryCmd struct {
	ChatID string `arg:"" help:"Chat session id"`
}

// Run executes the history command.
func (c *HistoryCmd) Run(cli *CLI) error {
	h, err := ClientFromCLI(cli).History(context.Background(), c.ChatID)
	if err != nil {
		return fmt.Errorf("get history failed: %w", err)
	}
	printHistory(os.Stdout, c.ChatID, h)
	return nil
}

func printHistory(w io.Writer, chatID string, h *api.HistoryResponse) {
	fmt.Fprintf(w, "Chat: %s\n", chatID)
	if h.SystemPrompt != nil {
		fmt.Fprintf(w, "System prompt: %s\n", *h.SystemPrompt)
	}
	if len(h.History) == 0 {
		fmt.Fprintln(w, "(no turns)")
		return
	}
	for i, turn := range h.History {
		fmt.Fprintf(w, "\n[%d] Human: %s\n", i+1, turn.User)
		fmt.Fprintf(w, "[%d] Assistant: %s\n", i+1, turn.Assistant)
	}
}

// SystemPromptCmd sets or clears the system prompt of a chat session.
type SystemPromptCmd struct {
	ChatID string `arg:"" help:"Chat session id"`
	Prompt string `arg:"" optional:"" help:"System prompt (omit with --clear)"`
	Clear  bool   `help:"Clear the system prompt"`
}

// Run executes the system-prompt command.
func (c *SystemPromptCmd) Run(cli *CLI) error {
	var prompt *string
	switch {
	case c.Clear:
	case c.Prompt == "":
		return fmt.Errorf("a prompt is required unless --clear is given")
	default:
		prompt = &c.Prompt
	}

	detail, err := ClientFromCLI(cli).SetSystemPrompt(context.Background(), c.ChatID, prompt)
	if err != nil {
		return fmt.Errorf("set system prompt failed: %w", err)
	}
	fmt.Println(detail)
	return nil
}

// DeleteCmd deletes a chat session.
type DeleteCmd struct {
	ChatID string `arg:"" help:"Chat session id"`
}

// Run executes the delete command.
func (c *DeleteCmd) Run(cli *CLI) error {
	detail, err := ClientFromCLI(cli).Delete(context.Background(), c.ChatID)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	fmt.Println(detail)
	return nil
}
