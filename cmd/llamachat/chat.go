package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
)

// ChatCmd sends one message and streams the reply to stdout.
type ChatCmd struct {
	Message []string `arg:"" help:"Message to send"`
	ChatID  string   `short:"i" name:"chat-id" help:"Chat session id" default:"default"`
	DryRun  bool     `help:"Print the prompt the server would send instead of generating"`
}

// Run executes the chat command.
func (c *ChatCmd) Run(cli *CLI) error {
	message := strings.Join(c.Message, " ")
	slog.Debug("sending message", "url", cli.Client.URL, "chat_id", c.ChatID, "dry_run", c.DryRun)

	// Ctrl-C aborts the turn; the server then discards it.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := ClientFromCLI(cli).Chat(ctx, c.ChatID, message, c.DryRun, os.Stdout); err != nil {
		return fmt.Errorf("chat failed: %w", err)
	}
	fmt.Println()
	return nil
}

// ChatsCmd lists chat sessions.
type ChatsCmd struct{}

// Run executes the chats command.
func (c *ChatsCmd) Run(cli *CLI) error {
	ids, err := ClientFromCLI(cli).Chats(context.Background())
	if err != nil {
		return fmt.Errorf("list chats failed: %w", err)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}
