package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/shanemcd/llamachat/pkg/api"
)

// HealthCmd gets the health of a server.
type HealthCmd struct{}

// Run executes the health command.
func (c *HealthCmd) Run(cli *CLI) error {
	h, err := ClientFromCLI(cli).Health(context.Background())
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	printHealth(os.Stdout, h)
	return nil
}

func printHealth(w io.Writer, h *api.HealthResponse) {
	fmt.Fprintf(w, "Health:\n")
	fmt.Fprintf(w, "  Status:             %s\n", h.Status)
	fmt.Fprintf(w, "  State:              %s\n", h.State)
	fmt.Fprintf(w, "  Uptime:             %ds\n", h.UptimeSeconds)
	fmt.Fprintf(w, "  Active Generations: %d\n", h.ActiveGenerations)
	if h.Generator != "" {
		fmt.Fprintf(w, "  Generator:          %s\n", h.Generator)
	}
}
