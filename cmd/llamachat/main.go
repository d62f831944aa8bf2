// llamachat serves a local language model as a multi-session streaming chat
// API, and talks to such a server from the command line.
package main

import (
	"log"
	"os"

	"github.com/alecthomas/kong"
)

func main() {
	cli := CLI{}

	// First pass: parse to get --config path
	parser, err := kong.New(&cli,
		kong.Name("llamachat"),
		kong.Description("Multi-session streaming chat server for local language models"),
	)
	if err != nil {
		log.Fatalf("failed to create parser: %v", err)
	}

	// First pass ignores errors (we just need the config path)
	_, _ = parser.Parse(os.Args[1:])

	// Load config file (if provided)
	resolver, err := LoadConfigFile(cli.Config)
	if err != nil {
		log.Fatalf("failed to load config file: %v", err)
	}

	// Second pass: CLI/env override file values, run subcommand
	opts := []kong.Option{
		kong.Name("llamachat"),
		kong.Description("Multi-session streaming chat server for local language models"),
		kong.UsageOnError(),
	}
	if resolver != nil {
		opts = append(opts, kong.Resolvers(resolver))
	}
	cli = CLI{}
	ctx := kong.Parse(&cli, opts...)

	setupLogger(cli.LogLevel, cli.LogFormat)

	// Resolve paths (expand ~)
	if err := cli.ResolvePaths(); err != nil {
		log.Fatalf("failed to resolve paths: %v", err)
	}

	// Run the selected command
	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
