package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"github.com/shanemcd/llamachat/pkg/chat"
	"github.com/shanemcd/llamachat/pkg/generator"
	"github.com/shanemcd/llamachat/pkg/session"
)

// ConfigVersion is the current config file version.
const ConfigVersion = "v1"

// CLI is the root command structure for llamachat.
// It serves as the single source of truth for CLI flags, env vars, and config files.
type CLI struct {
	// Global flags (shared across all subcommands)
	Config    string `short:"c" help:"Path to config file" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)" default:"info" env:"LLAMACHAT_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)" default:"text" enum:"text,json" env:"LLAMACHAT_LOG_FORMAT"`

	Server    ServerConfig    `embed:"" prefix:"server-"`
	Store     StoreConfig     `embed:"" prefix:"store-"`
	Generator GeneratorConfig `embed:"" prefix:"generator-"`
	Prompt    PromptConfig    `embed:"" prefix:"prompt-"`
	Client    ClientConfig    `embed:"" prefix:"client-"`

	// Subcommands
	Serve        ServeCmd        `cmd:"" help:"Run the chat server"`
	Chat         ChatCmd         `cmd:"" help:"Send a message and stream the reply"`
	Chats        ChatsCmd        `cmd:"" help:"List chat sessions"`
	History      HistoryCmd      `cmd:"" help:"Show the history of a chat session"`
	SystemPrompt SystemPromptCmd `cmd:"" name:"system-prompt" help:"Set or clear the system prompt of a chat session"`
	Delete       DeleteCmd       `cmd:"" help:"Delete a chat session"`
	Health       HealthCmd       `cmd:"" help:"Check server health"`
}

// ServerConfig holds server-mode configuration.
type ServerConfig struct {
	Addr            string        `help:"Address to listen on" default:"127.0.0.1:8000" env:"LLAMACHAT_ADDR"`
	APIKey          string        `name:"api-key" help:"API key required in the X-API-Key header (empty allows every client)" env:"LLAMACHAT_API_KEY"`
	RateLimit       int           `help:"Chat requests allowed per client IP per hour (0 disables)" default:"20" env:"LLAMACHAT_RATE_LIMIT"`
	ShutdownTimeout time.Duration `help:"Time allowed for in-flight requests on shutdown" default:"30s" env:"LLAMACHAT_SHUTDOWN_TIMEOUT"`
	MaxSessions     int           `help:"Maximum number of chat sessions (0 disables)" default:"100" env:"LLAMACHAT_MAX_SESSIONS"`
	MaxInputLength  int           `help:"Maximum message length in characters" default:"2048" env:"LLAMACHAT_MAX_INPUT_LENGTH"`
}

// StoreConfig holds session storage configuration.
type StoreConfig struct {
	Backend    string `help:"Session backend (file, sqlite)" default:"file" enum:"file,sqlite" env:"LLAMACHAT_STORE_BACKEND"`
	Dir        string `help:"History directory for the file backend" default:"~/.llamachat/history" env:"LLAMACHAT_STORE_DIR"`
	SQLitePath string `name:"sqlite-path" help:"Database path for the sqlite backend" default:"~/.llamachat/sessions.db" env:"LLAMACHAT_STORE_SQLITE_PATH"`
	Watch      bool   `help:"Reload session files changed on disk" default:"true" negatable:"" env:"LLAMACHAT_STORE_WATCH"`
}

// GeneratorConfig holds generator configuration.
type GeneratorConfig struct {
	Provider    string        `help:"Generator (process, echo, ollama)" default:"process" enum:"process,echo,ollama" env:"LLAMACHAT_GENERATOR_PROVIDER"`
	Command     string        `help:"Model executable for the process generator" default:"llama-cli" env:"LLAMACHAT_GENERATOR_COMMAND"`
	Args        []string      `help:"Arguments for the model executable; {prompt} is replaced by the prompt" default:"--prompt,{prompt},-n,-1" env:"LLAMACHAT_GENERATOR_ARGS"`
	Model       string        `help:"Model path for the process generator (passed as -m) or model name for ollama" env:"LLAMACHAT_GENERATOR_MODEL"`
	URL         string        `help:"API URL for the ollama generator" default:"http://localhost:11434/v1" env:"LLAMACHAT_GENERATOR_URL"`
	Timeout     time.Duration `help:"Maximum time for one generation (0 disables)" default:"5m" env:"LLAMACHAT_GENERATOR_TIMEOUT"`
	GracePeriod time.Duration `help:"Time a terminated model process gets before it is killed" default:"5s" env:"LLAMACHAT_GENERATOR_GRACE_PERIOD"`
	Delay       time.Duration `help:"Delay between words for the echo generator" default:"0s" env:"LLAMACHAT_GENERATOR_DELAY"`
}

// PromptConfig holds prompt construction configuration.
type PromptConfig struct {
	MaxHistory int `help:"Number of prior turns included in the prompt (0 includes all)" default:"10" env:"LLAMACHAT_PROMPT_MAX_HISTORY"`
}

// ClientConfig holds configuration for the client subcommands.
type ClientConfig struct {
	URL     string        `help:"Server URL" default:"http://127.0.0.1:8000" env:"LLAMACHAT_URL"`
	Timeout time.Duration `help:"Request timeout for non-streaming calls" default:"30s" env:"LLAMACHAT_CLIENT_TIMEOUT"`
}

// LoadConfigFile reads a YAML config file and returns a resolver that feeds
// its values to kong as flag values, so flags and env vars still override
// them. Nested sections map to prefixed flags: server.addr is --server-addr.
// If the path is empty, it returns a nil resolver.
func LoadConfigFile(path string) (kong.Resolver, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	version, _ := raw["version"].(string)
	if err := ValidateConfigVersion(version); err != nil {
		return nil, err
	}
	delete(raw, "version")

	values := make(map[string]any)
	flatten("", raw, values)

	return kong.ResolverFunc(func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		v, ok := values[flag.Name]
		if !ok {
			return nil, nil
		}
		// A set env var beats the file.
		for _, env := range flag.Envs {
			if _, set := os.LookupEnv(env); set {
				return nil, nil
			}
		}
		return v, nil
	}), nil
}

// flatten joins nested keys with "-" and converts scalars to strings, the
// form kong mappers accept for every flag type.
func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "-" + k
		}
		switch v := v.(type) {
		case map[string]any:
			flatten(key, v, out)
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				items[i] = fmt.Sprint(item)
			}
			out[key] = items
		case nil:
		default:
			out[key] = fmt.Sprint(v)
		}
	}
}

// ValidateConfigVersion checks that the config file version is supported.
func ValidateConfigVersion(version string) error {
	if version == "" {
		return fmt.Errorf("config file missing 'version' field (expected: %s)", ConfigVersion)
	}

	switch version {
	case "v1":
		return nil
	default:
		return fmt.Errorf("unsupported config version %q (supported: %s)", version, ConfigVersion)
	}
}

// ResolvePaths expands ~ in storage paths.
func (cli *CLI) ResolvePaths() error {
	for _, p := range []*string{&cli.Store.Dir, &cli.Store.SQLitePath} {
		expanded, err := expandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// CreateGenerator creates the configured generator.
func (cli *CLI) CreateGenerator() (generator.Generator, error) {
	g := cli.Generator
	switch g.Provider {
	case "process":
		var args []string
		if g.Model != "" {
			args = append(args, "-m", g.Model)
		}
		args = append(args, g.Args...)
		return generator.NewProcess(generator.ProcessConfig{
			Command:     g.Command,
			Args:        args,
			Timeout:     g.Timeout,
			GracePeriod: g.GracePeriod,
		})
	case "ollama":
		if g.Model == "" {
			return nil, fmt.Errorf("--generator-model is required when using the ollama generator")
		}
		return generator.NewOllama(generator.OllamaConfig{
			BaseURL: g.URL,
			Model:   g.Model,
			Timeout: g.Timeout,
		}), nil
	case "echo":
		return generator.NewEcho(g.Delay), nil
	default:
		return nil, fmt.Errorf("unknown generator: %s", g.Provider)
	}
}

// OpenStore opens the configured session store.
func (cli *CLI) OpenStore() (*session.Store, error) {
	switch cli.Store.Backend {
	case "file":
		b, err := session.NewFileBackend(cli.Store.Dir)
		if err != nil {
			return nil, err
		}
		return session.NewStore(b), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cli.Store.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		b, err := session.OpenSQLite(cli.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return session.NewStore(b), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cli.Store.Backend)
	}
}

// ChatConfig returns the turn limits.
func (cli *CLI) ChatConfig() chat.Config {
	return chat.Config{
		MaxHistory:     cli.Prompt.MaxHistory,
		MaxSessions:    cli.Server.MaxSessions,
		MaxInputLength: cli.Server.MaxInputLength,
	}
}

// expandHome expands ~ to the user's home directory.
func expandHome(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}

	return filepath.Join(home, path[1:]), nil
}
