package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ollama streams raw-prompt completions from Ollama (or any server with an
// OpenAI-compatible /completions endpoint).
type Ollama struct {
	baseURL string
	model   string
	timeout time.Duration
	client  *http.Client
}

// OllamaConfig holds configuration for the Ollama generator.
type OllamaConfig struct {
	BaseURL string        // e.g., "http://localhost:11434/v1"
	Model   string        // e.g., "zephyr"
	Timeout time.Duration // bounds a single generation, zero disables it
}

// NewOllama creates a new Ollama generator.
func NewOllama(cfg OllamaConfig) *Ollama {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &Ollama{
		baseURL: baseURL,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		client:  &http.Client{},
	}
}

// completionRequest is the OpenAI text completion request format.
type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// completionChunk is one streamed completion chunk.
type completionChunk struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream posts the prompt and relays the SSE completion stream.
func (o *Ollama) Stream(ctx context.Context, prompt string) (<-chan Event, error) {
	slog.Debug("ollama stream request", "model", o.model, "prompt_bytes", len(prompt))

	reqCtx, cancel := context.WithCancel(ctx)
	timeoutCtx := reqCtx
	if o.timeout > 0 {
		var cancelTimeout context.CancelFunc
		timeoutCtx, cancelTimeout = context.WithTimeout(reqCtx, o.timeout)
		prev := cancel
		cancel = func() {
			cancelTimeout()
			prev()
		}
	}

	body, err := json.Marshal(completionRequest{Model: o.model, Prompt: prompt, Stream: true})
	if err != nil {
		cancel()
		return nil, &Error{Status: StatusFailed, ExitCode: -1, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, o.baseURL+"/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &Error{Status: StatusFailed, ExitCode: -1, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := o.client.Do(req)
	if err != nil {
		cancel()
		return nil, o.classify(ctx, timeoutCtx, fmt.Errorf("send request: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, stderrLimit))
		resp.Body.Close()
		cancel()
		return nil, &Error{
			Status:   StatusFailed,
			ExitCode: -1,
			Stderr:   strings.TrimSpace(string(respBody)),
			Err:      fmt.Errorf("ollama error (status %d)", resp.StatusCode),
		}
	}

	ch := make(chan Event)

	go func() {
		defer close(ch)
		defer cancel()
		defer resp.Body.Close()

		send := func(ev Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		streamErr := func() error {
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()

				// SSE format: "data: {...}"
				if !strings.HasPrefix(line, "data: ") {
					continue
				}
				data := strings.TrimPrefix(line, "data: ")
				if data == "[DONE]" {
					return nil
				}

				var chunk completionChunk
				if err := json.Unmarshal([]byte(data), &chunk); err != nil {
					return fmt.Errorf("decode chunk: %w", err)
				}
				if chunk.Error != nil {
					return fmt.Errorf("ollama error: %s", chunk.Error.Message)
				}
				if len(chunk.Choices) == 0 {
					continue
				}
				if text := chunk.Choices[0].Text; text != "" {
					if !send(Event{Content: text}) {
						return ctx.Err()
					}
				}
				if chunk.Choices[0].FinishReason != "" {
					return nil
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stream: %w", err)
			}
			return nil
		}()

		var final error
		if streamErr != nil || ctx.Err() != nil || timeoutCtx.Err() != nil {
			final = o.classify(ctx, timeoutCtx, streamErr)
		}
		send(finalEvent(final))
	}()

	return ch, nil
}

// classify maps a transport error onto a terminal status, preferring caller
// cancellation over the generation timeout.
func (o *Ollama) classify(ctx, timeoutCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return &Error{Status: StatusCancelled, ExitCode: -1, Err: ctx.Err()}
	case timeoutCtx.Err() != nil:
		return &Error{Status: StatusTimeout, ExitCode: -1, Err: fmt.Errorf("after %s", o.timeout)}
	default:
		return &Error{Status: StatusFailed, ExitCode: -1, Err: err}
	}
}

// Name returns the generator identifier.
func (o *Ollama) Name() string {
	return "ollama"
}

var _ Generator = (*Ollama)(nil)
