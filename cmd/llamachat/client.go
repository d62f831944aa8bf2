package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shanemcd/llamachat/pkg/api"
)

// Client talks to a llamachat server.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{},
	}
}

// ClientFromCLI builds a client from the global configuration.
func ClientFromCLI(cli *CLI) *Client {
	return NewClient(cli.Client.URL, cli.Server.APIKey, cli.Client.Timeout)
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Detail)
}

// Chat streams the reply to message into w. With dryRun set it writes the
// prompt the server would send instead.
func (c *Client) Chat(ctx context.Context, chatID, message string, dryRun bool, w io.Writer) error {
	path := "/chat"
	if dryRun {
		path += "?dry_run=true"
	}
	resp, err := c.do(ctx, http.MethodPost, path, api.ChatRequest{Message: message, ChatID: chatID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Copy in small reads so chunks show up as they arrive.
	buf := make([]byte, 512)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
	}
}

// Chats lists session ids.
func (c *Client) Chats(ctx context.Context) ([]string, error) {
	var out api.ChatsResponse
	if err := c.getJSON(ctx, http.MethodGet, "/chats", nil, &out); err != nil {
		return nil, err
	}
	return out.ChatIDs, nil
}

// History returns the state of a session.
func (c *Client) History(ctx context.Context, chatID string) (*api.HistoryResponse, error) {
	var out api.HistoryResponse
	if err := c.getJSON(ctx, http.MethodGet, "/history/"+url.PathEscape(chatID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetSystemPrompt sets the system prompt of a session. A nil prompt clears
// it.
func (c *Client) SetSystemPrompt(ctx context.Context, chatID string, prompt *string) (string, error) {
	var out struct {
		Detail string `json:"detail"`
	}
	path := "/history/" + url.PathEscape(chatID) + "/system_prompt"
	if err := c.getJSON(ctx, http.MethodPost, path, api.SystemPromptRequest{SystemPrompt: prompt}, &out); err != nil {
		return "", err
	}
	return out.Detail, nil
}

// Delete removes a session.
func (c *Client) Delete(ctx context.Context, chatID string) (string, error) {
	var out struct {
		Detail string `json:"detail"`
	}
	if err := c.getJSON(ctx, http.MethodDelete, "/history/"+url.PathEscape(chatID), nil, &out); err != nil {
		return "", err
	}
	return out.Detail, nil
}

// Health returns the server health.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.getJSON(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, method, path string, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do sends a request and turns non-2xx responses into *APIError.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var d struct {
			Detail string `json:"detail"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &d) == nil {
			apiErr.Detail = d.Detail
		} else {
			apiErr.Detail = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return resp, nil
}
