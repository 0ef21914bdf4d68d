package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultUpstreamTimeout = 30 * time.Second

// ChatMessage is one OpenAI-style conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage mirrors the upstream token accounting block.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// UpstreamError carries the HTTP status of a failed upstream call so the
// pipeline can map 429 to a cooldown.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a client with the given default timeout. A per-config
// timeout overrides it per call.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Chat performs one completion. Streaming responses invoke onDelta for each
// content fragment; non-streaming responses invoke it once with the full
// text. The returned usage may be zero when the upstream omits it.
func (c *Client) Chat(ctx context.Context, cfg ApiConfig, messages []ChatMessage, stream bool, onDelta func(string)) (Usage, error) {
	body := chatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Stream:      stream,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	resp, err := c.post(ctx, cfg, body)
	if err != nil {
		return Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Usage{}, upstreamError(resp)
	}
	if stream {
		return readSSE(resp.Body, onDelta)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Usage{}, fmt.Errorf("read upstream response: %w", err)
	}
	var parsed struct {
		Choices []struct {
			Message ChatMessage `json:"message"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Usage{}, fmt.Errorf("decode upstream response: %w", err)
	}
	if len(parsed.Choices) > 0 && onDelta != nil {
		onDelta(parsed.Choices[0].Message.Content)
	}
	return parsed.Usage, nil
}

// TestConnection proves the base URL, key, and model together with a
// one-token completion. Returns the model the upstream reports.
func (c *Client) TestConnection(ctx context.Context, cfg ApiConfig) (string, error) {
	body := chatRequest{
		Model:     cfg.Model,
		Messages:  []ChatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	resp, err := c.post(ctx, cfg, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", upstreamError(resp)
	}
	var parsed struct {
		Model string `json:"model"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upstream response: %w", err)
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Model == "" {
		return cfg.Model, nil
	}
	return parsed.Model, nil
}

func (c *Client) post(ctx context.Context, cfg ApiConfig, body chatRequest) (*http.Response, error) {
	httpClient := c.httpClient
	if cfg.Timeout > 0 {
		// Client timeout spans the full exchange, streamed body included.
		httpClient = &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(cfg.BaseURL), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call upstream: %w", err)
	}
	return resp, nil
}

// readSSE scans an OpenAI-style event stream, forwarding delta content and
// picking usage out of the final chunk.
func readSSE(r io.Reader, onDelta func(string)) (Usage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	var usage Usage
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *Usage `json:"usage"`
		}
		if json.Unmarshal([]byte(data), &chunk) != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && onDelta != nil {
			onDelta(chunk.Choices[0].Delta.Content)
		}
	}
	return usage, scanner.Err()
}

func upstreamError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &UpstreamError{Status: resp.StatusCode, Message: msg}
}

// endpointURL appends the chat completion path, tolerating base URLs given
// with or without the /v1 suffix.
func endpointURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}
