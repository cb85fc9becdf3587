package infer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPBackend talks to an OpenAI-compatible completions server, such as a
// local llama.cpp instance.
type HTTPBackend struct {
	baseURL string
	model   string
	client  *http.Client
}

// HTTPOption configures the backend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient overrides the default client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(b *HTTPBackend) {
		if client != nil {
			b.client = client
		}
	}
}

// NewHTTPBackend points at baseURL, e.g. http://localhost:8080.
func NewHTTPBackend(baseURL, model string, options ...HTTPOption) (*HTTPBackend, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend base url is required")
	}
	b := &HTTPBackend{
		baseURL: baseURL,
		model:   strings.TrimSpace(model),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(b)
	}
	return b, nil
}

const (
	defaultMaxTokens  = 256
	minMaxTokens      = 64
	tokensPerHintLine = 8
)

type completionRequest struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	// MemoryMB is a llama.cpp-style extension field; servers that do not
	// understand it ignore it.
	MemoryMB int `json:"memory_mb,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Infer runs one completion call sized by the pool's budget hint.
func (b *HTTPBackend) Infer(ctx context.Context, prompt string, hint Hint) (string, error) {
	payload, err := json.Marshal(completionRequest{
		Model:       b.model,
		Prompt:      prompt,
		MaxTokens:   maxTokensFor(hint),
		Temperature: 0.2,
		MemoryMB:    hint.MemoryMB,
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", &BackendError{Transient: true, Err: fmt.Errorf("%w: %v", ErrBackend, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &BackendError{Transient: true, Err: fmt.Errorf("%w: read response: %v", ErrBackend, err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPFailure(resp.StatusCode, body)
	}

	var decoded completionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrBackend, err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrBackend)
	}
	return decoded.Choices[0].Text, nil
}

// Probe checks server health without consuming model capacity.
func (b *HTTPBackend) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: probe: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: probe status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// maxTokensFor scales the completion ceiling with the context window, so
// a retry on a halved window is also a cheaper call.
func maxTokensFor(hint Hint) int {
	if hint.MaxWindowLines <= 0 {
		return defaultMaxTokens
	}
	tokens := hint.MaxWindowLines * tokensPerHintLine
	if tokens < minMaxTokens {
		return minMaxTokens
	}
	if tokens > defaultMaxTokens {
		return defaultMaxTokens
	}
	return tokens
}

func classifyHTTPFailure(status int, body []byte) error {
	lower := strings.ToLower(string(body))
	if status == http.StatusInsufficientStorage || strings.Contains(lower, "out of memory") {
		return fmt.Errorf("server refused allocation: %w", ErrBudgetExceeded)
	}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return &BackendError{Transient: true, Err: fmt.Errorf("%w: status %d", ErrBackend, status)}
	case status >= 500:
		return &BackendError{Transient: true, Err: fmt.Errorf("%w: status %d", ErrBackend, status)}
	default:
		return fmt.Errorf("%w: status %d", ErrBackend, status)
	}
}
