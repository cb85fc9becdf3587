package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	modelTokenPattern      = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// InferCallRequest defines telemetry metadata for one inference call.
type InferCallRequest struct {
	SessionID    string
	RequestID    string
	Prompt       string
	WindowLines  int
	PromptTokens int
}

// InferCall tracks one infer.call span lifecycle.
type InferCall struct {
	span         trace.Span
	startedAt    time.Time
	promptTokens int

	mu      sync.Mutex
	retries int
	ended   bool
}

// StartInferCall starts an infer.call span. The prompt itself never leaves
// the process: only its hash and a token estimate are attached.
func StartInferCall(ctx context.Context, req InferCallRequest) (context.Context, *InferCall) {
	if ctx == nil {
		ctx = context.Background()
	}

	promptTokens := req.PromptTokens
	if promptTokens <= 0 {
		promptTokens = EstimateTokenCount(req.Prompt)
	}

	attrs := []attribute.KeyValue{
		attribute.String("session_id", normalizeOrUnknown(req.SessionID)),
		attribute.String("request_id", normalizeOrUnknown(req.RequestID)),
		attribute.Int("window_lines", req.WindowLines),
		attribute.Int("prompt_tokens", promptTokens),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
	}

	spanCtx, span := otel.Tracer("termpilot/telemetry/infer").Start(
		ctx,
		"infer.call",
		trace.WithAttributes(attrs...),
	)

	call := &InferCall{
		span:         span,
		startedAt:    time.Now(),
		promptTokens: promptTokens,
	}
	return spanCtx, call
}

// RecordRetry adds a retry event to the active infer span.
func (c *InferCall) RecordRetry(reason string, windowLines int) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.retries++

	c.span.AddEvent(
		"infer.retry",
		trace.WithAttributes(
			attribute.String("reason", normalizeOrUnknown(reason)),
			attribute.Int("window_lines", windowLines),
		),
	)
}

// End finalizes the infer.call span with latency and outcome.
func (c *InferCall) End(responseText string, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	retries := c.retries
	promptTokens := c.promptTokens
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	responseTokens := EstimateTokenCount(responseText)
	c.span.SetAttributes(
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("retries", retries),
		attribute.Int("response_tokens", responseTokens),
		attribute.Int("total_tokens", promptTokens+responseTokens),
	)

	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else {
		c.span.SetStatus(codes.Ok, "infer call completed")
	}
	c.span.End()
}

// EstimateTokenCount estimates token count using a deterministic
// words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	estimated := (len(fields)*4 + 2) / 3
	if estimated < 1 {
		return 1
	}
	return estimated
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = modelTokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
