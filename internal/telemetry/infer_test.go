package telemetry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokenCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, EstimateTokenCount(""))
	assert.Equal(t, 0, EstimateTokenCount("   "))
	assert.Equal(t, 2, EstimateTokenCount("hello"))
	assert.Equal(t, 4, EstimateTokenCount("ls -la /tmp"))
}

func TestRedactSecretsScrubsSensitiveValues(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"api_key=abc123":                  "abc123",
		"Authorization: Bearer tok.en-1":  "tok.en-1",
		"password: hunter2":               "hunter2",
		"request failed sk-abcDEF1234567": "sk-abcDEF1234567",
	}
	for input, secret := range cases {
		got := redactSecrets(input)
		assert.NotContains(t, got, secret, "input %q", input)
		assert.Contains(t, got, "<redacted>")
	}
}

func TestRedactSecretsTruncatesLongMessages(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 2*maxErrorMessageBytes)
	got := redactSecrets(long)
	assert.LessOrEqual(t, len(got), maxErrorMessageBytes)
	assert.True(t, strings.HasSuffix(got, "...[truncated]"))
}

func TestHashPromptIsStableAndRedacted(t *testing.T) {
	t.Parallel()

	first := hashPrompt("explain this output")
	second := hashPrompt("explain this output")
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)

	// Hash is computed over the redacted prompt; the raw secret value must
	// not influence comparisons against a redacted equivalent.
	withSecret := hashPrompt("token=abc123 explain")
	withOther := hashPrompt("token=zzz999 explain")
	assert.Equal(t, withSecret, withOther)
}

func TestInferCallNilSafety(t *testing.T) {
	t.Parallel()

	var call *InferCall
	call.RecordRetry("timeout", 10)
	call.End("", nil)
}
