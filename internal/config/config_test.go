package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestDefaultsAreSane(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	require.Equal(t, 2, cfg.Budget.MaxWorkers)
	require.Equal(t, 2048, cfg.Budget.MaxMemoryMB)
	require.Equal(t, time.Second, cfg.Reconnect.Base)
	require.Equal(t, 30*time.Second, cfg.Reconnect.Cap)
	require.Equal(t, 0, cfg.Reconnect.MaxRetries, "default reconnect is unbounded")
	require.Equal(t, 1, cfg.Scheduler.QueuePerSession)
	require.True(t, cfg.Session.AutoSuggest)
}

func TestOverlayAppliesSectionValues(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[budget]
max_memory_mb = 4096
max_workers = 4
infer_timeout = "45s"

[reconnect]
base = "500ms"
max_retries = 7

[scheduler]
queue_per_session = 2
dispatch_deadline = "2s"

[session]
context_lines = 80
auto_suggest = false

[redact]
extra_patterns = ["vault_token\\s*=\\s*\\S+", "  "]

[[safety.rules]]
pattern = "^terraform destroy"
tier = "destructive"
reason = "infrastructure teardown"
`)

	cfg := Defaults()
	require.NoError(t, overlayFromFile(&cfg, path))

	require.Equal(t, 4096, cfg.Budget.MaxMemoryMB)
	require.Equal(t, 4, cfg.Budget.MaxWorkers)
	require.Equal(t, 45*time.Second, cfg.Budget.InferTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.Reconnect.Base)
	require.Equal(t, 7, cfg.Reconnect.MaxRetries)
	require.Equal(t, 2, cfg.Scheduler.QueuePerSession)
	require.Equal(t, 2*time.Second, cfg.Scheduler.DispatchDeadline)
	require.Equal(t, 80, cfg.Session.ContextLines)
	require.False(t, cfg.Session.AutoSuggest)
	require.Equal(t, []string{`vault_token\s*=\s*\S+`}, cfg.Redact.ExtraPatterns, "blank patterns are dropped")
	require.Len(t, cfg.Safety.ExtraRules, 1)
	require.Equal(t, "destructive", cfg.Safety.ExtraRules[0].Tier)
}

func TestOverlayMissingFileIsNoop(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	require.NoError(t, overlayFromFile(&cfg, filepath.Join(t.TempDir(), "absent.toml")))
	require.Equal(t, Defaults(), cfg)
}

func TestOverlayRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"bad duration":          "[budget]\ninfer_timeout = \"soon\"\n",
		"negative duration":     "[scheduler]\ndispatch_deadline = \"-1s\"\n",
		"zero workers":          "[budget]\nmax_workers = 0\n",
		"call exceeds ceiling":  "[budget]\nmax_memory_mb = 100\nper_call_memory_mb = 200\n",
		"jitter out of range":   "[reconnect]\njitter = 1.5\n",
		"negative retry budget": "[reconnect]\nmax_retries = -1\n",
	}

	for name, contents := range cases {
		contents := contents
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, contents)
			cfg := Defaults()
			require.Error(t, overlayFromFile(&cfg, path))
		})
	}
}
