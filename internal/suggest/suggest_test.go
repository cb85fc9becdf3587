package suggest

import (
	"errors"
	"testing"
	"time"

	"github.com/termpilot/termpilot/internal/safety"
)

func TestParseYAMLAnswer(t *testing.T) {
	t.Parallel()

	command, rationale, err := Parse("command: df -h /var\nrationale: check which mount is full\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if command != "df -h /var" {
		t.Fatalf("command = %q", command)
	}
	if rationale != "check which mount is full" {
		t.Fatalf("rationale = %q", rationale)
	}
}

func TestParseFencedBlock(t *testing.T) {
	t.Parallel()

	raw := "```yaml\ncommand: journalctl -u nginx --since today\nrationale: inspect recent service logs\n```"
	command, rationale, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if command != "journalctl -u nginx --since today" {
		t.Fatalf("command = %q", command)
	}
	if rationale == "" {
		t.Fatal("rationale missing")
	}
}

func TestParseFallsBackToFirstLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "plain line", raw: "ls -la /var/log\nthat lists the log files", want: "ls -la /var/log"},
		{name: "prompt prefix stripped", raw: "$ systemctl status nginx", want: "systemctl status nginx"},
		{name: "leading blank lines", raw: "\n\n  uptime  ", want: "uptime"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			command, _, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if command != tt.want {
				t.Fatalf("command = %q, want %q", command, tt.want)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()

	if _, _, err := Parse("   \n  "); !errors.Is(err, ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
}

func TestFromClassifiesCommand(t *testing.T) {
	t.Parallel()

	classifier, err := safety.NewClassifier()
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	createdAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	suggestion, err := From("req-1", "sess-1", "command: rm -rf /var/cache/old\nrationale: reclaim space", classifier, createdAt)
	if err != nil {
		t.Fatalf("from: %v", err)
	}
	if suggestion.Tier != safety.TierDestructive {
		t.Fatalf("tier = %q, want destructive", suggestion.Tier)
	}
	if !suggestion.RequiresConfirmation() {
		t.Fatal("destructive suggestion does not require confirmation")
	}
	if !suggestion.CreatedAt.Equal(createdAt) {
		t.Fatalf("created at = %v", suggestion.CreatedAt)
	}

	suggestion, err = From("req-2", "sess-1", "command: ls /var/cache\nrationale: look first", classifier, createdAt)
	if err != nil {
		t.Fatalf("from: %v", err)
	}
	if suggestion.Tier != safety.TierSafe {
		t.Fatalf("tier = %q, want safe", suggestion.Tier)
	}
}
