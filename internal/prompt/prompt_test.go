package prompt

import (
	"strings"
	"testing"
)

func TestRenderSuggestIncludesAllSections(t *testing.T) {
	t.Parallel()

	text := Render(Input{
		Kind:   KindSuggest,
		Host:   "db-01.internal",
		User:   "deploy",
		Goal:   "free disk space on /var",
		Window: []string{"$ df -h /var", "/dev/sda2  20G  19G  0.4G  98% /var"},
		Recent: []string{"df -h", "du -sh /var/log"},
	})

	for _, want := range []string{
		"deploy@db-01.internal",
		"free disk space on /var",
		"$ df -h",
		"98% /var",
		"command:",
		"rationale:",
		"[REDACTED]",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("prompt missing %q:\n%s", want, text)
		}
	}

	if strings.Index(text, "du -sh /var/log") > strings.Index(text, "98% /var") {
		t.Fatal("recent commands rendered after terminal output")
	}
}

func TestRenderKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind Kind
		want string
	}{
		{name: "suggest", kind: KindSuggest, want: "Propose the single next shell command"},
		{name: "explain", kind: KindExplain, want: "Explain what the most recent terminal output"},
		{name: "error", kind: KindError, want: "Diagnose the likely"},
		{name: "unknown defaults to suggest", kind: Kind("other"), want: "Propose the single next shell command"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			text := Render(Input{Kind: tt.kind, Window: []string{"$ ls"}})
			if !strings.Contains(text, tt.want) {
				t.Fatalf("prompt for %q missing %q", tt.kind, tt.want)
			}
		})
	}
}

func TestRenderEmptyWindow(t *testing.T) {
	t.Parallel()

	text := Render(Input{Kind: KindExplain})
	if !strings.Contains(text, "no output captured yet") {
		t.Fatalf("empty window placeholder missing:\n%s", text)
	}
}
