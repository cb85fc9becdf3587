package main

import (
	"bytes"
	"encoding/hex"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/termpilot/termpilot/internal/config"
	"github.com/termpilot/termpilot/internal/sessionlog"
)

func testRoot(t *testing.T) *bytes.Buffer {
	t.Helper()
	return &bytes.Buffer{}
}

func TestRootCommandListsSubcommands(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	root := newRootCommand(&cfg, log.New(io.Discard))

	names := map[string]bool{}
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"connect", "export-log", "keygen"} {
		if !names[want] {
			t.Fatalf("missing subcommand %q (have %v)", want, names)
		}
	}
}

func TestKeygenEmitsUsableKey(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	root := newRootCommand(&cfg, log.New(io.Discard))
	out := testRoot(t)
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs([]string{"keygen"})

	if err := root.Execute(); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}
}

func TestExportLogCommand(t *testing.T) {
	t.Parallel()

	key, err := sessionlog.NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "sess.log")
	w, err := sessionlog.Open(path, key)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if err := w.RecordNote("sess", time.Now(), "hello from the transcript"); err != nil {
		t.Fatalf("record: %v", err)
	}
	w.Close()

	cfg := config.Defaults()
	root := newRootCommand(&cfg, log.New(io.Discard))
	out := testRoot(t)
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs([]string{"export-log", path, "--key", hex.EncodeToString(key)})

	if err := root.Execute(); err != nil {
		t.Fatalf("export-log: %v", err)
	}
	if !strings.Contains(out.String(), "hello from the transcript") {
		t.Fatalf("export output missing record:\n%s", out.String())
	}
}

func TestExportLogRejectsBadKey(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	root := newRootCommand(&cfg, log.New(io.Discard))
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"export-log", "nope.log", "--key", "zz"})

	if err := root.Execute(); err == nil {
		t.Fatal("export-log accepted a malformed key")
	}
}
