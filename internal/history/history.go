// Package history keeps a bounded per-session record of executed commands
// and their outcomes, feeding suggestion prompts with what the operator has
// actually been doing.
package history

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultLimit bounds retained entries when no configuration is supplied.
const DefaultLimit = 100

// Entry records one executed command.
type Entry struct {
	Command  string
	ExitHint string
	RunAt    time.Time
}

// Stat aggregates usage of one distinct command.
type Stat struct {
	Command string
	Count   int
	LastRun time.Time
}

// History is a bounded, concurrency-safe command record.
type History struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
	counts  map[string]*Stat
	now     func() time.Time
}

// New builds a history bounded to limit entries; limit <= 0 uses the
// default.
func New(limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{
		limit:  limit,
		counts: map[string]*Stat{},
		now:    time.Now,
	}
}

// Record appends a command, evicting the oldest entry past the limit.
func (h *History) Record(command string) {
	h.RecordResult(command, "")
}

// RecordResult appends a command with an outcome hint (for example an error
// line observed after it ran).
func (h *History) RecordResult(command, exitHint string) {
	if h == nil {
		return
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	runAt := h.now()
	h.entries = append(h.entries, Entry{Command: command, ExitHint: strings.TrimSpace(exitHint), RunAt: runAt})
	if len(h.entries) > h.limit {
		evicted := h.entries[0]
		h.entries = h.entries[1:]
		if stat, ok := h.counts[evicted.Command]; ok {
			stat.Count--
			if stat.Count <= 0 {
				delete(h.counts, evicted.Command)
			}
		}
	}

	stat, ok := h.counts[command]
	if !ok {
		stat = &Stat{Command: command}
		h.counts[command] = stat
	}
	stat.Count++
	stat.LastRun = runAt
}

// Recent returns up to n most recent commands, oldest first.
func (h *History) Recent(n int) []string {
	if h == nil || n <= 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start := len(h.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(h.entries)-start)
	for _, entry := range h.entries[start:] {
		out = append(out, entry.Command)
	}
	return out
}

// Frequent returns up to n distinct commands ordered by use count, ties
// broken by recency.
func (h *History) Frequent(n int) []Stat {
	if h == nil || n <= 0 {
		return nil
	}

	h.mu.Lock()
	stats := make([]Stat, 0, len(h.counts))
	for _, stat := range h.counts {
		stats = append(stats, *stat)
	}
	h.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].LastRun.After(stats[j].LastRun)
	})
	if len(stats) > n {
		stats = stats[:n]
	}
	return stats
}

// Len reports how many entries are currently retained.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
