package infer

import (
	"errors"
	"sync"

	"github.com/termpilot/termpilot/internal/config"
)

// Budget is the process-wide resource ceiling for the inference subsystem.
// It is mutated only by the pool's admission logic; everything else reads
// snapshots.
type Budget struct {
	mu sync.Mutex

	maxMemoryMB int
	perCallMB   int
	maxWorkers  int
	memoryCap   int // worker count ceiling implied by memory

	effective int // adaptive concurrency, shrinks under pressure
	active    int
}

// Snapshot is a read-only view of the budget for status display.
type Snapshot struct {
	MaxMemoryMB      int
	PerCallMemoryMB  int
	MaxWorkers       int
	EffectiveWorkers int
	ActiveWorkers    int
	AttributedMB     int
}

// NewBudget derives worker and memory ceilings from configuration.
func NewBudget(cfg config.BudgetConfig) (*Budget, error) {
	if cfg.MaxMemoryMB <= 0 || cfg.PerCallMemoryMB <= 0 || cfg.MaxWorkers <= 0 {
		return nil, errors.New("budget ceilings must be positive")
	}
	if cfg.PerCallMemoryMB > cfg.MaxMemoryMB {
		return nil, errors.New("per-call memory exceeds the budget ceiling")
	}

	memoryCap := cfg.MaxMemoryMB / cfg.PerCallMemoryMB
	if memoryCap < 1 {
		memoryCap = 1
	}
	effective := cfg.MaxWorkers
	if memoryCap < effective {
		effective = memoryCap
	}

	return &Budget{
		maxMemoryMB: cfg.MaxMemoryMB,
		perCallMB:   cfg.PerCallMemoryMB,
		maxWorkers:  cfg.MaxWorkers,
		memoryCap:   memoryCap,
		effective:   effective,
	}, nil
}

// TryAcquire reserves a worker slot. It fails rather than blocks when the
// effective concurrency or the memory ceiling would be exceeded.
func (b *Budget) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active >= b.effective {
		return false
	}
	if (b.active+1)*b.perCallMB > b.maxMemoryMB {
		return false
	}
	b.active++
	return true
}

// Release returns a previously acquired slot.
func (b *Budget) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active > 0 {
		b.active--
	}
}

// Shrink halves effective concurrency after a budget fault, flooring at one.
// It reports whether the ceiling actually changed.
func (b *Budget) Shrink() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.effective / 2
	if next < 1 {
		next = 1
	}
	if next == b.effective {
		return false
	}
	b.effective = next
	return true
}

// Grow restores one unit of effective concurrency after sustained success,
// never past the configured or memory-implied ceilings. It reports whether
// the ceiling actually changed.
func (b *Budget) Grow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ceiling := b.maxWorkers
	if b.memoryCap < ceiling {
		ceiling = b.memoryCap
	}
	if b.effective >= ceiling {
		return false
	}
	b.effective++
	return true
}

// EffectiveWorkers returns the current adaptive concurrency ceiling.
func (b *Budget) EffectiveWorkers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effective
}

// PerCallHint returns the memory hint passed to each backend call.
func (b *Budget) PerCallHint() int {
	return b.perCallMB
}

// Snapshot returns a consistent view of the budget.
func (b *Budget) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		MaxMemoryMB:      b.maxMemoryMB,
		PerCallMemoryMB:  b.perCallMB,
		MaxWorkers:       b.maxWorkers,
		EffectiveWorkers: b.effective,
		ActiveWorkers:    b.active,
		AttributedMB:     b.active * b.perCallMB,
	}
}
