package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultMaxMemoryMB      = 2048
	defaultMaxWorkers       = 2
	defaultPerCallMemoryMB  = 768
	defaultInferTimeout     = 20 * time.Second
	defaultProbeInterval    = 15 * time.Second
	defaultWorkerIdleGrace  = 30 * time.Second
	defaultWorkerLowWater   = 1
	defaultReconnectBase    = 1 * time.Second
	defaultReconnectCap     = 30 * time.Second
	defaultReconnectFactor  = 2.0
	defaultReconnectJitter  = 0.2
	defaultQueuePerSession  = 1
	defaultDispatchDeadline = 5 * time.Second
	defaultContextLines     = 40
	defaultRingEvents       = 2000
	defaultHistoryEntries   = 100
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	Budget    BudgetConfig
	Reconnect ReconnectConfig
	Scheduler SchedulerConfig
	Session   SessionConfig
	Redact    RedactConfig
	Safety    SafetyConfig
	Log       LogConfig
}

// BudgetConfig bounds the inference subsystem's memory and concurrency.
type BudgetConfig struct {
	MaxMemoryMB     int
	MaxWorkers      int
	PerCallMemoryMB int
	InferTimeout    time.Duration
	ProbeInterval   time.Duration
	WorkerIdleGrace time.Duration
	WorkerLowWater  int
}

// ReconnectConfig controls session reconnection backoff.
type ReconnectConfig struct {
	Base   time.Duration
	Cap    time.Duration
	Factor float64
	Jitter float64
	// MaxRetries of 0 means retry until the user cancels.
	MaxRetries int
}

// SchedulerConfig controls analysis admission and dispatch.
type SchedulerConfig struct {
	QueuePerSession  int
	DispatchDeadline time.Duration
}

// SessionConfig controls per-session buffering and analysis.
type SessionConfig struct {
	ContextLines   int
	RingEvents     int
	HistoryEntries int
	// AutoSuggest derives a best-effort analysis request from each output
	// event. Disabled, suggestions come only on explicit request.
	AutoSuggest bool
}

// RedactConfig carries operator-supplied redaction patterns applied after
// the built-in rule set.
type RedactConfig struct {
	ExtraPatterns []string
}

// SafetyConfig carries operator-supplied classifier rules.
type SafetyConfig struct {
	ExtraRules []SafetyRule
}

// SafetyRule maps a command pattern to a risk tier.
type SafetyRule struct {
	Pattern string
	Tier    string
	Reason  string
}

// LogConfig controls the per-session encrypted log writer.
type LogConfig struct {
	Dir string
}

type fileConfig struct {
	Budget *struct {
		MaxMemoryMB     *int    `toml:"max_memory_mb"`
		MaxWorkers      *int    `toml:"max_workers"`
		PerCallMemoryMB *int    `toml:"per_call_memory_mb"`
		InferTimeout    *string `toml:"infer_timeout"`
		ProbeInterval   *string `toml:"probe_interval"`
		WorkerIdleGrace *string `toml:"worker_idle_grace"`
		WorkerLowWater  *int    `toml:"worker_low_water"`
	} `toml:"budget"`
	Reconnect *struct {
		Base       *string  `toml:"base"`
		Cap        *string  `toml:"cap"`
		Factor     *float64 `toml:"factor"`
		Jitter     *float64 `toml:"jitter"`
		MaxRetries *int     `toml:"max_retries"`
	} `toml:"reconnect"`
	Scheduler *struct {
		QueuePerSession  *int    `toml:"queue_per_session"`
		DispatchDeadline *string `toml:"dispatch_deadline"`
	} `toml:"scheduler"`
	Session *struct {
		ContextLines   *int  `toml:"context_lines"`
		RingEvents     *int  `toml:"ring_events"`
		HistoryEntries *int  `toml:"history_entries"`
		AutoSuggest    *bool `toml:"auto_suggest"`
	} `toml:"session"`
	Redact *struct {
		ExtraPatterns []string `toml:"extra_patterns"`
	} `toml:"redact"`
	Safety *struct {
		Rules []struct {
			Pattern string `toml:"pattern"`
			Tier    string `toml:"tier"`
			Reason  string `toml:"reason"`
		} `toml:"rules"`
	} `toml:"safety"`
	Log *struct {
		Dir *string `toml:"dir"`
	} `toml:"log"`
}

// Load reads config from ~/.termpilot/config.toml and overlays a
// project-local .termpilot/config.toml.
func Load(ctx context.Context) (*Config, error) {
	cfg := Defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".termpilot", "config.toml"),
		filepath.Join(workingDir, ".termpilot", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Budget: BudgetConfig{
			MaxMemoryMB:     defaultMaxMemoryMB,
			MaxWorkers:      defaultMaxWorkers,
			PerCallMemoryMB: defaultPerCallMemoryMB,
			InferTimeout:    defaultInferTimeout,
			ProbeInterval:   defaultProbeInterval,
			WorkerIdleGrace: defaultWorkerIdleGrace,
			WorkerLowWater:  defaultWorkerLowWater,
		},
		Reconnect: ReconnectConfig{
			Base:       defaultReconnectBase,
			Cap:        defaultReconnectCap,
			Factor:     defaultReconnectFactor,
			Jitter:     defaultReconnectJitter,
			MaxRetries: 0,
		},
		Scheduler: SchedulerConfig{
			QueuePerSession:  defaultQueuePerSession,
			DispatchDeadline: defaultDispatchDeadline,
		},
		Session: SessionConfig{
			ContextLines:   defaultContextLines,
			RingEvents:     defaultRingEvents,
			HistoryEntries: defaultHistoryEntries,
			AutoSuggest:    true,
		},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyBudget(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyReconnect(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyScheduler(cfg, decoded, path); err != nil {
		return err
	}
	applySession(cfg, decoded)
	applyRules(cfg, decoded)
	return validate(cfg, path)
}

func applyBudget(cfg *Config, decoded fileConfig, path string) error {
	section := decoded.Budget
	if section == nil {
		return nil
	}
	if section.MaxMemoryMB != nil {
		cfg.Budget.MaxMemoryMB = *section.MaxMemoryMB
	}
	if section.MaxWorkers != nil {
		cfg.Budget.MaxWorkers = *section.MaxWorkers
	}
	if section.PerCallMemoryMB != nil {
		cfg.Budget.PerCallMemoryMB = *section.PerCallMemoryMB
	}
	if section.WorkerLowWater != nil {
		cfg.Budget.WorkerLowWater = *section.WorkerLowWater
	}
	for _, assignment := range []struct {
		raw  *string
		dst  *time.Duration
		name string
	}{
		{section.InferTimeout, &cfg.Budget.InferTimeout, "budget.infer_timeout"},
		{section.ProbeInterval, &cfg.Budget.ProbeInterval, "budget.probe_interval"},
		{section.WorkerIdleGrace, &cfg.Budget.WorkerIdleGrace, "budget.worker_idle_grace"},
	} {
		if err := overlayDuration(assignment.raw, assignment.dst, assignment.name, path); err != nil {
			return err
		}
	}
	return nil
}

func applyReconnect(cfg *Config, decoded fileConfig, path string) error {
	section := decoded.Reconnect
	if section == nil {
		return nil
	}
	if err := overlayDuration(section.Base, &cfg.Reconnect.Base, "reconnect.base", path); err != nil {
		return err
	}
	if err := overlayDuration(section.Cap, &cfg.Reconnect.Cap, "reconnect.cap", path); err != nil {
		return err
	}
	if section.Factor != nil {
		cfg.Reconnect.Factor = *section.Factor
	}
	if section.Jitter != nil {
		cfg.Reconnect.Jitter = *section.Jitter
	}
	if section.MaxRetries != nil {
		cfg.Reconnect.MaxRetries = *section.MaxRetries
	}
	return nil
}

func applyScheduler(cfg *Config, decoded fileConfig, path string) error {
	section := decoded.Scheduler
	if section == nil {
		return nil
	}
	if section.QueuePerSession != nil {
		cfg.Scheduler.QueuePerSession = *section.QueuePerSession
	}
	return overlayDuration(section.DispatchDeadline, &cfg.Scheduler.DispatchDeadline, "scheduler.dispatch_deadline", path)
}

func applySession(cfg *Config, decoded fileConfig) {
	section := decoded.Session
	if section == nil {
		return
	}
	if section.ContextLines != nil {
		cfg.Session.ContextLines = *section.ContextLines
	}
	if section.RingEvents != nil {
		cfg.Session.RingEvents = *section.RingEvents
	}
	if section.HistoryEntries != nil {
		cfg.Session.HistoryEntries = *section.HistoryEntries
	}
	if section.AutoSuggest != nil {
		cfg.Session.AutoSuggest = *section.AutoSuggest
	}
}

func applyRules(cfg *Config, decoded fileConfig) {
	if decoded.Redact != nil {
		for _, pattern := range decoded.Redact.ExtraPatterns {
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				continue
			}
			cfg.Redact.ExtraPatterns = append(cfg.Redact.ExtraPatterns, pattern)
		}
	}
	if decoded.Safety != nil {
		for _, rule := range decoded.Safety.Rules {
			pattern := strings.TrimSpace(rule.Pattern)
			if pattern == "" {
				continue
			}
			cfg.Safety.ExtraRules = append(cfg.Safety.ExtraRules, SafetyRule{
				Pattern: pattern,
				Tier:    strings.TrimSpace(rule.Tier),
				Reason:  strings.TrimSpace(rule.Reason),
			})
		}
	}
	if decoded.Log != nil && decoded.Log.Dir != nil {
		cfg.Log.Dir = strings.TrimSpace(*decoded.Log.Dir)
	}
}

func overlayDuration(raw *string, dst *time.Duration, name, path string) error {
	if raw == nil {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(*raw))
	if err != nil {
		return fmt.Errorf("parse %s in %q: %w", name, path, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s in %q must be positive", name, path)
	}
	*dst = parsed
	return nil
}

func validate(cfg *Config, path string) error {
	if cfg.Budget.MaxMemoryMB <= 0 {
		return fmt.Errorf("budget.max_memory_mb in %q must be positive", path)
	}
	if cfg.Budget.MaxWorkers <= 0 {
		return fmt.Errorf("budget.max_workers in %q must be positive", path)
	}
	if cfg.Budget.PerCallMemoryMB <= 0 {
		return fmt.Errorf("budget.per_call_memory_mb in %q must be positive", path)
	}
	if cfg.Budget.PerCallMemoryMB > cfg.Budget.MaxMemoryMB {
		return fmt.Errorf("budget.per_call_memory_mb in %q exceeds budget.max_memory_mb", path)
	}
	if cfg.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect.factor in %q must be at least 1", path)
	}
	if cfg.Reconnect.Jitter < 0 || cfg.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter in %q must be in [0, 1)", path)
	}
	if cfg.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries in %q must not be negative", path)
	}
	if cfg.Scheduler.QueuePerSession <= 0 {
		return fmt.Errorf("scheduler.queue_per_session in %q must be positive", path)
	}
	if cfg.Session.ContextLines <= 0 || cfg.Session.RingEvents <= 0 {
		return fmt.Errorf("session buffer sizes in %q must be positive", path)
	}
	return nil
}
