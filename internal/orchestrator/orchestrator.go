// Package orchestrator wires sessions, the scheduler, the inference pool,
// and the event bus into one operator-facing surface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/termpilot/termpilot/internal/config"
	"github.com/termpilot/termpilot/internal/events"
	"github.com/termpilot/termpilot/internal/history"
	"github.com/termpilot/termpilot/internal/infer"
	"github.com/termpilot/termpilot/internal/prompt"
	"github.com/termpilot/termpilot/internal/redact"
	"github.com/termpilot/termpilot/internal/registry"
	"github.com/termpilot/termpilot/internal/safety"
	"github.com/termpilot/termpilot/internal/schedule"
	"github.com/termpilot/termpilot/internal/session"
	"github.com/termpilot/termpilot/internal/sessionlog"
	"github.com/termpilot/termpilot/internal/suggest"
	"github.com/termpilot/termpilot/internal/transport"
)

// ErrShutdown rejects operations after Shutdown began.
var ErrShutdown = errors.New("orchestrator shut down")

// ConfirmationRequiredError carries the single-use token that must
// accompany a destructive command on the next attempt.
type ConfirmationRequiredError struct {
	SessionID string
	Command   string
	Tier      safety.RiskTier
	Reasons   []string
	Token     string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("command %q on session %s is %s and needs confirmation", e.Command, e.SessionID, e.Tier)
}

// SkipNotice is the bus payload for a request that produced no suggestion.
type SkipNotice struct {
	SessionID string
	RequestID string
	Reason    schedule.Reason
	Detail    string
}

// SessionStatus is one row of the status snapshot.
type SessionStatus struct {
	ID       string
	State    session.State
	Endpoint string
	LastSeq  uint64
}

// Status is a point-in-time view of the whole orchestrator.
type Status struct {
	Sessions         []SessionStatus
	Budget           infer.Snapshot
	BackendAvailable bool
}

// Option configures orchestrator construction.
type Option func(*Orchestrator)

// WithLogger attaches a structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogKey sets the session log encryption key. A fresh key is
// generated when omitted.
func WithLogKey(key []byte) Option {
	return func(o *Orchestrator) {
		if len(key) > 0 {
			o.logKey = key
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

type sessionEntry struct {
	sess      *session.Session
	writer    *sessionlog.Writer
	hist      *history.History
	stopWatch func()
}

type pendingRequest struct {
	sessionID string
	kind      prompt.Kind
	goal      string
}

type tokenGrant struct {
	sessionID string
	command   string
	minted    time.Time
}

// Orchestrator is the single coordination point for sessions, analysis,
// and safety gating.
type Orchestrator struct {
	cfg        *config.Config
	provider   transport.Provider
	logger     *log.Logger
	redactor   *redact.Redactor
	classifier *safety.Classifier
	bus        *events.InMemoryBus
	registry   *registry.Registry
	pool       *infer.Pool
	scheduler  *schedule.Scheduler
	logDir     string
	logKey     []byte
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*sessionEntry
	pending map[string]pendingRequest
	tokens  map[string]tokenGrant
	closed  bool
}

// New wires the orchestrator. The backend is the only component that
// talks to the model; everything else flows through the pool.
func New(cfg *config.Config, provider transport.Provider, backend infer.Backend, options ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if provider == nil {
		return nil, errors.New("transport provider is required")
	}

	redactor, err := redact.New(cfg.Redact.ExtraPatterns...)
	if err != nil {
		return nil, fmt.Errorf("compile redaction rules: %w", err)
	}

	rules := make([]safety.RuleSpec, 0, len(cfg.Safety.ExtraRules))
	for _, rule := range cfg.Safety.ExtraRules {
		rules = append(rules, safety.RuleSpec{Pattern: rule.Pattern, Tier: rule.Tier, Reason: rule.Reason})
	}
	classifier, err := safety.NewClassifier(rules...)
	if err != nil {
		return nil, fmt.Errorf("compile safety rules: %w", err)
	}

	logDir := cfg.Log.Dir
	if logDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(home, ".termpilot", "sessions")
	}

	o := &Orchestrator{
		cfg:        cfg,
		provider:   provider,
		logger:     log.New(io.Discard),
		redactor:   redactor,
		classifier: classifier,
		bus:        events.New(),
		registry:   registry.New(),
		logDir:     logDir,
		now:        time.Now,
		entries:    map[string]*sessionEntry{},
		pending:    map[string]pendingRequest{},
		tokens:     map[string]tokenGrant{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(o)
	}
	if o.logKey == nil {
		key, err := sessionlog.NewKey()
		if err != nil {
			return nil, err
		}
		o.logKey = key
	}

	budget, err := infer.NewBudget(cfg.Budget)
	if err != nil {
		return nil, fmt.Errorf("derive inference budget: %w", err)
	}
	pool, err := infer.NewPool(backend, budget, o.renderPrompt,
		infer.WithLogger(o.logger),
		infer.WithInferTimeout(cfg.Budget.InferTimeout),
		infer.WithProbeInterval(cfg.Budget.ProbeInterval),
		infer.WithIdleGrace(cfg.Budget.WorkerIdleGrace),
		infer.WithWorkerLowWater(cfg.Budget.WorkerLowWater),
		infer.WithHealthNotify(o.publishHealth),
		infer.WithBudgetNotify(o.publishBudget))
	if err != nil {
		return nil, fmt.Errorf("build worker pool: %w", err)
	}
	o.pool = pool

	scheduler, err := schedule.New(pool, o.handleResult,
		schedule.WithLogger(o.logger),
		schedule.WithQueueDepth(cfg.Scheduler.QueuePerSession),
		schedule.WithDeadline(cfg.Scheduler.DispatchDeadline),
		schedule.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	o.scheduler = scheduler
	return o, nil
}

// Events exposes the orchestrator's bus for status consumers.
func (o *Orchestrator) Events() events.Bus { return o.bus }

// LogKey returns the key that decrypts session logs.
func (o *Orchestrator) LogKey() []byte { return o.logKey }

// OpenSession dials a new session and registers it. An empty id gets a
// generated one. The final id is returned.
func (o *Orchestrator) OpenSession(ctx context.Context, id string, endpoint transport.Endpoint, auth transport.Auth) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	if o.isClosed() {
		return "", ErrShutdown
	}

	writer, err := sessionlog.Open(filepath.Join(o.logDir, id+".log"), o.logKey)
	if err != nil {
		return "", fmt.Errorf("open session log: %w", err)
	}

	sess, err := session.New(id, endpoint, auth, o.provider,
		session.WithLogger(o.logger),
		session.WithRedactor(o.redactor),
		session.WithSink(writer),
		session.WithReconnect(o.cfg.Reconnect),
		session.WithRingCapacity(o.cfg.Session.RingEvents),
		session.WithClock(o.now),
		session.WithStateNotify(o.publishState),
		session.WithSinkErrorNotify(o.publishSinkError))
	if err != nil {
		writer.Close()
		return "", err
	}

	if err := o.registry.Add(sess); err != nil {
		writer.Close()
		return "", err
	}
	entry := &sessionEntry{sess: sess, writer: writer, hist: history.New(o.cfg.Session.HistoryEntries)}
	o.mu.Lock()
	o.entries[id] = entry
	o.mu.Unlock()

	if err := sess.Open(ctx); err != nil {
		o.registry.Remove(id)
		o.mu.Lock()
		delete(o.entries, id)
		o.mu.Unlock()
		sess.Close()
		writer.Close()
		return "", err
	}

	if o.cfg.Session.AutoSuggest {
		stream, stop := sess.Subscribe(sess.LastSeq(), 0)
		o.mu.Lock()
		entry.stopWatch = stop
		o.mu.Unlock()
		go o.watchOutput(sess, stream)
	}
	o.logger.Info("session opened", "session_id", id, "endpoint", endpoint.Addr())
	return id, nil
}

// watchOutput derives a best-effort analysis request from each output
// event. Admission control bounds the flood: a newer request supersedes
// the queued one, and the log path never waits on any of this.
func (o *Orchestrator) watchOutput(sess *session.Session, stream <-chan session.OutputEvent) {
	for event := range stream {
		if event.Gap || o.isClosed() {
			continue
		}
		requestID := uuid.NewString()
		o.mu.Lock()
		o.pending[requestID] = pendingRequest{sessionID: sess.ID(), kind: prompt.KindSuggest}
		o.mu.Unlock()
		o.scheduler.Submit(schedule.Request{
			SessionID: sess.ID(),
			RequestID: requestID,
			Window:    sess.Window(o.cfg.Session.ContextLines),
			Submitted: o.now(),
		})
	}
}

// CloseSession tears a session down. Closing an unknown or already
// closed session is a no-op.
func (o *Orchestrator) CloseSession(id string) error {
	sess, err := o.registry.Remove(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		return err
	}

	o.scheduler.CancelSession(id)
	closeErr := sess.Close()

	o.mu.Lock()
	entry := o.entries[id]
	delete(o.entries, id)
	for token, grant := range o.tokens {
		if grant.sessionID == id {
			delete(o.tokens, token)
		}
	}
	o.mu.Unlock()

	if entry != nil && entry.stopWatch != nil {
		entry.stopWatch()
	}
	if entry != nil && entry.writer != nil {
		if err := entry.writer.Close(); err != nil {
			o.logger.Warn("session log close failed", "session_id", id, "error", err)
		}
	}
	o.logger.Info("session closed", "session_id", id)
	return closeErr
}

// SendCommand writes a command to the session's shell. Destructive
// commands are refused until retried with the returned single-use token.
func (o *Orchestrator) SendCommand(ctx context.Context, sessionID, command, confirmToken string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return errors.New("empty command")
	}

	sess, err := o.registry.Get(sessionID)
	if err != nil {
		return err
	}

	verdict := o.classifier.Classify(command)
	if verdict.RequiresConfirmation() && !o.consumeToken(confirmToken, sessionID, command) {
		return &ConfirmationRequiredError{
			SessionID: sessionID,
			Command:   command,
			Tier:      verdict.Tier,
			Reasons:   verdict.Reasons,
			Token:     o.mintToken(sessionID, command),
		}
	}

	if err := sess.Write(ctx, command); err != nil {
		return err
	}

	o.mu.Lock()
	entry := o.entries[sessionID]
	o.mu.Unlock()
	if entry != nil {
		entry.hist.Record(command)
		if err := entry.writer.RecordCommand(sessionID, o.now(), command); err != nil {
			o.publishSinkError(sessionID, err)
		}
	}
	return nil
}

// RequestSuggestion submits the session's current output window for
// analysis. The outcome arrives on the bus as SuggestionReady or
// SuggestionSkipped, keyed by the returned request id.
func (o *Orchestrator) RequestSuggestion(sessionID string, kind prompt.Kind, goal string) (string, error) {
	sess, err := o.registry.Get(sessionID)
	if err != nil {
		return "", err
	}
	if o.isClosed() {
		return "", ErrShutdown
	}

	requestID := uuid.NewString()
	o.mu.Lock()
	o.pending[requestID] = pendingRequest{sessionID: sessionID, kind: kind, goal: goal}
	o.mu.Unlock()

	o.scheduler.Submit(schedule.Request{
		SessionID: sessionID,
		RequestID: requestID,
		Window:    sess.Window(o.cfg.Session.ContextLines),
		Submitted: o.now(),
	})
	return requestID, nil
}

// SubscribeOutput streams a session's redacted output from the given
// sequence number.
func (o *Orchestrator) SubscribeOutput(sessionID string, fromSeq uint64) (<-chan session.OutputEvent, func(), error) {
	sess, err := o.registry.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := sess.Subscribe(fromSeq, 0)
	return ch, cancel, nil
}

// SuggestionEvent carries the single outcome of one analysis request:
// either a parsed suggestion or a skip notice, never both.
type SuggestionEvent struct {
	Suggestion *suggest.Suggestion
	Skip       *SkipNotice
}

// SubscribeSuggestions streams suggestion outcomes for one session. A slow
// consumer loses events; the session log does not go through this path.
func (o *Orchestrator) SubscribeSuggestions(sessionID string) (<-chan SuggestionEvent, func(), error) {
	if _, err := o.registry.Get(sessionID); err != nil {
		return nil, nil, err
	}

	out := make(chan SuggestionEvent, 16)
	var mu sync.Mutex
	closed := false
	send := func(ev SuggestionEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- ev:
		default:
		}
	}

	cancelReady := o.bus.Subscribe(events.EventTypeSuggestionReady, func(event events.Event) {
		if event.EntityID != sessionID {
			return
		}
		if suggestion, ok := event.Payload.(suggest.Suggestion); ok {
			send(SuggestionEvent{Suggestion: &suggestion})
		}
	})
	cancelSkip := o.bus.Subscribe(events.EventTypeSuggestionSkipped, func(event events.Event) {
		if event.EntityID != sessionID {
			return
		}
		if notice, ok := event.Payload.(SkipNotice); ok {
			send(SuggestionEvent{Skip: &notice})
		}
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelReady()
			cancelSkip()
			mu.Lock()
			closed = true
			close(out)
			mu.Unlock()
		})
	}
	return out, cancel, nil
}

// ExportLog writes the session's transcript as an encrypted blob: the raw
// framed log file, or the decrypted records re-sealed as JSON lines. The
// session may be live or already closed. Plaintext stays a key-holder
// concern via sessionlog.Export.
func (o *Orchestrator) ExportLog(sessionID string, format sessionlog.Format, out io.Writer) error {
	return sessionlog.ExportSealed(filepath.Join(o.logDir, sessionID+".log"), o.logKey, format, out)
}

// Snapshot reports current sessions and inference capacity.
func (o *Orchestrator) Snapshot() Status {
	status := Status{
		Budget:           o.pool.Snapshot(),
		BackendAvailable: o.pool.Health(),
	}
	for _, sess := range o.registry.List() {
		status.Sessions = append(status.Sessions, SessionStatus{
			ID:       sess.ID(),
			State:    sess.State(),
			Endpoint: sess.Endpoint().Addr(),
			LastSeq:  sess.LastSeq(),
		})
	}
	return status
}

// Shutdown closes every session, drains the scheduler, and stops the
// pool. In-flight inference finishes until ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.scheduler.Close()

	var g errgroup.Group
	for _, sess := range o.registry.List() {
		id := sess.ID()
		g.Go(func() error {
			return o.CloseSession(id)
		})
	}
	closeErr := g.Wait()

	poolErr := o.pool.Shutdown(ctx)
	o.bus.Close()
	o.logger.Info("orchestrator shut down")
	if closeErr != nil {
		return closeErr
	}
	return poolErr
}

// renderPrompt builds the backend prompt for one admitted request. The
// window lines were redacted at ingest; the assembled prompt is redacted
// once more so patterns spanning lines cannot slip through.
func (o *Orchestrator) renderPrompt(req infer.Request, window []string) string {
	o.mu.Lock()
	pending := o.pending[req.RequestID]
	entry := o.entries[req.SessionID]
	o.mu.Unlock()

	in := prompt.Input{
		Kind:   pending.kind,
		Goal:   pending.goal,
		Window: window,
	}
	if entry != nil {
		endpoint := entry.sess.Endpoint()
		in.Host = endpoint.Host
		in.User = endpoint.User
		in.Recent = entry.hist.Recent(10)
	}
	return o.redactor.RedactString(prompt.Render(in))
}

// handleResult turns the scheduler's single delivery into a bus event.
func (o *Orchestrator) handleResult(res schedule.Result) {
	o.mu.Lock()
	delete(o.pending, res.RequestID)
	o.mu.Unlock()

	if res.Skipped {
		notice := SkipNotice{SessionID: res.SessionID, RequestID: res.RequestID, Reason: res.Reason}
		if res.Err != nil {
			notice.Detail = res.Err.Error()
		}
		o.bus.Publish(events.Event{
			Type:     events.EventTypeSuggestionSkipped,
			EntityID: res.SessionID,
			Payload:  notice,
			Severity: events.SeverityWarn,
		})
		return
	}

	suggestion, err := suggest.From(res.RequestID, res.SessionID, res.Text, o.classifier, o.now())
	if err != nil {
		o.logger.Warn("unparseable model output", "session_id", res.SessionID, "request_id", res.RequestID, "error", err)
		o.bus.Publish(events.Event{
			Type:     events.EventTypeSuggestionSkipped,
			EntityID: res.SessionID,
			Payload:  SkipNotice{SessionID: res.SessionID, RequestID: res.RequestID, Reason: schedule.ReasonFailed, Detail: err.Error()},
			Severity: events.SeverityWarn,
		})
		return
	}

	severity := events.SeverityInfo
	if suggestion.RequiresConfirmation() {
		severity = events.SeverityWarn
	}
	o.bus.Publish(events.Event{
		Type:     events.EventTypeSuggestionReady,
		EntityID: res.SessionID,
		Payload:  suggestion,
		Severity: severity,
	})
}

func (o *Orchestrator) mintToken(sessionID, command string) string {
	token := uuid.NewString()
	o.mu.Lock()
	o.tokens[token] = tokenGrant{sessionID: sessionID, command: command, minted: o.now()}
	o.mu.Unlock()
	return token
}

// consumeToken redeems a confirmation token. Tokens are single-use and
// bound to the exact session and command they were minted for.
func (o *Orchestrator) consumeToken(token, sessionID, command string) bool {
	if token == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	grant, ok := o.tokens[token]
	if !ok {
		return false
	}
	delete(o.tokens, token)
	return grant.sessionID == sessionID && grant.command == command
}

func (o *Orchestrator) publishState(sessionID string, from, to session.State, reason string) {
	severity := events.SeverityInfo
	if to == session.StateDegraded || to == session.StateFailed {
		severity = events.SeverityWarn
	}
	o.bus.Publish(events.Event{
		Type:     events.EventTypeSessionState,
		EntityID: sessionID,
		Payload:  map[string]string{"from": string(from), "to": string(to), "reason": reason},
		Severity: severity,
	})
}

func (o *Orchestrator) publishSinkError(sessionID string, err error) {
	o.bus.Publish(events.Event{
		Type:     events.EventTypeLogWriteWarning,
		EntityID: sessionID,
		Payload:  err.Error(),
		Severity: events.SeverityWarn,
	})
}

func (o *Orchestrator) publishHealth(available bool) {
	severity := events.SeverityError
	if available {
		severity = events.SeverityInfo
	}
	o.bus.Publish(events.Event{
		Type:     events.EventTypeBackendHealth,
		Payload:  available,
		Severity: severity,
	})
}

func (o *Orchestrator) publishBudget(snap infer.Snapshot) {
	o.bus.Publish(events.Event{
		Type:     events.EventTypeBudgetChange,
		Payload:  snap,
		Severity: events.SeverityInfo,
	})
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
