package infer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/termpilot/termpilot/internal/telemetry"
)

const (
	defaultInferTimeout    = 20 * time.Second
	defaultProbeInterval   = 15 * time.Second
	defaultIdleGrace       = 30 * time.Second
	failStreakThreshold    = 2
	successStreakToRecover = 3
)

// Request is one analysis unit handed to the pool by the scheduler.
type Request struct {
	SessionID string
	RequestID string
	Window    []string
	// StartBy bounds how long the request may wait for a worker slot.
	// Zero means the context deadline is the only bound.
	StartBy time.Time
}

// RenderFunc turns a context window into the backend prompt. The pool
// re-renders with a halved window when retrying a transient failure.
type RenderFunc func(req Request, window []string) string

// Option configures pool construction.
type Option func(*Pool)

// WithLogger attaches a structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithInferTimeout bounds each backend call.
func WithInferTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.inferTimeout = timeout
		}
	}
}

// WithProbeInterval sets the health probe cadence while unavailable.
func WithProbeInterval(interval time.Duration) Option {
	return func(p *Pool) {
		if interval > 0 {
			p.probeInterval = interval
		}
	}
}

// WithIdleGrace sets how long an idle worker lingers before exiting.
func WithIdleGrace(grace time.Duration) Option {
	return func(p *Pool) {
		if grace > 0 {
			p.idleGrace = grace
		}
	}
}

// WithWorkerLowWater keeps that many workers resident through idle periods.
func WithWorkerLowWater(lowWater int) Option {
	return func(p *Pool) {
		if lowWater >= 0 {
			p.lowWater = lowWater
		}
	}
}

// WithHealthNotify registers a callback fired on availability changes.
func WithHealthNotify(notify func(available bool)) Option {
	return func(p *Pool) {
		p.notifyHealth = notify
	}
}

// WithBudgetNotify registers a callback fired when effective concurrency
// changes.
func WithBudgetNotify(notify func(Snapshot)) Option {
	return func(p *Pool) {
		p.notifyBudget = notify
	}
}

// Pool bounds concurrent access to the inference backend by the resource
// budget. It is the only component permitted to call the backend.
type Pool struct {
	backend Backend
	budget  *Budget
	render  RenderFunc
	logger  *log.Logger

	inferTimeout  time.Duration
	probeInterval time.Duration
	idleGrace     time.Duration
	lowWater      int

	notifyHealth func(bool)
	notifyBudget func(Snapshot)

	tasks  chan *task
	closed chan struct{}
	wg     sync.WaitGroup

	runCtx     context.Context
	cancelRuns context.CancelFunc

	mu            sync.Mutex
	workers       int
	unavailable   bool
	probing       bool
	failStreak    int
	successStreak int
	closing       bool
}

type task struct {
	req   Request
	reply chan result
}

type result struct {
	text string
	err  error
}

// NewPool constructs a worker pool around the backend and budget.
func NewPool(backend Backend, budget *Budget, render RenderFunc, options ...Option) (*Pool, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if budget == nil {
		return nil, errors.New("budget is required")
	}
	if render == nil {
		return nil, errors.New("render func is required")
	}

	runCtx, cancelRuns := context.WithCancel(context.Background())
	pool := &Pool{
		backend:       backend,
		budget:        budget,
		render:        render,
		logger:        log.New(io.Discard),
		inferTimeout:  defaultInferTimeout,
		probeInterval: defaultProbeInterval,
		idleGrace:     defaultIdleGrace,
		lowWater:      1,
		tasks:         make(chan *task),
		closed:        make(chan struct{}),
		runCtx:        runCtx,
		cancelRuns:    cancelRuns,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(pool)
	}
	return pool, nil
}

// Run executes one request against the backend within the budget. It
// returns ErrSaturated when no slot frees before the admission deadline,
// ErrUnavailable while the backend is wedged, and backend/budget errors
// otherwise. The scheduler maps every error to a Skipped result.
func (p *Pool) Run(ctx context.Context, req Request) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.isUnavailable() {
		return "", ErrUnavailable
	}
	if p.isClosing() {
		return "", ErrUnavailable
	}

	t := &task{req: req, reply: make(chan result, 1)}
	p.maybeSpawn()

	var startC <-chan time.Time
	if !req.StartBy.IsZero() {
		timer := time.NewTimer(time.Until(req.StartBy))
		defer timer.Stop()
		startC = timer.C
	}

	select {
	case p.tasks <- t:
	case <-startC:
		return "", ErrSaturated
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.closed:
		return "", ErrUnavailable
	}

	select {
	case res := <-t.reply:
		return res.text, res.err
	case <-ctx.Done():
		// The worker finishes and discards into the buffered reply.
		return "", ctx.Err()
	}
}

// Health reports whether the backend is currently accepting calls.
func (p *Pool) Health() bool {
	return !p.isUnavailable()
}

// Snapshot exposes the budget for status display.
func (p *Pool) Snapshot() Snapshot {
	return p.budget.Snapshot()
}

// Shutdown stops admission, lets in-flight calls finish until ctx expires,
// then force-aborts them.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	p.mu.Unlock()
	close(p.closed)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancelRuns()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) maybeSpawn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return
	}
	if p.workers >= p.budget.EffectiveWorkers() {
		return
	}
	p.workers++
	p.wg.Add(1)
	go p.worker()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		idle := time.NewTimer(p.idleGrace)
		select {
		case t := <-p.tasks:
			idle.Stop()
			p.execute(t)
		case <-idle.C:
			p.mu.Lock()
			if p.workers > p.lowWater {
				p.workers--
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-p.closed:
			idle.Stop()
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			return
		}
	}
}

func (p *Pool) execute(t *task) {
	req := t.req
	if !p.budget.TryAcquire() {
		t.reply <- result{err: ErrSaturated}
		return
	}
	defer p.budget.Release()

	window := req.Window
	prompt := p.render(req, window)
	ctx, call := telemetry.StartInferCall(p.runCtx, telemetry.InferCallRequest{
		SessionID:   req.SessionID,
		RequestID:   req.RequestID,
		Prompt:      prompt,
		WindowLines: len(window),
	})

	text, err := p.infer(ctx, prompt, len(window))
	if err != nil && isTransient(err) && len(window) > 1 {
		half := window[len(window)/2:]
		call.RecordRetry("transient backend failure", len(half))
		prompt = p.render(req, half)
		text, err = p.infer(ctx, prompt, len(half))
	}
	call.End(text, err)

	switch {
	case err == nil:
		p.noteSuccess()
		t.reply <- result{text: strings.TrimSpace(text)}
	case errors.Is(err, ErrBudgetExceeded):
		p.noteBudgetFault()
		t.reply <- result{err: err}
	default:
		p.noteFailure(err)
		t.reply <- result{err: err}
	}
}

func (p *Pool) infer(ctx context.Context, prompt string, windowLines int) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.inferTimeout)
	defer cancel()

	text, err := p.backend.Infer(callCtx, prompt, Hint{
		MaxWindowLines: windowLines,
		MemoryMB:       p.budget.PerCallHint(),
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return "", &BackendError{Transient: true, Err: err}
	}
	return text, err
}

func isTransient(err error) bool {
	var backendErr *BackendError
	return errors.As(err, &backendErr) && backendErr.Transient
}

func (p *Pool) noteSuccess() {
	p.mu.Lock()
	p.failStreak = 0
	p.successStreak++
	grow := p.successStreak >= successStreakToRecover
	if grow {
		p.successStreak = 0
	}
	p.mu.Unlock()

	if grow && p.budget.Grow() {
		p.logger.Info("worker pool concurrency restored", "effective", p.budget.EffectiveWorkers())
		p.publishBudget()
	}
}

func (p *Pool) noteBudgetFault() {
	if p.budget.Shrink() {
		p.logger.Warn("worker pool concurrency reduced after budget fault", "effective", p.budget.EffectiveWorkers())
		p.publishBudget()
	}
	p.mu.Lock()
	p.successStreak = 0
	p.mu.Unlock()
}

func (p *Pool) noteFailure(err error) {
	p.mu.Lock()
	p.successStreak = 0
	p.failStreak++
	trip := p.failStreak >= failStreakThreshold && !p.unavailable
	if trip {
		p.unavailable = true
		if !p.probing {
			p.probing = true
			go p.probeLoop()
		}
	}
	p.mu.Unlock()

	if trip {
		p.logger.Error("inference backend marked unavailable", "error", err)
		p.publishHealth(false)
	}
}

func (p *Pool) probeLoop() {
	ticker := time.NewTicker(p.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			p.mu.Lock()
			p.probing = false
			p.mu.Unlock()
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(p.runCtx, p.probeInterval)
			err := p.backend.Probe(probeCtx)
			cancel()
			if err != nil {
				continue
			}
			p.mu.Lock()
			p.unavailable = false
			p.failStreak = 0
			p.probing = false
			p.mu.Unlock()
			p.logger.Info("inference backend recovered")
			p.publishHealth(true)
			return
		}
	}
}

func (p *Pool) publishHealth(available bool) {
	if p.notifyHealth != nil {
		p.notifyHealth(available)
	}
}

func (p *Pool) publishBudget() {
	if p.notifyBudget != nil {
		p.notifyBudget(p.budget.Snapshot())
	}
}

func (p *Pool) isUnavailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unavailable
}

func (p *Pool) isClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}
