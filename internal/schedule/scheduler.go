// Package schedule admits per-session inference requests into the shared
// worker pool. Each session holds a bounded intake where a newer request
// supersedes the queued one, and dispatch walks sessions round-robin so a
// chatty session cannot starve the rest.
package schedule

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/termpilot/termpilot/internal/infer"
)

const (
	defaultQueueDepth  = 1
	defaultDeadline    = 5 * time.Second
	defaultDispatchers = 4

	tracerName = "termpilot/schedule"
)

// Reason explains why a request produced no suggestion.
type Reason string

const (
	// ReasonSuperseded means a newer request for the session replaced it.
	ReasonSuperseded Reason = "superseded"
	// ReasonSaturated means no pool slot freed before the dispatch deadline.
	ReasonSaturated Reason = "saturated"
	// ReasonUnavailable means the inference backend is down.
	ReasonUnavailable Reason = "backend_unavailable"
	// ReasonCanceled means the session was canceled or the scheduler closed.
	ReasonCanceled Reason = "canceled"
	// ReasonFailed means the backend call itself failed.
	ReasonFailed Reason = "failed"
)

// Request is one unit of analysis work for a session.
type Request struct {
	SessionID string
	RequestID string
	Window    []string
	Submitted time.Time
}

// Result reports the outcome of exactly one submitted request.
type Result struct {
	SessionID string
	RequestID string
	Text      string
	Skipped   bool
	Reason    Reason
	Err       error
}

// Runner executes an admitted request. Implemented by infer.Pool.
type Runner interface {
	Run(ctx context.Context, req infer.Request) (string, error)
}

// DeliverFunc receives the single result for each submitted request.
type DeliverFunc func(Result)

// Option configures scheduler construction.
type Option func(*Scheduler)

// WithLogger attaches a structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithQueueDepth sets how many requests a session may hold queued.
func WithQueueDepth(depth int) Option {
	return func(s *Scheduler) {
		if depth > 0 {
			s.queueDepth = depth
		}
	}
}

// WithDeadline bounds how long a dispatched request may wait for a pool slot.
func WithDeadline(deadline time.Duration) Option {
	return func(s *Scheduler) {
		if deadline > 0 {
			s.deadline = deadline
		}
	}
}

// WithDispatchers sets how many requests may sit in pool admission at once.
func WithDispatchers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.dispatchers = n
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type slot struct {
	active   bool
	inflight Request
	queued   []Request
	gen      int
	cancel   context.CancelFunc
}

type item struct {
	req Request
	gen int
	ctx context.Context
}

// Scheduler owns admission control between sessions and the worker pool.
type Scheduler struct {
	runner      Runner
	deliver     DeliverFunc
	logger      *log.Logger
	queueDepth  int
	deadline    time.Duration
	dispatchers int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*slot
	order    []string
	next     int
	closed   bool

	wake     chan struct{}
	dispatch chan item
	done     chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// New builds and starts a scheduler. Every submitted request is answered
// through deliver exactly once.
func New(runner Runner, deliver DeliverFunc, options ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if deliver == nil {
		return nil, errors.New("deliver func is required")
	}

	s := &Scheduler{
		runner:      runner,
		deliver:     deliver,
		logger:      log.New(io.Discard),
		queueDepth:  defaultQueueDepth,
		deadline:    defaultDeadline,
		dispatchers: defaultDispatchers,
		now:         time.Now,
		sessions:    map[string]*slot{},
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}

	s.dispatch = make(chan item)
	for i := 0; i < s.dispatchers; i++ {
		s.wg.Add(1)
		go s.dispatcher()
	}
	go s.loop()
	return s, nil
}

// Submit enqueues a request for its session. When the session intake is
// full the oldest queued request is superseded and reported as skipped.
func (s *Scheduler) Submit(req Request) {
	if req.Submitted.IsZero() {
		req.Submitted = s.now()
	}

	var superseded []Request
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.deliverSkip(req, ReasonCanceled)
		return
	}
	sl, ok := s.sessions[req.SessionID]
	if !ok {
		sl = &slot{}
		s.sessions[req.SessionID] = sl
		s.order = append(s.order, req.SessionID)
	}
	for len(sl.queued) >= s.queueDepth {
		superseded = append(superseded, sl.queued[0])
		sl.queued = sl.queued[1:]
	}
	sl.queued = append(sl.queued, req)
	s.mu.Unlock()

	for _, old := range superseded {
		s.deliverSkip(old, ReasonSuperseded)
	}
	s.kick()
}

// CancelSession drops the session's queued and in-flight work and retires
// its round-robin slot. Each dropped request is reported as skipped. A
// later Submit for the same session starts a fresh slot.
func (s *Scheduler) CancelSession(sessionID string) {
	s.mu.Lock()
	sl, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	dropped := sl.queued
	sl.gen++
	cancel := sl.cancel
	if sl.active {
		// The dispatcher's eventual result finds no slot and is dropped.
		dropped = append(dropped, sl.inflight)
	}
	s.removeSlotLocked(sessionID)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, req := range dropped {
		s.deliverSkip(req, ReasonCanceled)
	}
	s.kick()
}

// removeSlotLocked deletes a session's slot and its fairness-ring entry,
// keeping the rotation pointer on the session that was next.
func (s *Scheduler) removeSlotLocked(sessionID string) {
	delete(s.sessions, sessionID)
	for i, id := range s.order {
		if id != sessionID {
			continue
		}
		s.order = append(s.order[:i], s.order[i+1:]...)
		if i < s.next {
			s.next--
		}
		break
	}
	if len(s.order) == 0 {
		s.next = 0
	} else {
		s.next %= len(s.order)
	}
}

// Close stops dispatch. Queued requests are reported as canceled and
// in-flight pool admissions are aborted.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var dropped []Request
	var cancels []context.CancelFunc
	for _, sl := range s.sessions {
		dropped = append(dropped, sl.queued...)
		sl.queued = nil
		sl.gen++
		if sl.active {
			dropped = append(dropped, sl.inflight)
			sl.active = false
		}
		if sl.cancel != nil {
			cancels = append(cancels, sl.cancel)
			sl.cancel = nil
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, req := range dropped {
		s.deliverSkip(req, ReasonCanceled)
	}

	close(s.done)
	<-s.loopDone
	close(s.dispatch)
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		next, ok := s.nextItem()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.dispatch <- next:
		case <-s.done:
			return
		}
	}
}

// nextItem picks the next dispatchable request round-robin across sessions.
func (s *Scheduler) nextItem() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.order) == 0 {
		return item{}, false
	}

	for scanned := 0; scanned < len(s.order); scanned++ {
		id := s.order[s.next%len(s.order)]
		s.next = (s.next + 1) % len(s.order)
		sl := s.sessions[id]
		if sl == nil || sl.active || len(sl.queued) == 0 {
			continue
		}
		req := sl.queued[0]
		sl.queued = sl.queued[1:]
		sl.active = true
		sl.inflight = req
		ctx, cancel := context.WithCancel(context.Background())
		sl.cancel = cancel
		return item{req: req, gen: sl.gen, ctx: ctx}, true
	}
	return item{}, false
}

func (s *Scheduler) dispatcher() {
	defer s.wg.Done()
	for next := range s.dispatch {
		s.finish(next, s.run(next))
	}
}

func (s *Scheduler) run(next item) Result {
	req := next.req
	ctx, span := otel.Tracer(tracerName).Start(next.ctx, "schedule.dispatch")
	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("request_id", req.RequestID),
		attribute.Int("window_lines", len(req.Window)),
	)
	defer span.End()

	text, err := s.runner.Run(ctx, infer.Request{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Window:    req.Window,
		StartBy:   req.Submitted.Add(s.deadline),
	})

	result := Result{SessionID: req.SessionID, RequestID: req.RequestID}
	switch {
	case err == nil:
		result.Text = text
	case errors.Is(err, infer.ErrSaturated):
		result.Skipped = true
		result.Reason = ReasonSaturated
	case errors.Is(err, infer.ErrUnavailable):
		result.Skipped = true
		result.Reason = ReasonUnavailable
	case errors.Is(err, context.Canceled):
		result.Skipped = true
		result.Reason = ReasonCanceled
	default:
		result.Skipped = true
		result.Reason = ReasonFailed
		result.Err = err
	}

	if result.Skipped {
		span.SetAttributes(attribute.String("skip_reason", string(result.Reason)))
	}
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "dispatch failed")
	}
	return result
}

func (s *Scheduler) finish(next item, result Result) {
	s.mu.Lock()
	sl := s.sessions[next.req.SessionID]
	stale := sl == nil || sl.gen != next.gen
	if sl != nil && sl.gen == next.gen {
		sl.active = false
		sl.cancel = nil
	}
	s.mu.Unlock()

	if stale {
		// The session was canceled while this request was in flight; its
		// skip was already delivered.
		return
	}
	if result.Skipped {
		s.logger.Debug("request skipped",
			"session_id", result.SessionID,
			"request_id", result.RequestID,
			"reason", result.Reason)
	}
	s.deliver(result)
	s.kick()
}

func (s *Scheduler) deliverSkip(req Request, reason Reason) {
	s.deliver(Result{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Skipped:   true,
		Reason:    reason,
	})
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
