// Package session owns the lifecycle of one remote shell: connecting,
// streaming redacted output, reconnecting after transport drops, and
// fanning events out to subscribers. Raw transport bytes never leave this
// package unredacted.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/termpilot/termpilot/internal/config"
	"github.com/termpilot/termpilot/internal/redact"
	"github.com/termpilot/termpilot/internal/transport"
)

var (
	// ErrNotReady rejects writes while the session is connecting or degraded.
	ErrNotReady = errors.New("session not ready")
	// ErrClosed rejects operations on a terminal session.
	ErrClosed = errors.New("session closed")
)

const gapLine = "[connection interrupted; some output may be missing]"

// OutputEvent is one redacted line of terminal output. Seq increases
// monotonically per session, across reconnects.
type OutputEvent struct {
	SessionID string
	Seq       uint64
	Line      string
	At        time.Time
	Gap       bool
}

// Sink durably records session output. Sink failures never stall the
// stream; they are surfaced through the sink error callback.
type Sink interface {
	RecordOutput(event OutputEvent) error
	RecordGap(sessionID string, at time.Time, note string) error
}

// StateNotifyFunc observes lifecycle transitions.
type StateNotifyFunc func(sessionID string, from, to State, reason string)

// Option configures session construction.
type Option func(*Session)

// WithLogger attaches a structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSink durably records output and gap markers.
func WithSink(sink Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

// WithRedactor overrides the default redaction rule set.
func WithRedactor(redactor *redact.Redactor) Option {
	return func(s *Session) {
		if redactor != nil {
			s.redactor = redactor
		}
	}
}

// WithReconnect sets the reconnection policy.
func WithReconnect(policy config.ReconnectConfig) Option {
	return func(s *Session) {
		s.reconnect = policy
	}
}

// WithRingCapacity bounds how many output events are retained for replay.
func WithRingCapacity(capacity int) Option {
	return func(s *Session) {
		if capacity > 0 {
			s.ringCapacity = capacity
		}
	}
}

// WithStateNotify observes lifecycle transitions. The callback must not
// call back into the session.
func WithStateNotify(notify StateNotifyFunc) Option {
	return func(s *Session) {
		s.notifyState = notify
	}
}

// WithSinkErrorNotify observes sink write failures.
func WithSinkErrorNotify(notify func(sessionID string, err error)) Option {
	return func(s *Session) {
		s.notifySinkErr = notify
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

type subscriber struct {
	ch      chan OutputEvent
	dropped int
	once    sync.Once
}

func (sub *subscriber) closeCh() {
	sub.once.Do(func() { close(sub.ch) })
}

// Session is one remote shell under management.
type Session struct {
	id       string
	endpoint transport.Endpoint
	auth     transport.Auth
	provider transport.Provider

	logger        *log.Logger
	redactor      *redact.Redactor
	sink          Sink
	reconnect     config.ReconnectConfig
	ringCapacity  int
	notifyState   StateNotifyFunc
	notifySinkErr func(string, error)
	now           func() time.Time

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	channel transport.Channel
	seq     uint64
	events  *ring[OutputEvent]
	partial []byte
	subs    map[int]*subscriber
	nextSub int
}

// New builds a session in the connecting state. Call Open to dial.
func New(id string, endpoint transport.Endpoint, auth transport.Auth, provider transport.Provider, options ...Option) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("session id is required")
	}
	if provider == nil {
		return nil, errors.New("transport provider is required")
	}
	if err := endpoint.Validate(); err != nil {
		return nil, fmt.Errorf("validate endpoint: %w", err)
	}

	redactor, err := redact.New()
	if err != nil {
		return nil, fmt.Errorf("compile redaction rules: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		endpoint: endpoint,
		auth:     auth,
		provider: provider,
		logger:   log.New(io.Discard),
		redactor: redactor,
		reconnect: config.ReconnectConfig{
			Base:   time.Second,
			Cap:    30 * time.Second,
			Factor: 2.0,
			Jitter: 0.2,
		},
		ringCapacity: 2000,
		now:          time.Now,
		runCtx:       runCtx,
		cancel:       cancel,
		state:        StateConnecting,
		subs:         map[int]*subscriber{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}
	s.events = newRing[OutputEvent](s.ringCapacity)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Endpoint returns the session target.
func (s *Session) Endpoint() transport.Endpoint { return s.endpoint }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open dials the endpoint once. On success the session is ready and
// streaming; on failure it returns the connect error and the session is
// closed. The reconnection policy applies only to drops after a
// successful open.
func (s *Session) Open(ctx context.Context) error {
	if current := s.State(); current != StateConnecting {
		if current.Terminal() {
			return ErrClosed
		}
		return fmt.Errorf("open session %s: already %s", s.id, current)
	}

	channel, err := s.provider.Connect(ctx, s.endpoint, s.auth)
	if err != nil {
		s.setState(StateClosed, "initial connect failed")
		return fmt.Errorf("connect %s: %w", s.endpoint.Addr(), err)
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		channel.Close()
		return ErrClosed
	}
	s.channel = channel
	s.mu.Unlock()

	if err := s.setState(StateReady, "connected"); err != nil {
		return err
	}
	s.startReadLoop(channel)
	return nil
}

// Write sends a command line to the remote shell. The session must be
// ready; degraded and connecting sessions reject writes.
func (s *Session) Write(ctx context.Context, command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	state := s.state
	channel := s.channel
	s.mu.Unlock()

	if state.Terminal() {
		return ErrClosed
	}
	if state != StateReady || channel == nil {
		return fmt.Errorf("session %s is %s: %w", s.id, state, ErrNotReady)
	}
	if _, err := channel.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// Subscribe streams output events with Seq strictly above fromSeq:
// retained events are replayed first, then live ones. A consumer resuming
// from its last acknowledged sequence never sees that event again. Slow
// subscribers drop events rather than stalling the session. The returned
// cancel must be called when done.
func (s *Session) Subscribe(fromSeq uint64, buffer int) (<-chan OutputEvent, func()) {
	if buffer < 1 {
		buffer = 64
	}

	s.mu.Lock()
	var replay []OutputEvent
	for _, event := range s.events.snapshot() {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}
	if buffer < len(replay)+1 {
		buffer = len(replay) + 1
	}
	sub := &subscriber{ch: make(chan OutputEvent, buffer)}
	for _, event := range replay {
		sub.ch <- event
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.closeCh()
	}
	return sub.ch, cancel
}

// Window returns up to n most recent output lines, oldest first.
func (s *Session) Window(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events.tail(n)
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, event.Line)
	}
	return out
}

// LastSeq returns the sequence number of the newest retained event.
func (s *Session) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	channel := s.channel
	s.channel = nil
	s.mu.Unlock()

	s.setState(StateClosed, "closed by operator")
	s.cancel()
	if channel != nil {
		channel.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	subs := s.subs
	s.subs = map[int]*subscriber{}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.closeCh()
	}
	return nil
}

func (s *Session) startReadLoop(channel transport.Channel) {
	s.wg.Add(1)
	go s.readLoop(channel)
}

func (s *Session) readLoop(channel transport.Channel) {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := channel.Read(buf)
		if n > 0 {
			s.ingest(buf[:n])
		}
		if err != nil {
			s.handleDisconnect(err)
			return
		}
	}
}

// ingest redacts a raw chunk, assembles completed lines, and emits one
// event per line. Each assembled line is redacted again: a secret split
// across two transport reads matches no rule chunk by chunk, but the
// whole line does.
func (s *Session) ingest(chunk []byte) {
	clean := s.redactor.Redact(chunk)

	s.mu.Lock()
	s.partial = append(s.partial, clean...)
	var lines []string
	for {
		idx := bytes.IndexByte(s.partial, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(s.partial[:idx]), "\r")
		s.partial = s.partial[idx+1:]
		lines = append(lines, s.redactor.RedactString(line))
	}
	var events []OutputEvent
	for _, line := range lines {
		s.seq++
		event := OutputEvent{SessionID: s.id, Seq: s.seq, Line: line, At: s.now()}
		s.events.push(event)
		events = append(events, event)
	}
	s.mu.Unlock()

	for _, event := range events {
		s.publish(event)
	}
}

func (s *Session) publish(event OutputEvent) {
	if s.sink != nil {
		if err := s.sink.RecordOutput(event); err != nil {
			s.logger.Warn("session log write failed", "session_id", s.id, "error", err)
			if s.notifySinkErr != nil {
				s.notifySinkErr(s.id, err)
			}
		}
	}

	s.mu.Lock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
		}
	}
	s.mu.Unlock()
}

func (s *Session) handleDisconnect(cause error) {
	if errors.Is(cause, io.EOF) {
		s.logger.Info("remote closed the stream", "session_id", s.id)
	}

	s.mu.Lock()
	if s.state != StateReady {
		// Close or a racing disconnect already moved the lifecycle on.
		s.mu.Unlock()
		return
	}
	channel := s.channel
	s.channel = nil
	s.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	if err := s.setState(StateDegraded, cause.Error()); err != nil {
		return
	}

	s.wg.Add(1)
	go s.recoverLoop()
}

func (s *Session) recoverLoop() {
	defer s.wg.Done()

	channel, err := s.dial(s.runCtx)
	if err != nil {
		if s.State() == StateDegraded {
			s.setState(StateFailed, "reconnect exhausted")
		}
		return
	}

	s.mu.Lock()
	if s.state != StateDegraded {
		s.mu.Unlock()
		channel.Close()
		return
	}
	s.channel = channel
	s.partial = nil
	s.seq++
	gap := OutputEvent{SessionID: s.id, Seq: s.seq, Line: gapLine, At: s.now(), Gap: true}
	s.events.push(gap)
	s.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.RecordGap(s.id, gap.At, gapLine); err != nil {
			s.logger.Warn("session log write failed", "session_id", s.id, "error", err)
			if s.notifySinkErr != nil {
				s.notifySinkErr(s.id, err)
			}
		}
	}
	s.publishToSubs(gap)

	if err := s.setState(StateReady, "reconnected"); err != nil {
		return
	}
	s.startReadLoop(channel)
}

func (s *Session) publishToSubs(event OutputEvent) {
	s.mu.Lock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
		}
	}
	s.mu.Unlock()
}

// dial attempts a connection under the reconnection policy. Credential
// rejection is permanent; network failures retry with jittered backoff.
func (s *Session) dial(ctx context.Context) (transport.Channel, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.reconnect.Base
	policy.MaxInterval = s.reconnect.Cap
	policy.Multiplier = s.reconnect.Factor
	policy.RandomizationFactor = s.reconnect.Jitter
	policy.MaxElapsedTime = 0

	var wrapped backoff.BackOff = policy
	if s.reconnect.MaxRetries > 0 {
		wrapped = backoff.WithMaxRetries(wrapped, uint64(s.reconnect.MaxRetries))
	}
	wrapped = backoff.WithContext(wrapped, ctx)

	attempt := 0
	var channel transport.Channel
	operation := func() error {
		attempt++
		c, err := s.provider.Connect(ctx, s.endpoint, s.auth)
		if err != nil {
			var connectErr *transport.ConnectError
			if errors.As(err, &connectErr) && connectErr.Reason == transport.ReasonAuthRejected {
				return backoff.Permanent(err)
			}
			s.logger.Debug("connect attempt failed",
				"session_id", s.id,
				"attempt", attempt,
				"error", err)
			return err
		}
		channel = c
		return nil
	}
	if err := backoff.Retry(operation, wrapped); err != nil {
		return nil, err
	}
	return channel, nil
}

func (s *Session) setState(to State, reason string) error {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		s.logger.Error("refused session transition", "session_id", s.id, "error", err)
		return err
	}
	s.state = to
	notify := s.notifyState
	s.mu.Unlock()

	s.logger.Info("session state changed",
		"session_id", s.id,
		"from", from,
		"to", to,
		"reason", reason)
	if notify != nil {
		notify(s.id, from, to, reason)
	}
	return nil
}
