package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/termpilot/termpilot/internal/config"
	"github.com/termpilot/termpilot/internal/transport"
)

type fakeChannel struct {
	mu     sync.Mutex
	reads  chan []byte
	writes []string
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeChannel) Read(p []byte) (int, error) {
	select {
	case chunk, ok := <-f.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, chunk), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, errors.New("write on closed channel")
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, string(p))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeChannel) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeChannel) feed(text string) {
	f.reads <- []byte(text)
}

func (f *fakeChannel) drop() {
	f.Close()
}

func (f *fakeChannel) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

// fakeProvider replays a scripted sequence of connect outcomes.
type fakeProvider struct {
	mu       sync.Mutex
	script   []any // *fakeChannel or error
	attempts int
}

func (f *fakeProvider) Connect(ctx context.Context, endpoint transport.Endpoint, auth transport.Auth) (transport.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if len(f.script) == 0 {
		return nil, &transport.ConnectError{Endpoint: endpoint.Addr(), Reason: transport.ReasonUnreachable, Err: errors.New("no more scripted connections")}
	}
	next := f.script[0]
	f.script = f.script[1:]
	switch v := next.(type) {
	case *fakeChannel:
		return v, nil
	case error:
		return nil, v
	default:
		return nil, errors.New("bad script entry")
	}
}

func (f *fakeProvider) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type recordingSink struct {
	mu     sync.Mutex
	lines  []string
	gaps   int
	fail   bool
	failed int
}

func (r *recordingSink) RecordOutput(event OutputEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		r.failed++
		return errors.New("disk full")
	}
	r.lines = append(r.lines, event.Line)
	return nil
}

func (r *recordingSink) RecordGap(sessionID string, at time.Time, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gaps++
	return nil
}

func (r *recordingSink) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func testEndpoint() transport.Endpoint {
	return transport.Endpoint{Host: "box-1.internal", Port: 22, User: "ops"}
}

func fastReconnect(maxRetries int) config.ReconnectConfig {
	return config.ReconnectConfig{
		Base:       time.Millisecond,
		Cap:        5 * time.Millisecond,
		Factor:     2.0,
		Jitter:     0,
		MaxRetries: maxRetries,
	}
}

func waitEvent(t *testing.T, events <-chan OutputEvent) OutputEvent {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output event")
		return OutputEvent{}
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session state = %s, want %s", s.State(), want)
}

func TestOpenStreamsRedactedOutput(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()
	provider := &fakeProvider{script: []any{channel}}
	sink := &recordingSink{}

	s, err := New("sess-1", testEndpoint(), transport.Auth{}, provider,
		WithSink(sink),
		WithReconnect(fastReconnect(1)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := s.State(); got != StateReady {
		t.Fatalf("state = %s, want ready", got)
	}

	events, cancel := s.Subscribe(0, 16)
	defer cancel()

	channel.feed("$ export API_KEY=hunter2\r\nops@box-1's password: hunter2\n")

	first := waitEvent(t, events)
	if strings.Contains(first.Line, "hunter2") {
		t.Fatalf("secret leaked to subscriber: %q", first.Line)
	}
	if !strings.Contains(first.Line, "[REDACTED]") {
		t.Fatalf("line not redacted: %q", first.Line)
	}
	if first.Seq != 1 {
		t.Fatalf("seq = %d, want 1", first.Seq)
	}

	second := waitEvent(t, events)
	if strings.Contains(second.Line, "hunter2") {
		t.Fatalf("secret leaked to subscriber: %q", second.Line)
	}

	for _, line := range sink.recorded() {
		if strings.Contains(line, "hunter2") {
			t.Fatalf("secret leaked to sink: %q", line)
		}
	}
}

func TestSecretSplitAcrossChunksIsRedacted(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()
	provider := &fakeProvider{script: []any{channel}}
	sink := &recordingSink{}

	s, err := New("sess-1", testEndpoint(), transport.Auth{}, provider,
		WithSink(sink),
		WithReconnect(fastReconnect(1)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	events, cancel := s.Subscribe(0, 16)
	defer cancel()

	// Neither chunk matches a rule on its own; only the assembled line does.
	channel.feed("export passw")
	channel.feed("ord=hunter2\n")

	got := waitEvent(t, events)
	if strings.Contains(got.Line, "hunter2") {
		t.Fatalf("split secret leaked to subscriber: %q", got.Line)
	}
	if !strings.Contains(got.Line, "[REDACTED]") {
		t.Fatalf("line not redacted: %q", got.Line)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.recorded()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	for _, line := range sink.recorded() {
		if strings.Contains(line, "hunter2") {
			t.Fatalf("split secret leaked to sink: %q", line)
		}
	}
}

func TestWriteRequiresReady(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()
	provider := &fakeProvider{script: []any{channel}}
	s, err := New("sess-1", testEndpoint(), transport.Auth{}, provider,
		WithReconnect(fastReconnect(1)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Write(context.Background(), "ls"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("write before open = %v, want ErrNotReady", err)
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Write(context.Background(), "ls -la"); err != nil {
		t.Fatalf("write: %v", err)
	}

	written := channel.written()
	if len(written) != 1 || written[0] != "ls -la\n" {
		t.Fatalf("written = %q", written)
	}
}

func TestReconnectEmitsGapAndResumesSequence(t *testing.T) {
	t.Parallel()

	first := newFakeChannel()
	second := newFakeChannel()
	provider := &fakeProvider{script: []any{
		first,
		&transport.ConnectError{Endpoint: "box-1.internal:22", Reason: transport.ReasonUnreachable, Err: errors.New("refused")},
		second,
	}}
	sink := &recordingSink{}

	s, err := New("sess-1", testEndpoint(), transport.Auth{}, provider,
		WithSink(sink),
		WithReconnect(fastReconnect(0)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	events, cancel := s.Subscribe(0, 32)
	defer cancel()

	first.feed("line one\n")
	if got := waitEvent(t, events); got.Line != "line one" {
		t.Fatalf("line = %q", got.Line)
	}

	first.drop()
	waitState(t, s, StateReady)

	gap := waitEvent(t, events)
	if !gap.Gap {
		t.Fatalf("expected gap marker, got %+v", gap)
	}
	if gap.Seq != 2 {
		t.Fatalf("gap seq = %d, want 2", gap.Seq)
	}

	second.feed("line two\n")
	next := waitEvent(t, events)
	if next.Line != "line two" || next.Seq != 3 {
		t.Fatalf("resumed event = %+v", next)
	}

	sink.mu.Lock()
	gaps := sink.gaps
	sink.mu.Unlock()
	if gaps != 1 {
		t.Fatalf("sink gaps = %d, want 1", gaps)
	}
}

func TestDegradedRejectsWrites(t *testing.T) {
	t.Parallel()

	first := newFakeChannel()
	provider := &fakeProvider{script: []any{first}}
	s, err := New("sess-1", testEndpoint(), transport.Auth{}, provider,
		WithReconnect(config.ReconnectConfig{Base: time.Hour, Cap: time.Hour, Factor: 2.0, Jitter: 0, MaxRetries: 0}))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	first.drop()
	waitState(t, s, StateDegraded)

	if err := s.Write(context.Background(), "ls"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("write while degraded = %v, want ErrNotReady", err)
	}
}

func TestAuthRejectionDoesNotRetry(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{script: []any{
		&transport.ConnectError{Endpoint: "box-1.internal:22", Reason: transport.ReasonAuthRejected, Err: errors.New("permission denied")},
	}}
	s, err := New("sess-1", testEndpoint(), transport.Auth{Password: "wrong"}, provider,
		WithReconnect(fastReconnect(5)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	err = s.Open(context.Background())
	if err == nil {
		t.Fatal("open succeeded with rejected credentials")
	}
	if !errors.Is(err, transport.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
	if got := provider.attemptCount(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestOpenFailsFastOnUnreachableEndpoint(t *testing.T) {
	t.Parallel()

	refused := &transport.ConnectError{Endpoint: "box-1.internal:22", Reason: transport.ReasonUnreachable, Err: errors.New("refused")}
	provider := &fakeProvider{script: []any{refused, refused, refused}}
	s, err := New("sess-1", testEndpoint(), transport.Auth{}, provider,
		WithReconnect(fastReconnect(0)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	start := time.Now()
	err = s.Open(context.Background())
	if err == nil {
		t.Fatal("open succeeded with unreachable endpoint")
	}
	if !errors.Is(err, transport.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("open took %s, want a single fast attempt", elapsed)
	}
	// The open dial never enters the retry loop, even with unbounded
	// reconnection configured.
	if got := provider.attemptCount(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestReconnectRetriesUntilExhausted(t *testing.T) {
	t.Parallel()

	refused := &transport.ConnectError{Endpoint: "box-1.internal:22", Reason: transport.ReasonUnreachable, Err: errors.New("refused")}
	channel := newFakeChannel()
	provider := &fakeProvider{script: []any{channel, refused, refused, refused, refused}}
	s, err := New("sess-1", testEndpoint(), transport.Auth{}, provider,
		WithReconnect(fastReconnect(2)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	channel.drop()
	waitState(t, s, StateFailed)

	// One successful open, then MaxRetries of 2 allows the first
	// reconnect attempt plus two retries.
	if got := provider.attemptCount(); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
}

func TestSubscribeReplaysFromSequence(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()
	provider := &fakeProvider{script: []any{channel}}
	s, err := New("sess-1", testEndpoint(), transport.Auth{}, provider,
		WithReconnect(fastReconnect(1)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	channel.feed("one\ntwo\nthree\n")

	deadline := time.Now().Add(2 * time.Second)
	for s.LastSeq() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Resuming from acknowledged seq 1 replays 2 and 3, never 1 again.
	events, cancel := s.Subscribe(1, 16)
	defer cancel()

	got := waitEvent(t, events)
	if got.Seq != 2 || got.Line != "two" {
		t.Fatalf("first replayed event = %+v", got)
	}
	got = waitEvent(t, events)
	if got.Seq != 3 || got.Line != "three" {
		t.Fatalf("second replayed event = %+v", got)
	}

	all, cancelAll := s.Subscribe(0, 16)
	defer cancelAll()
	if got := waitEvent(t, all); got.Seq != 1 || got.Line != "one" {
		t.Fatalf("replay from zero = %+v", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()
	provider := &fakeProvider{script: []any{channel}}
	s, err := New("sess-1", testEndpoint(), transport.Auth{}, provider,
		WithReconnect(fastReconnect(1)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	events, cancel := s.Subscribe(0, 4)
	defer cancel()

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("event after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel not closed")
	}

	if err := s.Write(context.Background(), "ls"); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close = %v, want ErrClosed", err)
	}
}

func TestSinkFailureDoesNotStallStream(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()
	provider := &fakeProvider{script: []any{channel}}
	sink := &recordingSink{fail: true}

	var warned int
	var warnMu sync.Mutex
	s, err := New("sess-1", testEndpoint(), transport.Auth{}, provider,
		WithSink(sink),
		WithReconnect(fastReconnect(1)),
		WithSinkErrorNotify(func(sessionID string, err error) {
			warnMu.Lock()
			warned++
			warnMu.Unlock()
		}))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	events, cancel := s.Subscribe(0, 16)
	defer cancel()

	channel.feed("still streaming\n")
	if got := waitEvent(t, events); got.Line != "still streaming" {
		t.Fatalf("line = %q", got.Line)
	}

	warnMu.Lock()
	defer warnMu.Unlock()
	if warned == 0 {
		t.Fatal("sink failure not surfaced")
	}
}
