package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/termpilot/termpilot/internal/infer"
)

type fakeRunner struct {
	mu    sync.Mutex
	seen  []string
	block chan struct{}
	fn    func(ctx context.Context, req infer.Request) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, req infer.Request) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req.SessionID)
	fn := f.fn
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return "suggestion for " + req.SessionID, nil
}

func (f *fakeRunner) sessionsSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.seen))
	copy(out, f.seen)
	return out
}

func collector() (DeliverFunc, chan Result) {
	results := make(chan Result, 64)
	return func(res Result) { results <- res }, results
}

func waitResult(t *testing.T, results chan Result) Result {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestSubmitDeliversResult(t *testing.T) {
	t.Parallel()

	deliver, results := collector()
	sched, err := New(&fakeRunner{}, deliver)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer sched.Close()

	sched.Submit(Request{SessionID: "s-1", RequestID: "r-1", Window: []string{"$ ls"}})

	res := waitResult(t, results)
	if res.Skipped {
		t.Fatalf("result skipped: %s", res.Reason)
	}
	if res.Text != "suggestion for s-1" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.RequestID != "r-1" {
		t.Fatalf("request id = %q", res.RequestID)
	}
}

func TestNewerRequestSupersedesQueued(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	deliver, results := collector()
	sched, err := New(runner, deliver, WithDispatchers(1))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer sched.Close()

	// First request occupies the dispatcher, the next two contend for the
	// single queue slot.
	sched.Submit(Request{SessionID: "s-1", RequestID: "r-1"})
	time.Sleep(50 * time.Millisecond)
	sched.Submit(Request{SessionID: "s-1", RequestID: "r-2"})
	sched.Submit(Request{SessionID: "s-1", RequestID: "r-3"})

	res := waitResult(t, results)
	if !res.Skipped || res.Reason != ReasonSuperseded {
		t.Fatalf("first result = %+v, want superseded skip", res)
	}
	if res.RequestID != "r-2" {
		t.Fatalf("superseded request = %q, want r-2", res.RequestID)
	}

	close(block)
	for _, want := range []string{"r-1", "r-3"} {
		res := waitResult(t, results)
		if res.Skipped {
			t.Fatalf("result %q skipped: %s", res.RequestID, res.Reason)
		}
		if res.RequestID != want {
			t.Fatalf("request id = %q, want %q", res.RequestID, want)
		}
	}
}

func TestRoundRobinAcrossSessions(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	deliver, results := collector()
	sched, err := New(runner, deliver, WithDispatchers(1), WithQueueDepth(2))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer sched.Close()

	// Session A floods first, then B and C each submit once. The single
	// dispatcher picks up A's first request, and the rest must interleave.
	sched.Submit(Request{SessionID: "a", RequestID: "a-1"})
	time.Sleep(50 * time.Millisecond)
	sched.Submit(Request{SessionID: "a", RequestID: "a-2"})
	sched.Submit(Request{SessionID: "a", RequestID: "a-3"})
	sched.Submit(Request{SessionID: "b", RequestID: "b-1"})
	sched.Submit(Request{SessionID: "c", RequestID: "c-1"})
	close(block)

	for i := 0; i < 5; i++ {
		res := waitResult(t, results)
		if res.Skipped {
			t.Fatalf("result %q skipped: %s", res.RequestID, res.Reason)
		}
	}

	seen := runner.sessionsSeen()
	if len(seen) != 5 {
		t.Fatalf("runner saw %d requests, want 5", len(seen))
	}
	// Both b and c must be served before a's second queued request.
	posB, posC, posA2 := -1, -1, -1
	countA := 0
	for i, id := range seen {
		switch id {
		case "b":
			posB = i
		case "c":
			posC = i
		case "a":
			countA++
			if countA == 2 {
				posA2 = i
			}
		}
	}
	if posB > posA2 || posC > posA2 {
		t.Fatalf("sessions b/c starved behind a: order %v", seen)
	}
}

func TestSaturationMapsToSkip(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{fn: func(ctx context.Context, req infer.Request) (string, error) {
		return "", infer.ErrSaturated
	}}
	deliver, results := collector()
	sched, err := New(runner, deliver)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer sched.Close()

	sched.Submit(Request{SessionID: "s-1", RequestID: "r-1"})
	res := waitResult(t, results)
	if !res.Skipped || res.Reason != ReasonSaturated {
		t.Fatalf("result = %+v, want saturated skip", res)
	}
	if res.Err != nil {
		t.Fatalf("saturation carried an error: %v", res.Err)
	}
}

func TestBackendFailureCarriesError(t *testing.T) {
	t.Parallel()

	backendErr := fmt.Errorf("call model: %w", errors.New("boom"))
	runner := &fakeRunner{fn: func(ctx context.Context, req infer.Request) (string, error) {
		return "", backendErr
	}}
	deliver, results := collector()
	sched, err := New(runner, deliver)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer sched.Close()

	sched.Submit(Request{SessionID: "s-1", RequestID: "r-1"})
	res := waitResult(t, results)
	if !res.Skipped || res.Reason != ReasonFailed {
		t.Fatalf("result = %+v, want failed skip", res)
	}
	if !errors.Is(res.Err, backendErr) {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestCancelSessionDropsQueuedAndInflight(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	runner := &fakeRunner{block: block}
	deliver, results := collector()
	sched, err := New(runner, deliver, WithDispatchers(1))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer sched.Close()

	sched.Submit(Request{SessionID: "s-1", RequestID: "r-1"})
	time.Sleep(50 * time.Millisecond)
	sched.Submit(Request{SessionID: "s-1", RequestID: "r-2"})
	time.Sleep(50 * time.Millisecond)

	sched.CancelSession("s-1")

	got := map[string]Reason{}
	for i := 0; i < 2; i++ {
		res := waitResult(t, results)
		if !res.Skipped {
			t.Fatalf("result %q not skipped", res.RequestID)
		}
		got[res.RequestID] = res.Reason
	}
	for _, id := range []string{"r-1", "r-2"} {
		if got[id] != ReasonCanceled {
			t.Fatalf("request %q reason = %q, want canceled", id, got[id])
		}
	}

	select {
	case res := <-results:
		t.Fatalf("unexpected extra result: %+v", res)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCancelSessionRetiresSlot(t *testing.T) {
	t.Parallel()

	deliver, results := collector()
	sched, err := New(&fakeRunner{}, deliver)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer sched.Close()

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("s-%d", i)
		sched.Submit(Request{SessionID: id, RequestID: id + "-r"})
		waitResult(t, results)
		sched.CancelSession(id)
	}

	sched.mu.Lock()
	slots, ring := len(sched.sessions), len(sched.order)
	sched.mu.Unlock()
	if slots != 0 || ring != 0 {
		t.Fatalf("retired sessions left %d slots and %d ring entries", slots, ring)
	}

	// A reopened session id starts a fresh slot.
	sched.Submit(Request{SessionID: "s-0", RequestID: "again"})
	res := waitResult(t, results)
	if res.Skipped {
		t.Fatalf("resubmit after cancel skipped: %s", res.Reason)
	}
	if res.RequestID != "again" {
		t.Fatalf("request id = %q", res.RequestID)
	}
}

func TestCloseDrainsQueued(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	runner := &fakeRunner{block: block}
	deliver, results := collector()
	sched, err := New(runner, deliver, WithDispatchers(1))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	sched.Submit(Request{SessionID: "s-1", RequestID: "r-1"})
	time.Sleep(50 * time.Millisecond)
	sched.Submit(Request{SessionID: "s-2", RequestID: "r-2"})
	time.Sleep(50 * time.Millisecond)

	sched.Close()

	reasons := map[string]Reason{}
	for i := 0; i < 2; i++ {
		res := waitResult(t, results)
		reasons[res.RequestID] = res.Reason
	}
	if reasons["r-1"] != ReasonCanceled || reasons["r-2"] != ReasonCanceled {
		t.Fatalf("reasons = %v, want canceled for both", reasons)
	}
}
