package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scheduledCall struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

type manualScheduler struct {
	mu      sync.Mutex
	pending []*scheduledCall
	delays  []time.Duration
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := &scheduledCall{delay: d, fn: fn}
	s.pending = append(s.pending, call)
	s.delays = append(s.delays, d)

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if call.cancelled || call.fired {
			return false
		}
		call.cancelled = true
		return true
	}
}

// FireNext runs the oldest live callback on the calling goroutine.
func (s *manualScheduler) FireNext() bool {
	s.mu.Lock()
	var next *scheduledCall
	for len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		if !c.cancelled {
			next = c
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()

	if next == nil {
		return false
	}
	next.fn()
	return true
}

func (s *manualScheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.pending {
		if !c.cancelled {
			n++
		}
	}
	return n
}

func (s *manualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type stubLauncher struct {
	mu      sync.Mutex
	calls   int
	resp    *LaunchResponse
	err     error
	entered chan struct{}
	release chan struct{}
}

func (l *stubLauncher) Launch(_ context.Context, _ map[string]any) (*LaunchResponse, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()

	if l.entered != nil {
		l.entered <- struct{}{}
	}
	if l.release != nil {
		<-l.release
	}
	return l.resp, l.err
}

func (l *stubLauncher) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type scriptedStore struct {
	mu        sync.Mutex
	calls     []string
	responses []*StatusResponse
	fallback  *StatusResponse
	err       error
}

func (s *scriptedStore) CheckStatus(_ context.Context, taskID string) (*StatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, taskID)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) > 0 {
		r := s.responses[0]
		s.responses = s.responses[1:]
		return r, nil
	}
	return s.fallback, nil
}

func (s *scriptedStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type blockingStore struct {
	entered chan struct{}
	release chan *StatusResponse
}

func (s *blockingStore) CheckStatus(_ context.Context, _ string) (*StatusResponse, error) {
	s.entered <- struct{}{}
	return <-s.release, nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) NotifyCancel(_ context.Context, taskID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, taskID)
	return nil
}

func started(id string) *LaunchResponse {
	return &LaunchResponse{Status: WireStarted, TaskID: id, EstimatedTime: "5 minutes"}
}

func processing() *StatusResponse {
	return &StatusResponse{Status: WireProcessing}
}

func setupPoller(t *testing.T, l Launcher, s StatusStore, opts ...Option) (*Poller, *manualScheduler, *[]Snapshot) {
	t.Helper()

	sched := &manualScheduler{}
	var history []Snapshot
	var mu sync.Mutex
	observer := func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		history = append(history, snap)
	}

	all := append([]Option{WithScheduler(sched), WithObserver(observer)}, opts...)
	p := New(l, s, all...)
	history = append(history, p.Snapshot())

	return p, sched, &history
}

func statusTransitions(history []Snapshot) []Status {
	var out []Status
	for _, snap := range history {
		if len(out) == 0 || out[len(out)-1] != snap.Status {
			out = append(out, snap.Status)
		}
	}
	return out
}

func TestNewPoller_StartsIdle(t *testing.T) {
	p := New(&stubLauncher{}, &scriptedStore{})

	snap := p.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.TaskID)
	assert.Equal(t, 0, snap.Attempt)
	assert.Equal(t, 60, snap.MaxAttempts)

	select {
	case <-p.Done():
	default:
		t.Fatal("idle poller should report done")
	}
}

func TestStart_SchedulesInitialCheck(t *testing.T) {
	launcher := &stubLauncher{resp: started("abc")}
	p, sched, _ := setupPoller(t, launcher, &scriptedStore{fallback: processing()})

	assert.True(t, p.Start(context.Background(), map[string]any{"domain": "example.com"}))

	snap := p.Snapshot()
	assert.Equal(t, StatusProcessing, snap.Status)
	assert.Equal(t, "abc", snap.TaskID)
	assert.Equal(t, "5 minutes", snap.EstimatedDurationLabel)
	assert.Equal(t, 0, snap.Attempt)
	assert.Equal(t, []time.Duration{5 * time.Second}, sched.Delays())
	assert.Equal(t, 1, launcher.Calls())
}

func TestStart_LaunchFailures(t *testing.T) {
	tests := []struct {
		name    string
		resp    *LaunchResponse
		err     error
		message string
	}{
		{name: "transport error", err: errors.New("connection refused"), message: "connection refused"},
		{name: "error payload", resp: &LaunchResponse{Error: "domain is required"}, message: "domain is required"},
		{name: "missing task id", resp: &LaunchResponse{Status: WireStarted}, message: "no task id"},
		{name: "unexpected status", resp: &LaunchResponse{Status: "queued", TaskID: "x"}, message: `"queued"`},
		{name: "nil response", message: "empty launch response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &scriptedStore{}
			p, sched, _ := setupPoller(t, &stubLauncher{resp: tt.resp, err: tt.err}, store)

			p.Start(context.Background(), nil)

			snap := p.Snapshot()
			assert.Equal(t, StatusError, snap.Status)
			assert.Empty(t, snap.TaskID)
			assert.Contains(t, snap.ErrorMessage, tt.message)
			assert.Equal(t, KindLaunch, KindOf(snap.Err))
			assert.Equal(t, 0, sched.Live())
			assert.Equal(t, 0, store.Calls())
		})
	}
}

func TestMonotonicAttempts(t *testing.T) {
	store := &scriptedStore{fallback: processing()}
	p, sched, history := setupPoller(t, &stubLauncher{resp: started("abc")}, store)

	p.Start(context.Background(), nil)

	for i := 1; i <= 10; i++ {
		require.True(t, sched.FireNext())
		assert.Equal(t, i, p.Snapshot().Attempt)
	}

	last := -1
	for _, snap := range *history {
		if snap.Status != StatusProcessing {
			continue
		}
		assert.GreaterOrEqual(t, snap.Attempt, last)
		assert.LessOrEqual(t, snap.Attempt-last, 1)
		last = snap.Attempt
	}

	p.Cancel()
	assert.Equal(t, 0, p.Snapshot().Attempt)
}

func TestBackoffDelaysAreScheduled(t *testing.T) {
	store := &scriptedStore{fallback: processing()}
	p, sched, _ := setupPoller(t, &stubLauncher{resp: started("abc")}, store)

	p.Start(context.Background(), nil)
	for i := 0; i < 16; i++ {
		require.True(t, sched.FireNext())
	}

	expected := []time.Duration{5 * time.Second}
	for n := 0; n < 16; n++ {
		ms := 10000 + n*2000
		if ms > 30000 {
			ms = 30000
		}
		expected = append(expected, time.Duration(ms)*time.Millisecond)
	}

	assert.Equal(t, expected, sched.Delays())
}

func TestAttemptBudget(t *testing.T) {
	store := &scriptedStore{fallback: processing()}
	p, sched, _ := setupPoller(t, &stubLauncher{resp: started("abc")}, store)

	p.Start(context.Background(), nil)
	for i := 0; i < 61; i++ {
		require.True(t, sched.FireNext(), "firing %d", i+1)
	}

	assert.Equal(t, 60, store.Calls())

	snap := p.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Contains(t, snap.ErrorMessage, "timed out")
	assert.Equal(t, KindTimeout, KindOf(snap.Err))
	assert.ErrorIs(t, snap.Err, ErrTimedOut)
	assert.Equal(t, 0, sched.Live())
}

func TestTerminalStability(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		store := &scriptedStore{responses: []*StatusResponse{{Status: WireCompleted, Data: json.RawMessage(`{"pages":1}`)}}}
		p, sched, _ := setupPoller(t, &stubLauncher{resp: started("abc")}, store)

		p.Start(context.Background(), nil)
		require.True(t, sched.FireNext())
		before := p.Snapshot()

		assert.False(t, sched.FireNext())
		p.check(p.gen, "abc")

		assert.Equal(t, 1, store.Calls())
		assert.Equal(t, before.Status, p.Snapshot().Status)
		assert.JSONEq(t, `{"pages":1}`, string(p.Snapshot().Result))
	})

	t.Run("error", func(t *testing.T) {
		store := &scriptedStore{err: errors.New("boom")}
		p, sched, _ := setupPoller(t, &stubLauncher{resp: started("abc")}, store)

		p.Start(context.Background(), nil)
		require.True(t, sched.FireNext())

		p.check(p.gen, "abc")

		assert.Equal(t, 1, store.Calls())
		assert.Equal(t, StatusError, p.Snapshot().Status)
		assert.Equal(t, KindPoll, KindOf(p.Snapshot().Err))
		assert.Equal(t, "boom", p.Snapshot().ErrorMessage)
	})
}

func TestCancelThenLateResponse(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan *StatusResponse)}
	p, sched, _ := setupPoller(t, &stubLauncher{resp: started("abc")}, store)

	p.Start(context.Background(), nil)

	fired := make(chan struct{})
	go func() {
		sched.FireNext()
		close(fired)
	}()

	<-store.entered
	p.Cancel()
	store.release <- &StatusResponse{Status: WireCompleted, Data: json.RawMessage(`{"pages":42}`)}
	<-fired

	snap := p.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.TaskID)
	assert.Nil(t, snap.Result)
	assert.Equal(t, 0, sched.Live())
}

func TestCancel_StaleTimerIsNoop(t *testing.T) {
	store := &scriptedStore{fallback: processing()}
	p, sched, _ := setupPoller(t, &stubLauncher{resp: started("abc")}, store)

	p.Start(context.Background(), nil)
	gen := p.gen
	p.Cancel()

	assert.False(t, sched.FireNext())
	p.check(gen, "abc")

	assert.Equal(t, 0, store.Calls())
	assert.Equal(t, StatusIdle, p.Snapshot().Status)
}

func TestNoConcurrentLaunches(t *testing.T) {
	launcher := &stubLauncher{
		resp:    started("abc"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	p, _, _ := setupPoller(t, launcher, &scriptedStore{fallback: processing()})

	first := make(chan bool)
	go func() {
		first <- p.Start(context.Background(), nil)
	}()

	<-launcher.entered
	assert.Equal(t, StatusStarting, p.Snapshot().Status)
	assert.False(t, p.Start(context.Background(), nil))

	close(launcher.release)
	assert.True(t, <-first)

	assert.False(t, p.Start(context.Background(), nil))
	assert.Equal(t, 1, launcher.Calls())
	assert.Equal(t, StatusProcessing, p.Snapshot().Status)
}

func TestEndToEnd(t *testing.T) {
	store := &scriptedStore{responses: []*StatusResponse{
		processing(),
		processing(),
		processing(),
		{Status: WireCompleted, Data: json.RawMessage(`{"pages":42}`)},
	}}
	launcher := &stubLauncher{resp: &LaunchResponse{Status: "started", TaskID: "abc", EstimatedTime: "5 minutes"}}
	p, sched, history := setupPoller(t, launcher, store)

	p.Start(context.Background(), map[string]any{"domain": "example.com"})
	for sched.FireNext() {
	}

	assert.Equal(t, []Status{StatusIdle, StatusStarting, StatusProcessing, StatusCompleted}, statusTransitions(*history))

	seen := map[int]bool{}
	for _, snap := range *history {
		if snap.Status == StatusProcessing && snap.Attempt > 0 {
			seen[snap.Attempt] = true
		}
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true, 4: true}, seen)

	snap := p.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.JSONEq(t, `{"pages":42}`, string(snap.Result))
	assert.Equal(t, 4, store.Calls())
	assert.Equal(t, []string{"abc", "abc", "abc", "abc"}, store.calls)

	select {
	case <-p.Done():
	default:
		t.Fatal("done channel should be closed after completion")
	}
}

func TestServerReportedError(t *testing.T) {
	store := &scriptedStore{responses: []*StatusResponse{{Status: WireError, Error: "site unreachable"}}}
	p, sched, _ := setupPoller(t, &stubLauncher{resp: started("abc")}, store)

	p.Start(context.Background(), nil)
	require.True(t, sched.FireNext())

	snap := p.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "site unreachable", snap.ErrorMessage)
	assert.Equal(t, KindServer, KindOf(snap.Err))
	assert.Equal(t, 0, sched.Live())
	assert.False(t, sched.FireNext())
	assert.Equal(t, 1, store.Calls())
}

func TestProtocolViolation(t *testing.T) {
	store := &scriptedStore{responses: []*StatusResponse{{Status: "generating"}}}
	p, sched, _ := setupPoller(t, &stubLauncher{resp: started("abc")}, store)

	p.Start(context.Background(), nil)
	require.True(t, sched.FireNext())

	snap := p.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Contains(t, snap.ErrorMessage, `"generating"`)
	assert.Equal(t, KindProtocol, KindOf(snap.Err))
}

func TestRestartAfterFailureUsesNewTask(t *testing.T) {
	store := &scriptedStore{responses: []*StatusResponse{{Status: WireError, Error: "site unreachable"}}, fallback: processing()}
	launcher := &stubLauncher{resp: started("first")}
	p, sched, _ := setupPoller(t, launcher, store)

	p.Start(context.Background(), nil)
	require.True(t, sched.FireNext())
	require.Equal(t, StatusError, p.Snapshot().Status)

	launcher.resp = started("second")
	assert.True(t, p.Start(context.Background(), nil))

	snap := p.Snapshot()
	assert.Equal(t, StatusProcessing, snap.Status)
	assert.Equal(t, "second", snap.TaskID)
	assert.Empty(t, snap.ErrorMessage)
	assert.Nil(t, snap.Err)

	require.True(t, sched.FireNext())
	assert.Equal(t, []string{"first", "second"}, store.calls)
}

func TestCancelNotifier(t *testing.T) {
	t.Run("processing task is reported", func(t *testing.T) {
		notifier := &recordingNotifier{}
		p, sched, _ := setupPoller(t, &stubLauncher{resp: started("abc")}, &scriptedStore{}, WithCancelNotifier(notifier))

		p.Start(context.Background(), nil)
		p.Cancel()

		require.True(t, sched.FireNext())
		assert.Equal(t, []string{"abc"}, notifier.ids)
	})

	t.Run("terminal task is not reported", func(t *testing.T) {
		notifier := &recordingNotifier{}
		store := &scriptedStore{responses: []*StatusResponse{{Status: WireCompleted}}}
		p, sched, _ := setupPoller(t, &stubLauncher{resp: started("abc")}, store, WithCancelNotifier(notifier))

		p.Start(context.Background(), nil)
		require.True(t, sched.FireNext())
		p.Cancel()

		assert.False(t, sched.FireNext())
		assert.Empty(t, notifier.ids)
	})

	t.Run("launch finishing after cancel is reported", func(t *testing.T) {
		notifier := &recordingNotifier{}
		launcher := &stubLauncher{resp: started("late"), entered: make(chan struct{}), release: make(chan struct{})}
		p, sched, _ := setupPoller(t, launcher, &scriptedStore{}, WithCancelNotifier(notifier))

		done := make(chan struct{})
		go func() {
			p.Start(context.Background(), nil)
			close(done)
		}()

		<-launcher.entered
		p.Cancel()
		close(launcher.release)
		<-done

		assert.Equal(t, StatusIdle, p.Snapshot().Status)
		require.True(t, sched.FireNext())
		assert.Equal(t, []string{"late"}, notifier.ids)
	})
}

func TestWait_WithRealScheduler(t *testing.T) {
	store := &scriptedStore{responses: []*StatusResponse{
		processing(),
		{Status: WireCompleted, Data: json.RawMessage(`{"ok":true}`)},
	}}
	policy := Policy{
		InitialDelay:  time.Millisecond,
		BaseDelay:     time.Millisecond,
		StepIncrement: time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		MaxAttempts:   5,
	}
	p := New(&stubLauncher{resp: started("abc")}, store, WithPolicy(policy))

	p.Start(context.Background(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.JSONEq(t, `{"ok":true}`, string(snap.Result))
	assert.Equal(t, 2, store.Calls())
}

func TestWait_ContextExpires(t *testing.T) {
	p, _, _ := setupPoller(t, &stubLauncher{resp: started("abc")}, &scriptedStore{fallback: processing()})
	p.Start(context.Background(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	snap, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusProcessing, snap.Status)
}

func TestSnapshotProgress(t *testing.T) {
	assert.Equal(t, 0.0, Snapshot{}.Progress())
	assert.Equal(t, 0.5, Snapshot{Attempt: 30, MaxAttempts: 60}.Progress())
	assert.Equal(t, 1.0, Snapshot{Attempt: 70, MaxAttempts: 60}.Progress())
}
