package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const cancelNotifyTimeout = 10 * time.Second

type Option func(*Poller)

func WithScheduler(s Scheduler) Option {
	return func(p *Poller) { p.sched = s }
}

func WithPolicy(policy Policy) Option {
	return func(p *Poller) { p.policy = policy }
}

// WithCancelNotifier reports abandoned tasks to the server on Cancel.
func WithCancelNotifier(n CancelNotifier) Option {
	return func(p *Poller) { p.notifier = n }
}

// WithObserver registers fn to receive a snapshot after every state change.
// fn runs with the poller locked and must not call back into the poller.
func WithObserver(fn func(Snapshot)) Option {
	return func(p *Poller) { p.observer = fn }
}

func WithLogger(l *log.Entry) Option {
	return func(p *Poller) { p.logger = l }
}

// Poller tracks exactly one task at a time. Use one Poller per concurrent
// task.
type Poller struct {
	launcher Launcher
	store    StatusStore
	notifier CancelNotifier
	sched    Scheduler
	policy   Policy
	observer func(Snapshot)
	logger   *log.Entry

	mu        sync.Mutex
	gen       uint64
	ctx       context.Context
	status    Status
	taskID    string
	attempt   int
	estimated string
	result    json.RawMessage
	errMsg    string
	err       error
	stopTimer CancelFunc
	done      chan struct{}
}

func New(launcher Launcher, store StatusStore, opts ...Option) *Poller {
	p := &Poller{
		launcher: launcher,
		store:    store,
		sched:    RealScheduler(),
		policy:   DefaultPolicy(),
		logger:   log.WithField("component", "poller"),
		status:   StatusIdle,
		done:     make(chan struct{}),
	}
	close(p.done)

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Poller) Policy() Policy {
	return p.policy
}

// Start launches a new task with params. It returns false without doing
// anything when a task is already starting or processing. ctx bounds every
// request made during this lifecycle.
func (p *Poller) Start(ctx context.Context, params map[string]any) bool {
	p.mu.Lock()
	if p.status.Busy() {
		p.mu.Unlock()
		p.logger.Debug("Start ignored, a task is already in progress")
		return false
	}

	p.stopTimerLocked()
	p.gen++
	gen := p.gen
	p.ctx = ctx
	p.status = StatusStarting
	p.taskID = ""
	p.attempt = 0
	p.estimated = ""
	p.result = nil
	p.errMsg = ""
	p.err = nil
	p.done = make(chan struct{})
	p.emitLocked()
	p.mu.Unlock()

	resp, err := p.launcher.Launch(ctx, params)

	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen || p.status != StatusStarting {
		if err == nil && resp != nil && resp.TaskID != "" {
			p.logger.WithField("task_id", resp.TaskID).Info("Launch returned after cancel, abandoning task")
			p.abandonLocked(resp.TaskID)
		}
		return true
	}

	switch {
	case err != nil:
		p.failLocked(&TaskError{Kind: KindLaunch, Message: err.Error(), Err: err})
	case resp == nil:
		p.failLocked(&TaskError{Kind: KindLaunch, Message: "empty launch response"})
	case resp.Error != "":
		p.failLocked(&TaskError{Kind: KindLaunch, Message: resp.Error})
	case resp.Status != "" && resp.Status != WireStarted:
		p.failLocked(&TaskError{Kind: KindLaunch, Message: fmt.Sprintf("unexpected launch status %q", resp.Status)})
	case resp.TaskID == "":
		p.failLocked(&TaskError{Kind: KindLaunch, Message: "launch response carried no task id"})
	default:
		p.taskID = resp.TaskID
		p.estimated = resp.EstimatedTime
		p.status = StatusProcessing
		p.logger.WithFields(log.Fields{
			"task_id":   resp.TaskID,
			"estimated": resp.EstimatedTime,
		}).Info("Task started")
		p.scheduleLocked(gen, resp.TaskID, p.policy.InitialDelay)
		p.emitLocked()
	}

	return true
}

// Cancel abandons the tracked task and returns to idle. Pending checks and
// in-flight responses for the abandoned task are discarded.
func (p *Poller) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	abandoned := ""
	if p.status.Busy() {
		abandoned = p.taskID
	}

	p.stopTimerLocked()
	p.gen++
	p.status = StatusIdle
	p.taskID = ""
	p.attempt = 0
	p.estimated = ""
	p.result = nil
	p.errMsg = ""
	p.err = nil
	p.finishLocked()
	p.emitLocked()

	if abandoned != "" {
		p.logger.WithField("task_id", abandoned).Info("Task cancelled")
		p.abandonLocked(abandoned)
	}
}

func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Done is closed when the current lifecycle reaches a terminal state or is
// cancelled.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Wait blocks until the current lifecycle ends or ctx is done.
func (p *Poller) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-p.Done():
		return p.Snapshot(), nil
	case <-ctx.Done():
		return p.Snapshot(), ctx.Err()
	}
}

func (p *Poller) check(gen uint64, taskID string) {
	p.mu.Lock()
	if !p.currentLocked(gen, taskID) {
		p.mu.Unlock()
		return
	}
	p.stopTimer = nil

	if p.attempt >= p.policy.MaxAttempts {
		p.failLocked(&TaskError{
			Kind:    KindTimeout,
			TaskID:  taskID,
			Message: fmt.Sprintf("timed out after %d status checks (%s)", p.policy.MaxAttempts, p.policy.TimeoutLabel()),
			Err:     ErrTimedOut,
		})
		p.mu.Unlock()
		return
	}

	p.attempt++
	n := p.attempt
	ctx := p.ctx
	p.emitLocked()
	p.mu.Unlock()

	resp, err := p.store.CheckStatus(ctx, taskID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.currentLocked(gen, taskID) {
		p.logger.WithField("task_id", taskID).Debug("Discarding stale status response")
		return
	}

	if err != nil {
		p.failLocked(&TaskError{Kind: KindPoll, TaskID: taskID, Message: err.Error(), Err: err})
		return
	}
	if resp == nil {
		p.failLocked(&TaskError{Kind: KindProtocol, TaskID: taskID, Message: "empty status response"})
		return
	}

	switch resp.Status {
	case WireProcessing:
		delay := p.policy.NextDelay(n - 1)
		p.logger.WithFields(log.Fields{
			"task_id": taskID,
			"attempt": n,
			"next_in": delay,
		}).Debug("Task still processing")
		p.scheduleLocked(gen, taskID, delay)
		p.emitLocked()
	case WireCompleted:
		p.status = StatusCompleted
		p.result = resp.Data
		p.attempt = 0
		p.logger.WithFields(log.Fields{"task_id": taskID, "checks": n}).Info("Task completed")
		p.finishLocked()
		p.emitLocked()
	case WireError:
		msg := resp.Error
		if msg == "" {
			msg = "task failed without an error message"
		}
		p.failLocked(&TaskError{Kind: KindServer, TaskID: taskID, Message: msg})
	default:
		p.failLocked(&TaskError{
			Kind:    KindProtocol,
			TaskID:  taskID,
			Message: fmt.Sprintf("unexpected task status %q", resp.Status),
		})
	}
}

func (p *Poller) currentLocked(gen uint64, taskID string) bool {
	return gen == p.gen && p.status == StatusProcessing && p.taskID == taskID
}

func (p *Poller) scheduleLocked(gen uint64, taskID string, d time.Duration) {
	p.stopTimer = p.sched.AfterFunc(d, func() {
		p.check(gen, taskID)
	})
}

func (p *Poller) stopTimerLocked() {
	if p.stopTimer != nil {
		p.stopTimer()
		p.stopTimer = nil
	}
}

func (p *Poller) failLocked(e *TaskError) {
	p.stopTimerLocked()
	p.status = StatusError
	p.errMsg = e.Message
	p.err = e
	p.attempt = 0
	p.logger.WithFields(log.Fields{
		"task_id": e.TaskID,
		"kind":    e.Kind,
	}).Warn(e.Message)
	p.finishLocked()
	p.emitLocked()
}

func (p *Poller) finishLocked() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *Poller) abandonLocked(taskID string) {
	if p.notifier == nil {
		return
	}

	base := context.Background()
	if p.ctx != nil {
		base = context.WithoutCancel(p.ctx)
	}
	notifier := p.notifier
	logger := p.logger.WithField("task_id", taskID)

	p.sched.AfterFunc(0, func() {
		ctx, cancel := context.WithTimeout(base, cancelNotifyTimeout)
		defer cancel()
		if err := notifier.NotifyCancel(ctx, taskID); err != nil {
			logger.WithError(err).Warn("Failed to notify server of cancellation")
		}
	})
}

func (p *Poller) emitLocked() {
	if p.observer != nil {
		p.observer(p.snapshotLocked())
	}
}

func (p *Poller) snapshotLocked() Snapshot {
	return Snapshot{
		Status:                 p.status,
		TaskID:                 p.taskID,
		Attempt:                p.attempt,
		MaxAttempts:            p.policy.MaxAttempts,
		EstimatedDurationLabel: p.estimated,
		Result:                 p.result,
		ErrorMessage:           p.errMsg,
		Err:                    p.err,
	}
}
