package poller

import "time"

// CancelFunc stops a scheduled callback. It reports whether the callback was
// prevented from running.
type CancelFunc func() bool

// Scheduler runs fn once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) CancelFunc
}

type timerScheduler struct{}

// RealScheduler is backed by time.AfterFunc.
func RealScheduler() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) AfterFunc(d time.Duration, fn func()) CancelFunc {
	return time.AfterFunc(d, fn).Stop
}
