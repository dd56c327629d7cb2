package poller

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindLaunch   ErrorKind = "launch_failure"
	KindPoll     ErrorKind = "poll_failure"
	KindServer   ErrorKind = "server_reported"
	KindTimeout  ErrorKind = "timeout"
	KindProtocol ErrorKind = "protocol_violation"
)

var ErrTimedOut = errors.New("timed out")

// TaskError is the terminal failure of one task lifecycle.
type TaskError struct {
	Kind    ErrorKind
	TaskID  string
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (task %s): %s", e.Kind, e.TaskID, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind of err, or "" if err is not a TaskError.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
