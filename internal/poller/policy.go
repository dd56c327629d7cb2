package poller

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy controls when status checks are issued and when a task times out.
type Policy struct {
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	StepIncrement time.Duration `mapstructure:"step_increment"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:  5 * time.Second,
		BaseDelay:     10 * time.Second,
		StepIncrement: 2 * time.Second,
		MaxDelay:      30 * time.Second,
		MaxAttempts:   60,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.InitialDelay < 0:
		return errors.New("initial delay must not be negative")
	case p.BaseDelay <= 0:
		return errors.New("base delay must be positive")
	case p.StepIncrement < 0:
		return errors.New("step increment must not be negative")
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	case p.MaxAttempts <= 0:
		return errors.New("max attempts must be positive")
	}
	return nil
}

// NextDelay returns the wait before the next check, where n is the 0-based
// index of the check that just reported the task as still processing.
func (p Policy) NextDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay + time.Duration(n)*p.StepIncrement
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// MaxWait is the worst-case time between launch and a forced timeout: the
// initial delay plus one backoff gap after each of the MaxAttempts checks.
func (p Policy) MaxWait() time.Duration {
	total := p.InitialDelay
	for n := 0; n < p.MaxAttempts; n++ {
		total += p.NextDelay(n)
	}
	return total
}

// TimeoutLabel is the user-facing form of MaxWait, rounded up to minutes.
func (p Policy) TimeoutLabel() string {
	minutes := int(math.Ceil(p.MaxWait().Minutes()))
	if minutes <= 1 {
		return "about 1 minute"
	}
	return fmt.Sprintf("about %d minutes", minutes)
}
