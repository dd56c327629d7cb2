package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay(t *testing.T) {
	p := DefaultPolicy()

	var got []int64
	for n := 0; n < 16; n++ {
		got = append(got, p.NextDelay(n).Milliseconds())
	}

	assert.Equal(t, []int64{
		10000, 12000, 14000, 16000, 18000, 20000, 22000, 24000, 26000, 28000,
		30000, 30000, 30000, 30000, 30000, 30000,
	}, got)
	assert.Equal(t, 10*time.Second, p.NextDelay(-3))
}

func TestMaxWait(t *testing.T) {
	p := DefaultPolicy()

	// 5s + (10+12+...+28)s + 50*30s
	assert.Equal(t, 1695*time.Second, p.MaxWait())
	assert.Equal(t, "about 29 minutes", p.TimeoutLabel())
}

func TestTimeoutLabel_Short(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 3}
	assert.Equal(t, "about 1 minute", p.TimeoutLabel())
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
		ok     bool
	}{
		{name: "default", mutate: func(*Policy) {}, ok: true},
		{name: "negative initial delay", mutate: func(p *Policy) { p.InitialDelay = -time.Second }},
		{name: "zero base delay", mutate: func(p *Policy) { p.BaseDelay = 0 }},
		{name: "negative step", mutate: func(p *Policy) { p.StepIncrement = -time.Second }},
		{name: "max below base", mutate: func(p *Policy) { p.MaxDelay = time.Second }},
		{name: "no attempts", mutate: func(p *Policy) { p.MaxAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			if tt.ok {
				assert.NoError(t, p.Validate())
			} else {
				assert.Error(t, p.Validate())
			}
		})
	}
}

func TestTaskErrorFormatting(t *testing.T) {
	err := &TaskError{Kind: KindServer, TaskID: "abc", Message: "site unreachable"}
	assert.Equal(t, "server_reported (task abc): site unreachable", err.Error())

	launch := &TaskError{Kind: KindLaunch, Message: "bad request"}
	assert.Equal(t, "launch_failure: bad request", launch.Error())

	assert.Equal(t, ErrorKind(""), KindOf(assert.AnError))
}
