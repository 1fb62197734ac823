package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheck_NeverSeenIsStale(t *testing.T) {
	tr := New(time.Minute)
	assert.Equal(t, ReasonNoHeartbeat, tr.Check("A", time.Now()))
}

func TestCheck_WithinTimeoutIsNotStale(t *testing.T) {
	tr := New(time.Minute)
	now := time.Now()
	tr.Touch("A", now)
	assert.Equal(t, ReasonNone, tr.Check("A", now.Add(30*time.Second)))
}

func TestCheck_GapExceedsTimeout(t *testing.T) {
	tr := New(time.Minute)
	now := time.Now()
	tr.Touch("A", now)
	assert.Equal(t, ReasonHeartbeatGap, tr.Check("A", now.Add(2*time.Minute)))
}

func TestCheck_DeadlineMissedOverridesHeartbeatGap(t *testing.T) {
	tr := New(time.Minute)
	now := time.Now()
	tr.Touch("A", now)
	tr.SetDeadline("A", now.Add(time.Minute))
	assert.Equal(t, ReasonDeadlineMissed, tr.Check("A", now.Add(2*time.Minute)))
}

// L2: heartbeat is idempotent with respect to state — repeated touches
// only move last-seen, never introduce staleness on their own.
func TestTouch_RepeatedCallsStayFresh(t *testing.T) {
	tr := New(time.Minute)
	now := time.Now()
	for i := 0; i < 5; i++ {
		tr.Touch("A", now.Add(time.Duration(i)*10*time.Second))
	}
	assert.Equal(t, ReasonNone, tr.Check("A", now.Add(45*time.Second)))
}

func TestForget_ClearsAllState(t *testing.T) {
	tr := New(time.Minute)
	now := time.Now()
	tr.Touch("A", now)
	tr.SetDeadline("A", now.Add(time.Minute))
	tr.Forget("A")
	assert.Equal(t, ReasonNoHeartbeat, tr.Check("A", now))
}
