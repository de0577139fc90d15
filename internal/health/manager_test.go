package health

import (
	"strings"
	"testing"
	"time"

	"fieldgate/internal/fake"
)

func newTestManager(cfg Config, clk *fake.Clock) *Manager {
	m := NewManager(cfg, clk)
	m.jitterFn = func(time.Duration) time.Duration { return 0 }
	return m
}

func TestHealthyDeviceAlwaysPolls(t *testing.T) {
	clk := fake.NewClock(time.Unix(1000, 0))
	m := newTestManager(Config{}, clk)

	ok, reason := m.ShouldPoll("meter_1")
	if !ok || reason != "healthy" {
		t.Fatalf("got (%v, %q)", ok, reason)
	}
}

func TestFailureEntersCooldownThenRecoveryWindow(t *testing.T) {
	clk := fake.NewClock(time.Unix(1000, 0))
	m := newTestManager(Config{BaseCooldown: 10 * time.Second}, clk)

	m.MarkFailure("meter_1")
	ok, reason := m.ShouldPoll("meter_1")
	if ok || !strings.HasPrefix(reason, "cooldown(") {
		t.Fatalf("inside cooldown: got (%v, %q)", ok, reason)
	}

	clk.Advance(11 * time.Second)
	ok, reason = m.ShouldPoll("meter_1")
	if !ok || reason != "recovery_window" {
		t.Fatalf("after cooldown: got (%v, %q)", ok, reason)
	}
	if m.StateFor("meter_1").LastRecoveryAttempt.IsZero() {
		t.Error("recovery attempt not recorded")
	}
}

func TestSuccessRestoresInvariants(t *testing.T) {
	clk := fake.NewClock(time.Unix(1000, 0))
	m := newTestManager(Config{}, clk)

	m.MarkFailure("meter_1")
	m.MarkFailure("meter_1")
	m.MarkSuccess("meter_1")

	st := m.StateFor("meter_1")
	if !st.IsHealthy || st.ConsecutiveFailures != 0 || !st.NextAllowedPoll.IsZero() {
		t.Errorf("state = %+v", st)
	}
}

func TestCooldownGrowsMonotonically(t *testing.T) {
	clk := fake.NewClock(time.Unix(1000, 0))
	m := newTestManager(Config{
		BaseCooldown:  5 * time.Second,
		MaxCooldown:   5 * time.Minute,
		BackoffFactor: 2,
	}, clk)

	var prev time.Time
	for i := 0; i < 8; i++ {
		m.MarkFailure("meter_1")
		st := m.StateFor("meter_1")
		if st.NextAllowedPoll.Before(st.LastFailure) {
			t.Fatalf("next poll %v before last failure %v", st.NextAllowedPoll, st.LastFailure)
		}
		if st.NextAllowedPoll.Before(prev) {
			t.Fatalf("iteration %d: next poll went backwards: %v < %v", i, st.NextAllowedPoll, prev)
		}
		prev = st.NextAllowedPoll
		clk.Advance(time.Second)
	}
}

func TestCooldownClampsAtMax(t *testing.T) {
	clk := fake.NewClock(time.Unix(1000, 0))
	m := newTestManager(Config{
		BaseCooldown:  5 * time.Second,
		MaxCooldown:   30 * time.Second,
		BackoffFactor: 10,
	}, clk)

	// Enough failures that an unclamped exponent would overflow.
	for i := 0; i < 50; i++ {
		m.MarkFailure("meter_1")
	}
	st := m.StateFor("meter_1")
	cooldown := st.NextAllowedPoll.Sub(clk.Now())
	if cooldown > 30*time.Second {
		t.Errorf("cooldown %v exceeds max", cooldown)
	}
	if cooldown <= 0 {
		t.Errorf("cooldown %v not positive", cooldown)
	}
}

func TestLongTermOfflineCapsFailures(t *testing.T) {
	clk := fake.NewClock(time.Unix(1000, 0))
	m := newTestManager(Config{
		BaseCooldown:    time.Second,
		MaxCooldown:     time.Minute,
		BackoffFactor:   2,
		LongTermOffline: time.Hour,
		MaxFailuresCap:  5,
	}, clk)

	for i := 0; i < 20; i++ {
		m.MarkFailure("meter_1")
		clk.Advance(10 * time.Minute)
	}

	st := m.StateFor("meter_1")
	if st.ConsecutiveFailures > 5 {
		t.Errorf("consecutive failures %d exceeds cap", st.ConsecutiveFailures)
	}
	// First-failure clock must have been reset recently, not an hour+
	// in the past.
	if clk.Now().Sub(st.FirstFailure) > time.Hour {
		t.Errorf("first failure clock not reset: %v", st.FirstFailure)
	}
}

func TestCriticalDeviceFlatBackoff(t *testing.T) {
	clk := fake.NewClock(time.Unix(1000, 0))
	m := newTestManager(Config{
		BaseCooldown:  2 * time.Second,
		MaxCooldown:   5 * time.Minute,
		BackoffFactor: 3,
	}, clk)
	m.SetOverride("inverter_5", Override{Critical: true})
	m.SetBusPollTime(func() time.Duration { return 7 * time.Second })

	var cooldowns []time.Duration
	for i := 0; i < 4; i++ {
		m.MarkFailure("inverter_5")
		st := m.StateFor("inverter_5")
		cooldowns = append(cooldowns, st.NextAllowedPoll.Sub(clk.Now()))
		clk.Advance(time.Second)
	}
	for i, cd := range cooldowns {
		if cd != 7*time.Second {
			t.Errorf("failure %d: cooldown = %v, want flat 7s from bus poll time", i+1, cd)
		}
	}
}

func TestUnhealthyAfterThreshold(t *testing.T) {
	clk := fake.NewClock(time.Unix(1000, 0))
	m := newTestManager(Config{UnhealthyAfter: 3, BaseCooldown: time.Second}, clk)

	m.MarkFailure("meter_1")
	m.MarkFailure("meter_1")
	if st := m.StateFor("meter_1"); !st.IsHealthy {
		t.Fatal("unhealthy before threshold")
	}
	m.MarkFailure("meter_1")
	if st := m.StateFor("meter_1"); st.IsHealthy {
		t.Fatal("still healthy after threshold")
	}
}

func TestJitterBounded(t *testing.T) {
	clk := fake.NewClock(time.Unix(1000, 0))
	m := NewManager(Config{
		BaseCooldown: 10 * time.Second,
		Jitter:       2 * time.Second,
	}, clk)

	for i := 0; i < 100; i++ {
		m.MarkSuccess("meter_1")
		m.MarkFailure("meter_1")
		st := m.StateFor("meter_1")
		cd := st.NextAllowedPoll.Sub(clk.Now())
		if cd < 8*time.Second || cd > 12*time.Second {
			t.Fatalf("cooldown %v outside base±jitter", cd)
		}
	}
}
