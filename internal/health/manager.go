// Package health decides whether a device should be polled now and
// computes cooldowns after failures. All state lives in one map under
// one mutex; time comes from an injected clock.
package health

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"fieldgate/internal/gateway"
	"fieldgate/internal/support/check"
)

// Config holds the process-wide backoff defaults.
type Config struct {
	BaseCooldown         time.Duration
	MaxCooldown          time.Duration
	BackoffFactor        float64
	Jitter               time.Duration
	UnhealthyAfter       int // consecutive failures before marking unhealthy
	LongTermOffline      time.Duration
	MaxFailuresCap       int
}

// Defaults fills zero fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = 5 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 5 * time.Minute
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 1
	}
	if c.LongTermOffline <= 0 {
		c.LongTermOffline = time.Hour
	}
	if c.MaxFailuresCap <= 0 {
		c.MaxFailuresCap = 5
	}
	return c
}

// Override customizes backoff for one device. Critical devices use a
// flat cooldown derived from the total bus polling time so recovery
// attempts do not pile up behind an exponent.
type Override struct {
	Critical     bool
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
	Factor       float64
}

// State is the per-device health record.
type State struct {
	IsHealthy           bool
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
	LastCheck           time.Time
	NextAllowedPoll     time.Time
	FirstFailure        time.Time
	LastRecoveryAttempt time.Time

	// longTermOffline latches once the device has been failing for
	// longer than the configured threshold; cleared on recovery.
	longTermOffline bool
}

// Manager tracks health for every observed device.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	clock     gateway.Clock
	states    map[string]*State
	overrides map[string]Override

	// busPollTime reports the most recent total time spent polling the
	// whole bus; critical-device cooldowns derive from it.
	busPollTime func() time.Duration

	jitterFn func(max time.Duration) time.Duration
}

func NewManager(cfg Config, clock gateway.Clock) *Manager {
	check.Assert(clock != nil, "health.NewManager: clock must not be nil")
	return &Manager{
		cfg:       cfg.withDefaults(),
		clock:     clock,
		states:    make(map[string]*State),
		overrides: make(map[string]Override),
		jitterFn: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(2*max))) - max
		},
	}
}

// SetOverride installs per-device backoff overrides.
func (m *Manager) SetOverride(deviceID string, o Override) {
	m.mu.Lock()
	m.overrides[deviceID] = o
	m.mu.Unlock()
}

// SetBusPollTime wires the monitor's cycle-duration probe.
func (m *Manager) SetBusPollTime(fn func() time.Duration) {
	m.mu.Lock()
	m.busPollTime = fn
	m.mu.Unlock()
}

func (m *Manager) state(deviceID string) *State {
	st, ok := m.states[deviceID]
	if !ok {
		st = &State{IsHealthy: true}
		m.states[deviceID] = st
	}
	return st
}

// ShouldPoll reports whether the device may be polled now and why.
// Unhealthy devices inside their cooldown return false; once the
// cooldown expires the caller is expected to attempt a probe.
func (m *Manager) ShouldPoll(deviceID string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(deviceID)
	if st.IsHealthy {
		return true, "healthy"
	}
	now := m.clock.Now()
	if now.Before(st.NextAllowedPoll) {
		return false, fmt.Sprintf("cooldown(%s)", st.NextAllowedPoll.Sub(now).Round(time.Second))
	}
	st.LastRecoveryAttempt = now
	return true, "recovery_window"
}

// MarkSuccess restores the healthy invariant: zero failures, no
// scheduled cooldown.
func (m *Manager) MarkSuccess(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	st := m.state(deviceID)
	if !st.IsHealthy {
		offline := time.Duration(0)
		if !st.FirstFailure.IsZero() {
			offline = now.Sub(st.FirstFailure)
		}
		// Recovery is worth an info line; steady health is not.
		logRecovered(deviceID, offline)
	}
	st.IsHealthy = true
	st.ConsecutiveFailures = 0
	st.LastSuccess = now
	st.LastCheck = now
	st.NextAllowedPoll = time.Time{}
	st.FirstFailure = time.Time{}
	st.longTermOffline = false
}

// MarkFailure records a failed poll and schedules the next allowed
// attempt.
func (m *Manager) MarkFailure(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	st := m.state(deviceID)
	st.ConsecutiveFailures++
	st.LastFailure = now
	st.LastCheck = now
	if st.FirstFailure.IsZero() {
		st.FirstFailure = now
	}

	o := m.overrides[deviceID]

	// Long-term offline devices must not grow their cooldown forever:
	// cap the failure count and restart the first-failure clock.
	if !o.Critical {
		if !st.longTermOffline && now.Sub(st.FirstFailure) > m.cfg.LongTermOffline {
			st.longTermOffline = true
			st.FirstFailure = now
		}
		if st.longTermOffline {
			if st.ConsecutiveFailures > m.cfg.MaxFailuresCap {
				st.ConsecutiveFailures = m.cfg.MaxFailuresCap
				st.FirstFailure = now
			}
		}
	}

	if st.ConsecutiveFailures >= m.cfg.UnhealthyAfter {
		st.IsHealthy = false
		cooldown := m.cooldownLocked(st.ConsecutiveFailures, o)
		next := now.Add(cooldown)
		if next.Before(st.LastFailure) {
			next = st.LastFailure
		}
		st.NextAllowedPoll = next
	}
}

// cooldownLocked is clamp(base * factor^(n-1), 0, max) with an
// overflow-safe exponent and optional jitter.
func (m *Manager) cooldownLocked(failures int, o Override) time.Duration {
	base := m.cfg.BaseCooldown
	max := m.cfg.MaxCooldown
	factor := m.cfg.BackoffFactor
	if o.BaseCooldown > 0 {
		base = o.BaseCooldown
	}
	if o.MaxCooldown > 0 {
		max = o.MaxCooldown
	}
	if o.Factor > 0 {
		factor = o.Factor
	}
	if o.Critical {
		// Flat backoff sized to one full bus pass, so probes of a
		// critical device resume as soon as the bus can absorb them.
		factor = 1
		if m.busPollTime != nil {
			if bp := m.busPollTime(); bp > base {
				base = bp
			}
		}
	}

	cooldown := base
	if factor > 1 && failures > 1 {
		// Clamp the exponent before raising it so factor^(n-1) cannot
		// overflow: beyond ceil(log(max/base)/log(factor)) the result
		// saturates at max anyway.
		maxExp := math.Ceil(math.Log(float64(max)/float64(base)) / math.Log(factor))
		exp := float64(failures - 1)
		if exp > maxExp {
			exp = maxExp
		}
		cooldown = time.Duration(float64(base) * math.Pow(factor, exp))
	}
	if cooldown > max {
		cooldown = max
	}
	if cooldown < 0 {
		cooldown = 0
	}
	cooldown += m.jitterFn(m.cfg.Jitter)
	if cooldown < 0 {
		cooldown = 0
	}
	if cooldown > max+m.cfg.Jitter {
		cooldown = max + m.cfg.Jitter
	}
	return cooldown
}

// StateFor returns a copy of the device's record. The zero State with
// IsHealthy=true is returned for unknown devices.
func (m *Manager) StateFor(deviceID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state(deviceID)
}

// Snapshot copies all records, keyed by device id.
func (m *Manager) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.states))
	for id, st := range m.states {
		out[id] = *st
	}
	return out
}
