// Package monitor runs the polling loop: one pass over every device
// per tick, bounded concurrency, health-gated probing, virtual
// enrichment, and publication to the snapshot topic.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fieldgate/internal/device"
	"fieldgate/internal/gateway"
	"fieldgate/internal/health"
	"fieldgate/internal/pubsub"
	"fieldgate/internal/support/check"
	"fieldgate/internal/virtual"
)

// Config tunes the loop.
type Config struct {
	IntervalSec      int  `yaml:"interval_seconds"`
	DeviceTimeoutSec int  `yaml:"device_timeout_sec"`
	ReadConcurrency  int  `yaml:"read_concurrency"`
	LogEachDevice    bool `yaml:"log_each_device"`
}

func (c Config) withDefaults() Config {
	if c.IntervalSec <= 0 {
		c.IntervalSec = 10
	}
	if c.DeviceTimeoutSec <= 0 {
		c.DeviceTimeoutSec = 5
	}
	if c.ReadConcurrency <= 0 {
		c.ReadConcurrency = 1
	}
	return c
}

// Monitor polls the device fleet.
type Monitor struct {
	cfg     Config
	clock   gateway.Clock
	devices []*device.Device
	health  *health.Manager
	virtual *virtual.Manager
	broker  *pubsub.Broker

	// quickChecks selects the probe strategy per device id.
	quickChecks map[string]health.QuickCheckConfig

	mu            sync.Mutex
	lastCycleTime time.Duration
}

// New wires the monitor. virtual may be nil when no virtual devices
// are configured.
func New(cfg Config, clock gateway.Clock, devices []*device.Device, hm *health.Manager, vm *virtual.Manager, broker *pubsub.Broker, quickChecks map[string]health.QuickCheckConfig) *Monitor {
	check.Assert(clock != nil, "monitor.New: clock must not be nil")
	check.Assert(hm != nil, "monitor.New: health manager must not be nil")
	if quickChecks == nil {
		quickChecks = make(map[string]health.QuickCheckConfig)
	}
	m := &Monitor{
		cfg:         cfg.withDefaults(),
		clock:       clock,
		devices:     devices,
		health:      hm,
		virtual:     vm,
		broker:      broker,
		quickChecks: quickChecks,
	}
	hm.SetBusPollTime(m.LastCycleTime)
	return m
}

// LastCycleTime reports the duration of the most recent full pass.
// Critical-device cooldowns derive from it.
func (m *Monitor) LastCycleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCycleTime
}

// Run ticks until ctx is done, holding the cycle length at the
// configured interval.
func (m *Monitor) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.IntervalSec) * time.Second
	for {
		start := m.clock.Now()
		m.Tick(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		elapsed := m.clock.Now().Sub(start)

		m.mu.Lock()
		m.lastCycleTime = elapsed
		m.mu.Unlock()

		wait := interval - elapsed
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tick polls every device once, enriches with virtual devices, and
// publishes the batch. A single device's failure never aborts the
// pass.
func (m *Monitor) Tick(ctx context.Context) {
	sem := make(chan struct{}, m.cfg.ReadConcurrency)
	results := make([]gateway.Snapshot, len(m.devices))
	polled := make([]bool, len(m.devices))

	var wg sync.WaitGroup
	for i, dev := range m.devices {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(i int, dev *device.Device) {
			defer wg.Done()
			defer func() { <-sem }()
			snap, ok := m.pollDevice(ctx, dev)
			results[i] = snap
			polled[i] = ok
		}(i, dev)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return
	}

	snaps := make([]gateway.Snapshot, 0, len(results))
	for i, ok := range polled {
		if ok {
			snaps = append(snaps, results[i])
		}
	}
	if m.virtual != nil {
		snaps = append(snaps, m.virtual.Enrich(snaps)...)
	}
	for _, s := range snaps {
		m.broker.Publish(pubsub.TopicDeviceSnapshot, s)
	}
}

// pollDevice reads one device according to its health state. The
// returned bool is false only when the device produced no snapshot
// this tick (still inside its cooldown).
func (m *Monitor) pollDevice(ctx context.Context, dev *device.Device) (gateway.Snapshot, bool) {
	id := dev.ID()
	allowed, reason := m.health.ShouldPoll(id)
	if !allowed {
		if m.cfg.LogEachDevice {
			slog.Debug("device skipped", "device", id, "reason", reason)
		}
		return gateway.Snapshot{}, false
	}

	if reason == "recovery_window" {
		if !m.health.QuickCheck(ctx, dev, m.quickChecks[id]) {
			return m.offlineSnapshot(dev), true
		}
		slog.Info("device answered recovery probe", "device", id)
	}

	timeout := time.Duration(m.cfg.DeviceTimeoutSec) * time.Second
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	values, err := dev.ReadAll(readCtx)
	cancel()
	if err != nil {
		// Cancellation only; transport failures surface as Missing.
		return gateway.Snapshot{}, false
	}

	online := false
	for _, v := range values {
		if !gateway.IsMissing(v) {
			online = true
			break
		}
	}
	if online {
		m.health.MarkSuccess(id)
	} else {
		m.health.MarkFailure(id)
	}
	if m.cfg.LogEachDevice {
		slog.Debug("device polled", "device", id, "online", online, "pins", len(values))
	}

	return gateway.Snapshot{
		DeviceID:   id,
		Model:      dev.Model,
		SlaveID:    dev.SlaveID,
		DeviceType: dev.DeviceType,
		SampledAt:  m.clock.Now(),
		Values:     values,
		IsOnline:   online,
	}, true
}

func (m *Monitor) offlineSnapshot(dev *device.Device) gateway.Snapshot {
	return gateway.Snapshot{
		DeviceID:   dev.ID(),
		Model:      dev.Model,
		SlaveID:    dev.SlaveID,
		DeviceType: dev.DeviceType,
		SampledAt:  m.clock.Now(),
		Values:     dev.OfflineValues(),
		IsOnline:   false,
	}
}
