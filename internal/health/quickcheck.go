package health

import (
	"context"
	"log/slog"
	"time"

	"fieldgate/internal/device"
	"fieldgate/internal/gateway"
)

// Quick-check strategies.
const (
	StrategySingleRegister = "single_register"
	StrategyPartialBulk    = "partial_bulk"
	StrategyFullRead       = "full_read"
)

const (
	defaultProbeTimeout    = 300 * time.Millisecond
	fallbackFullReadBudget = 600 * time.Millisecond
)

// QuickCheckConfig selects the probe strategy for one device.
type QuickCheckConfig struct {
	Strategy string        `yaml:"strategy"`
	Pins     []string      `yaml:"pins"`
	Timeout  time.Duration `yaml:"timeout"`
}

// QuickCheck probes an unhealthy device cheaply and records the
// outcome in the health state. Returns true when the device answered.
func (m *Manager) QuickCheck(ctx context.Context, dev *device.Device, cfg QuickCheckConfig) bool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	online := false
	switch cfg.Strategy {
	case StrategySingleRegister:
		pin := ""
		if len(cfg.Pins) > 0 {
			pin = cfg.Pins[0]
		}
		online = m.probePin(ctx, dev, pin, timeout)
	case StrategyPartialBulk:
		// Any one configured pin answering means the device is there.
		for _, pin := range cfg.Pins {
			if m.probePin(ctx, dev, pin, timeout) {
				online = true
				break
			}
			if ctx.Err() != nil {
				return false
			}
		}
	case StrategyFullRead:
		online = m.probeFullRead(ctx, dev, timeout)
	default:
		// No configuration: short single-register probe of the first
		// readable pin, or a bounded full read if the map has none.
		if pin := dev.FirstReadablePin(); pin != "" {
			online = m.probePin(ctx, dev, pin, defaultProbeTimeout)
		} else {
			online = m.probeFullRead(ctx, dev, fallbackFullReadBudget)
		}
	}

	if ctx.Err() != nil {
		return false
	}
	if online {
		m.MarkSuccess(dev.ID())
	} else {
		m.MarkFailure(dev.ID())
	}
	slog.Debug("quick health check", "device", dev.ID(), "strategy", cfg.Strategy, "online", online)
	return online
}

func (m *Manager) probePin(ctx context.Context, dev *device.Device, pin string, timeout time.Duration) bool {
	if pin == "" {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := dev.ReadPin(probeCtx, pin)
	return err == nil && !gateway.IsMissing(v)
}

func (m *Manager) probeFullRead(ctx context.Context, dev *device.Device, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	values, err := dev.ReadAll(probeCtx)
	if err != nil {
		return false
	}
	for _, v := range values {
		if !gateway.IsMissing(v) {
			return true
		}
	}
	return false
}

func logRecovered(deviceID string, offline time.Duration) {
	slog.Info("device recovered", "device", deviceID, "offline_for", offline.Round(time.Second))
}
