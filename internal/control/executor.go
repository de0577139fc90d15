package control

import (
	"context"
	"errors"
	"log/slog"

	"fieldgate/internal/gateway"
	"fieldgate/internal/pubsub"
)

// Target is the capability surface the executor needs from a device.
// *device.Device satisfies it.
type Target interface {
	ID() string
	HasRegister(name string) bool
	IsWritable(name string) bool
	SupportsOnOff() bool
	OnOffPin() string
	ReadPin(ctx context.Context, name string) (float64, error)
	WritePin(ctx context.Context, name string, value float64) error
}

// HealthGate reports whether a device may be written to.
type HealthGate func(deviceID string) bool

// Executor applies action lists sequentially, protecting each
// (device, register) pair from lower-priority writes within a pass.
type Executor struct {
	devices map[string]Target
	healthy HealthGate
	broker  *pubsub.Broker
}

// NewExecutor wires the executor. healthy may be nil to disable the
// health gate; broker may be nil to skip publishing applied actions.
func NewExecutor(devices map[string]Target, healthy HealthGate, broker *pubsub.Broker) *Executor {
	if healthy == nil {
		healthy = func(string) bool { return true }
	}
	return &Executor{devices: devices, healthy: healthy, broker: broker}
}

type writeRecord struct {
	priority int
	value    float64
	reason   string
}

// Execute applies actions in order. Returns the first cancellation
// error; every other failure is logged and skipped.
func (ex *Executor) Execute(ctx context.Context, actions []Action) error {
	written := make(map[string]writeRecord)
	for _, a := range actions {
		if err := ex.apply(ctx, a, written); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			slog.Warn("control action failed",
				"device", a.DeviceID(), "target", a.Target,
				"type", string(a.Type), "error", err)
		}
	}
	return nil
}

func (ex *Executor) apply(ctx context.Context, a Action, written map[string]writeRecord) error {
	deviceID := a.DeviceID()
	dev, ok := ex.devices[deviceID]
	if !ok {
		slog.Info("control target unknown", "device", deviceID)
		return nil
	}
	if !ex.healthy(deviceID) {
		slog.Info("skipping control action for unhealthy device",
			"device", deviceID, "target", a.Target)
		return nil
	}

	target := a.Target
	if a.Type == ActionTurnOn || a.Type == ActionTurnOff {
		if !dev.SupportsOnOff() {
			slog.Info("device does not support on/off", "device", deviceID)
			return nil
		}
		target = dev.OnOffPin()
	}
	if !dev.HasRegister(target) {
		slog.Info("control target register missing", "device", deviceID, "target", target)
		return nil
	}
	if !dev.IsWritable(target) {
		slog.Info("control target register not writable", "device", deviceID, "target", target)
		return nil
	}

	value, writeNeeded, err := ex.resolveValue(ctx, dev, a, target)
	if err != nil || !writeNeeded {
		return err
	}

	// Per-target arbitration: within one pass the highest-priority
	// writer owns the register.
	key := deviceID + "|" + target
	if prev, ok := written[key]; ok {
		if a.Priority >= prev.priority {
			slog.Info("[PROTECTED] write skipped",
				"device", deviceID, "target", target,
				"priority", a.Priority, "holder_priority", prev.priority,
				"skipped_value", value)
			return nil
		}
		slog.Info("[OVERWRITE] higher priority write supersedes",
			"device", deviceID, "target", target,
			"priority", a.Priority, "superseded_priority", prev.priority,
			"superseded_value", prev.value, "value", value)
	}

	if err := dev.WritePin(ctx, target, value); err != nil {
		return err
	}
	written[key] = writeRecord{priority: a.Priority, value: value, reason: a.Reason}
	slog.Info("control write applied",
		"device", deviceID, "target", target, "value", value,
		"reason", a.Reason, "emergency", a.EmergencyOverride)
	if ex.broker != nil {
		applied := a
		applied.Target = target
		applied.Value = value
		ex.broker.Publish(pubsub.TopicControlAction, applied)
	}
	return nil
}

// resolveValue computes the final value to write and whether a write
// is needed at all. Writes matching the current value are skipped.
func (ex *Executor) resolveValue(ctx context.Context, dev Target, a Action, target string) (float64, bool, error) {
	switch a.Type {
	case ActionTurnOn, ActionTurnOff:
		desired := 1.0
		if a.Type == ActionTurnOff {
			desired = 0
		}
		current, err := dev.ReadPin(ctx, target)
		if err != nil {
			return 0, false, err
		}
		if current == desired {
			return 0, false, nil
		}
		return desired, true, nil

	case ActionAdjustFrequency:
		current, err := dev.ReadPin(ctx, target)
		if err != nil {
			return 0, false, err
		}
		next := current + a.Value
		if next == current {
			return 0, false, nil
		}
		return next, true, nil

	default: // set_frequency, write_do, reset
		current, err := dev.ReadPin(ctx, target)
		if err == nil && current == a.Value {
			return 0, false, nil
		}
		// A failed current-value read does not block the write.
		return a.Value, true, nil
	}
}

// Run consumes DEVICE_SNAPSHOT, evaluates rules, and executes the
// resulting actions until ctx is done or the subscription closes.
func Run(ctx context.Context, broker *pubsub.Broker, ev *Evaluator, ex *Executor) error {
	sub := broker.Subscribe(pubsub.TopicDeviceSnapshot)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			snap, ok := msg.(gateway.Snapshot)
			if !ok {
				continue
			}
			actions := ev.Evaluate(ctx, snap)
			if len(actions) == 0 {
				continue
			}
			if err := ex.Execute(ctx, actions); err != nil {
				return err
			}
		}
	}
}
