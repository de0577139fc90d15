// Package daemon wires the gateway from its configuration and runs it
// under the supervisor until the context is cancelled.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"fieldgate/config"
	"fieldgate/internal/alert"
	"fieldgate/internal/bus"
	"fieldgate/internal/control"
	"fieldgate/internal/device"
	"fieldgate/internal/gateway"
	"fieldgate/internal/health"
	"fieldgate/internal/logging"
	"fieldgate/internal/monitor"
	"fieldgate/internal/pubsub"
	"fieldgate/internal/rules"
	"fieldgate/internal/sender"
	"fieldgate/internal/serial"
	"fieldgate/internal/store"
	"fieldgate/internal/supervisor"
	"fieldgate/internal/telemetry"
	"fieldgate/internal/virtual"
)

// ntpCheckInterval spaces the periodic clock-sanity probes.
const ntpCheckInterval = time.Hour

// statsInterval spaces the pubsub queue-depth reports.
const statsInterval = 10 * time.Minute

// Gateway is the fully wired process.
type Gateway struct {
	cfg    *config.Config
	clock  gateway.Clock
	broker *pubsub.Broker

	handles   map[string]*bus.PortHandle
	devices   []*device.Device
	health    *health.Manager
	monitor   *monitor.Monitor
	alerts    *alert.Evaluator
	ctrlEval  *control.Evaluator
	ctrlExec  *control.Executor
	store     *store.SnapshotStore
	transport *sender.HTTPTransport
	sysinfo   *sender.SystemInfo
	sender    *sender.Sender

	tracing *sdktrace.TracerProvider
}

// Wire builds every component from cfg. Nothing starts running until
// Run is called.
func Wire(cfg *config.Config) (*Gateway, error) {
	clock := gateway.RealClock{}
	broker := pubsub.NewBroker(cfg.PubSub)

	handles := make(map[string]*bus.PortHandle, len(cfg.Ports))
	for _, p := range cfg.Ports {
		pc := p.Serial
		handles[p.ID] = bus.NewPortHandle(p.ID, func() (serial.Port, error) {
			return serial.Open(pc)
		})
	}

	hm := health.NewManager(cfg.Health.ManagerConfig(), clock)
	devices := make([]*device.Device, 0, len(cfg.Devices))
	targets := make(map[string]control.Target, len(cfg.Devices))
	quickChecks := make(map[string]health.QuickCheckConfig)
	for _, d := range cfg.Devices {
		dev := &device.Device{
			Model:       d.Model,
			SlaveID:     d.SlaveID,
			DeviceType:  d.DeviceType,
			PortID:      d.Port,
			DefaultType: d.DefaultRegisterType,
			Map:         d.Map,
			Bus:         bus.New(byte(d.SlaveID), handles[d.Port]),
			Critical:    d.Critical,
		}
		devices = append(devices, dev)
		targets[dev.ID()] = dev
		if d.QuickCheck != nil {
			quickChecks[dev.ID()] = *d.QuickCheck
		}
		if d.Critical || d.Health != nil {
			o := health.Override{Critical: d.Critical}
			if d.Health != nil {
				o.BaseCooldown = time.Duration(d.Health.BaseCooldownSec) * time.Second
				o.MaxCooldown = time.Duration(d.Health.MaxCooldownSec) * time.Second
				o.Factor = d.Health.BackoffFactor
			}
			hm.SetOverride(dev.ID(), o)
		}
	}

	var vm *virtual.Manager
	if len(cfg.VirtualDevices) > 0 {
		vm = virtual.NewManager(cfg.VirtualDevices)
	}
	mon := monitor.New(cfg.Monitor, clock, devices, hm, vm, broker, quickChecks)

	var st *store.SnapshotStore
	var execStore rules.ExecutionStore
	if cfg.Storage.Enabled {
		opened, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		st = opened
		es, err := st.ExecutionStore()
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open rule execution store: %w", err)
		}
		execStore = es
	}

	alerts := alert.NewEvaluator(clock, rules.NewEvaluator(clock, execStore), cfg.AlertRules)
	ctrlEval := control.NewEvaluator(rules.NewEvaluator(clock, execStore), cfg.ControlRules, cfg.ControlConstraints)
	ctrlExec := control.NewExecutor(targets, func(id string) bool {
		return hm.StateFor(id).IsHealthy
	}, broker)

	outboxDir := cfg.Sender.OutboxDir
	if outboxDir == "" {
		outboxDir = filepath.Join(cfg.StateDir, "outbox")
	}
	outbox, err := sender.NewOutbox(outboxDir)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	transport := sender.NewHTTPTransport(cfg.Sender.URL, cfg.Sender.AttemptCount)
	sysinfo := sender.NewSystemInfo(cfg.StateDir, cfg.Sender.Series, cfg.Sender.SSHPort)
	snd := sender.New(cfg.Sender, clock, outbox, transport, sysinfo)

	return &Gateway{
		cfg:       cfg,
		clock:     clock,
		broker:    broker,
		handles:   handles,
		devices:   devices,
		health:    hm,
		monitor:   mon,
		alerts:    alerts,
		ctrlEval:  ctrlEval,
		ctrlExec:  ctrlExec,
		store:     st,
		transport: transport,
		sysinfo:   sysinfo,
		sender:    snd,
		tracing:   sdktrace.NewTracerProvider(),
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails fatally.
func (g *Gateway) Run(ctx context.Context) error {
	tracer := g.tracing.Tracer("fieldgate")
	op, err := telemetry.EmitPlan(ctx, tracer, "daemon.start", telemetry.Plan{Steps: []telemetry.Step{
		{ID: "reboot_counter", Title: "incrementing reboot counter"},
		{ID: "clock_check", Title: "checking clock against NTP"},
	}})
	if err != nil {
		return err
	}

	_ = op.RunStep(op.Context(), "reboot_counter", func(context.Context) error {
		count, err := g.sysinfo.IncrementRebootCount()
		if err != nil {
			slog.Warn("reboot counter update failed", "error", err)
			return nil
		}
		slog.Info("gateway starting", "boot", count, "devices", len(g.devices))
		return nil
	})

	_ = op.RunStep(op.Context(), "clock_check", func(context.Context) error {
		g.checkClock()
		return nil
	})

	sup := supervisor.New()
	if g.store != nil {
		sup.Add("store_cleanup", func(ctx context.Context) error {
			return g.store.RunCleanup(ctx, store.CleanupConfig{
				Interval:       time.Duration(g.cfg.Storage.CleanupIntervalSec) * time.Second,
				VacuumInterval: time.Duration(g.cfg.Storage.VacuumIntervalSec) * time.Second,
				RetentionDays:  g.cfg.Storage.RetentionDays,
			})
		})
		sup.Add("snapshot_saver", g.runSaver)
	}
	sup.Add("ntp_check", g.runClockChecks)
	sup.Add("pubsub_stats", g.runStats)
	sup.Add("monitor", g.monitor.Run)
	sup.Add("alerts", func(ctx context.Context) error {
		return g.alerts.Run(ctx, g.broker)
	})
	sup.Add("control", func(ctx context.Context) error {
		return control.Run(ctx, g.broker, g.ctrlEval, g.ctrlExec)
	})
	sup.Add("resend", g.sender.RunResend)
	sup.Add("sender", func(ctx context.Context) error {
		return g.sender.Run(ctx, g.broker)
	})
	sup.Add("scheduler", g.sender.RunScheduler)

	sup.AddCloser("http_client", func() error {
		g.transport.Close()
		return nil
	})
	sup.AddCloser("pubsub", func() error {
		g.broker.Close()
		return nil
	})
	for id, h := range g.handles {
		handle := h
		sup.AddCloser("port "+id, handle.Close)
	}
	if g.store != nil {
		sup.AddCloser("snapshot_store", g.store.Close)
	}
	sup.AddCloser("tracing", func() error {
		return g.tracing.Shutdown(context.Background())
	})

	op.End(nil)
	return sup.Run(ctx)
}

// runSaver archives every published snapshot.
func (g *Gateway) runSaver(ctx context.Context) error {
	sub := g.broker.Subscribe(pubsub.TopicDeviceSnapshot)
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
			if err := g.store.Insert(ctx, snap); err != nil {
				slog.Warn("snapshot insert failed", "device", snap.DeviceID, "error", err)
			}
		}
	}
}

// runClockChecks repeats the NTP probe; a drifting clock corrupts
// window labels silently, so it is worth a periodic warning.
func (g *Gateway) runClockChecks(ctx context.Context) error {
	ticker := time.NewTicker(ntpCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.checkClock()
		}
	}
}

// runStats reports topic queue depth and drop counts so a wedged
// subscriber shows up in the logs before data loss does.
func (g *Gateway) runStats(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for topic, st := range g.broker.Stats() {
				if st.Dropped > 0 {
					slog.Warn("pubsub topic dropping messages",
						"topic", string(topic), "dropped", st.Dropped,
						"subscribers", st.Subscribers, "queue_size", st.QueueSize)
				}
			}
			g.broker.ResetDrops()
		}
	}
}

func (g *Gateway) checkClock() {
	threshold := time.Duration(g.cfg.Sender.NTPThresholdSec) * time.Second
	sender.CheckClockDrift(g.cfg.Sender.NTPServer, threshold)
}

// Run loads the configuration and runs a wired gateway.
func Run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := logging.Configure(cfg.LogLevel); err != nil {
		return err
	}
	gw, err := Wire(cfg)
	if err != nil {
		return err
	}
	return gw.Run(ctx)
}
