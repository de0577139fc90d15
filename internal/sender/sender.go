package sender

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fieldgate/internal/gateway"
	"fieldgate/internal/pubsub"
	"fieldgate/internal/support/check"
)

// Config drives the sender's scheduling and retry behavior. All
// durations are in seconds to match the configuration file.
type Config struct {
	URL       string `yaml:"url"`
	GatewayID string `yaml:"gateway_id"`
	Series    string `yaml:"series"`
	SSHPort   int    `yaml:"ssh_port"`

	SendIntervalSec  int `yaml:"send_interval_sec"`
	AnchorOffsetSec  int `yaml:"anchor_offset_sec"`
	TickGraceSec     int `yaml:"tick_grace_sec"`
	FreshWindowSec   int `yaml:"fresh_window_sec"`
	LastKnownTTLSec  int `yaml:"last_known_ttl_sec"`
	WarmupTimeoutSec int `yaml:"warmup_timeout_sec"`
	AttemptCount     int `yaml:"attempt_count"`
	MaxRetry         int `yaml:"max_retry"`

	FailResendEnabled     bool `yaml:"fail_resend_enabled"`
	FailResendIntervalSec int  `yaml:"fail_resend_interval_sec"`
	FailResendBatch       int  `yaml:"fail_resend_batch"`
	ResendAnchorOffsetSec int  `yaml:"resend_anchor_offset_sec"`
	ResendStartDelaySec   int  `yaml:"resend_start_delay_sec"`
	LastPostOKWithinSec   int  `yaml:"last_post_ok_within_sec"`

	ResendQuotaMB          int  `yaml:"resend_quota_mb"`
	FSFreeMinMB            int  `yaml:"fs_free_min_mb"`
	ResendProtectRecentSec int  `yaml:"resend_protect_recent_sec"`
	ResendCleanupBatch     int  `yaml:"resend_cleanup_batch"`
	ResendCleanupEnabled   bool `yaml:"resend_cleanup_enabled"`

	OutboxDir string `yaml:"outbox_dir"`

	NTPServer       string `yaml:"ntp_server"`
	NTPThresholdSec int    `yaml:"ntp_threshold_sec"`
}

func (c Config) withDefaults() Config {
	if c.SendIntervalSec <= 0 {
		c.SendIntervalSec = 60
	}
	if c.TickGraceSec < 0 {
		c.TickGraceSec = 0
	}
	if c.WarmupTimeoutSec <= 0 {
		c.WarmupTimeoutSec = 30
	}
	if c.AttemptCount <= 0 {
		c.AttemptCount = 3
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 5
	}
	if c.FailResendIntervalSec <= 0 {
		c.FailResendIntervalSec = 300
	}
	if c.FailResendBatch <= 0 {
		c.FailResendBatch = 10
	}
	if c.LastPostOKWithinSec <= 0 {
		c.LastPostOKWithinSec = 600
	}
	return c
}

// tickTimeout bounds one scheduler pass; the send itself is shielded.
const tickTimeout = 30 * time.Second

// Sender buffers snapshots into aligned windows and uploads one
// payload per tick, persisting each payload to the outbox before the
// POST.
type Sender struct {
	cfg       Config
	clock     gateway.Clock
	buckets   *Buckets
	outbox    *Outbox
	transport Transport
	sysinfo   *SystemInfo
	gatewayID string

	mu         sync.Mutex
	lastPostOK time.Time
	warmedUp   bool
}

// New wires the sender; transport may be swapped for tests.
func New(cfg Config, clock gateway.Clock, outbox *Outbox, transport Transport, sysinfo *SystemInfo) *Sender {
	check.Assert(clock != nil, "sender.New: clock must not be nil")
	cfg = cfg.withDefaults()
	buckets := NewBuckets(time.Duration(cfg.SendIntervalSec)*time.Second, time.Duration(cfg.AnchorOffsetSec)*time.Second)
	buckets.ConfigureStaleness(
		time.Duration(cfg.FreshWindowSec)*time.Second,
		time.Duration(cfg.LastKnownTTLSec)*time.Second)
	return &Sender{
		cfg:       cfg,
		clock:     clock,
		buckets:   buckets,
		outbox:    outbox,
		transport: transport,
		sysinfo:   sysinfo,
		gatewayID: ResolveGatewayID(cfg.GatewayID),
	}
}

// HandleSnapshot buckets one snapshot for the next tick.
func (s *Sender) HandleSnapshot(snap gateway.Snapshot) {
	s.buckets.Add(snap)
}

// LastPostOK reports the time of the last confirmed upload.
func (s *Sender) LastPostOK() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPostOK
}

// Run consumes DEVICE_SNAPSHOT until ctx is done. The first snapshot
// (or the warm-up timeout) triggers an immediate warm-up send so the
// cloud sees data without waiting a full interval.
func (s *Sender) Run(ctx context.Context, broker *pubsub.Broker) error {
	sub := broker.Subscribe(pubsub.TopicDeviceSnapshot)
	defer sub.Close()

	warmup := time.NewTimer(time.Duration(s.cfg.WarmupTimeoutSec) * time.Second)
	defer warmup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-warmup.C:
			s.maybeWarmup(ctx)
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			snap, ok := msg.(gateway.Snapshot)
			if !ok {
				continue
			}
			s.HandleSnapshot(snap)
			s.maybeWarmup(ctx)
		}
	}
}

func (s *Sender) maybeWarmup(ctx context.Context) {
	s.mu.Lock()
	if s.warmedUp {
		s.mu.Unlock()
		return
	}
	s.warmedUp = true
	s.mu.Unlock()

	label := s.buckets.LabelFor(s.clock.Now())
	interval := time.Duration(s.cfg.SendIntervalSec) * time.Second
	snaps := s.buckets.Collapse(label, interval)
	if len(snaps) == 0 {
		return
	}
	slog.Info("warm-up send", "devices", len(snaps), "label", label.Format(time.RFC3339))
	if err := s.sendLabel(ctx, label, snaps); err != nil {
		slog.Warn("warm-up send failed", "error", err)
	}
}

// RunScheduler fires one send per aligned interval tick.
func (s *Sender) RunScheduler(ctx context.Context) error {
	interval := time.Duration(s.cfg.SendIntervalSec) * time.Second
	grace := time.Duration(s.cfg.TickGraceSec) * time.Second

	for {
		now := s.clock.Now()
		label := s.buckets.LabelFor(now).Add(interval)
		wait := label.Add(grace).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.Tick(ctx, label)
	}
}

// Tick collapses the buckets for one label and sends the payload. The
// persist+POST runs shielded from the scheduler's cancellation so a
// tick timeout never leaves a half-persisted payload.
func (s *Sender) Tick(ctx context.Context, label time.Time) {
	grace := time.Duration(s.cfg.TickGraceSec) * time.Second
	snaps := s.buckets.Collapse(label, grace)
	if len(snaps) == 0 {
		return
	}

	shielded, cancel := context.WithTimeout(context.WithoutCancel(ctx), tickTimeout)
	defer cancel()
	if err := s.sendLabel(shielded, label, snaps); err != nil {
		slog.Warn("tick send failed", "label", label.Format(time.RFC3339), "error", err)
	}
}

// sendLabel persists the payload, posts it, and on success deletes
// the outbox file and advances the dedup watermarks.
func (s *Sender) sendLabel(ctx context.Context, label time.Time, snaps []gateway.Snapshot) error {
	hb := HeartbeatInfo{Series: s.cfg.Series, ReportTime: s.clock.Now(), CPUTemp: -1}
	if s.sysinfo != nil {
		hb = s.sysinfo.Heartbeat(s.clock.Now())
	}
	env := BuildEnvelope(s.gatewayID, s.cfg.Series, label, snaps, hb)

	path, err := s.outbox.Persist(env, label)
	if err != nil {
		return fmt.Errorf("persist payload: %w", err)
	}

	body, err := envelopeBody(env)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, body); err != nil {
		// File stays for the resend worker.
		return fmt.Errorf("post label %s: %w", label.Format(time.RFC3339), err)
	}

	if err := s.outbox.Delete(path); err != nil {
		slog.Warn("deleting sent outbox file", "file", path, "error", err)
	}
	s.buckets.MarkSent(label, snaps)
	s.markPostOK()
	slog.Info("payload sent", "label", label.Format(time.RFC3339), "devices", len(snaps))
	return nil
}

func (s *Sender) markPostOK() {
	s.mu.Lock()
	s.lastPostOK = s.clock.Now()
	s.mu.Unlock()
}
