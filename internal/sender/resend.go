package sender

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"
)

// RunResend retries failed outbox files on an aligned interval. It
// skips cycles while the cloud looks down, judged by the age of the
// last successful POST, so retries never amplify an outage.
func (s *Sender) RunResend(ctx context.Context) error {
	if !s.cfg.FailResendEnabled {
		<-ctx.Done()
		return ctx.Err()
	}

	if delay := time.Duration(s.cfg.ResendStartDelaySec) * time.Second; delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	interval := time.Duration(s.cfg.FailResendIntervalSec) * time.Second
	anchor := time.Duration(s.cfg.ResendAnchorOffsetSec) * time.Second

	for {
		now := s.clock.Now()
		next := now.Add(-anchor).Truncate(interval).Add(interval + anchor)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.resendCycle(ctx)
	}
}

func (s *Sender) resendCycle(ctx context.Context) {
	if s.cfg.ResendCleanupEnabled {
		if _, err := s.outbox.EnforceBudget(BudgetConfig{
			QuotaMB:          s.cfg.ResendQuotaMB,
			FSFreeMinMB:      s.cfg.FSFreeMinMB,
			ProtectRecentSec: s.cfg.ResendProtectRecentSec,
			CleanupBatch:     s.cfg.ResendCleanupBatch,
		}); err != nil {
			slog.Warn("outbox budget enforcement failed", "error", err)
		}
	}

	lastOK := s.LastPostOK()
	within := time.Duration(s.cfg.LastPostOKWithinSec) * time.Second
	if lastOK.IsZero() || s.clock.Now().Sub(lastOK) > within {
		slog.Debug("skipping resend cycle, cloud looks down",
			"last_post_ok", lastOK.Format(time.RFC3339))
		return
	}

	entries, err := s.outbox.List()
	if err != nil {
		slog.Warn("listing outbox", "error", err)
		return
	}

	// Oldest eligible first: full envelopes go out individually, bare
	// item files group by label into one envelope.
	sent := 0
	var itemGroups = make(map[int64][]Item)
	var groupPaths = make(map[int64][]string)
	for _, e := range entries {
		if sent >= s.cfg.FailResendBatch {
			break
		}
		if e.Failed {
			continue
		}
		raw, err := os.ReadFile(e.Path)
		if err != nil {
			slog.Warn("reading outbox file", "file", e.Path, "error", err)
			continue
		}
		if isEnvelope(raw) {
			s.resendFile(ctx, e.Path, raw)
			sent++
			continue
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			slog.Warn("unparseable outbox file", "file", e.Path, "error", err)
			s.escalate(e.Path)
			continue
		}
		key := e.Label.UnixNano()
		itemGroups[key] = append(itemGroups[key], item)
		groupPaths[key] = append(groupPaths[key], e.Path)
		sent++
	}

	for key, items := range itemGroups {
		label := time.Unix(0, key)
		hb := HeartbeatInfo{Series: s.cfg.Series, ReportTime: s.clock.Now(), CPUTemp: -1}
		if s.sysinfo != nil {
			hb = s.sysinfo.Heartbeat(s.clock.Now())
		}
		env := Envelope{
			Func:      payloadFunc,
			Version:   payloadVersion,
			GatewayID: s.gatewayID,
			Timestamp: label.Format(wireTimeLayout),
			Data:      append(items, heartbeatItem(s.gatewayID, hb)),
		}
		body, err := envelopeBody(env)
		if err != nil {
			slog.Warn("building resend group payload", "error", err)
			continue
		}
		if err := s.transport.Send(ctx, body); err != nil {
			slog.Warn("resend group failed", "label", label.Format(time.RFC3339), "error", err)
			for _, path := range groupPaths[key] {
				s.escalate(path)
			}
			continue
		}
		s.markPostOK()
		for _, path := range groupPaths[key] {
			if err := s.outbox.Delete(path); err != nil {
				slog.Warn("deleting resent outbox file", "file", path, "error", err)
			}
		}
	}
}

func (s *Sender) resendFile(ctx context.Context, path string, body []byte) {
	if err := s.transport.Send(ctx, body); err != nil {
		slog.Warn("resend failed", "file", path, "error", err)
		s.escalate(path)
		return
	}
	s.markPostOK()
	if err := s.outbox.Delete(path); err != nil {
		slog.Warn("deleting resent outbox file", "file", path, "error", err)
	}
}

func (s *Sender) escalate(path string) {
	newPath, terminal, err := s.outbox.EscalateRetry(path, s.cfg.MaxRetry)
	if err != nil {
		slog.Warn("escalating outbox retry", "file", path, "error", err)
		return
	}
	if terminal {
		slog.Warn("outbox file reached max retries", "file", newPath)
	}
}

// isEnvelope distinguishes a full payload from a single item by the
// FUNC field.
func isEnvelope(raw []byte) bool {
	var probe struct {
		Func string `json:"FUNC"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Func != ""
}
