package sender

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fieldgate/internal/fake"
	"fieldgate/internal/gateway"
)

type fakeTransport struct {
	fail   bool
	bodies [][]byte
}

func (t *fakeTransport) Send(_ context.Context, body []byte) error {
	if t.fail {
		return errors.New("cloud unreachable")
	}
	t.bodies = append(t.bodies, body)
	return nil
}

func (t *fakeTransport) lastEnvelope(tb testing.TB) Envelope {
	tb.Helper()
	if len(t.bodies) == 0 {
		tb.Fatal("no payload sent")
	}
	var env Envelope
	if err := json.Unmarshal(t.bodies[len(t.bodies)-1], &env); err != nil {
		tb.Fatal(err)
	}
	return env
}

func newTestSender(t *testing.T, clk gateway.Clock, transport Transport) *Sender {
	t.Helper()
	ob, err := NewOutbox(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		GatewayID:       "GW123456789",
		Series:          "A1",
		SendIntervalSec: 60,
		AnchorOffsetSec: 0,
		TickGraceSec:    1,
	}
	return New(cfg, clk, ob, transport, nil)
}

func at(h, m, s, ms int) time.Time {
	return time.Date(2026, 3, 2, h, m, s, ms*int(time.Millisecond), time.UTC)
}

func dSnap(sampled time.Time) gateway.Snapshot {
	return gateway.Snapshot{
		DeviceID:  "ADTEK_CPM10_1",
		Model:     "ADTEK_CPM10",
		SlaveID:   1,
		SampledAt: sampled,
		Values:    map[string]float64{"Kw": 100},
		IsOnline:  true,
	}
}

func TestTickDeduplication(t *testing.T) {
	// Interval 60 s, anchor 0, grace 1 s. A sample at 12:00:00.500 goes
	// out with label 12:00:00; the next tick includes the device only
	// when a strictly newer sample exists.
	clk := fake.NewClock(at(12, 0, 1, 0))
	tr := &fakeTransport{}
	s := newTestSender(t, clk, tr)
	ctx := context.Background()

	s.HandleSnapshot(dSnap(at(12, 0, 0, 500)))
	s.Tick(ctx, at(12, 0, 0, 0))
	env := tr.lastEnvelope(t)
	if len(env.Data) != 2 { // device + heartbeat
		t.Fatalf("first tick items = %d", len(env.Data))
	}
	if env.Timestamp != "20260302120000" {
		t.Errorf("label = %s", env.Timestamp)
	}

	t.Run("newer sample is included", func(t *testing.T) {
		clk.Set(at(12, 0, 3, 0))
		s.HandleSnapshot(dSnap(at(12, 0, 0, 800)))
		clk.Set(at(12, 1, 1, 0))
		s.Tick(ctx, at(12, 1, 0, 0))
		env := tr.lastEnvelope(t)
		if len(env.Data) != 2 {
			t.Fatalf("second tick items = %d, want device + heartbeat", len(env.Data))
		}
	})

	t.Run("stale redelivery is excluded", func(t *testing.T) {
		sentBefore := len(tr.bodies)
		s.HandleSnapshot(dSnap(at(12, 0, 0, 800))) // same sampling_ts again
		clk.Set(at(12, 2, 1, 0))
		s.Tick(ctx, at(12, 2, 0, 0))
		if len(tr.bodies) != sentBefore {
			t.Errorf("stale sample produced a payload")
		}
	})
}

func TestSameWindowKeepsNewestSample(t *testing.T) {
	b := NewBuckets(time.Minute, 0)
	older := dSnap(at(12, 0, 10, 0))
	newer := dSnap(at(12, 0, 40, 0))
	b.Add(newer)
	b.Add(older) // out-of-order arrival must not regress the bucket

	got := b.Collapse(at(12, 0, 0, 0), time.Minute)
	if len(got) != 1 || !got[0].SampledAt.Equal(newer.SampledAt) {
		t.Errorf("collapsed = %+v", got)
	}
}

func TestCollapseExcludesSamplesPastGrace(t *testing.T) {
	b := NewBuckets(time.Minute, 0)
	b.Add(dSnap(at(12, 0, 30, 0))) // lands in window 12:00 but after label+grace

	got := b.Collapse(at(12, 0, 0, 0), time.Second)
	if len(got) != 0 {
		t.Errorf("collapsed = %+v, want none past the grace deadline", got)
	}

	// The late sample is not lost; the next tick picks it up.
	got = b.Collapse(at(12, 1, 0, 0), time.Second)
	if len(got) != 1 {
		t.Errorf("next tick collapsed = %+v, want the late sample", got)
	}
}

func TestFreshWindowExcludesOldSamples(t *testing.T) {
	b := NewBuckets(time.Minute, 0)
	b.ConfigureStaleness(30*time.Second, 0)
	b.Add(dSnap(at(12, 0, 10, 0))) // 50s old at the 12:01 label
	b.Add(dSnap(at(12, 0, 40, 0))) // 20s old, fresh

	got := b.Collapse(at(12, 1, 0, 0), time.Second)
	if len(got) != 1 || !got[0].SampledAt.Equal(at(12, 0, 40, 0)) {
		t.Errorf("collapsed = %+v, want only the fresh sample", got)
	}
}

func TestLastKnownCarriesForwardMissedWindows(t *testing.T) {
	b := NewBuckets(time.Minute, 0)
	b.ConfigureStaleness(0, 3*time.Minute)
	sample := dSnap(at(12, 0, 30, 0))
	b.Add(sample)

	label := at(12, 1, 0, 0)
	got := b.Collapse(label, time.Second)
	if len(got) != 1 {
		t.Fatalf("collapsed = %+v", got)
	}
	b.MarkSent(label, got)

	// No new sample: the next windows repeat the last reading until
	// the TTL runs out.
	for _, labelAt := range []time.Time{at(12, 2, 0, 0), at(12, 3, 0, 0)} {
		got = b.Collapse(labelAt, time.Second)
		if len(got) != 1 || !got[0].SampledAt.Equal(sample.SampledAt) {
			t.Fatalf("label %v collapsed = %+v, want carried-forward sample", labelAt, got)
		}
		b.MarkSent(labelAt, got)
	}

	got = b.Collapse(at(12, 4, 0, 0), time.Second) // 3m30s old, past TTL
	if len(got) != 0 {
		t.Errorf("collapsed = %+v, want none past the TTL", got)
	}
}

func TestAnchorOffsetAlignsLabels(t *testing.T) {
	b := NewBuckets(time.Minute, 15*time.Second)
	label := b.LabelFor(at(12, 0, 20, 0))
	if !label.Equal(at(12, 0, 15, 0)) {
		t.Errorf("label = %v, want 12:00:15", label)
	}
	label = b.LabelFor(at(12, 0, 10, 0))
	if !label.Equal(at(11, 59, 15, 0)) {
		t.Errorf("label = %v, want 11:59:15", label)
	}
}

func TestOutboxAtomicity(t *testing.T) {
	// A failed POST leaves exactly one outbox file; a successful POST
	// leaves none.
	clk := fake.NewClock(at(12, 0, 1, 0))

	t.Run("failure retains the file", func(t *testing.T) {
		tr := &fakeTransport{fail: true}
		s := newTestSender(t, clk, tr)
		s.HandleSnapshot(dSnap(at(12, 0, 0, 500)))
		s.Tick(context.Background(), at(12, 0, 0, 0))

		entries, err := s.outbox.List()
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Fatalf("outbox entries = %d, want 1", len(entries))
		}
		raw, err := os.ReadFile(entries[0].Path)
		if err != nil {
			t.Fatal(err)
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("outbox file not a full envelope: %v", err)
		}
		if env.Func != "PushIMAData" || env.Version != "6.0" {
			t.Errorf("envelope = %+v", env)
		}
	})

	t.Run("success deletes the file", func(t *testing.T) {
		tr := &fakeTransport{}
		s := newTestSender(t, clk, tr)
		s.HandleSnapshot(dSnap(at(12, 0, 0, 500)))
		s.Tick(context.Background(), at(12, 0, 0, 0))

		entries, err := s.outbox.List()
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("outbox entries = %d, want 0", len(entries))
		}
	})
}

func TestMissingSerializesAsMinusOne(t *testing.T) {
	clk := fake.NewClock(at(12, 0, 1, 0))
	tr := &fakeTransport{}
	s := newTestSender(t, clk, tr)

	snap := dSnap(at(12, 0, 0, 500))
	snap.Values["Broken"] = gateway.Missing
	s.HandleSnapshot(snap)
	s.Tick(context.Background(), at(12, 0, 0, 0))

	env := tr.lastEnvelope(t)
	if got := env.Data[0].Data["Broken"]; got != float64(-1) {
		t.Errorf("Broken = %v (%T), want -1", got, got)
	}
}

func TestHeartbeatItemAppended(t *testing.T) {
	clk := fake.NewClock(at(12, 0, 1, 0))
	tr := &fakeTransport{}
	s := newTestSender(t, clk, tr)
	s.HandleSnapshot(dSnap(at(12, 0, 0, 500)))
	s.Tick(context.Background(), at(12, 0, 0, 0))

	env := tr.lastEnvelope(t)
	hb := env.Data[len(env.Data)-1]
	if hb.Data["HB"] != float64(1) {
		t.Errorf("heartbeat item = %+v", hb)
	}
	if hb.DeviceID != "GW123456789_A100GW" {
		t.Errorf("heartbeat device id = %s", hb.DeviceID)
	}
}

func TestResolveGatewayID(t *testing.T) {
	host, _ := os.Hostname()
	configured := "CONFIGURED_ID_LONG"
	got := ResolveGatewayID(configured)
	if len(host) == 11 && host != "99999999999" {
		if got != host {
			t.Errorf("got %s, want hostname %s", got, host)
		}
		return
	}
	if got != configured[:11] {
		t.Errorf("got %s, want %s", got, configured[:11])
	}
}

func TestWarmupSendsOnce(t *testing.T) {
	clk := fake.NewClock(at(12, 0, 30, 0))
	tr := &fakeTransport{}
	s := newTestSender(t, clk, tr)
	ctx := context.Background()

	s.HandleSnapshot(dSnap(at(12, 0, 29, 0)))
	s.maybeWarmup(ctx)
	if len(tr.bodies) != 1 {
		t.Fatalf("warm-up sends = %d", len(tr.bodies))
	}
	s.maybeWarmup(ctx)
	if len(tr.bodies) != 1 {
		t.Errorf("warm-up repeated")
	}
}

func TestRebootCounter(t *testing.T) {
	dir := t.TempDir()
	si := NewSystemInfo(dir, "A1", 22)

	if got := si.RebootCount(); got != 0 {
		t.Fatalf("initial count = %d", got)
	}
	n, err := si.IncrementRebootCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("first increment = %d", n)
	}
	n, err = si.IncrementRebootCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || si.RebootCount() != 2 {
		t.Errorf("second increment = %d, read = %d", n, si.RebootCount())
	}

	// Counter survives a fresh SystemInfo over the same state dir.
	if got := NewSystemInfo(dir, "A1", 22).RebootCount(); got != 2 {
		t.Errorf("restarted count = %d", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "reboot_count")); err != nil {
		t.Error(err)
	}
}
