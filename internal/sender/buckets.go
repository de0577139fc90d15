package sender

import (
	"sort"
	"sync"
	"time"

	"fieldgate/internal/gateway"
)

// Buckets holds snapshots keyed by (window label, device) until a
// tick collapses them, and carries the per-device dedup watermarks.
type Buckets struct {
	mu       sync.Mutex
	interval time.Duration
	anchor   time.Duration

	// windows maps label unix-nanos to the newest snapshot per device
	// inside that window.
	windows map[int64]map[string]gateway.Snapshot

	// Dedup watermarks: a device enters a label only if the label is
	// newer than lastLabel and the sample newer than lastSent.
	lastLabel map[string]time.Time
	lastSent  map[string]time.Time

	// freshWindow excludes samples older than label-freshWindow from a
	// collapse; lastKnownTTL lets a device's most recent reading stand
	// in for a window it missed. Zero disables either behavior.
	freshWindow  time.Duration
	lastKnownTTL time.Duration
	lastKnown    map[string]gateway.Snapshot
}

// NewBuckets creates the bucket store for the given send interval and
// anchor offset.
func NewBuckets(interval, anchor time.Duration) *Buckets {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Buckets{
		interval:  interval,
		anchor:    anchor,
		windows:   make(map[int64]map[string]gateway.Snapshot),
		lastLabel: make(map[string]time.Time),
		lastSent:  make(map[string]time.Time),
		lastKnown: make(map[string]gateway.Snapshot),
	}
}

// ConfigureStaleness sets the fresh-sample window and the last-known
// carry-forward TTL.
func (b *Buckets) ConfigureStaleness(freshWindow, lastKnownTTL time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freshWindow = freshWindow
	b.lastKnownTTL = lastKnownTTL
}

// LabelFor returns the aligned window label covering t.
func (b *Buckets) LabelFor(t time.Time) time.Time {
	shifted := t.Add(-b.anchor)
	return shifted.Truncate(b.interval).Add(b.anchor)
}

// Add places the snapshot in its window, replacing any older sample
// for the same device.
func (b *Buckets) Add(snap gateway.Snapshot) {
	label := b.LabelFor(snap.SampledAt).UnixNano()

	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.windows[label]
	if !ok {
		w = make(map[string]gateway.Snapshot)
		b.windows[label] = w
	}
	if prev, ok := w[snap.DeviceID]; ok && prev.SampledAt.After(snap.SampledAt) {
		return
	}
	w[snap.DeviceID] = snap
}

// Collapse drains every window labeled at or before label and returns
// the newest eligible sample per device, sorted by device id. A
// device is eligible only if its sample arrived by label+grace, the
// label advances the device's label watermark, and the sample advances
// its sent watermark.
func (b *Buckets) Collapse(label time.Time, grace time.Duration) []gateway.Snapshot {
	deadline := label.Add(grace)

	b.mu.Lock()
	defer b.mu.Unlock()

	latest := make(map[string]gateway.Snapshot)
	for key, w := range b.windows {
		if time.Unix(0, key).After(label) {
			continue
		}
		for id, snap := range w {
			// Samples past the grace deadline wait for the next tick.
			if snap.SampledAt.After(deadline) {
				continue
			}
			delete(w, id)
			if prev, ok := b.lastKnown[id]; !ok || snap.SampledAt.After(prev.SampledAt) {
				b.lastKnown[id] = snap
			}
			if b.freshWindow > 0 && label.Sub(snap.SampledAt) > b.freshWindow {
				continue
			}
			if prev, ok := latest[id]; ok && prev.SampledAt.After(snap.SampledAt) {
				continue
			}
			latest[id] = snap
		}
		if len(w) == 0 {
			delete(b.windows, key)
		}
	}

	out := make([]gateway.Snapshot, 0, len(latest))
	included := make(map[string]bool, len(latest))
	for id, snap := range latest {
		if !label.After(b.lastLabel[id]) {
			continue
		}
		if !snap.SampledAt.After(b.lastSent[id]) {
			continue
		}
		out = append(out, snap)
		included[id] = true
	}

	// Carry the last known reading forward for devices that missed the
	// window entirely, as long as it is still inside the TTL. This is a
	// deliberate repeat of an already-sent value, so only the label
	// watermark applies.
	if b.lastKnownTTL > 0 {
		for id, snap := range b.lastKnown {
			if included[id] {
				continue
			}
			if _, pending := latest[id]; pending {
				continue
			}
			if !label.After(b.lastLabel[id]) {
				continue
			}
			if label.Sub(snap.SampledAt) > b.lastKnownTTL {
				continue
			}
			out = append(out, snap)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// MarkSent advances the dedup watermarks after a confirmed upload.
func (b *Buckets) MarkSent(label time.Time, snaps []gateway.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range snaps {
		if label.After(b.lastLabel[s.DeviceID]) {
			b.lastLabel[s.DeviceID] = label
		}
		if s.SampledAt.After(b.lastSent[s.DeviceID]) {
			b.lastSent[s.DeviceID] = s.SampledAt
		}
	}
}

// Pending reports whether any window holds at least one snapshot.
func (b *Buckets) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.windows {
		if len(w) > 0 {
			return true
		}
	}
	return false
}
