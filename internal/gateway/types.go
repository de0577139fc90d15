// Package gateway holds the core value types shared by every
// subsystem: device snapshots, the MISSING sentinel, and the clock
// abstraction used to keep time injectable in tests.
package gateway

import (
	"fmt"
	"time"
)

// Missing is the sentinel for a failed read. It appears in snapshots
// and is serialized as the integer -1 on the wire.
const Missing = float64(-1)

// IsMissing reports whether v is the read-failure sentinel.
func IsMissing(v float64) bool { return v == Missing }

// Snapshot is a whole-device read result produced once per monitor
// tick. Values maps pin name to a decoded reading or Missing.
type Snapshot struct {
	DeviceID   string
	Model      string
	SlaveID    int
	DeviceType string
	SampledAt  time.Time
	Values     map[string]float64
	IsOnline   bool

	// Set only on synthetic devices derived by the virtual manager.
	IsVirtual       bool
	SourceDeviceIDs []string
}

// DeviceID builds the canonical device identifier "<model>_<slaveID>".
func DeviceID(model string, slaveID int) string {
	return fmt.Sprintf("%s_%d", model, slaveID)
}

// Clone returns a deep copy. Snapshots cross goroutine boundaries via
// pubsub; subscribers must not observe later mutation.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Values = make(map[string]float64, len(s.Values))
	for k, v := range s.Values {
		out.Values[k] = v
	}
	if s.SourceDeviceIDs != nil {
		out.SourceDeviceIDs = append([]string(nil), s.SourceDeviceIDs...)
	}
	return out
}
