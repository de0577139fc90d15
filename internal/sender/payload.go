// Package sender implements store-and-forward upload of device
// snapshots: per-window buckets, aligned scheduling, an on-disk
// outbox persisted before every POST, and a resend worker.
package sender

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"fieldgate/internal/gateway"
)

const (
	payloadFunc    = "PushIMAData"
	payloadVersion = "6.0"
	gatewayIDLen   = 11
	placeholderID  = "99999999999"

	// wireTimeLayout is the cloud's YYYYMMDDHHMMSS stamp.
	wireTimeLayout = "20060102150405"
)

// Item is one device's data block inside a payload.
type Item struct {
	DeviceID string         `json:"DeviceID"`
	Data     map[string]any `json:"Data"`
}

// Envelope is the POST body for one label time.
type Envelope struct {
	Func      string `json:"FUNC"`
	Version   string `json:"version"`
	GatewayID string `json:"GatewayID"`
	Timestamp string `json:"Timestamp"`
	Data      []Item `json:"Data"`
}

// ResolveGatewayID prefers an 11-character hostname over the
// configured id; the all-nines hostname is a factory placeholder.
func ResolveGatewayID(configured string) string {
	if host, err := os.Hostname(); err == nil {
		if len(host) == gatewayIDLen && host != placeholderID {
			return host
		}
	}
	if len(configured) > gatewayIDLen {
		return configured[:gatewayIDLen]
	}
	return configured
}

// HeartbeatInfo carries the gateway's own vitals, appended to every
// payload as a synthetic item.
type HeartbeatInfo struct {
	Series      string
	SSHPort     int
	CPUTemp     float64
	RebootCount int
	ReportTime  time.Time
}

func heartbeatItem(gatewayID string, hb HeartbeatInfo) Item {
	return Item{
		DeviceID: fmt.Sprintf("%s_%s00GW", gatewayID, hb.Series),
		Data: map[string]any{
			"HB":            1,
			"report_ts":     hb.ReportTime.Format(time.RFC3339),
			"SSHPort":       hb.SSHPort,
			"WebBulbOffset": hb.CPUTemp,
			"Status":        hb.RebootCount,
		},
	}
}

// snapshotItem converts one snapshot to its wire item. Missing values
// serialize as the integer -1.
func snapshotItem(gatewayID, series string, snap gateway.Snapshot) Item {
	data := make(map[string]any, len(snap.Values)+1)
	for pin, v := range snap.Values {
		if gateway.IsMissing(v) || math.IsNaN(v) {
			data[pin] = -1
			continue
		}
		data[pin] = v
	}
	data["sampling_ts"] = snap.SampledAt.Format(time.RFC3339)
	return Item{
		DeviceID: fmt.Sprintf("%s%s%s", gatewayID, series, snap.DeviceID),
		Data:     data,
	}
}

func envelopeBody(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return body, nil
}

// BuildEnvelope assembles the POST body for a label time, heartbeat
// item last.
func BuildEnvelope(gatewayID, series string, labelTime time.Time, snaps []gateway.Snapshot, hb HeartbeatInfo) Envelope {
	items := make([]Item, 0, len(snaps)+1)
	for _, s := range snaps {
		items = append(items, snapshotItem(gatewayID, series, s))
	}
	items = append(items, heartbeatItem(gatewayID, hb))
	return Envelope{
		Func:      payloadFunc,
		Version:   payloadVersion,
		GatewayID: gatewayID,
		Timestamp: labelTime.Format(wireTimeLayout),
		Data:      items,
	}
}
