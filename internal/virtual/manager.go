// Package virtual derives aggregate synthetic devices from physical
// snapshots: per-field sum/avg/min/max plus a computed power factor.
package virtual

import (
	"log/slog"
	"math"
	"sort"

	"fieldgate/internal/gateway"
)

// Aggregation names a per-field reduction.
type Aggregation string

const (
	AggSum Aggregation = "sum"
	AggAvg Aggregation = "avg"
	AggMin Aggregation = "min"
	AggMax Aggregation = "max"
	// AggCalculatedPF derives Kw/Kva from the virtual device's own
	// aggregated fields; it does not reduce sources directly.
	AggCalculatedPF Aggregation = "calculated_pf"
)

// ErrorMode controls missing-source handling.
type ErrorMode string

const (
	// FailFast: any missing source makes the field Missing.
	FailFast ErrorMode = "fail_fast"
	// Partial: aggregate whatever sources are available.
	Partial ErrorMode = "partial"
)

// FieldSpec maps one output field to an aggregation over a source pin.
type FieldSpec struct {
	Name   string      `yaml:"name"`
	Source string      `yaml:"source"` // defaults to Name
	Agg    Aggregation `yaml:"aggregation"`
}

// AutoSlaveID requests max(existing slave ids) + 1.
const AutoSlaveID = -1

// Spec declares one synthetic device.
type Spec struct {
	Enabled       bool        `yaml:"enabled"`
	SourceModel   string      `yaml:"source_model"`
	SourceSlaveID []int       `yaml:"source_slave_ids"` // empty = all
	TargetSlaveID int         `yaml:"target_slave_id"`  // AutoSlaveID = auto
	DeviceType    string      `yaml:"device_type"`
	Fields        []FieldSpec `yaml:"fields"`
	ErrorMode     ErrorMode   `yaml:"error_mode"`
}

// Manager evaluates every enabled spec against a tick's snapshots.
type Manager struct {
	specs []Spec
}

func NewManager(specs []Spec) *Manager {
	return &Manager{specs: specs}
}

// Enrich returns the synthetic snapshots derived from snaps. The
// input is never modified.
func (m *Manager) Enrich(snaps []gateway.Snapshot) []gateway.Snapshot {
	var out []gateway.Snapshot
	for _, spec := range m.specs {
		if !spec.Enabled {
			continue
		}
		if v, ok := m.derive(spec, snaps); ok {
			out = append(out, v)
		}
	}
	return out
}

func (m *Manager) derive(spec Spec, snaps []gateway.Snapshot) (gateway.Snapshot, bool) {
	var sources []gateway.Snapshot
	maxSlave := 0
	for _, s := range snaps {
		if s.IsVirtual || s.Model != spec.SourceModel {
			continue
		}
		if s.SlaveID > maxSlave {
			maxSlave = s.SlaveID
		}
		if len(spec.SourceSlaveID) > 0 && !containsInt(spec.SourceSlaveID, s.SlaveID) {
			continue
		}
		sources = append(sources, s)
	}
	if len(sources) == 0 {
		return gateway.Snapshot{}, false
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].SlaveID < sources[j].SlaveID })

	slaveID := spec.TargetSlaveID
	if slaveID == AutoSlaveID || slaveID == 0 {
		slaveID = maxSlave + 1
	}

	values := make(map[string]float64, len(spec.Fields))
	var sampledAt = sources[0].SampledAt
	var sourceIDs []string
	online := false
	for _, s := range sources {
		if s.SampledAt.After(sampledAt) {
			sampledAt = s.SampledAt
		}
		sourceIDs = append(sourceIDs, s.DeviceID)
		if s.IsOnline {
			online = true
		}
	}

	// calculated_pf fields run after all plain aggregations.
	var pfFields []FieldSpec
	for _, f := range spec.Fields {
		if f.Agg == AggCalculatedPF {
			pfFields = append(pfFields, f)
			continue
		}
		values[f.Name] = aggregateField(f, sources, spec.ErrorMode)
	}
	for _, f := range pfFields {
		values[f.Name] = calculatedPF(values)
	}

	return gateway.Snapshot{
		DeviceID:        gateway.DeviceID(spec.SourceModel, slaveID),
		Model:           spec.SourceModel,
		SlaveID:         slaveID,
		DeviceType:      spec.DeviceType,
		SampledAt:       sampledAt,
		Values:          values,
		IsOnline:        online,
		IsVirtual:       true,
		SourceDeviceIDs: sourceIDs,
	}, true
}

func aggregateField(f FieldSpec, sources []gateway.Snapshot, mode ErrorMode) float64 {
	source := f.Source
	if source == "" {
		source = f.Name
	}

	var vals []float64
	for _, s := range sources {
		v, ok := s.Values[source]
		if !ok || gateway.IsMissing(v) || math.IsNaN(v) {
			if mode != Partial {
				return gateway.Missing
			}
			continue
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return gateway.Missing
	}

	switch f.Agg {
	case AggAvg:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	case AggMin:
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case AggMax:
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case AggSum:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum
	default:
		slog.Warn("unknown aggregation", "aggregation", string(f.Agg), "field", f.Name)
		return gateway.Missing
	}
}

// calculatedPF computes Kw/Kva from the already-aggregated values,
// clamped to [-1, 1]. Kva of zero reads as 0; a missing input reads
// as Missing.
func calculatedPF(values map[string]float64) float64 {
	kw, okW := values["Kw"]
	kva, okA := values["Kva"]
	if !okW || !okA || gateway.IsMissing(kw) || gateway.IsMissing(kva) {
		return gateway.Missing
	}
	if kva == 0 {
		return 0
	}
	pf := kw / kva
	if pf > 1 {
		pf = 1
	}
	if pf < -1 {
		pf = -1
	}
	return pf
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
