package device

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"fieldgate/internal/bus"
	"fieldgate/internal/gateway"
)

// maxBulkWords caps a single bulk read. Many RTU slaves reject reads
// past 120 words well before the protocol limit of 125.
const maxBulkWords = 120

// Device wraps a bus with a register map.
type Device struct {
	Model       string
	SlaveID     int
	DeviceType  string
	PortID      string
	DefaultType bus.RegisterType
	Map         *RegisterMap
	Bus         *bus.Bus

	// Critical devices get flat health backoff (see health package).
	Critical bool

	ReadTimeout time.Duration
}

// ID returns "<model>_<slaveID>".
func (d *Device) ID() string { return gateway.DeviceID(d.Model, d.SlaveID) }

func (d *Device) resolvedType(spec RegisterSpec) bus.RegisterType {
	if spec.RegisterType != "" {
		return spec.RegisterType
	}
	if d.DefaultType != "" {
		return d.DefaultType
	}
	return bus.Holding
}

// HasRegister reports whether the pin exists in the map.
func (d *Device) HasRegister(name string) bool {
	_, ok := d.Map.Pins[name]
	return ok
}

// IsWritable reports whether the pin exists and is writable.
func (d *Device) IsWritable(name string) bool {
	spec, ok := d.Map.Pins[name]
	return ok && spec.Writable
}

// SupportsOnOff reports whether the map declares an on/off pin.
func (d *Device) SupportsOnOff() bool { return d.Map.OnOffPin != "" }

// OnOffPin returns the configured on/off pin name.
func (d *Device) OnOffPin() string { return d.Map.OnOffPin }

// bulkGroup is one contiguous read covering several pins.
type bulkGroup struct {
	regType bus.RegisterType
	start   uint16
	count   uint16
	pins    []string
}

// bulkEligible excludes pins that cannot share a bulk read: coils,
// discrete inputs, composed triples, and dynamic-scale pins.
func (d *Device) bulkEligible(spec RegisterSpec) bool {
	if !spec.Readable || len(spec.ComposedOf) > 0 || spec.Dynamic != nil {
		return false
	}
	return !d.resolvedType(spec).IsBit()
}

// planBulkGroups partitions the eligible readable pins into contiguous
// same-type ranges of at most maxBulkWords registers.
func (d *Device) planBulkGroups() []bulkGroup {
	type pinAt struct {
		name string
		spec RegisterSpec
	}
	byType := make(map[bus.RegisterType][]pinAt)
	for name, spec := range d.Map.Pins {
		if d.bulkEligible(spec) {
			rt := d.resolvedType(spec)
			byType[rt] = append(byType[rt], pinAt{name, spec})
		}
	}

	var types []bus.RegisterType
	for rt := range byType {
		types = append(types, rt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var groups []bulkGroup
	for _, rt := range types {
		pins := byType[rt]
		sort.Slice(pins, func(i, j int) bool {
			if pins[i].spec.Offset != pins[j].spec.Offset {
				return pins[i].spec.Offset < pins[j].spec.Offset
			}
			return pins[i].name < pins[j].name
		})

		var cur *bulkGroup
		var end uint32
		for _, p := range pins {
			wc := uint32(p.spec.Format.WordCount())
			off := uint32(p.spec.Offset)
			newEnd := off + wc
			if newEnd < end {
				newEnd = end
			}
			// Extend while contiguous (or overlapping, for bit pins that
			// share a word) and within the bulk cap.
			if cur != nil && off <= end && newEnd-uint32(cur.start) <= maxBulkWords {
				cur.pins = append(cur.pins, p.name)
				end = newEnd
				cur.count = uint16(end - uint32(cur.start))
				continue
			}
			groups = append(groups, bulkGroup{regType: rt, start: p.spec.Offset, count: uint16(wc), pins: []string{p.name}})
			cur = &groups[len(groups)-1]
			end = off + wc
		}
	}
	return groups
}

// ReadAll produces one value per readable pin, Missing on any
// failure, then resolves composed pins and computed fields.
func (d *Device) ReadAll(ctx context.Context) (map[string]float64, error) {
	values := make(map[string]float64)

	for _, g := range d.planBulkGroups() {
		words, err := d.Bus.ReadRegs(ctx, g.start, g.count, g.regType)
		if err != nil {
			return nil, err
		}
		for _, name := range g.pins {
			spec := d.Map.Pins[name]
			if words == nil {
				values[name] = gateway.Missing
				continue
			}
			idx := int(spec.Offset - g.start)
			wc := spec.Format.WordCount()
			if idx+wc > len(words) {
				values[name] = gateway.Missing
				continue
			}
			values[name] = decodeRaw(spec.Format, words[idx:idx+wc])
		}
	}

	// Per-pin fallbacks: bits, dynamic-scale, composed.
	for name, spec := range d.Map.Pins {
		if !spec.Readable {
			continue
		}
		if _, done := values[name]; done {
			continue
		}
		rt := d.resolvedType(spec)
		switch {
		case rt.IsBit():
			bits, err := d.Bus.ReadBits(ctx, spec.Offset, 1, rt)
			if err != nil {
				return nil, err
			}
			if bits == nil {
				values[name] = gateway.Missing
			} else if bits[0] {
				values[name] = 1
			} else {
				values[name] = 0
			}
		case len(spec.ComposedOf) == 3:
			v, err := d.readComposed(ctx, spec, rt)
			if err != nil {
				return nil, err
			}
			values[name] = v
		default:
			words, err := d.Bus.ReadRegs(ctx, spec.Offset, uint16(spec.Format.WordCount()), rt)
			if err != nil {
				return nil, err
			}
			if words == nil {
				values[name] = gateway.Missing
			} else {
				values[name] = decodeRaw(spec.Format, words)
			}
		}
	}

	// Transforms run once all raw values exist so dynamic-scale lookups
	// can see their selector pin.
	raw := make(map[string]float64, len(values))
	for k, v := range values {
		raw[k] = v
	}
	for name, spec := range d.Map.Pins {
		v, ok := values[name]
		if !ok || gateway.IsMissing(v) {
			continue
		}
		values[name] = spec.applyTransforms(v, raw)
	}

	for _, cf := range d.Map.Computed {
		if v, ok := cf.Compute(values); ok {
			values[cf.Name] = v
		} else {
			values[cf.Name] = gateway.Missing
		}
	}

	return values, nil
}

// readComposed reads the three source words HI, MD, LO and combines
// them as (hi<<32)|(mid<<16)|lo.
func (d *Device) readComposed(ctx context.Context, spec RegisterSpec, rt bus.RegisterType) (float64, error) {
	var parts [3]uint64
	for i, src := range spec.ComposedOf {
		srcSpec, ok := d.Map.Pins[src]
		if !ok {
			return gateway.Missing, nil
		}
		words, err := d.Bus.ReadRegs(ctx, srcSpec.Offset, 1, rt)
		if err != nil {
			return 0, err
		}
		if words == nil {
			return gateway.Missing, nil
		}
		parts[i] = uint64(words[0])
	}
	return float64(parts[0]<<32 | parts[1]<<16 | parts[2]), nil
}

// OfflineValues is the snapshot body when the port cannot be opened:
// every readable pin (and computed field) reads Missing.
func (d *Device) OfflineValues() map[string]float64 {
	values := make(map[string]float64)
	for name, spec := range d.Map.Pins {
		if spec.Readable {
			values[name] = gateway.Missing
		}
	}
	for _, cf := range d.Map.Computed {
		values[cf.Name] = gateway.Missing
	}
	return values
}

// ReadPin reads a single pin with transforms applied. Dynamic-scale
// pins also read their selector pin.
func (d *Device) ReadPin(ctx context.Context, name string) (float64, error) {
	spec, ok := d.Map.Pins[name]
	if !ok {
		return 0, fmt.Errorf("device %s: unknown pin %q", d.ID(), name)
	}
	rt := d.resolvedType(spec)

	resolved := map[string]float64{}
	if spec.Dynamic != nil {
		sel, err := d.ReadPinRaw(ctx, spec.Dynamic.Pin)
		if err != nil {
			return 0, err
		}
		resolved[spec.Dynamic.Pin] = sel
	}

	var raw float64
	switch {
	case rt.IsBit():
		bits, err := d.Bus.ReadBits(ctx, spec.Offset, 1, rt)
		if err != nil {
			return 0, err
		}
		if bits == nil {
			return gateway.Missing, nil
		}
		if bits[0] {
			raw = 1
		}
	case len(spec.ComposedOf) == 3:
		v, err := d.readComposed(ctx, spec, rt)
		if err != nil || gateway.IsMissing(v) {
			return gateway.Missing, err
		}
		raw = v
	default:
		words, err := d.Bus.ReadRegs(ctx, spec.Offset, uint16(spec.Format.WordCount()), rt)
		if err != nil {
			return 0, err
		}
		if words == nil {
			return gateway.Missing, nil
		}
		raw = decodeRaw(spec.Format, words)
	}
	return spec.applyTransforms(raw, resolved), nil
}

// ReadPinRaw reads a pin without transforms (used for dynamic-scale
// selectors and read-modify-write).
func (d *Device) ReadPinRaw(ctx context.Context, name string) (float64, error) {
	spec, ok := d.Map.Pins[name]
	if !ok {
		return 0, fmt.Errorf("device %s: unknown pin %q", d.ID(), name)
	}
	rt := d.resolvedType(spec)
	if rt.IsBit() {
		bits, err := d.Bus.ReadBits(ctx, spec.Offset, 1, rt)
		if err != nil {
			return 0, err
		}
		if bits == nil {
			return gateway.Missing, nil
		}
		if bits[0] {
			return 1, nil
		}
		return 0, nil
	}
	words, err := d.Bus.ReadRegs(ctx, spec.Offset, uint16(spec.Format.WordCount()), rt)
	if err != nil {
		return 0, err
	}
	if words == nil {
		return gateway.Missing, nil
	}
	return decodeRaw(spec.Format, words), nil
}

// WritePin writes an engineering-unit value to a writable pin,
// inverting the scale and formula transforms. Bit pins use
// read-modify-write on the containing word; the port lock inside each
// bus call keeps the cycle collision-free on the wire.
func (d *Device) WritePin(ctx context.Context, name string, value float64) error {
	spec, ok := d.Map.Pins[name]
	if !ok {
		return fmt.Errorf("device %s: unknown pin %q", d.ID(), name)
	}
	if !spec.Writable {
		return fmt.Errorf("device %s: pin %q not writable", d.ID(), name)
	}
	rt := d.resolvedType(spec)

	if rt == bus.Coil {
		return d.Bus.WriteCoil(ctx, spec.Offset, value != 0)
	}

	if spec.Bit != nil {
		words, err := d.Bus.ReadRegs(ctx, spec.Offset, 1, rt)
		if err != nil {
			return err
		}
		if words == nil {
			return fmt.Errorf("device %s: read-modify-write read failed on %q", d.ID(), name)
		}
		word := words[0]
		mask := uint16(1) << uint(*spec.Bit)
		if value != 0 {
			word |= mask
		} else {
			word &^= mask
		}
		return d.Bus.WriteU16(ctx, spec.Offset, word)
	}

	raw := value
	if spec.Scale != 0 && spec.Scale != 1 {
		raw /= spec.Scale
	}
	if spec.Formula != nil && spec.Formula.A != 0 {
		raw = (raw - spec.Formula.B) / spec.Formula.A
	}
	if raw < 0 || raw > 65535 {
		return fmt.Errorf("device %s: value %v for %q encodes out of range", d.ID(), value, name)
	}
	return d.Bus.WriteU16(ctx, spec.Offset, uint16(raw+0.5))
}

// FirstReadablePin returns the lowest-offset plain readable pin, used
// as the default probe target for quick health checks.
func (d *Device) FirstReadablePin() string {
	best := ""
	var bestOffset uint16
	for name, spec := range d.Map.Pins {
		if !spec.Readable || len(spec.ComposedOf) > 0 {
			continue
		}
		if best == "" || spec.Offset < bestOffset || (spec.Offset == bestOffset && name < best) {
			best = name
			bestOffset = spec.Offset
		}
	}
	return best
}

// LogGroups debug-logs the bulk plan; useful at startup.
func (d *Device) LogGroups() {
	for _, g := range d.planBulkGroups() {
		slog.Debug("bulk group", "device", d.ID(), "type", string(g.regType), "start", g.start, "count", g.count, "pins", len(g.pins))
	}
}
