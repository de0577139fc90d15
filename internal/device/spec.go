// Package device translates pin-level requests into bus transactions:
// bulk-read grouping, register word decoding, scaling, and bit-level
// read-modify-write.
package device

import (
	"fmt"
	"math"
	"math/bits"

	"fieldgate/internal/bus"
)

// WordFormat describes how register words encode a value.
type WordFormat string

const (
	U16      WordFormat = "u16"
	I16      WordFormat = "i16"
	U32LE    WordFormat = "u32_le"
	U32BE    WordFormat = "u32_be"
	F32LE    WordFormat = "f32_le"
	F32BE    WordFormat = "f32_be"
	F32BESwp WordFormat = "f32_be_swap"
)

// WordCount is the number of 16-bit registers the format occupies.
func (f WordFormat) WordCount() int {
	switch f {
	case U32LE, U32BE, F32LE, F32BE, F32BESwp:
		return 2
	default:
		return 1
	}
}

// LinearFormula is y = A*x + B, applied after raw decoding.
type LinearFormula struct {
	A float64 `yaml:"a"`
	B float64 `yaml:"b"`
}

// DynamicScale multiplies the decoded value by a factor selected by
// another pin's current value.
type DynamicScale struct {
	Pin   string          `yaml:"pin"`
	Table map[int]float64 `yaml:"table"`
}

// RegisterSpec is the immutable per-pin configuration.
type RegisterSpec struct {
	Offset       uint16           `yaml:"offset"`
	RegisterType bus.RegisterType `yaml:"register_type"` // empty = device default
	Format       WordFormat       `yaml:"word_format"`
	Bit          *int             `yaml:"bit"`
	Readable     bool             `yaml:"readable"`
	Writable     bool             `yaml:"writable"`
	Scale        float64          `yaml:"scale"`
	Formula      *LinearFormula   `yaml:"formula"`
	Precision    int              `yaml:"precision"`
	Dynamic      *DynamicScale    `yaml:"dynamic_scale"`
	ComposedOf   []string         `yaml:"composed_of"` // HI, MD, LO pin names
}

// ComputedField derives a value from already-resolved pin values.
type ComputedField struct {
	Name    string
	Compute func(values map[string]float64) (float64, bool)
}

// RegisterMap maps pin names to specs for one device model.
type RegisterMap struct {
	Pins     map[string]RegisterSpec `yaml:"pins"`
	Computed []ComputedField         `yaml:"-"`

	// OnOffPin, when set, names the coil or register that switches the
	// device on and off; its presence is the on/off capability.
	OnOffPin string `yaml:"on_off_pin,omitempty"`
}

// Validate checks cross-pin references resolve within the map.
func (m *RegisterMap) Validate() error {
	for name, spec := range m.Pins {
		if len(spec.ComposedOf) != 0 && len(spec.ComposedOf) != 3 {
			return fmt.Errorf("pin %q: composed_of needs exactly 3 pins, got %d", name, len(spec.ComposedOf))
		}
		for _, src := range spec.ComposedOf {
			if _, ok := m.Pins[src]; !ok {
				return fmt.Errorf("pin %q: composed_of references unknown pin %q", name, src)
			}
		}
		if spec.Dynamic != nil {
			if _, ok := m.Pins[spec.Dynamic.Pin]; !ok {
				return fmt.Errorf("pin %q: dynamic scale references unknown pin %q", name, spec.Dynamic.Pin)
			}
		}
		if spec.Bit != nil && (*spec.Bit < 0 || *spec.Bit > 15) {
			return fmt.Errorf("pin %q: bit %d out of range", name, *spec.Bit)
		}
	}
	if m.OnOffPin != "" {
		if _, ok := m.Pins[m.OnOffPin]; !ok {
			return fmt.Errorf("on/off pin %q not in map", m.OnOffPin)
		}
	}
	return nil
}

// decodeRaw turns register words into the raw numeric value before
// any scaling.
func decodeRaw(format WordFormat, words []uint16) float64 {
	switch format {
	case I16:
		return float64(int16(words[0]))
	case U32LE:
		return float64(uint32(words[0]) | uint32(words[1])<<16)
	case U32BE:
		return float64(uint32(words[0])<<16 | uint32(words[1]))
	case F32LE:
		return float64(math.Float32frombits(uint32(words[0]) | uint32(words[1])<<16))
	case F32BE:
		return float64(math.Float32frombits(uint32(words[0])<<16 | uint32(words[1])))
	case F32BESwp:
		w0 := bits.ReverseBytes16(words[0])
		w1 := bits.ReverseBytes16(words[1])
		return float64(math.Float32frombits(uint32(w0)<<16 | uint32(w1)))
	default: // U16
		return float64(words[0])
	}
}

// applyTransforms runs the post-decode pipeline in the fixed order:
// bit extraction, linear formula, constant scale, dynamic scale,
// precision rounding. resolved supplies sibling pin values for the
// dynamic-scale lookup.
func (spec RegisterSpec) applyTransforms(raw float64, resolved map[string]float64) float64 {
	v := raw
	if spec.Bit != nil {
		v = float64((uint16(raw) >> uint(*spec.Bit)) & 1)
	}
	if spec.Formula != nil {
		v = spec.Formula.A*v + spec.Formula.B
	}
	if spec.Scale != 0 && spec.Scale != 1 {
		v *= spec.Scale
	}
	if spec.Dynamic != nil {
		if sel, ok := resolved[spec.Dynamic.Pin]; ok && sel >= 0 {
			if factor, ok := spec.Dynamic.Table[int(sel)]; ok {
				v *= factor
			}
		}
	}
	return roundTo(v, spec.Precision)
}

func roundTo(v float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}
