// Package rules implements the composite condition engine shared by
// the alert and control evaluators: trees of all/any/not groups over
// threshold, difference, aggregate, and time-elapsed leaves, with
// per-leaf hysteresis and debounce stabilization.
package rules

import (
	"fmt"
	"math"

	"fieldgate/internal/gateway"
)

// Kind discriminates the node variants.
type Kind string

const (
	KindAll Kind = "all"
	KindAny Kind = "any"
	KindNot Kind = "not"

	KindThreshold   Kind = "threshold"
	KindDifference  Kind = "difference"
	KindAverage     Kind = "average"
	KindSum         Kind = "sum"
	KindMin         Kind = "min"
	KindMax         Kind = "max"
	KindTimeElapsed Kind = "time_elapsed"
)

func (k Kind) isGroup() bool {
	return k == KindAll || k == KindAny || k == KindNot
}

// Operator compares a condition value against a threshold or range.
type Operator string

const (
	OpGT      Operator = "gt"
	OpGTE     Operator = "gte"
	OpLT      Operator = "lt"
	OpLTE     Operator = "lte"
	OpEQ      Operator = "eq"
	OpNEQ     Operator = "neq"
	OpBetween Operator = "between"
)

const (
	maxDepth         = 10
	maxGroupChildren = 20
)

// Node is one vertex of a composite condition tree. Group kinds use
// Children; leaf kinds use the remaining fields.
type Node struct {
	Kind     Kind    `yaml:"kind"`
	Children []*Node `yaml:"children,omitempty"`

	Sources   []string `yaml:"sources,omitempty"`
	Operator  Operator `yaml:"operator,omitempty"`
	Threshold float64  `yaml:"threshold,omitempty"`
	Min       float64  `yaml:"min,omitempty"`
	Max       float64  `yaml:"max,omitempty"`
	Abs       bool     `yaml:"abs,omitempty"`

	Hysteresis  float64 `yaml:"hysteresis,omitempty"`
	DebounceSec float64 `yaml:"debounce_sec,omitempty"`

	IntervalHours float64 `yaml:"interval_hours,omitempty"`
}

// Validate checks structural invariants: depth, fan-out, acyclicity,
// and per-kind field requirements.
func (n *Node) Validate() error {
	seen := make(map[*Node]bool)
	return n.validate(1, seen)
}

func (n *Node) validate(depth int, seen map[*Node]bool) error {
	if n == nil {
		return fmt.Errorf("nil condition node")
	}
	if seen[n] {
		return fmt.Errorf("condition tree contains a cycle")
	}
	seen[n] = true
	if depth > maxDepth {
		return fmt.Errorf("condition tree exceeds max depth %d", maxDepth)
	}

	if n.Kind.isGroup() {
		if len(n.Children) == 0 {
			return fmt.Errorf("%s group has no children", n.Kind)
		}
		if len(n.Children) > maxGroupChildren {
			return fmt.Errorf("%s group has %d children, max %d", n.Kind, len(n.Children), maxGroupChildren)
		}
		if n.Kind == KindNot && len(n.Children) != 1 {
			return fmt.Errorf("not group must have exactly one child, got %d", len(n.Children))
		}
		for _, c := range n.Children {
			if err := c.validate(depth+1, seen); err != nil {
				return err
			}
		}
		return nil
	}

	switch n.Kind {
	case KindThreshold:
		if len(n.Sources) != 1 {
			return fmt.Errorf("threshold leaf needs exactly one source, got %d", len(n.Sources))
		}
	case KindDifference:
		if len(n.Sources) != 2 {
			return fmt.Errorf("difference leaf needs exactly two sources, got %d", len(n.Sources))
		}
	case KindAverage, KindSum, KindMin, KindMax:
		if len(uniqueStrings(n.Sources)) < 2 {
			return fmt.Errorf("%s leaf needs at least two unique sources", n.Kind)
		}
	case KindTimeElapsed:
		if n.IntervalHours <= 0 {
			return fmt.Errorf("time_elapsed leaf needs interval_hours > 0")
		}
		return nil
	default:
		return fmt.Errorf("unknown condition kind %q", n.Kind)
	}

	switch n.Operator {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ:
	case OpBetween:
		if n.Min > n.Max {
			return fmt.Errorf("between leaf has min %v > max %v", n.Min, n.Max)
		}
	default:
		return fmt.Errorf("unknown operator %q", n.Operator)
	}
	return nil
}

// ConditionValue computes the numeric value a leaf compares. The
// second return is false when required sources are missing.
func (n *Node) ConditionValue(values map[string]float64) (float64, bool) {
	switch n.Kind {
	case KindThreshold:
		v, ok := lookup(values, n.Sources[0])
		return v, ok
	case KindDifference:
		a, okA := lookup(values, n.Sources[0])
		b, okB := lookup(values, n.Sources[1])
		if !okA || !okB {
			return 0, false
		}
		d := a - b
		if n.Abs {
			d = math.Abs(d)
		}
		return d, true
	case KindAverage, KindSum, KindMin, KindMax:
		var vals []float64
		for _, src := range uniqueStrings(n.Sources) {
			if v, ok := lookup(values, src); ok {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			return 0, false
		}
		return reduce(n.Kind, vals), true
	default:
		return 0, false
	}
}

func reduce(kind Kind, vals []float64) float64 {
	switch kind {
	case KindAverage:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	case KindSum:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum
	case KindMin:
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m
	default: // KindMax
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m
	}
}

func (n *Node) compare(v float64) bool {
	switch n.Operator {
	case OpGT:
		return v > n.Threshold
	case OpGTE:
		return v >= n.Threshold
	case OpLT:
		return v < n.Threshold
	case OpLTE:
		return v <= n.Threshold
	case OpEQ:
		return v == n.Threshold
	case OpNEQ:
		return v != n.Threshold
	case OpBetween:
		return v >= n.Min && v <= n.Max
	default:
		return false
	}
}

// compareWithHysteresis widens the passing region by h once the leaf
// is latched true, so the value must recross by the margin to unlatch.
func (n *Node) compareWithHysteresis(v float64, latched bool) bool {
	h := n.Hysteresis
	if h <= 0 || !latched {
		return n.compare(v)
	}
	switch n.Operator {
	case OpGT:
		return v > n.Threshold-h
	case OpGTE:
		return v >= n.Threshold-h
	case OpLT:
		return v < n.Threshold+h
	case OpLTE:
		return v <= n.Threshold+h
	case OpBetween:
		return v >= n.Min-h && v <= n.Max+h
	default:
		return n.compare(v)
	}
}

func lookup(values map[string]float64, src string) (float64, bool) {
	v, ok := values[src]
	if !ok || gateway.IsMissing(v) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func uniqueStrings(xs []string) []string {
	seen := make(map[string]bool, len(xs))
	out := xs[:0:0]
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}
