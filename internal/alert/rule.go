// Package alert evaluates alert rules against device snapshots and
// emits edge-triggered notifications: one TRIGGERED per rising edge,
// one RESOLVED per falling edge.
package alert

import (
	"fmt"
	"log/slog"
	"time"

	"fieldgate/internal/rules"
)

// Severity orders notifications for downstream consumers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RuleType selects the evaluation strategy.
type RuleType string

const (
	TypeThreshold RuleType = "threshold"
	TypeAverage   RuleType = "average"
	TypeSum       RuleType = "sum"
	TypeMin       RuleType = "min"
	TypeMax       RuleType = "max"
	TypeSchedule  RuleType = "schedule_expected_state"
	TypeComposite RuleType = "composite"
)

// Schedule is the allowed-to-run window for schedule rules. Times are
// "HH:MM" in local time; an empty Weekdays list means every day.
type Schedule struct {
	Start    string         `yaml:"start"`
	End      string         `yaml:"end"`
	Weekdays []time.Weekday `yaml:"weekdays,omitempty"`
}

// InWindow reports whether t falls inside the allowed window. Windows
// that cross midnight (start > end) wrap to the next day.
func (s Schedule) InWindow(t time.Time) (bool, error) {
	start, err := parseClock(s.Start)
	if err != nil {
		return false, fmt.Errorf("schedule start: %w", err)
	}
	end, err := parseClock(s.End)
	if err != nil {
		return false, fmt.Errorf("schedule end: %w", err)
	}
	if len(s.Weekdays) > 0 {
		found := false
		for _, d := range s.Weekdays {
			if t.Weekday() == d {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	minute := t.Hour()*60 + t.Minute()
	if start <= end {
		return minute >= start && minute < end, nil
	}
	return minute >= start || minute < end, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parsing %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// Rule is one alert definition bound to a device model.
type Rule struct {
	Code     string   `yaml:"code"`
	Name     string   `yaml:"name"`
	Severity Severity `yaml:"severity"`
	Type     RuleType `yaml:"type"`

	Sources   []string       `yaml:"sources,omitempty"`
	Operator  rules.Operator `yaml:"operator,omitempty"`
	Threshold float64        `yaml:"threshold,omitempty"`
	Min       float64        `yaml:"min,omitempty"`
	Max       float64        `yaml:"max,omitempty"`

	// Schedule rules: triggered when the observed state differs from
	// ExpectedState outside the allowed window.
	ExpectedState float64   `yaml:"expected_state,omitempty"`
	StatePin      string    `yaml:"state_pin,omitempty"`
	Schedule      *Schedule `yaml:"schedule,omitempty"`

	Composite *rules.Node `yaml:"composite,omitempty"`
}

func (r Rule) validate() error {
	if r.Code == "" {
		return fmt.Errorf("rule without code")
	}
	switch r.Type {
	case TypeThreshold:
		if len(r.Sources) == 0 {
			return fmt.Errorf("threshold rule %s has no sources", r.Code)
		}
	case TypeAverage, TypeSum, TypeMin, TypeMax:
		if len(r.Sources) < 2 {
			return fmt.Errorf("%s rule %s needs at least two sources", r.Type, r.Code)
		}
	case TypeSchedule:
		if r.StatePin == "" || r.Schedule == nil {
			return fmt.Errorf("schedule rule %s needs state_pin and schedule", r.Code)
		}
		if _, err := r.Schedule.InWindow(time.Now()); err != nil {
			return fmt.Errorf("schedule rule %s: %w", r.Code, err)
		}
	case TypeComposite:
		if r.Composite == nil {
			return fmt.Errorf("composite rule %s has no condition tree", r.Code)
		}
		if err := r.Composite.Validate(); err != nil {
			return fmt.Errorf("composite rule %s: %w", r.Code, err)
		}
	default:
		return fmt.Errorf("rule %s has unknown type %q", r.Code, r.Type)
	}
	return nil
}

// ValidRules filters out invalid definitions and rejects duplicate
// codes, logging each rejection. The subsystem keeps running on the
// survivors.
func ValidRules(rs []Rule) []Rule {
	out := make([]Rule, 0, len(rs))
	seen := make(map[string]bool, len(rs))
	for _, r := range rs {
		if err := r.validate(); err != nil {
			slog.Warn("ignoring invalid alert rule", "error", err)
			continue
		}
		if seen[r.Code] {
			slog.Warn("ignoring duplicate alert rule code", "code", r.Code)
			continue
		}
		seen[r.Code] = true
		out = append(out, r)
	}
	return out
}
