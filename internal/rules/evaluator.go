package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fieldgate/internal/gateway"
	"fieldgate/internal/support/check"
)

// ExecutionStore persists last-execution times for time_elapsed
// leaves across restarts.
type ExecutionStore interface {
	LastExecution(ctx context.Context, ruleCode, deviceModel string, slaveID int) (time.Time, bool, error)
	RecordExecution(ctx context.Context, ruleCode, deviceModel string, slaveID int, at time.Time) error
}

// Target identifies the rule instance being evaluated. Leaf state and
// execution records are keyed by it, so structurally identical trees
// on different devices never share latches.
type Target struct {
	RuleCode    string
	DeviceModel string
	SlaveID     int
}

type leafState struct {
	latched      bool
	pendingSince time.Time
	pending      bool
}

// Evaluator walks composite trees and carries the per-leaf
// stabilization state between evaluations.
type Evaluator struct {
	mu    sync.Mutex
	clock gateway.Clock
	store ExecutionStore
	state map[string]*leafState
}

// NewEvaluator creates an evaluator. store may be nil if no rule uses
// time_elapsed leaves.
func NewEvaluator(clock gateway.Clock, store ExecutionStore) *Evaluator {
	check.Assert(clock != nil, "rules.NewEvaluator: clock must not be nil")
	return &Evaluator{clock: clock, store: store, state: make(map[string]*leafState)}
}

// Evaluate returns the tree's boolean outcome for the given snapshot
// values. Missing data never raises; the affected leaf reads false.
func (e *Evaluator) Evaluate(ctx context.Context, target Target, node *Node, values map[string]float64) bool {
	return e.eval(ctx, target, node, "0", values)
}

func (e *Evaluator) eval(ctx context.Context, target Target, node *Node, path string, values map[string]float64) bool {
	if node == nil {
		return false
	}
	switch node.Kind {
	case KindAll:
		for i, c := range node.Children {
			if !e.eval(ctx, target, c, childPath(path, i), values) {
				return false
			}
		}
		return true
	case KindAny:
		for i, c := range node.Children {
			if e.eval(ctx, target, c, childPath(path, i), values) {
				return true
			}
		}
		return false
	case KindNot:
		return !e.eval(ctx, target, node.Children[0], childPath(path, 0), values)
	case KindTimeElapsed:
		return e.evalTimeElapsed(ctx, target, node)
	default:
		return e.evalLeaf(target, node, path, values)
	}
}

func (e *Evaluator) evalLeaf(target Target, node *Node, path string, values map[string]float64) bool {
	key := stateKey(target, path)

	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[key]
	if !ok {
		st = &leafState{}
		e.state[key] = st
	}

	v, ok := node.ConditionValue(values)
	if !ok {
		// No data: drop any pending debounce but keep the hysteresis
		// latch untouched until a real reading contradicts it.
		st.pending = false
		return false
	}

	raw := node.compareWithHysteresis(v, st.latched)
	st.latched = raw

	if node.DebounceSec <= 0 {
		return raw
	}
	if !raw {
		st.pending = false
		return false
	}
	now := e.clock.Now()
	if !st.pending {
		st.pending = true
		st.pendingSince = now
	}
	return now.Sub(st.pendingSince) >= time.Duration(node.DebounceSec*float64(time.Second))
}

func (e *Evaluator) evalTimeElapsed(ctx context.Context, target Target, node *Node) bool {
	if e.store == nil {
		slog.Warn("time_elapsed leaf without execution store", "rule", target.RuleCode)
		return false
	}
	now := e.clock.Now()
	last, found, err := e.store.LastExecution(ctx, target.RuleCode, target.DeviceModel, target.SlaveID)
	if err != nil {
		slog.Warn("reading rule execution record", "rule", target.RuleCode, "error", err)
		return false
	}
	interval := time.Duration(node.IntervalHours * float64(time.Hour))
	if found && now.Sub(last) < interval {
		return false
	}
	if err := e.store.RecordExecution(ctx, target.RuleCode, target.DeviceModel, target.SlaveID, now); err != nil {
		slog.Warn("recording rule execution", "rule", target.RuleCode, "error", err)
		return false
	}
	return true
}

// Reset discards all stabilization state for a rule, typically after
// its configuration changed.
func (e *Evaluator) Reset(target Target) {
	prefix := stateKey(target, "")
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.state {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(e.state, key)
		}
	}
}

func stateKey(target Target, path string) string {
	return fmt.Sprintf("%s|%s|%d|%s", target.RuleCode, target.DeviceModel, target.SlaveID, path)
}

func childPath(parent string, i int) string {
	return fmt.Sprintf("%s.%d", parent, i)
}
