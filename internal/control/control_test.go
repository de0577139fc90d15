package control

import (
	"context"
	"testing"
	"time"

	"fieldgate/internal/fake"
	"fieldgate/internal/gateway"
	"fieldgate/internal/rules"
)

type fakeTarget struct {
	id       string
	values   map[string]float64
	writable map[string]bool
	onOffPin string
	readErr  error
	writes   []write
}

type write struct {
	pin   string
	value float64
}

func (t *fakeTarget) ID() string                 { return t.id }
func (t *fakeTarget) HasRegister(name string) bool {
	_, ok := t.values[name]
	return ok
}
func (t *fakeTarget) IsWritable(name string) bool { return t.writable[name] }
func (t *fakeTarget) SupportsOnOff() bool         { return t.onOffPin != "" }
func (t *fakeTarget) OnOffPin() string            { return t.onOffPin }

func (t *fakeTarget) ReadPin(_ context.Context, name string) (float64, error) {
	if t.readErr != nil {
		return 0, t.readErr
	}
	return t.values[name], nil
}

func (t *fakeTarget) WritePin(_ context.Context, name string, value float64) error {
	t.values[name] = value
	t.writes = append(t.writes, write{pin: name, value: value})
	return nil
}

func newVFD(slave int) *fakeTarget {
	return &fakeTarget{
		id:       gateway.DeviceID("TECO_VFD", slave),
		values:   map[string]float64{"RW_HZ": 50, "DO1": 0},
		writable: map[string]bool{"RW_HZ": true, "DO1": true},
	}
}

func overThreshold(src string) *rules.Node {
	return &rules.Node{Kind: rules.KindThreshold, Sources: []string{src}, Operator: rules.OpGT, Threshold: 0}
}

func newComposite() *rules.Evaluator {
	return rules.NewEvaluator(fake.NewClock(time.Unix(1000, 0)), nil)
}

func vfdSnap(values map[string]float64) gateway.Snapshot {
	return gateway.Snapshot{
		DeviceID: "TECO_VFD_1",
		Model:    "TECO_VFD",
		SlaveID:  1,
		Values:   values,
	}
}

func setpointRule(code string, priority int, hz float64) Rule {
	return Rule{
		Code: code, Name: code, Priority: priority,
		Composite: overThreshold("Temp"),
		Policy:    Policy{Kind: PolicyDiscreteSetpoint},
		Actions: []ActionSpec{{
			Type: ActionSetFrequency, Model: "TECO_VFD", SlaveID: 1,
			Target: "RW_HZ", Value: hz,
		}},
	}
}

func TestPriorityArbitrationSameTarget(t *testing.T) {
	// Two matched rules write TECO_VFD_1/RW_HZ. The rule with the
	// smaller priority number owns the register for the pass.
	ev := NewEvaluator(newComposite(), map[string][]Rule{
		"TECO_VFD": {setpointRule("A", 95, 60), setpointRule("B", 151, 30)},
	}, nil)
	ctx := context.Background()

	actions := ev.Evaluate(ctx, vfdSnap(map[string]float64{"Temp": 5}))
	if len(actions) != 2 {
		t.Fatalf("evaluator emitted %d actions, want 2", len(actions))
	}
	if actions[0].Priority != 95 || actions[1].Priority != 151 {
		t.Fatalf("actions not in priority order: %+v", actions)
	}

	dev := newVFD(1)
	ex := NewExecutor(map[string]Target{dev.id: dev}, nil, nil)
	if err := ex.Execute(ctx, actions); err != nil {
		t.Fatal(err)
	}
	if len(dev.writes) != 1 || dev.writes[0].value != 60 {
		t.Errorf("writes = %+v, want single 60 Hz write from priority 95", dev.writes)
	}
}

func TestOverwriteByHigherPriority(t *testing.T) {
	// A lower-priority action arriving first is superseded in place.
	dev := newVFD(1)
	ex := NewExecutor(map[string]Target{dev.id: dev}, nil, nil)
	ctx := context.Background()

	actions := []Action{
		{Model: "TECO_VFD", SlaveID: 1, Type: ActionSetFrequency, Target: "RW_HZ", Value: 30, Priority: 151},
		{Model: "TECO_VFD", SlaveID: 1, Type: ActionSetFrequency, Target: "RW_HZ", Value: 60, Priority: 95},
	}
	if err := ex.Execute(ctx, actions); err != nil {
		t.Fatal(err)
	}
	if len(dev.writes) != 2 {
		t.Fatalf("writes = %+v", dev.writes)
	}
	if dev.values["RW_HZ"] != 60 {
		t.Errorf("final value = %v, want the priority-95 write", dev.values["RW_HZ"])
	}
}

func TestBlockingRuleStopsEvaluation(t *testing.T) {
	blocking := setpointRule("EMERGENCY", 10, 0)
	blocking.Blocking = true
	ev := NewEvaluator(newComposite(), map[string][]Rule{
		"TECO_VFD": {setpointRule("NORMAL", 100, 45), blocking},
	}, nil)

	actions := ev.Evaluate(context.Background(), vfdSnap(map[string]float64{"Temp": 5}))
	if len(actions) != 1 || actions[0].Priority != 10 {
		t.Fatalf("actions = %+v, want only the blocking rule's", actions)
	}
}

func TestAbsoluteLinearPolicy(t *testing.T) {
	r := Rule{
		Code: "RAMP", Priority: 50,
		Composite: &rules.Node{
			Kind: rules.KindThreshold, Sources: []string{"Temp"},
			Operator: rules.OpGT, Threshold: 25,
		},
		Policy: Policy{Kind: PolicyAbsoluteLinear, BaseTemp: 25, BaseFreq: 40, Gain: 2},
		Actions: []ActionSpec{{
			Type: ActionSetFrequency, Model: "TECO_VFD", SlaveID: 1, Target: "RW_HZ",
		}},
	}
	ev := NewEvaluator(newComposite(), map[string][]Rule{"TECO_VFD": {r}}, nil)

	actions := ev.Evaluate(context.Background(), vfdSnap(map[string]float64{"Temp": 30}))
	if len(actions) != 1 {
		t.Fatalf("actions = %+v", actions)
	}
	// 40 + (30-25)*2
	if actions[0].Value != 50 {
		t.Errorf("value = %v, want 50", actions[0].Value)
	}
}

func TestIncrementalLinearPolicy(t *testing.T) {
	r := Rule{
		Code: "TRIM", Priority: 50,
		Composite: &rules.Node{
			Kind: rules.KindDifference, Sources: []string{"Actual", "Setpoint"},
			Operator: rules.OpNEQ, Threshold: 0,
		},
		Policy: Policy{Kind: PolicyIncrementalLinear, Gain: 0.5},
		Actions: []ActionSpec{{
			Type: ActionSetFrequency, Model: "TECO_VFD", SlaveID: 1, Target: "RW_HZ",
		}},
	}
	ev := NewEvaluator(newComposite(), map[string][]Rule{"TECO_VFD": {r}}, nil)
	ctx := context.Background()

	// Actual below setpoint: negative condition value, negative delta.
	actions := ev.Evaluate(ctx, vfdSnap(map[string]float64{"Actual": 18, "Setpoint": 20}))
	if len(actions) != 1 || actions[0].Type != ActionAdjustFrequency || actions[0].Value != -0.5 {
		t.Fatalf("actions = %+v, want adjust_frequency -0.5", actions)
	}

	dev := newVFD(1)
	ex := NewExecutor(map[string]Target{dev.id: dev}, nil, nil)
	if err := ex.Execute(ctx, actions); err != nil {
		t.Fatal(err)
	}
	if dev.values["RW_HZ"] != 49.5 {
		t.Errorf("RW_HZ = %v, want current 50 - 0.5", dev.values["RW_HZ"])
	}
}

func TestConstraintClampAndEmergencyOverride(t *testing.T) {
	constraints := map[string]Range{"TECO_VFD_1|RW_HZ": {Min: 20, Max: 55}}

	plain := setpointRule("FAST", 50, 60)
	emergency := setpointRule("PANIC", 10, 60)
	emergency.Actions[0].EmergencyOverride = true

	ev := NewEvaluator(newComposite(), map[string][]Rule{"TECO_VFD": {plain}}, constraints)
	actions := ev.Evaluate(context.Background(), vfdSnap(map[string]float64{"Temp": 5}))
	if actions[0].Value != 55 {
		t.Errorf("clamped value = %v, want 55", actions[0].Value)
	}

	ev = NewEvaluator(newComposite(), map[string][]Rule{"TECO_VFD": {emergency}}, constraints)
	actions = ev.Evaluate(context.Background(), vfdSnap(map[string]float64{"Temp": 5}))
	if actions[0].Value != 60 {
		t.Errorf("emergency value = %v, want unclamped 60", actions[0].Value)
	}
}

func TestTurnOnSkipsWhenAlreadyOn(t *testing.T) {
	dev := newVFD(1)
	dev.onOffPin = "DO1"
	dev.values["DO1"] = 1
	ex := NewExecutor(map[string]Target{dev.id: dev}, nil, nil)

	a := Action{Model: "TECO_VFD", SlaveID: 1, Type: ActionTurnOn, Priority: 1}
	if err := ex.Execute(context.Background(), []Action{a}); err != nil {
		t.Fatal(err)
	}
	if len(dev.writes) != 0 {
		t.Errorf("writes = %+v, want none for already-on device", dev.writes)
	}

	dev.values["DO1"] = 0
	if err := ex.Execute(context.Background(), []Action{a}); err != nil {
		t.Fatal(err)
	}
	if len(dev.writes) != 1 || dev.writes[0] != (write{pin: "DO1", value: 1}) {
		t.Errorf("writes = %+v", dev.writes)
	}
}

func TestEqualValueWriteSkipped(t *testing.T) {
	dev := newVFD(1) // RW_HZ already 50
	ex := NewExecutor(map[string]Target{dev.id: dev}, nil, nil)

	a := Action{Model: "TECO_VFD", SlaveID: 1, Type: ActionSetFrequency, Target: "RW_HZ", Value: 50, Priority: 1}
	if err := ex.Execute(context.Background(), []Action{a}); err != nil {
		t.Fatal(err)
	}
	if len(dev.writes) != 0 {
		t.Errorf("writes = %+v, want skip when value matches", dev.writes)
	}
}

func TestUnhealthyDeviceSkipped(t *testing.T) {
	dev := newVFD(1)
	ex := NewExecutor(map[string]Target{dev.id: dev}, func(string) bool { return false }, nil)

	a := Action{Model: "TECO_VFD", SlaveID: 1, Type: ActionSetFrequency, Target: "RW_HZ", Value: 60, Priority: 1}
	if err := ex.Execute(context.Background(), []Action{a}); err != nil {
		t.Fatal(err)
	}
	if len(dev.writes) != 0 {
		t.Errorf("writes = %+v, want none for unhealthy device", dev.writes)
	}
}

func TestUnknownOrUnwritableRegisterSkipped(t *testing.T) {
	dev := newVFD(1)
	dev.writable["DO1"] = false
	ex := NewExecutor(map[string]Target{dev.id: dev}, nil, nil)
	ctx := context.Background()

	actions := []Action{
		{Model: "TECO_VFD", SlaveID: 1, Type: ActionWriteDO, Target: "NOPE", Value: 1, Priority: 1},
		{Model: "TECO_VFD", SlaveID: 1, Type: ActionWriteDO, Target: "DO1", Value: 1, Priority: 1},
	}
	if err := ex.Execute(ctx, actions); err != nil {
		t.Fatal(err)
	}
	if len(dev.writes) != 0 {
		t.Errorf("writes = %+v", dev.writes)
	}
}

func TestInvalidRulesDropped(t *testing.T) {
	ev := NewEvaluator(newComposite(), map[string][]Rule{
		"TECO_VFD": {
			{Code: "", Composite: overThreshold("x")},
			{Code: "NEG", Priority: -1, Composite: overThreshold("x"), Policy: Policy{Kind: PolicyDiscreteSetpoint}, Actions: []ActionSpec{{Type: ActionReset}}},
			{Code: "NO_ACTIONS", Composite: overThreshold("x"), Policy: Policy{Kind: PolicyDiscreteSetpoint}},
			setpointRule("OK", 1, 42),
		},
	}, nil)

	actions := ev.Evaluate(context.Background(), vfdSnap(map[string]float64{"Temp": 5, "x": 1}))
	if len(actions) != 1 || actions[0].Value != 42 {
		t.Errorf("actions = %+v, want only the valid rule's", actions)
	}
}
