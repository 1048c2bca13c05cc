package env

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/encoder"
	"github.com/motionrl/unitrack/motion"
	"github.com/motionrl/unitrack/physics"
	"github.com/motionrl/unitrack/ragdoll"
	"github.com/motionrl/unitrack/reward"
)

// humanoid end effectors: hands and feet part indices
var testEndEffectors = []int{9, 13, 16, 19}

func standingLibrary() *motion.Library {
	lib := &motion.Library{}
	lib.AddStandingClip(ragdoll.NumHumanoidParts)
	return lib
}

func newTestVecEnv(t *testing.T, numEnvs int) *VecEnv {
	t.Helper()
	v, err := NewVecEnv(numEnvs, ragdoll.NewHumanoidConfig(), DefaultConfig(),
		standingLibrary(), testEndEffectors, 7)
	if err != nil {
		t.Fatalf("newVecEnv: %v", err)
	}
	return v
}

func TestVecEnvDims(t *testing.T) {
	v := newTestVecEnv(t, 4)
	defer v.Close()

	if v.NumEnvs() != 4 {
		t.Errorf("numEnvs = %d, want 4", v.NumEnvs())
	}
	// (1+tau)*(11+10J) + 7*tau with J=20, tau=2
	if v.ObservationDim() != 647 {
		t.Errorf("observationDim = %d, want 647", v.ObservationDim())
	}
	if v.ActionDim() != 3*(ragdoll.NumHumanoidParts-1) {
		t.Errorf("actionDim = %d, want %d", v.ActionDim(), 3*(ragdoll.NumHumanoidParts-1))
	}
	if len(v.Observations()) != 4*647 {
		t.Errorf("observation buffer length %d, want %d", len(v.Observations()), 4*647)
	}
	if v.AMPObservationDim() != 11+10*ragdoll.NumHumanoidParts {
		t.Errorf("ampObservationDim = %d", v.AMPObservationDim())
	}
	if len(v.AMPObservations()) != 4*v.AMPObservationDim() {
		t.Errorf("amp buffer length %d, want %d",
			len(v.AMPObservations()), 4*v.AMPObservationDim())
	}
}

func TestVecEnvStep(t *testing.T) {
	v := newTestVecEnv(t, 3)
	defer v.Close()

	actions := make([]float64, v.NumEnvs()*v.ActionDim())
	for step := 0; step < 5; step++ {
		if err := v.Step(actions); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		for i, r := range v.Rewards() {
			if math.IsNaN(r) || math.IsInf(r, 0) {
				t.Fatalf("step %d: reward[%d] = %v", step, i, r)
			}
		}
		for _, o := range v.Observations() {
			if math.IsNaN(o) || math.IsInf(o, 0) {
				t.Fatal("observation buffer contains a non-finite value")
			}
		}
		for _, o := range v.AMPObservations() {
			if math.IsNaN(o) || math.IsInf(o, 0) {
				t.Fatal("amp buffer contains a non-finite value")
			}
		}
		if _, err := v.ResetDone(); err != nil {
			t.Fatalf("resetDone: %v", err)
		}
	}
}

func TestVecEnvStepValidatesLengths(t *testing.T) {
	v := newTestVecEnv(t, 2)
	defer v.Close()

	if err := v.Step(make([]float64, 1)); err == nil {
		t.Error("expected an error for a short action buffer")
	}
	actions := make([]float64, v.NumEnvs()*v.ActionDim())
	if err := v.StepWithGoals(actions, make([]reward.Goal, 1)); err == nil {
		t.Error("expected an error for a goal count mismatch")
	}
}

func TestVecEnvGoalsPersist(t *testing.T) {
	v := newTestVecEnv(t, 2)
	defer v.Close()

	actions := make([]float64, v.NumEnvs()*v.ActionDim())
	goals := []reward.Goal{
		{Kind: reward.GoalHeading, TargetYaw: 0},
		{Kind: reward.GoalHeading, TargetYaw: math.Pi},
	}
	if err := v.StepWithGoals(actions, goals); err != nil {
		t.Fatal(err)
	}
	// A plain Step keeps the installed goals
	if err := v.Step(actions); err != nil {
		t.Fatal(err)
	}
	for i, e := range v.envs {
		if e.goal != goals[i] {
			t.Errorf("environment %d goal %+v, want %+v", i, e.goal, goals[i])
		}
	}
}

func TestVecEnvRejectsEmptyLibrary(t *testing.T) {
	if _, err := NewVecEnv(1, ragdoll.NewHumanoidConfig(), DefaultConfig(),
		&motion.Library{}, nil, 1); err == nil {
		t.Error("expected an error for an empty motion library")
	}
}

func TestGridOffsets(t *testing.T) {
	// 5 environments need a 3x3 grid
	if got := gridOffset(0, 5); got != (r3.Vec{}) {
		t.Errorf("offset 0 = %+v, want origin", got)
	}
	if got := gridOffset(4, 5); got != (r3.Vec{X: 3, Z: 3}) {
		t.Errorf("offset 4 = %+v, want {3, 0, 3}", got)
	}
	seen := map[r3.Vec]bool{}
	for i := 0; i < 9; i++ {
		o := gridOffset(i, 9)
		if seen[o] {
			t.Errorf("duplicate grid offset %+v", o)
		}
		seen[o] = true
	}
}

func newSingleEnv(t *testing.T) (*CharacterEnv, *physics.World) {
	t.Helper()
	world := physics.NewWorld(physics.DefaultWorldConfig())
	world.AddGroundPlane(50)

	var enc encoder.StateEncoder
	cfg := DefaultConfig()
	if err := enc.Configure(ragdoll.NumHumanoidParts, cfg.NumTargets); err != nil {
		t.Fatal(err)
	}
	e, err := NewCharacterEnv(world, ragdoll.NewHumanoidConfig(), &enc,
		reward.NewDefaultComputer(testEndEffectors), standingLibrary(),
		rand.New(rand.NewSource(3)), r3.Vec{}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return e, world
}

func TestCharacterEnvLifecycle(t *testing.T) {
	e, world := newSingleEnv(t)
	defer world.Close()
	defer e.Close()

	if e.AMPObservationDim() != 11+10*ragdoll.NumHumanoidParts {
		t.Errorf("ampObservationDim = %d", e.AMPObservationDim())
	}

	// Before reset the environment stays inert
	obs := make([]float64, e.ObservationDim())
	if err := e.ExtractObservation(obs); err != nil {
		t.Fatal(err)
	}
	if r, done := e.ComputeStepResult(); r != 0 || !done {
		t.Errorf("unready step returned (%v, %v), want (0, true)", r, done)
	}

	e.Reset()
	if e.Done() {
		t.Error("done immediately after reset")
	}
	if e.HasFallen() {
		t.Error("standing reset pose reported as fallen")
	}

	actions := make([]float64, e.ActionDim())
	e.ApplyActions(actions)
	world.Step(1.0 / 60.0)
	world.Step(1.0 / 60.0)
	if err := e.ExtractObservation(obs); err != nil {
		t.Fatal(err)
	}

	r, _ := e.ComputeStepResult()
	if math.IsNaN(r) {
		t.Error("reward is NaN")
	}
}

func TestCharacterEnvNoOpAfterDone(t *testing.T) {
	e, world := newSingleEnv(t)
	defer world.Close()
	defer e.Close()

	e.Reset()
	// Run the episode out; the standing clip ends in under a second
	for i := 0; i < 60 && !e.Done(); i++ {
		e.ApplyActions(make([]float64, e.ActionDim()))
		world.Step(1.0 / 30.0)
		e.ComputeStepResult()
	}
	if !e.Done() {
		t.Fatal("episode never terminated")
	}

	if r, done := e.ComputeStepResult(); r != 0 || !done {
		t.Errorf("post-done step returned (%v, %v), want (0, true)", r, done)
	}
	// Actions after done are silently ignored
	e.ApplyActions(make([]float64, e.ActionDim()))
}

func TestCharacterEnvRejectsBadActionLength(t *testing.T) {
	e, world := newSingleEnv(t)
	defer world.Close()
	defer e.Close()

	e.Reset()
	// Wrong length is logged and ignored, never a panic
	e.ApplyActions(make([]float64, 2))
}
