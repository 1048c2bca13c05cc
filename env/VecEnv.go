package env

import (
	"fmt"
	"log"

	"golang.org/x/exp/rand"

	"github.com/motionrl/unitrack/encoder"
	"github.com/motionrl/unitrack/motion"
	"github.com/motionrl/unitrack/physics"
	"github.com/motionrl/unitrack/ragdoll"
	"github.com/motionrl/unitrack/reward"
)

// VecEnv steps a batch of characters in one shared physics world. All
// characters share a single stepper, so one control step performs
// exactly one batched simulation advance regardless of batch size.
//
// The step protocol is fixed: actions are applied to every character,
// the world steps once, observations are extracted for every
// character, and only then are rewards computed. Observations,
// rewards, and done flags live in contiguous row-major buffers reused
// across steps.
type VecEnv struct {
	world *physics.World
	envs  []*CharacterEnv
	enc   encoder.StateEncoder
	cfg   Config

	obs     []float64
	ampObs  []float64
	rewards []float64
	dones   []bool
}

// NewVecEnv builds numEnvs characters on a square grid in a fresh
// world. The motion library must not be empty.
func NewVecEnv(numEnvs int, bodyCfg ragdoll.ArticulatedBodyConfig, cfg Config,
	lib *motion.Library, endEffectors []int, seed uint64) (*VecEnv, error) {

	if numEnvs <= 0 {
		return nil, fmt.Errorf("vecEnv: non-positive environment count %d", numEnvs)
	}
	if lib.Empty() {
		return nil, fmt.Errorf("vecEnv: empty motion library")
	}

	v := &VecEnv{
		world: physics.NewWorld(physics.DefaultWorldConfig()),
		cfg:   cfg,
	}
	v.world.AddGroundPlane(groundRadiusFor(numEnvs))

	if err := v.enc.Configure(len(bodyCfg.Parts), cfg.NumTargets); err != nil {
		v.world.Close()
		return nil, err
	}
	rew := reward.NewDefaultComputer(endEffectors)
	rng := rand.New(rand.NewSource(seed))

	v.envs = make([]*CharacterEnv, 0, numEnvs)
	for i := 0; i < numEnvs; i++ {
		e, err := NewCharacterEnv(v.world, bodyCfg, &v.enc, rew, lib, rng,
			gridOffset(i, numEnvs), cfg)
		if err != nil {
			v.Close()
			return nil, fmt.Errorf("vecEnv: environment %d: %v", i, err)
		}
		e.Reset()
		v.envs = append(v.envs, e)
	}

	v.obs = make([]float64, numEnvs*v.enc.ObservationDim())
	v.ampObs = make([]float64, numEnvs*v.enc.FrameDim())
	v.rewards = make([]float64, numEnvs)
	v.dones = make([]bool, numEnvs)

	log.Printf("env: vectorized batch of %d characters (obs=%d, act=%d)",
		numEnvs, v.ObservationDim(), v.ActionDim())
	return v, nil
}

// groundRadiusFor sizes the ground disc to cover the spawn grid with
// margin
func groundRadiusFor(numEnvs int) float64 {
	r := 10.0 + 3.0*float64(numEnvs)
	if r > 200 {
		r = 200
	}
	return r
}

// Close destroys every character and the world
func (v *VecEnv) Close() {
	for _, e := range v.envs {
		if e != nil {
			e.Close()
		}
	}
	v.envs = nil
	if v.world != nil {
		v.world.Close()
		v.world = nil
	}
}

// NumEnvs returns the batch size
func (v *VecEnv) NumEnvs() int { return len(v.envs) }

// ObservationDim returns the per-character observation length
func (v *VecEnv) ObservationDim() int { return v.enc.ObservationDim() }

// ActionDim returns the per-character action length
func (v *VecEnv) ActionDim() int { return v.envs[0].ActionDim() }

// AMPObservationDim returns the per-character single-frame feature
// length
func (v *VecEnv) AMPObservationDim() int { return v.enc.FrameDim() }

// Observations returns the row-major observation buffer, valid until
// the next Step or Reset call
func (v *VecEnv) Observations() []float64 { return v.obs }

// AMPObservations returns the row-major single-frame feature buffer,
// refreshed alongside Observations
func (v *VecEnv) AMPObservations() []float64 { return v.ampObs }

// Rewards returns the per-character rewards of the last step
func (v *VecEnv) Rewards() []float64 { return v.rewards }

// Dones returns the per-character terminal flags of the last step
func (v *VecEnv) Dones() []bool { return v.dones }

// Step advances every character by one control step using the goals
// already in effect. actions must have length NumEnvs*ActionDim, laid
// out row-major by environment.
func (v *VecEnv) Step(actions []float64) error {
	want := v.NumEnvs() * v.ActionDim()
	if len(actions) != want {
		return fmt.Errorf("step: action buffer length %d, want %d", len(actions), want)
	}

	ad := v.ActionDim()
	for i, e := range v.envs {
		e.ApplyActions(actions[i*ad : (i+1)*ad])
	}

	dt := v.cfg.ControlDT / float64(max(1, v.cfg.Substeps))
	for s := 0; s < max(1, v.cfg.Substeps); s++ {
		v.world.Step(dt)
	}

	if err := v.refreshObservations(); err != nil {
		return fmt.Errorf("step: %v", err)
	}

	for i, e := range v.envs {
		v.rewards[i], v.dones[i] = e.ComputeStepResult()
	}
	return nil
}

// StepWithGoals installs one goal per character before stepping. The
// goals stay in effect for later plain Step calls until replaced.
func (v *VecEnv) StepWithGoals(actions []float64, goals []reward.Goal) error {
	if len(goals) != v.NumEnvs() {
		return fmt.Errorf("stepWithGoals: %d goals for %d environments",
			len(goals), v.NumEnvs())
	}
	for i, e := range v.envs {
		e.SetGoal(goals[i])
	}
	return v.Step(actions)
}

// ResetAll restarts every episode and refreshes the observation buffer
func (v *VecEnv) ResetAll() error {
	for _, e := range v.envs {
		e.Reset()
	}
	return v.refreshObservations()
}

// ResetDone restarts only the characters whose episodes terminated on
// the last step, leaving the others untouched. Returns the number of
// environments reset.
func (v *VecEnv) ResetDone() (int, error) {
	n := 0
	for i, e := range v.envs {
		if e.Done() {
			e.Reset()
			v.dones[i] = false
			n++
		}
	}
	if n > 0 {
		if err := v.refreshObservations(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (v *VecEnv) refreshObservations() error {
	od := v.ObservationDim()
	ad := v.AMPObservationDim()
	for i, e := range v.envs {
		if err := e.ExtractObservation(v.obs[i*od : (i+1)*od]); err != nil {
			return err
		}
		if err := e.ExtractAMPObservation(v.ampObs[i*ad : (i+1)*ad]); err != nil {
			return err
		}
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
