// Package env hosts the training environments: a single physically
// simulated character tracking a reference motion, and a vectorized
// wrapper stepping many characters in one shared world.
package env

import (
	"fmt"
	"log"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/encoder"
	"github.com/motionrl/unitrack/motion"
	"github.com/motionrl/unitrack/physics"
	"github.com/motionrl/unitrack/ragdoll"
	"github.com/motionrl/unitrack/reward"
	"github.com/motionrl/unitrack/utils/quatutils"
)

// ActionMode selects how policy actions drive the character
type ActionMode int

const (
	// ActionModePD interprets each action triple as a rotation-vector
	// offset fed to the joint's spring motor
	ActionModePD ActionMode = iota
	// ActionModeTorque interprets each triple as a normalized torque,
	// scaled by the part's effort factor
	ActionModeTorque
)

// Config holds the per-environment settings shared by every character
// in a vectorized batch
type Config struct {
	NumTargets int     // future target frames per observation
	ControlDT  float64 // seconds per control step
	Substeps   int     // physics steps per control step

	MaxEpisodeSeconds float64
	FallRewardScale   float64 // reward multiplier on the falling step

	MaxTargetAngle float64 // radians of motor offset at action = 1
	Mode           ActionMode

	Goal reward.Goal
}

// DefaultConfig returns 30 Hz control over a 60 Hz simulation with the
// standard episode limits
func DefaultConfig() Config {
	return Config{
		NumTargets:        2,
		ControlDT:         1.0 / 30.0,
		Substeps:          2,
		MaxEpisodeSeconds: 10,
		FallRewardScale:   0.1,
		MaxTargetAngle:    1.2,
		Mode:              ActionModePD,
	}
}

// CharacterEnv is one simulated character in a shared world, tracking
// a reference clip. The environment is a small state machine: after
// construction or a terminal step it needs a Reset before actions have
// any effect.
type CharacterEnv struct {
	world *physics.World
	body  ragdoll.ArticulatedBody
	enc   *encoder.StateEncoder
	rew   *reward.Computer
	lib   *motion.Library
	rng   *rand.Rand
	cfg   Config

	// offset shifts this character's spawn point so batched characters
	// do not overlap; observations and rewards are computed in clip
	// space with the offset removed
	offset r3.Vec

	clip    *motion.Clip
	phase   float64
	elapsed float64
	done    bool
	ready   bool
	goal    reward.Goal

	states   []ragdoll.PartState
	cur      motion.Frame
	targets  []motion.Frame
	torques  []r3.Vec
	motorTgt []quat.Number
}

// NewCharacterEnv creates a character in the world at the given grid
// offset. Returns an error if the ragdoll cannot be built.
func NewCharacterEnv(world *physics.World, bodyCfg ragdoll.ArticulatedBodyConfig,
	enc *encoder.StateEncoder, rew *reward.Computer, lib *motion.Library,
	rng *rand.Rand, offset r3.Vec, cfg Config) (*CharacterEnv, error) {

	e := &CharacterEnv{
		world:  world,
		enc:    enc,
		rew:    rew,
		lib:    lib,
		rng:    rng,
		cfg:    cfg,
		offset: offset,
		goal:   cfg.Goal,
	}
	if !e.body.Create(world, bodyCfg, r3.Add(r3.Vec{Y: 1}, offset)) {
		return nil, fmt.Errorf("characterEnv: ragdoll creation failed")
	}

	n := e.body.NumParts()
	e.cur = motion.Frame{
		JointPositions:         make([]r3.Vec, n),
		JointRotations:         make([]quat.Number, n),
		JointAngularVelocities: make([]r3.Vec, n),
	}
	e.targets = make([]motion.Frame, cfg.NumTargets)
	e.torques = make([]r3.Vec, n)
	e.motorTgt = make([]quat.Number, n)
	return e, nil
}

// Close destroys the character's bodies and constraints
func (e *CharacterEnv) Close() {
	e.body.Destroy()
}

// NumParts returns the character's part count
func (e *CharacterEnv) NumParts() int { return e.body.NumParts() }

// ActionDim is the policy action length: one rotation triple per
// non-root part
func (e *CharacterEnv) ActionDim() int { return 3 * (e.body.NumParts() - 1) }

// ObservationDim is the policy observation length
func (e *CharacterEnv) ObservationDim() int { return e.enc.ObservationDim() }

// AMPObservationDim is the single-frame feature length used by
// discriminator-style consumers
func (e *CharacterEnv) AMPObservationDim() int { return e.enc.FrameDim() }

// Done reports whether the current episode has terminated
func (e *CharacterEnv) Done() bool { return e.done }

// SetGoal replaces the active task goal. The latest goal wins; it
// stays in effect until replaced or the environment is reconfigured.
func (e *CharacterEnv) SetGoal(g reward.Goal) { e.goal = g }

// Reset starts a new episode from a random clip and time, snapping the
// character to the sampled reference pose
func (e *CharacterEnv) Reset() {
	if e.lib.Empty() {
		log.Printf("env: reset with an empty motion library")
		e.ready = false
		return
	}
	e.clip = &e.lib.Clips[e.rng.Intn(len(e.lib.Clips))]
	e.phase = e.rng.Float64() * e.clip.Duration()

	frame := e.clip.SampleAt(e.phase)
	e.body.SnapToFrame(
		r3.Add(frame.RootPosition, e.offset),
		frame.RootRotation,
		frame.JointRotations,
		frame.RootLinearVelocity,
		frame.JointAngularVelocities,
	)
	e.elapsed = 0
	e.done = false
	e.ready = true
}

// ApplyActions feeds one action vector to the character. A no-op when
// the episode has terminated or the environment was never reset.
func (e *CharacterEnv) ApplyActions(actions []float64) {
	if e.done || !e.ready {
		return
	}
	if len(actions) != e.ActionDim() {
		log.Printf("env: action length %d, want %d", len(actions), e.ActionDim())
		return
	}

	switch e.cfg.Mode {
	case ActionModePD:
		e.motorTgt[0] = quatutils.Identity
		for i := 1; i < e.body.NumParts(); i++ {
			o := 3 * (i - 1)
			v := r3.Vec{X: actions[o], Y: actions[o+1], Z: actions[o+2]}
			angle := r3.Norm(v) * e.cfg.MaxTargetAngle
			if angle < 1e-9 {
				e.motorTgt[i] = quatutils.Identity
			} else {
				e.motorTgt[i] = quatutils.FromAxisAngle(r3.Scale(1/r3.Norm(v), v), angle)
			}
		}
		e.body.SetMotorTargets(e.motorTgt)

	case ActionModeTorque:
		e.torques[0] = r3.Vec{}
		for i := 1; i < e.body.NumParts(); i++ {
			o := 3 * (i - 1)
			e.torques[i] = r3.Vec{X: actions[o], Y: actions[o+1], Z: actions[o+2]}
		}
		e.body.ApplyTorques(e.torques)
	}
}

// currentFrame rebuilds the clip-space pose from the physics state,
// removing the grid offset so batched characters are comparable
func (e *CharacterEnv) currentFrame() *motion.Frame {
	e.body.State(&e.states)
	root := &e.states[0]

	e.cur.RootPosition = r3.Sub(root.Position, e.offset)
	e.cur.RootRotation = root.Rotation
	e.cur.RootLinearVelocity = root.LinearVelocity
	e.cur.RootAngularVelocity = root.AngularVelocity

	// Joint rotations are kept in world space, matching the reference
	// clip convention, so the encoder can heading-localize both sides
	// the same way
	for i := range e.states {
		s := &e.states[i]
		e.cur.JointPositions[i] = r3.Sub(s.Position, e.offset)
		e.cur.JointRotations[i] = s.Rotation
		e.cur.JointAngularVelocities[i] = s.AngularVelocity
	}
	return &e.cur
}

// ExtractObservation writes the current policy observation into out,
// which must have length ObservationDim
func (e *CharacterEnv) ExtractObservation(out []float64) error {
	if !e.ready {
		for i := range out {
			out[i] = 0
		}
		return nil
	}
	cur := e.currentFrame()
	for k := 0; k < e.cfg.NumTargets; k++ {
		t := e.phase + float64(k+1)*e.cfg.ControlDT
		e.targets[k] = e.clip.SampleAt(t)
	}
	return e.enc.Encode(cur, e.targets, out)
}

// ExtractAMPObservation writes the current single-frame features into
// out, which must have length AMPObservationDim
func (e *CharacterEnv) ExtractAMPObservation(out []float64) error {
	if !e.ready {
		for i := range out {
			out[i] = 0
		}
		return nil
	}
	return e.enc.EncodeFrame(e.currentFrame(), out)
}

// ComputeStepResult advances the reference phase by one control step
// and scores the character against the reached target frame. Returns
// the step reward and whether the episode terminated on this step.
// A no-op returning (0, true) once the episode is done.
func (e *CharacterEnv) ComputeStepResult() (float64, bool) {
	if e.done || !e.ready {
		return 0, true
	}

	e.phase += e.cfg.ControlDT
	e.elapsed += e.cfg.ControlDT

	cur := e.currentFrame()

	// Divergence ends the episode with a flat penalty so the sample
	// still carries gradient away from the blow-up
	if e.body.HasNaNState() {
		log.Printf("env: physics state diverged, terminating episode")
		e.done = true
		return -1, true
	}

	target := e.clip.SampleAt(e.phase)
	terms := e.rew.ImitationTerms(cur, &target)
	r := terms.Total * e.rew.Task(cur, e.goal)

	if e.rew.HasFallen(cur) {
		e.done = true
		return r * e.cfg.FallRewardScale, true
	}
	// Tracking lost: the pose or rotation kernel collapsed below the
	// termination cutoff
	if terms.EarlyTermination {
		e.done = true
		return r, true
	}
	if e.phase >= e.clip.Duration() || e.elapsed >= e.cfg.MaxEpisodeSeconds {
		e.done = true
		return r, true
	}
	return r, false
}

// HasFallen reports whether the character's root is below the fall
// threshold right now
func (e *CharacterEnv) HasFallen() bool {
	if !e.ready {
		return false
	}
	return e.rew.HasFallen(e.currentFrame())
}

// gridOffset places environment i on a square grid with fixed spacing
func gridOffset(i, total int) r3.Vec {
	side := int(math.Ceil(math.Sqrt(float64(total))))
	if side < 1 {
		side = 1
	}
	const spacing = 3.0
	return r3.Vec{
		X: float64(i%side) * spacing,
		Z: float64(i/side) * spacing,
	}
}
