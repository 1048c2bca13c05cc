// Package reward scores how closely a simulated character tracks a
// reference motion and, optionally, a task goal. Imitation terms are a
// weighted sum of exponential kernels over pose and velocity errors;
// goal terms shape heading, locomotion-to-point, and strike tasks.
package reward

import (
	"log"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/motion"
	"github.com/motionrl/unitrack/utils/quatutils"
)

// Weights are the mixing coefficients of the imitation kernels. They
// should sum to roughly one so the imitation reward stays in [0, 1].
type Weights struct {
	JointPos   float64
	JointRot   float64
	EndEffVel  float64
	RootLinVel float64
	RootAngVel float64
}

// Scales are the exponential kernel sharpness factors; the kernel is
// exp(-scale * meanSquaredError)
type Scales struct {
	JointPos   float64
	JointRot   float64
	EndEffVel  float64
	RootLinVel float64
	RootAngVel float64
}

// DefaultWeights returns the standard imitation mix
func DefaultWeights() Weights {
	return Weights{
		JointPos:   0.3,
		JointRot:   0.3,
		EndEffVel:  0.1,
		RootLinVel: 0.15,
		RootAngVel: 0.15,
	}
}

// DefaultScales returns the standard kernel sharpness values
func DefaultScales() Scales {
	return Scales{
		JointPos:   2,
		JointRot:   2,
		EndEffVel:  0.1,
		RootLinVel: 1,
		RootAngVel: 0.5,
	}
}

// GoalKind selects the active task objective
type GoalKind int

const (
	// GoalNone disables the task term; only imitation is scored
	GoalNone GoalKind = iota
	// GoalHeading rewards facing a target yaw
	GoalHeading
	// GoalLocation rewards moving toward a target point while facing it
	GoalLocation
	// GoalStrike rewards bringing a key body close to a target point
	GoalStrike
)

// Goal is one task objective instance. TargetYaw applies to
// GoalHeading; TargetPosition to GoalLocation and GoalStrike; KeyBody
// indexes the frame's joints and applies only to GoalStrike.
type Goal struct {
	Kind           GoalKind
	TargetYaw      float64
	TargetPosition r3.Vec
	KeyBody        int
}

// Computer scores frames against reference frames and goals. The
// zero value is not usable; construct with NewComputer.
type Computer struct {
	weights Weights
	scales  Scales

	// endEffectors are joint indices whose world velocities enter the
	// end-effector kernel (typically hands and feet)
	endEffectors []int

	fallHeight float64
	cutoff     float64
}

// DefaultFallHeight is the root height below which the character is
// considered fallen
const DefaultFallHeight = 0.35

// DefaultTerminationCutoff is the kernel value below which tracking is
// considered lost: an episode ends early once the pose or rotation
// kernel drops under it
const DefaultTerminationCutoff = 0.1

// NewComputer creates a reward computer with the given kernel
// configuration. endEffectors may be empty, which zeroes that kernel's
// error.
func NewComputer(w Weights, s Scales, endEffectors []int) *Computer {
	return &Computer{
		weights:      w,
		scales:       s,
		endEffectors: append([]int(nil), endEffectors...),
		fallHeight:   DefaultFallHeight,
		cutoff:       DefaultTerminationCutoff,
	}
}

// NewDefaultComputer creates a computer with the standard weights and
// scales
func NewDefaultComputer(endEffectors []int) *Computer {
	return NewComputer(DefaultWeights(), DefaultScales(), endEffectors)
}

// SetFallHeight overrides the fall-detection threshold
func (c *Computer) SetFallHeight(h float64) { c.fallHeight = h }

// SetTerminationCutoff overrides the tracking-lost kernel cutoff
func (c *Computer) SetTerminationCutoff(a float64) { c.cutoff = a }

// HasFallen reports whether the frame's root is below the fall
// threshold
func (c *Computer) HasFallen(f *motion.Frame) bool {
	return f.RootPosition.Y < c.fallHeight
}

// ImitationResult carries the blended imitation score plus the raw
// pose and rotation kernel values used for early termination
type ImitationResult struct {
	Total   float64
	PosTerm float64 // exp-kernel over joint position error, unweighted
	RotTerm float64 // exp-kernel over joint rotation error, unweighted

	// EarlyTermination is set when PosTerm or RotTerm dropped below
	// the computer's cutoff, meaning tracking is effectively lost
	EarlyTermination bool
}

// Imitation scores how closely current tracks target, in [0, 1]
func (c *Computer) Imitation(current, target *motion.Frame) float64 {
	return c.ImitationTerms(current, target).Total
}

// ImitationTerms scores how closely current tracks target. Position
// errors and rotations are measured in each frame's own heading-local
// root frame so the score is invariant to absolute facing.
func (c *Computer) ImitationTerms(current, target *motion.Frame) ImitationResult {
	nj := len(current.JointPositions)
	if len(target.JointPositions) < nj {
		nj = len(target.JointPositions)
	}
	if nj == 0 {
		return ImitationResult{EarlyTermination: true}
	}

	invHeadCur := quatutils.Inv(quatutils.Heading(current.RootRotation))
	invHeadTar := quatutils.Inv(quatutils.Heading(target.RootRotation))

	posErr := 0.0
	rotErr := 0.0
	for j := 0; j < nj; j++ {
		pc := quatutils.Rotate(invHeadCur, r3.Sub(current.JointPositions[j], current.RootPosition))
		pt := quatutils.Rotate(invHeadTar, r3.Sub(target.JointPositions[j], target.RootPosition))
		posErr += r3.Norm2(r3.Sub(pc, pt))

		if j < len(current.JointRotations) && j < len(target.JointRotations) {
			a := quatutils.Angle(
				quat.Mul(invHeadCur, current.JointRotations[j]),
				quat.Mul(invHeadTar, target.JointRotations[j]))
			rotErr += a * a
		}
	}
	posErr /= float64(nj)
	rotErr /= float64(nj)

	eeErr := c.endEffectorVelError(current, target, invHeadCur, invHeadTar)

	linErr := r3.Norm2(r3.Sub(
		quatutils.Rotate(invHeadCur, current.RootLinearVelocity),
		quatutils.Rotate(invHeadTar, target.RootLinearVelocity)))
	angErr := r3.Norm2(r3.Sub(
		quatutils.Rotate(invHeadCur, current.RootAngularVelocity),
		quatutils.Rotate(invHeadTar, target.RootAngularVelocity)))

	res := ImitationResult{
		PosTerm: math.Exp(-c.scales.JointPos * posErr),
		RotTerm: math.Exp(-c.scales.JointRot * rotErr),
	}
	res.Total = c.weights.JointPos*res.PosTerm +
		c.weights.JointRot*res.RotTerm +
		c.weights.EndEffVel*math.Exp(-c.scales.EndEffVel*eeErr) +
		c.weights.RootLinVel*math.Exp(-c.scales.RootLinVel*linErr) +
		c.weights.RootAngVel*math.Exp(-c.scales.RootAngVel*angErr)
	res.EarlyTermination = res.PosTerm < c.cutoff || res.RotTerm < c.cutoff
	return res
}

// endEffectorVelError estimates each end effector's world velocity as
// the root velocity plus the rotational contribution of that joint's
// angular velocity about its offset from the root
func (c *Computer) endEffectorVelError(current, target *motion.Frame,
	invHeadCur, invHeadTar quat.Number) float64 {

	if len(c.endEffectors) == 0 {
		return 0
	}
	err := 0.0
	counted := 0
	for _, j := range c.endEffectors {
		if j < 0 || j >= len(current.JointPositions) || j >= len(target.JointPositions) {
			continue
		}
		vc := effectorVelocity(current, j)
		vt := effectorVelocity(target, j)
		err += r3.Norm2(r3.Sub(
			quatutils.Rotate(invHeadCur, vc),
			quatutils.Rotate(invHeadTar, vt)))
		counted++
	}
	if counted == 0 {
		return 0
	}
	return err / float64(counted)
}

func effectorVelocity(f *motion.Frame, j int) r3.Vec {
	v := f.RootLinearVelocity
	if j < len(f.JointAngularVelocities) {
		arm := r3.Sub(f.JointPositions[j], f.RootPosition)
		v = r3.Add(v, r3.Cross(f.JointAngularVelocities[j], arm))
	}
	return v
}

// Task scores the frame against a goal, in [0, 1]. GoalNone scores 1
// so a pure-imitation setup multiplies through unchanged.
func (c *Computer) Task(f *motion.Frame, goal Goal) float64 {
	switch goal.Kind {
	case GoalNone:
		return 1

	case GoalHeading:
		yaw := quatutils.Yaw(f.RootRotation)
		return math.Exp(-2 * math.Abs(wrapToPi(yaw-goal.TargetYaw)))

	case GoalLocation:
		to := r3.Sub(goal.TargetPosition, f.RootPosition)
		to.Y = 0
		d := r3.Norm(to)
		if d < 1e-3 {
			return 1
		}
		// Alignment rewards actually moving toward the target, not
		// merely facing it; a stationary character scores zero
		vel := f.RootLinearVelocity
		vel.Y = 0
		speed := r3.Norm(vel)
		if speed < 1e-6 {
			return 0
		}
		align := r3.Dot(r3.Scale(1/speed, vel), r3.Scale(1/d, to))
		return math.Exp(-0.5*d) * math.Max(0, align)

	case GoalStrike:
		if goal.KeyBody < 0 || goal.KeyBody >= len(f.JointPositions) {
			log.Printf("reward: strike goal references key body %d of %d joints",
				goal.KeyBody, len(f.JointPositions))
			return 0
		}
		d := r3.Norm(r3.Sub(f.JointPositions[goal.KeyBody], goal.TargetPosition))
		return math.Exp(-10 * d)
	}
	return 0
}

// wrapToPi maps an angle into (-pi, pi]
func wrapToPi(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
