package physics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/utils/floatutils"
	"github.com/motionrl/unitrack/utils/quatutils"
)

// MotorSettings configures the spring motor on a swing-twist
// constraint. Frequency is in Hz; Damping is the dimensionless spring
// damping ratio. MaxTorque bounds the torque the motor may exert.
type MotorSettings struct {
	Frequency float64
	Damping   float64
	MaxTorque float64
}

// SwingTwistDef describes a two-body joint allowing bounded rotation
// about a twist axis plus bounded angular deflection (swing) away
// from it. Axes and the anchor are given in world space at creation
// time; the constraint converts them into each body's local frame.
type SwingTwistDef struct {
	Parent BodyID
	Child  BodyID
	Anchor r3.Vec

	TwistAxis r3.Vec
	PlaneAxis r3.Vec

	TwistMin       float64
	TwistMax       float64
	NormalHalfCone float64
	PlaneHalfCone  float64

	Motor MotorSettings
}

type swingTwist struct {
	parent, child BodyID

	// Anchor in each body's local frame
	localAnchorP r3.Vec
	localAnchorC r3.Vec

	// Twist axis in the parent's local frame, rest relative rotation
	localTwistAxis r3.Vec
	restRel        quat.Number

	twistMin, twistMax float64
	normalHalfCone     float64
	planeHalfCone      float64

	motor       MotorSettings
	motorTarget quat.Number // target relative rotation, parent frame
	motorOn     bool
}

// AddSwingTwist creates a swing-twist constraint between two live
// bodies and returns its ID
func (w *World) AddSwingTwist(def SwingTwistDef) (ConstraintID, error) {
	parent := w.body(def.Parent)
	child := w.body(def.Child)
	if parent == nil || child == nil {
		return InvalidConstraint, fmt.Errorf("addSwingTwist: unknown body (parent=%v, child=%v)",
			def.Parent, def.Child)
	}
	if r3.Norm(def.TwistAxis) == 0 {
		return InvalidConstraint, fmt.Errorf("addSwingTwist: zero twist axis")
	}

	invP := quatutils.Inv(parent.rot)
	invC := quatutils.Inv(child.rot)

	c := &swingTwist{
		parent:         def.Parent,
		child:          def.Child,
		localAnchorP:   quatutils.Rotate(invP, r3.Sub(def.Anchor, parent.pos)),
		localAnchorC:   quatutils.Rotate(invC, r3.Sub(def.Anchor, child.pos)),
		localTwistAxis: quatutils.Rotate(invP, r3.Scale(1/r3.Norm(def.TwistAxis), def.TwistAxis)),
		restRel:        quatutils.Normalize(quat.Mul(invP, child.rot)),
		twistMin:       def.TwistMin,
		twistMax:       def.TwistMax,
		normalHalfCone: def.NormalHalfCone,
		planeHalfCone:  def.PlaneHalfCone,
		motor:          def.Motor,
		motorTarget:    quatutils.Identity,
	}
	w.constraints = append(w.constraints, c)
	return ConstraintID(len(w.constraints) - 1), nil
}

// RemoveConstraint destroys a constraint. Must be called before the
// bodies it references are removed.
func (w *World) RemoveConstraint(id ConstraintID) {
	if id >= 0 && int(id) < len(w.constraints) {
		w.constraints[id] = nil
	}
}

// SetMotorTarget drives the constraint motor toward the given
// relative rotation (child relative to parent, offset from the rest
// pose). Passing the identity holds the bind pose.
func (w *World) SetMotorTarget(id ConstraintID, target quat.Number) {
	if id < 0 || int(id) >= len(w.constraints) {
		return
	}
	c := w.constraints[id]
	if c == nil {
		return
	}
	c.motorTarget = quatutils.Normalize(target)
	c.motorOn = c.motor.MaxTorque > 0
}

// solve runs one velocity iteration: a Baumgarte-stabilized
// point-to-point correction at the anchor, then angular clamping
// against the swing and twist limits.
func (c *swingTwist) solve(w *World, dt float64) {
	const beta = 0.2

	p := w.body(c.parent)
	ch := w.body(c.child)
	if p == nil || ch == nil || (!p.active && !ch.active) {
		return
	}

	// Point-to-point at the shared anchor
	rp := quatutils.Rotate(p.rot, c.localAnchorP)
	rc := quatutils.Rotate(ch.rot, c.localAnchorC)
	ap := r3.Add(p.pos, rp)
	ac := r3.Add(ch.pos, rc)

	posErr := r3.Sub(ac, ap)
	velErr := r3.Sub(
		r3.Add(ch.linVel, r3.Cross(ch.angVel, rc)),
		r3.Add(p.linVel, r3.Cross(p.angVel, rp)),
	)

	k := p.invMass + ch.invMass +
		p.invInertia*r3.Norm2(rp) + ch.invInertia*r3.Norm2(rc)
	if k > 0 {
		impulse := r3.Scale(-1/k, r3.Add(velErr, r3.Scale(beta/dt, posErr)))
		p.linVel = r3.Sub(p.linVel, r3.Scale(p.invMass, impulse))
		p.angVel = r3.Sub(p.angVel, r3.Scale(p.invInertia, r3.Cross(rp, impulse)))
		ch.linVel = r3.Add(ch.linVel, r3.Scale(ch.invMass, impulse))
		ch.angVel = r3.Add(ch.angVel, r3.Scale(ch.invInertia, r3.Cross(rc, impulse)))
	}

	c.solveLimits(w, p, ch, dt)
}

// solveLimits decomposes the relative rotation into twist about the
// constraint axis and swing away from it, then applies corrective
// angular impulses for any component outside its limit
func (c *swingTwist) solveLimits(w *World, p, ch *body, dt float64) {
	const beta = 0.2

	// Deviation from the rest pose, in the parent's local frame
	rel := quat.Mul(quatutils.Inv(p.rot), ch.rot)
	dev := quatutils.Normalize(quat.Mul(quatutils.Inv(c.restRel), rel))
	if dev.Real < 0 {
		dev = quat.Scale(-1, dev)
	}

	a := c.localTwistAxis
	// Twist: projection of the deviation onto the twist axis
	proj := dev.Imag*a.X + dev.Jmag*a.Y + dev.Kmag*a.Z
	twist := quatutils.Normalize(quat.Number{
		Real: dev.Real, Imag: proj * a.X, Jmag: proj * a.Y, Kmag: proj * a.Z,
	})
	swing := quatutils.Normalize(quat.Mul(dev, quatutils.Inv(twist)))

	twistAngle := 2 * math.Atan2(proj, dev.Real)
	swingAxis, swingAngle := quatutils.ToAxisAngle(swing)

	var correction r3.Vec // corrective rotation in parent-local frame

	if twistAngle < c.twistMin {
		correction = r3.Add(correction, r3.Scale(c.twistMin-twistAngle, a))
	} else if twistAngle > c.twistMax {
		correction = r3.Add(correction, r3.Scale(c.twistMax-twistAngle, a))
	}

	// Swing cone: per-axis elliptical limit using the larger of the
	// two half-cone angles as the bound along the swing axis
	if swingAngle > 0 {
		limit := floatutils.Max(c.normalHalfCone, c.planeHalfCone)
		if c.normalHalfCone > 0 || c.planeHalfCone > 0 {
			if swingAngle > limit {
				correction = r3.Add(correction, r3.Scale(limit-swingAngle, swingAxis))
			}
		}
	}

	if r3.Norm(correction) == 0 {
		return
	}

	// Convert to a world-space angular impulse split across both bodies
	worldCorr := quatutils.Rotate(p.rot, correction)
	kAng := p.invInertia + ch.invInertia
	if kAng <= 0 {
		return
	}
	impulse := r3.Scale(beta/(dt*kAng), worldCorr)
	p.angVel = r3.Sub(p.angVel, r3.Scale(p.invInertia, impulse))
	ch.angVel = r3.Add(ch.angVel, r3.Scale(ch.invInertia, impulse))
}

// applyMotor exerts a damped spring torque driving the child toward
// the motor's target relative rotation
func (c *swingTwist) applyMotor(w *World, dt float64) {
	if !c.motorOn {
		return
	}
	p := w.body(c.parent)
	ch := w.body(c.child)
	if p == nil || ch == nil || (!p.active && !ch.active) {
		return
	}

	rel := quat.Mul(quatutils.Inv(p.rot), ch.rot)
	dev := quatutils.Normalize(quat.Mul(quatutils.Inv(c.restRel), rel))
	errQ := quatutils.Normalize(quat.Mul(c.motorTarget, quatutils.Inv(dev)))
	axis, angle := quatutils.ToAxisAngle(errQ)

	// Spring constants from frequency and damping ratio, scaled by an
	// effective inertia so stiffness is mass-independent
	iEff := 2 / (p.invInertia + ch.invInertia)
	omega := 2 * math.Pi * c.motor.Frequency
	ks := iEff * omega * omega
	kd := 2 * c.motor.Damping * iEff * omega

	relVel := r3.Sub(ch.angVel, p.angVel)
	torque := r3.Sub(
		quatutils.Rotate(p.rot, r3.Scale(ks*angle, axis)),
		r3.Scale(kd, relVel),
	)

	if n := r3.Norm(torque); n > c.motor.MaxTorque {
		torque = r3.Scale(c.motor.MaxTorque/n, torque)
	}

	ch.angVel = r3.Add(ch.angVel, r3.Scale(dt*ch.invInertia, torque))
	p.angVel = r3.Sub(p.angVel, r3.Scale(dt*p.invInertia, torque))
}
