// Package physics implements the small rigid-body world the training
// core runs on: capsule bodies linked by swing-twist constraints with
// spring motors, a flat ground disc, and a fixed-increment synchronous
// stepper. The solver is a semi-implicit Euler integrator with a few
// velocity iterations of Baumgarte-stabilized constraint solving,
// enough to keep a driven ragdoll coherent.
package physics

import (
	"fmt"
	"log"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/utils/floatutils"
	"github.com/motionrl/unitrack/utils/quatutils"
)

// BodyID identifies a rigid body within one World
type BodyID int

// ConstraintID identifies a constraint within one World
type ConstraintID int

// InvalidBody is returned when body creation fails
const InvalidBody BodyID = -1

// InvalidConstraint is returned when constraint creation fails
const InvalidConstraint ConstraintID = -1

// WorldConfig configures a new World
type WorldConfig struct {
	Gravity            r3.Vec
	VelocityIterations int
}

// DefaultWorldConfig returns a Y-up world with standard gravity
func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		Gravity:            r3.Vec{Y: -9.81},
		VelocityIterations: 4,
	}
}

// CapsuleDef describes a capsule rigid body. The capsule is aligned
// with the body's local Y axis; total length is 2*(HalfHeight+Radius).
type CapsuleDef struct {
	HalfHeight float64
	Radius     float64
	Mass       float64
	Position   r3.Vec
	Rotation   quat.Number

	LinearDamping  float64
	AngularDamping float64
	Friction       float64
}

// BodyInfo is a read-only snapshot of one body's state
type BodyInfo struct {
	Position        r3.Vec
	Rotation        quat.Number
	LinearVelocity  r3.Vec
	AngularVelocity r3.Vec
}

// Finite reports whether the snapshot contains only real values
func (b BodyInfo) Finite() bool {
	return finiteVec(b.Position) && quatutils.Finite(b.Rotation) &&
		finiteVec(b.LinearVelocity) && finiteVec(b.AngularVelocity)
}

func finiteVec(v r3.Vec) bool {
	return floatutils.Finite(v.X) && floatutils.Finite(v.Y) && floatutils.Finite(v.Z)
}

type body struct {
	halfHeight float64
	radius     float64
	mass       float64
	invMass    float64
	invInertia float64 // scalar inertia approximation

	pos    r3.Vec
	rot    quat.Number
	linVel r3.Vec
	angVel r3.Vec

	force  r3.Vec
	torque r3.Vec

	linDamping float64
	angDamping float64
	friction   float64

	active bool
}

// World owns a set of rigid bodies and constraints and steps them in
// fixed increments. A World must only be used from the goroutine that
// created it.
type World struct {
	cfg         WorldConfig
	bodies      []*body
	constraints []*swingTwist

	groundRadius float64
	hasGround    bool
}

// NewWorld creates an empty world
func NewWorld(cfg WorldConfig) *World {
	if cfg.VelocityIterations <= 0 {
		cfg.VelocityIterations = 4
	}
	return &World{cfg: cfg}
}

// Close releases all bodies and constraints. Bodies still alive at
// Close time were leaked by their owners; they are released anyway
// with a diagnostic.
func (w *World) Close() {
	leaked := 0
	for _, b := range w.bodies {
		if b != nil {
			leaked++
		}
	}
	if leaked > 0 {
		log.Printf("physics: world closed with %d live bodies (leaked handles)", leaked)
	}
	w.bodies = nil
	w.constraints = nil
}

// NumBodies returns the number of live bodies
func (w *World) NumBodies() int {
	n := 0
	for _, b := range w.bodies {
		if b != nil {
			n++
		}
	}
	return n
}

// AddGroundPlane adds a static ground disc of the given radius at y=0
func (w *World) AddGroundPlane(radius float64) {
	w.groundRadius = radius
	w.hasGround = true
}

// AddCapsule creates a capsule body and returns its ID
func (w *World) AddCapsule(def CapsuleDef) (BodyID, error) {
	if def.Radius <= 0 || def.HalfHeight < 0 {
		return InvalidBody, fmt.Errorf("addCapsule: invalid dimensions (halfHeight=%v, radius=%v)",
			def.HalfHeight, def.Radius)
	}
	if def.Mass <= 0 {
		return InvalidBody, fmt.Errorf("addCapsule: non-positive mass %v", def.Mass)
	}

	rot := def.Rotation
	if quat.Abs(rot) == 0 {
		rot = quatutils.Identity
	}

	// Scalar inertia from a solid-cylinder approximation of the capsule
	length := 2 * (def.HalfHeight + def.Radius)
	inertia := def.Mass * (0.25*def.Radius*def.Radius + length*length/12)

	b := &body{
		halfHeight: def.HalfHeight,
		radius:     def.Radius,
		mass:       def.Mass,
		invMass:    1 / def.Mass,
		invInertia: 1 / inertia,
		pos:        def.Position,
		rot:        quatutils.Normalize(rot),
		linDamping: def.LinearDamping,
		angDamping: def.AngularDamping,
		friction:   def.Friction,
		active:     true,
	}
	w.bodies = append(w.bodies, b)
	return BodyID(len(w.bodies) - 1), nil
}

// RemoveBody destroys a body. Constraints referencing it must already
// have been removed.
func (w *World) RemoveBody(id BodyID) {
	if b := w.body(id); b != nil {
		w.bodies[id] = nil
	}
}

// BodyInfo returns a snapshot of the body's state. Unknown IDs return
// the zero snapshot.
func (w *World) BodyInfo(id BodyID) BodyInfo {
	b := w.body(id)
	if b == nil {
		return BodyInfo{Rotation: quatutils.Identity}
	}
	return BodyInfo{
		Position:        b.pos,
		Rotation:        b.rot,
		LinearVelocity:  b.linVel,
		AngularVelocity: b.angVel,
	}
}

// ApplyTorque accumulates a world-space torque to be integrated on
// the next Step
func (w *World) ApplyTorque(id BodyID, torque r3.Vec) {
	if b := w.body(id); b != nil && b.active {
		b.torque = r3.Add(b.torque, torque)
	}
}

// ApplyForce accumulates a world-space force at the center of mass
func (w *World) ApplyForce(id BodyID, force r3.Vec) {
	if b := w.body(id); b != nil && b.active {
		b.force = r3.Add(b.force, force)
	}
}

// SetBodyState teleports a body, bypassing the solver. Used to snap
// ragdolls to reference poses on episode reset.
func (w *World) SetBodyState(id BodyID, pos r3.Vec, rot quat.Number, linVel, angVel r3.Vec) {
	if b := w.body(id); b != nil {
		b.pos = pos
		b.rot = quatutils.Normalize(rot)
		b.linVel = linVel
		b.angVel = angVel
		b.force = r3.Vec{}
		b.torque = r3.Vec{}
	}
}

// SetBodyActive enables or disables simulation for a body. Inactive
// bodies keep their state but are skipped by Step.
func (w *World) SetBodyActive(id BodyID, active bool) {
	if b := w.body(id); b != nil {
		b.active = active
	}
}

func (w *World) body(id BodyID) *body {
	if id < 0 || int(id) >= len(w.bodies) {
		return nil
	}
	return w.bodies[id]
}

// Step advances the simulation by exactly one fixed increment dt.
// The call is synchronous: it returns only once integration, the
// constraint iterations, and contact resolution have completed.
func (w *World) Step(dt float64) {
	if dt <= 0 {
		return
	}

	// Gravity and accumulated forces
	for _, b := range w.bodies {
		if b == nil || !b.active {
			continue
		}
		b.linVel = r3.Add(b.linVel, r3.Scale(dt, r3.Add(r3.Scale(1/b.mass, b.force), w.cfg.Gravity)))
		b.angVel = r3.Add(b.angVel, r3.Scale(dt*b.invInertia, b.torque))
		b.force = r3.Vec{}
		b.torque = r3.Vec{}
	}

	// Constraint motors fire once per step; positional and limit
	// corrections iterate.
	for _, c := range w.constraints {
		if c != nil {
			c.applyMotor(w, dt)
		}
	}
	for iter := 0; iter < w.cfg.VelocityIterations; iter++ {
		for _, c := range w.constraints {
			if c != nil {
				c.solve(w, dt)
			}
		}
	}

	if w.hasGround {
		w.resolveGroundContacts(dt)
	}

	// Integrate and damp
	for _, b := range w.bodies {
		if b == nil || !b.active {
			continue
		}
		b.pos = r3.Add(b.pos, r3.Scale(dt, b.linVel))
		b.rot = quatutils.Integrate(b.rot, b.angVel, dt)
		b.linVel = r3.Scale(1/(1+dt*b.linDamping), b.linVel)
		b.angVel = r3.Scale(1/(1+dt*b.angDamping), b.angVel)
	}
}

// resolveGroundContacts pushes capsule endpoints out of the ground
// disc with a restitution-free normal impulse plus Coulomb friction
func (w *World) resolveGroundContacts(dt float64) {
	const beta = 0.2 // Baumgarte position-correction factor

	up := r3.Vec{Y: 1}
	for _, b := range w.bodies {
		if b == nil || !b.active {
			continue
		}
		axis := quatutils.Rotate(b.rot, up)
		for _, sign := range []float64{1, -1} {
			end := r3.Add(b.pos, r3.Scale(sign*b.halfHeight, axis))
			lowest := end.Y - b.radius
			if lowest >= 0 {
				continue
			}
			if end.X*end.X+end.Z*end.Z > w.groundRadius*w.groundRadius {
				continue
			}

			contact := r3.Sub(end, r3.Vec{Y: b.radius})
			rArm := r3.Sub(contact, b.pos)
			vel := r3.Add(b.linVel, r3.Cross(b.angVel, rArm))

			// Normal impulse with positional bias
			vn := vel.Y
			bias := beta * (-lowest) / dt
			jn := -(vn - bias) / (b.invMass + b.invInertia*r3.Norm2(r3.Cross(rArm, up)))
			if jn < 0 {
				continue
			}
			impulse := r3.Vec{Y: jn}
			b.linVel = r3.Add(b.linVel, r3.Scale(b.invMass, impulse))
			b.angVel = r3.Add(b.angVel, r3.Scale(b.invInertia, r3.Cross(rArm, impulse)))

			// Friction against tangential contact velocity
			tangent := r3.Vec{X: vel.X, Z: vel.Z}
			tn := r3.Norm(tangent)
			if tn < 1e-9 {
				continue
			}
			tdir := r3.Scale(1/tn, tangent)
			jt := floatutils.Clip(tn/(b.invMass+1e-9), 0, b.friction*jn)
			fImpulse := r3.Scale(-jt, tdir)
			b.linVel = r3.Add(b.linVel, r3.Scale(b.invMass, fImpulse))
			b.angVel = r3.Add(b.angVel, r3.Scale(b.invInertia, r3.Cross(rArm, fImpulse)))
		}
	}
}
