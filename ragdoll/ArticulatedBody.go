package ragdoll

import (
	"log"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/physics"
	"github.com/motionrl/unitrack/skeleton"
	"github.com/motionrl/unitrack/utils/quatutils"
)

// PartState is a read-only snapshot of one part's physics state,
// recomputed on every query and never cached across frames
type PartState struct {
	Position        r3.Vec
	Rotation        quat.Number
	LinearVelocity  r3.Vec
	AngularVelocity r3.Vec
}

// ArticulatedBody is one live ragdoll instance: one rigid body and
// (for non-root parts) one constraint handle per part, owned by
// exactly one physics world. Destroy must be called before the world
// is closed.
type ArticulatedBody struct {
	world *physics.World
	cfg   ArticulatedBodyConfig

	bodyIDs       []physics.BodyID
	constraintIDs []physics.ConstraintID // per part, InvalidConstraint for roots
	jointIndices  []int
	effortFactors []float64
}

const (
	partFriction    = 0.8
	partLinDamping  = 0.3
	partAngDamping  = 0.5
	defaultMotorHz  = 10.0
	defaultMotorDmp = 1.0
	defaultMotorMax = 200.0
)

// NewFromBlueprint creates a live instance of a shared blueprint at
// the given root position. Returns nil on failure.
func NewFromBlueprint(bp *Blueprint, world *physics.World, rootPos r3.Vec) *ArticulatedBody {
	cfg := bp.Config()
	ab := &ArticulatedBody{}
	if !ab.Create(world, cfg, rootPos) {
		return nil
	}
	return ab
}

// Create builds the ragdoll in the world at rootPos. On any body or
// constraint creation failure everything created so far is rolled
// back and false is returned.
func (ab *ArticulatedBody) Create(world *physics.World, cfg ArticulatedBodyConfig,
	rootPos r3.Vec) bool {

	if len(cfg.Parts) == 0 {
		log.Printf("ragdoll: create called with empty config")
		return false
	}
	if ab.IsValid() {
		log.Printf("ragdoll: create called on a live ragdoll")
		return false
	}

	numParts := len(cfg.Parts)
	scale := cfg.GlobalScale
	if scale <= 0 {
		scale = 1
	}

	positions := partWorldPositions(&cfg, rootPos, nil, scale)

	ab.world = world
	ab.cfg = cfg
	ab.bodyIDs = make([]physics.BodyID, numParts)
	ab.constraintIDs = make([]physics.ConstraintID, numParts)
	ab.jointIndices = make([]int, numParts)
	ab.effortFactors = make([]float64, numParts)

	for i := range cfg.Parts {
		part := &cfg.Parts[i]
		id, err := world.AddCapsule(physics.CapsuleDef{
			HalfHeight:     part.HalfHeight * scale,
			Radius:         part.Radius * scale,
			Mass:           part.Mass,
			Position:       positions[i],
			Rotation:       quatutils.Identity,
			LinearDamping:  partLinDamping,
			AngularDamping: partAngDamping,
			Friction:       partFriction,
		})
		if err != nil {
			log.Printf("ragdoll: body creation failed for part %q: %v", part.Name, err)
			ab.rollback(i, 0)
			return false
		}
		ab.bodyIDs[i] = id
		ab.constraintIDs[i] = physics.InvalidConstraint
		ab.jointIndices[i] = part.SkeletonJointIndex
		ab.effortFactors[i] = part.EffortFactor
	}

	created := 0
	for i := range cfg.Parts {
		part := &cfg.Parts[i]
		if part.ParentPartIndex < 0 {
			continue
		}
		parentIdx := part.ParentPartIndex
		anchor := r3.Add(positions[parentIdx], r3.Scale(scale, part.LocalAnchorInParent))

		cid, err := world.AddSwingTwist(physics.SwingTwistDef{
			Parent:         ab.bodyIDs[parentIdx],
			Child:          ab.bodyIDs[i],
			Anchor:         anchor,
			TwistAxis:      part.TwistAxis,
			PlaneAxis:      part.PlaneAxis,
			TwistMin:       part.TwistLimits.Min,
			TwistMax:       part.TwistLimits.Max,
			NormalHalfCone: part.NormalHalfCone,
			PlaneHalfCone:  part.PlaneHalfCone,
			Motor: physics.MotorSettings{
				Frequency: defaultMotorHz,
				Damping:   defaultMotorDmp,
				MaxTorque: defaultMotorMax,
			},
		})
		if err != nil {
			log.Printf("ragdoll: constraint creation failed for part %q: %v", part.Name, err)
			ab.rollback(numParts, created)
			return false
		}
		ab.constraintIDs[i] = cid
		created++
	}

	log.Printf("ragdoll: created %d parts, %d constraints", numParts, created)
	return true
}

// rollback removes the first numBodies bodies and every constraint
// created so far, leaving the instance empty
func (ab *ArticulatedBody) rollback(numBodies, numConstraints int) {
	removed := 0
	for i := range ab.constraintIDs {
		if ab.constraintIDs[i] != physics.InvalidConstraint && removed < numConstraints {
			ab.world.RemoveConstraint(ab.constraintIDs[i])
			removed++
		}
	}
	for i := 0; i < numBodies; i++ {
		ab.world.RemoveBody(ab.bodyIDs[i])
	}
	ab.clear()
}

func (ab *ArticulatedBody) clear() {
	ab.world = nil
	ab.bodyIDs = nil
	ab.constraintIDs = nil
	ab.jointIndices = nil
	ab.effortFactors = nil
}

// IsValid reports whether the ragdoll currently owns live handles
func (ab *ArticulatedBody) IsValid() bool { return len(ab.bodyIDs) > 0 }

// ConfigRef returns the configuration the ragdoll was created from,
// or nil when the ragdoll is not live
func (ab *ArticulatedBody) ConfigRef() *ArticulatedBodyConfig {
	if !ab.IsValid() {
		return nil
	}
	return &ab.cfg
}

// NumParts returns the part count
func (ab *ArticulatedBody) NumParts() int { return len(ab.bodyIDs) }

// Destroy releases all handles. Constraints are removed before the
// bodies they reference.
func (ab *ArticulatedBody) Destroy() {
	if !ab.IsValid() {
		return
	}
	for _, cid := range ab.constraintIDs {
		if cid != physics.InvalidConstraint {
			ab.world.RemoveConstraint(cid)
		}
	}
	for _, bid := range ab.bodyIDs {
		ab.world.RemoveBody(bid)
	}
	ab.clear()
}

// State fills states with a fresh snapshot of every part
func (ab *ArticulatedBody) State(states *[]PartState) {
	if cap(*states) < len(ab.bodyIDs) {
		*states = make([]PartState, len(ab.bodyIDs))
	}
	*states = (*states)[:len(ab.bodyIDs)]
	for i, bid := range ab.bodyIDs {
		info := ab.world.BodyInfo(bid)
		(*states)[i] = PartState{
			Position:        info.Position,
			Rotation:        info.Rotation,
			LinearVelocity:  info.LinearVelocity,
			AngularVelocity: info.AngularVelocity,
		}
	}
}

// ApplyTorques applies one world-space torque per part, scaling each
// by that part's effort factor so a policy's normalized output maps
// to joint-appropriate magnitudes
func (ab *ArticulatedBody) ApplyTorques(torques []r3.Vec) {
	n := len(torques)
	if len(ab.bodyIDs) < n {
		n = len(ab.bodyIDs)
	}
	for i := 0; i < n; i++ {
		ab.world.ApplyTorque(ab.bodyIDs[i], r3.Scale(ab.effortFactors[i], torques[i]))
	}
}

// SetMotorTargets drives each non-root part's constraint motor toward
// a target relative rotation (offset from the bind pose)
func (ab *ArticulatedBody) SetMotorTargets(targets []quat.Number) {
	n := len(targets)
	if len(ab.constraintIDs) < n {
		n = len(ab.constraintIDs)
	}
	for i := 0; i < n; i++ {
		if ab.constraintIDs[i] != physics.InvalidConstraint {
			ab.world.SetMotorTarget(ab.constraintIDs[i], targets[i])
		}
	}
}

// SetActive enables or disables simulation for every part
func (ab *ArticulatedBody) SetActive(active bool) {
	for _, bid := range ab.bodyIDs {
		ab.world.SetBodyActive(bid, active)
	}
}

// SnapToPose teleports the ragdoll to a rigid pose under the given
// root transform, bypassing physics for one frame: every part takes
// the root rotation and part positions are rebuilt from the config's
// anchor chain rotated with the root.
func (ab *ArticulatedBody) SnapToPose(rootPos r3.Vec, rootRot quat.Number,
	linVel, angVel r3.Vec) {

	if !ab.IsValid() {
		return
	}
	rotations := make([]quat.Number, len(ab.bodyIDs))
	for i := range rotations {
		rotations[i] = rootRot
	}
	positions := ab.placeParts(rootPos, rotations)
	for i, bid := range ab.bodyIDs {
		ab.world.SetBodyState(bid, positions[i], rootRot, linVel, angVel)
	}
}

// SnapToFrame teleports the ragdoll into a reference frame's pose:
// each part takes its world-space joint rotation, positions are
// rebuilt from the anchor chain under those rotations, and angular
// velocities come from the frame's per-joint values. Parts past the
// end of the rotation slice fall back to the root transform.
func (ab *ArticulatedBody) SnapToFrame(rootPos r3.Vec, rootRot quat.Number,
	jointRots []quat.Number, linVel r3.Vec, angVels []r3.Vec) {

	if !ab.IsValid() {
		return
	}
	rotations := make([]quat.Number, len(ab.bodyIDs))
	for i := range rotations {
		if i < len(jointRots) {
			rotations[i] = quatutils.Normalize(jointRots[i])
		} else {
			rotations[i] = rootRot
		}
	}
	rotations[0] = rootRot

	positions := ab.placeParts(rootPos, rotations)
	for i, bid := range ab.bodyIDs {
		angVel := r3.Vec{}
		if i < len(angVels) {
			angVel = angVels[i]
		}
		ab.world.SetBodyState(bid, positions[i], rotations[i], linVel, angVel)
	}
}

// placeParts walks the anchor chain under per-part world rotations
func (ab *ArticulatedBody) placeParts(rootPos r3.Vec, rotations []quat.Number) []r3.Vec {
	scale := ab.cfg.GlobalScale
	if scale <= 0 {
		scale = 1
	}
	return partWorldPositions(&ab.cfg, rootPos, rotations, scale)
}

// HasNaNState reports whether any part's state has diverged to NaN
// or infinity
func (ab *ArticulatedBody) HasNaNState() bool {
	for _, bid := range ab.bodyIDs {
		if !ab.world.BodyInfo(bid).Finite() {
			return true
		}
	}
	return false
}

// RootPosition returns the root part's position
func (ab *ArticulatedBody) RootPosition() r3.Vec {
	if !ab.IsValid() {
		return r3.Vec{}
	}
	return ab.world.BodyInfo(ab.bodyIDs[0]).Position
}

// RootRotation returns the root part's rotation
func (ab *ArticulatedBody) RootRotation() quat.Number {
	if !ab.IsValid() {
		return quatutils.Identity
	}
	return ab.world.BodyInfo(ab.bodyIDs[0]).Rotation
}

// WriteToSkeleton reconstructs each mapped joint's parent-relative
// local transform from the part world transforms. Root joints copy
// the world transform directly.
func (ab *ArticulatedBody) WriteToSkeleton(skel *skeleton.Skeleton) {
	for i, bid := range ab.bodyIDs {
		jointIdx := ab.jointIndices[i]
		if jointIdx < 0 || jointIdx >= len(skel.Joints) {
			continue
		}
		info := ab.world.BodyInfo(bid)
		joint := &skel.Joints[jointIdx]

		if joint.ParentIndex < 0 {
			joint.LocalTransform = skeleton.Transform{
				Translation: info.Position,
				Rotation:    info.Rotation,
			}
			continue
		}

		parentPart := ab.partForJoint(joint.ParentIndex)
		if parentPart < 0 {
			// Parent joint has no physics body; fall back to world
			joint.LocalTransform = skeleton.Transform{
				Translation: info.Position,
				Rotation:    info.Rotation,
			}
			continue
		}

		parentInfo := ab.world.BodyInfo(ab.bodyIDs[parentPart])
		invParent := quatutils.Inv(parentInfo.Rotation)
		joint.LocalTransform = skeleton.Transform{
			Translation: quatutils.Rotate(invParent, r3.Sub(info.Position, parentInfo.Position)),
			Rotation:    quatutils.Normalize(quat.Mul(invParent, info.Rotation)),
		}
	}
}

func (ab *ArticulatedBody) partForJoint(jointIdx int) int {
	for i, j := range ab.jointIndices {
		if j == jointIdx {
			return i
		}
	}
	return -1
}

// partWorldPositions walks the parent chain accumulating anchor
// offsets to place every part relative to the root. Anchors are
// rotated into world space by each part's rotation; a nil rotation
// slice means the bind pose (identity everywhere).
func partWorldPositions(cfg *ArticulatedBodyConfig, rootPos r3.Vec,
	rotations []quat.Number, scale float64) []r3.Vec {

	positions := make([]r3.Vec, len(cfg.Parts))
	for i := range cfg.Parts {
		part := &cfg.Parts[i]
		if part.ParentPartIndex < 0 {
			positions[i] = rootPos
			continue
		}
		p := part.ParentPartIndex
		inParent := r3.Scale(scale, part.LocalAnchorInParent)
		inChild := r3.Scale(scale, part.LocalAnchorInChild)
		if rotations != nil {
			inParent = quatutils.Rotate(rotations[p], inParent)
			inChild = quatutils.Rotate(rotations[i], inChild)
		}
		positions[i] = r3.Sub(r3.Add(positions[p], inParent), inChild)
	}
	return positions
}
