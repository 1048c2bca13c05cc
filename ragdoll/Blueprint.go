package ragdoll

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/skeleton"
	"github.com/motionrl/unitrack/utils/floatutils"
)

// minPartMass is the mass floor applied after volume-proportional
// distribution
const minPartMass = 0.1

// BoneOverride tweaks the automatic sizing for one named bone
type BoneOverride struct {
	Radius      float64 // explicit radius; <= 0 means derive from length
	LengthScale float64
	MassScale   float64
}

// RagdollConfig controls blueprint construction from a rig
type RagdollConfig struct {
	RadiusFraction float64
	MinRadius      float64
	MaxRadius      float64
	TotalMass      float64

	LinearDamping  float64
	AngularDamping float64

	MotorFrequency float64
	MotorDamping   float64
	MaxMotorTorque float64

	BoneOverrides map[string]BoneOverride
}

// DefaultRagdollConfig returns sizing constants tuned for a
// human-scale rig
func DefaultRagdollConfig() RagdollConfig {
	return RagdollConfig{
		RadiusFraction: 0.25,
		MinRadius:      0.03,
		MaxRadius:      0.12,
		TotalMass:      70,
		LinearDamping:  0.3,
		AngularDamping: 0.5,
		MotorFrequency: 10,
		MotorDamping:   1,
		MaxMotorTorque: 200,
	}
}

// Blueprint is the immutable build product shared by any number of
// live ArticulatedBody instances. Each instance owns only its own
// body and constraint handles, never the blueprint.
type Blueprint struct {
	config ArticulatedBodyConfig
	motor  motorParams
}

type motorParams struct {
	frequency float64
	damping   float64
	maxTorque float64
}

// Config returns a copy of the part configuration
func (b *Blueprint) Config() ArticulatedBodyConfig { return b.config }

// NumParts returns the part count
func (b *Blueprint) NumParts() int { return len(b.config.Parts) }

// TotalMass returns the summed part mass
func (b *Blueprint) TotalMass() float64 { return b.config.TotalMass() }

// BuildBlueprint derives one capsule part per skeleton joint from the
// global bind pose:
//
//   - bone length is the distance from the joint to the average of
//     its children's positions; leaf joints use half the parent bone
//   - capsule radius is length*RadiusFraction clamped to the config
//     bounds, overridable per bone name
//   - mass is distributed proportional to capsule volume so part
//     masses sum to TotalMass, floored at 0.1 per part
//   - the joint to the parent is a swing-twist constraint whose twist
//     axis follows the parent→child bone direction, with anatomical
//     limits looked up by bone-name substring
//
// It returns nil if the skeleton is empty.
func BuildBlueprint(skel *skeleton.Skeleton, bindPose []skeleton.Transform,
	cfg RagdollConfig) (*Blueprint, error) {

	numJoints := len(skel.Joints)
	if numJoints == 0 {
		return nil, fmt.Errorf("buildBlueprint: empty skeleton")
	}
	if len(bindPose) != numJoints {
		return nil, fmt.Errorf("buildBlueprint: bind pose has %d transforms for %d joints",
			len(bindPose), numJoints)
	}

	children := skel.Children()

	type boneInfo struct {
		length     float64
		radius     float64
		halfHeight float64
		volume     float64
	}
	infos := make([]boneInfo, numJoints)

	for i := range skel.Joints {
		joint := &skel.Joints[i]
		jointPos := bindPose[i].Translation

		lengthScale := 1.0
		if o, ok := cfg.BoneOverrides[joint.Name]; ok && o.LengthScale > 0 {
			lengthScale = o.LengthScale
		}

		var length float64
		if len(children[i]) > 0 {
			avg := r3.Vec{}
			for _, c := range children[i] {
				avg = r3.Add(avg, bindPose[c].Translation)
			}
			avg = r3.Scale(1/float64(len(children[i])), avg)
			length = r3.Norm(r3.Sub(avg, jointPos)) * lengthScale
		} else if joint.ParentIndex >= 0 {
			// Leaf joint: half the parent bone length
			parentPos := bindPose[joint.ParentIndex].Translation
			length = r3.Norm(r3.Sub(jointPos, parentPos)) * 0.5 * lengthScale
		} else {
			length = 0.1
		}
		if length < 1e-3 {
			length = 0.1
		}

		radius := floatutils.Clip(length*cfg.RadiusFraction, cfg.MinRadius, cfg.MaxRadius)
		if o, ok := cfg.BoneOverrides[joint.Name]; ok && o.Radius > 0 {
			radius = o.Radius
		}
		halfHeight := math.Max(0, length/2-radius)

		infos[i] = boneInfo{
			length:     length,
			radius:     radius,
			halfHeight: halfHeight,
			volume:     capsuleVolume(halfHeight, radius),
		}
	}

	totalVolume := 0.0
	for i := range infos {
		totalVolume += infos[i].volume
	}
	if totalVolume < 1e-4 {
		totalVolume = 1
	}

	bp := &Blueprint{
		config: ArticulatedBodyConfig{GlobalScale: 1},
		motor: motorParams{
			frequency: cfg.MotorFrequency,
			damping:   cfg.MotorDamping,
			maxTorque: cfg.MaxMotorTorque,
		},
	}
	bp.config.Parts = make([]BodyPartDef, 0, numJoints)

	for i := range skel.Joints {
		joint := &skel.Joints[i]
		info := &infos[i]

		massScale := 1.0
		if o, ok := cfg.BoneOverrides[joint.Name]; ok && o.MassScale > 0 {
			massScale = o.MassScale
		}
		mass := math.Max(minPartMass, (info.volume/totalVolume)*cfg.TotalMass*massScale)

		part := BodyPartDef{
			Name:               joint.Name,
			SkeletonJointIndex: i,
			ParentPartIndex:    joint.ParentIndex,
			HalfHeight:         info.halfHeight,
			Radius:             info.radius,
			Mass:               mass,
			EffortFactor:       effortForMass(mass),
		}

		if joint.ParentIndex >= 0 {
			jointPos := bindPose[i].Translation
			parentPos := bindPose[joint.ParentIndex].Translation

			// Anchor at the shared joint position; twist axis along
			// the parent→child bone direction
			part.LocalAnchorInParent = r3.Sub(jointPos, parentPos)
			part.LocalAnchorInChild = r3.Vec{}

			boneDir := r3.Sub(jointPos, parentPos)
			if r3.Norm(boneDir) > 1e-3 {
				boneDir = r3.Scale(1/r3.Norm(boneDir), boneDir)
			} else {
				boneDir = r3.Vec{Y: 1}
			}
			part.TwistAxis = boneDir
			part.PlaneAxis = perpendicularTo(boneDir)

			limits := FindJointLimitPreset(joint.Name)
			part.TwistLimits = r1.Interval{Min: limits.TwistMin, Max: limits.TwistMax}
			part.NormalHalfCone = limits.SwingYHalfAngle
			part.PlaneHalfCone = limits.SwingZHalfAngle
		} else {
			part.TwistAxis = r3.Vec{Y: 1}
			part.PlaneAxis = r3.Vec{X: 1}
			part.TwistLimits = r1.Interval{Min: -0.3, Max: 0.3}
			part.NormalHalfCone = 0.3
			part.PlaneHalfCone = 0.3
		}

		bp.config.Parts = append(bp.config.Parts, part)
	}

	log.Printf("ragdoll: blueprint built with %d parts (total mass=%.1f)",
		numJoints, bp.config.TotalMass())
	return bp, nil
}

func capsuleVolume(halfHeight, radius float64) float64 {
	cylinder := math.Pi * radius * radius * (2 * halfHeight)
	sphere := (4.0 / 3.0) * math.Pi * radius * radius * radius
	return cylinder + sphere
}

// perpendicularTo returns a unit vector perpendicular to dir
func perpendicularTo(dir r3.Vec) r3.Vec {
	ref := r3.Vec{Y: 1}
	if math.Abs(dir.Y) >= 0.9 {
		ref = r3.Vec{X: 1}
	}
	p := r3.Cross(dir, ref)
	return r3.Scale(1/r3.Norm(p), p)
}

// effortForMass picks a torque scale for a part from its mass so
// heavy proximal joints (hip, knee) get more authority than distal
// ones (wrist)
func effortForMass(mass float64) float64 {
	return floatutils.Clip(mass*60, 50, 600)
}
