// Package ragdoll converts a skeletal rig into a multi-rigid-body
// character: capsule parts linked by swing-twist constraints, with
// per-part effort scaling so a normalized policy output maps to
// physically sensible torques.
package ragdoll

import (
	"log"
	"strings"

	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/skeleton"
)

// BodyPartDef describes one capsule part of an articulated body and
// the joint connecting it to its parent part
type BodyPartDef struct {
	Name               string
	SkeletonJointIndex int
	ParentPartIndex    int

	HalfHeight float64
	Radius     float64
	Mass       float64

	LocalAnchorInParent r3.Vec
	LocalAnchorInChild  r3.Vec

	TwistAxis      r3.Vec
	PlaneAxis      r3.Vec
	TwistLimits    r1.Interval
	NormalHalfCone float64
	PlaneHalfCone  float64

	// EffortFactor scales a normalized [-1, 1] policy torque into a
	// physically meaningful magnitude for this joint
	EffortFactor float64
}

// ArticulatedBodyConfig is the ordered part list an ArticulatedBody
// is created from. Parts always precede their children.
type ArticulatedBodyConfig struct {
	GlobalScale float64
	Parts       []BodyPartDef

	// MappedJoints counts how many parts resolved to a skeleton
	// joint when the config was built from a rig
	MappedJoints int
}

// NumParts returns the part count
func (c *ArticulatedBodyConfig) NumParts() int { return len(c.Parts) }

// TotalMass sums the configured part masses
func (c *ArticulatedBodyConfig) TotalMass() float64 {
	total := 0.0
	for i := range c.Parts {
		total += c.Parts[i].Mass
	}
	return total
}

type partTemplate struct {
	name       string
	jointNames []string
	parent     int

	halfHeight, radius, mass float64
	anchorInParent           r3.Vec
	anchorInChild            r3.Vec
	twistAxis, planeAxis     r3.Vec
	twistMin, twistMax       float64
	normalCone, planeCone    float64
	effort                   float64
}

// humanoidTemplate is the fixed 20-part humanoid layout. Y-up, capsules
// aligned along local Y, parents always before children. Anchor points
// are relative to each capsule's center.
var humanoidTemplate = []partTemplate{
	{"Pelvis", []string{"Hips", "pelvis", "Pelvis", "mixamorig:Hips", "Bip01_Pelvis"}, -1,
		0.08, 0.12, 10, r3.Vec{}, r3.Vec{}, r3.Vec{Y: 1}, r3.Vec{X: 1}, -0.3, 0.3, 0.3, 0.3, 400},
	{"LowerSpine", []string{"Spine", "spine_01", "LowerSpine", "mixamorig:Spine", "Bip01_Spine"}, 0,
		0.08, 0.10, 6, r3.Vec{Y: 0.08}, r3.Vec{Y: -0.08}, r3.Vec{Y: 1}, r3.Vec{X: 1}, -0.3, 0.3, 0.3, 0.3, 400},
	{"UpperSpine", []string{"Spine1", "spine_02", "UpperSpine", "mixamorig:Spine1", "Bip01_Spine1"}, 1,
		0.08, 0.10, 6, r3.Vec{Y: 0.08}, r3.Vec{Y: -0.08}, r3.Vec{Y: 1}, r3.Vec{X: 1}, -0.2, 0.2, 0.2, 0.2, 400},
	{"Chest", []string{"Spine2", "spine_03", "Chest", "mixamorig:Spine2", "Bip01_Spine2"}, 2,
		0.10, 0.12, 8, r3.Vec{Y: 0.08}, r3.Vec{Y: -0.10}, r3.Vec{Y: 1}, r3.Vec{X: 1}, -0.2, 0.2, 0.2, 0.2, 300},
	{"Neck", []string{"Neck", "neck_01", "mixamorig:Neck", "Bip01_Neck"}, 3,
		0.04, 0.04, 2, r3.Vec{Y: 0.10}, r3.Vec{Y: -0.04}, r3.Vec{Y: 1}, r3.Vec{X: 1}, -0.3, 0.3, 0.3, 0.3, 100},
	{"Head", []string{"Head", "head", "mixamorig:Head", "Bip01_Head"}, 4,
		0.06, 0.09, 4, r3.Vec{Y: 0.04}, r3.Vec{Y: -0.06}, r3.Vec{Y: 1}, r3.Vec{X: 1}, -0.4, 0.4, 0.3, 0.3, 100},
	{"LeftShoulder", []string{"LeftShoulder", "clavicle_l", "L_Clavicle", "mixamorig:LeftShoulder", "Bip01_L_Clavicle"}, 3,
		0.06, 0.03, 1.5, r3.Vec{X: -0.06, Y: 0.08}, r3.Vec{X: 0.06}, r3.Vec{X: -1}, r3.Vec{Y: 1}, -0.2, 0.2, 0.2, 0.2, 100},
	{"LeftUpperArm", []string{"LeftArm", "upperarm_l", "L_UpperArm", "mixamorig:LeftArm", "Bip01_L_UpperArm"}, 6,
		0.12, 0.04, 2.5, r3.Vec{X: -0.06}, r3.Vec{Y: 0.12}, r3.Vec{Y: -1}, r3.Vec{X: 1}, -1.2, 1.2, 1.2, 0.8, 150},
	{"LeftForearm", []string{"LeftForeArm", "lowerarm_l", "L_Forearm", "mixamorig:LeftForeArm", "Bip01_L_Forearm"}, 7,
		0.11, 0.035, 1.5, r3.Vec{Y: -0.12}, r3.Vec{Y: 0.11}, r3.Vec{Y: -1}, r3.Vec{X: 1}, -2.0, 0.0, 0.1, 0.1, 100},
	{"LeftHand", []string{"LeftHand", "hand_l", "L_Hand", "mixamorig:LeftHand", "Bip01_L_Hand"}, 8,
		0.04, 0.03, 0.5, r3.Vec{Y: -0.11}, r3.Vec{Y: 0.04}, r3.Vec{Y: -1}, r3.Vec{X: 1}, -0.5, 0.5, 0.4, 0.4, 50},
	{"RightShoulder", []string{"RightShoulder", "clavicle_r", "R_Clavicle", "mixamorig:RightShoulder", "Bip01_R_Clavicle"}, 3,
		0.06, 0.03, 1.5, r3.Vec{X: 0.06, Y: 0.08}, r3.Vec{X: -0.06}, r3.Vec{X: 1}, r3.Vec{Y: 1}, -0.2, 0.2, 0.2, 0.2, 100},
	{"RightUpperArm", []string{"RightArm", "upperarm_r", "R_UpperArm", "mixamorig:RightArm", "Bip01_R_UpperArm"}, 10,
		0.12, 0.04, 2.5, r3.Vec{X: 0.06}, r3.Vec{Y: 0.12}, r3.Vec{Y: -1}, r3.Vec{X: 1}, -1.2, 1.2, 1.2, 0.8, 150},
	{"RightForearm", []string{"RightForeArm", "lowerarm_r", "R_Forearm", "mixamorig:RightForeArm", "Bip01_R_Forearm"}, 11,
		0.11, 0.035, 1.5, r3.Vec{Y: -0.12}, r3.Vec{Y: 0.11}, r3.Vec{Y: -1}, r3.Vec{X: 1}, -2.0, 0.0, 0.1, 0.1, 100},
	{"RightHand", []string{"RightHand", "hand_r", "R_Hand", "mixamorig:RightHand", "Bip01_R_Hand"}, 12,
		0.04, 0.03, 0.5, r3.Vec{Y: -0.11}, r3.Vec{Y: 0.04}, r3.Vec{Y: -1}, r3.Vec{X: 1}, -0.5, 0.5, 0.4, 0.4, 50},
	{"LeftThigh", []string{"LeftUpLeg", "thigh_l", "L_Thigh", "mixamorig:LeftUpLeg", "Bip01_L_Thigh"}, 0,
		0.18, 0.06, 6, r3.Vec{X: -0.10, Y: -0.08}, r3.Vec{Y: 0.18}, r3.Vec{Y: -1}, r3.Vec{X: 1}, -0.5, 0.5, 0.8, 0.5, 600},
	{"LeftShin", []string{"LeftLeg", "calf_l", "L_Shin", "mixamorig:LeftLeg", "Bip01_L_Calf"}, 14,
		0.18, 0.05, 4, r3.Vec{Y: -0.18}, r3.Vec{Y: 0.18}, r3.Vec{Y: -1}, r3.Vec{X: 1}, 0.0, 2.5, 0.1, 0.1, 400},
	{"LeftFoot", []string{"LeftFoot", "foot_l", "L_Foot", "mixamorig:LeftFoot", "Bip01_L_Foot"}, 15,
		0.06, 0.035, 1, r3.Vec{Y: -0.18}, r3.Vec{Y: 0.035, Z: 0.03}, r3.Vec{X: 1}, r3.Vec{Y: 1}, -0.5, 0.5, 0.3, 0.3, 100},
	{"RightThigh", []string{"RightUpLeg", "thigh_r", "R_Thigh", "mixamorig:RightUpLeg", "Bip01_R_Thigh"}, 0,
		0.18, 0.06, 6, r3.Vec{X: 0.10, Y: -0.08}, r3.Vec{Y: 0.18}, r3.Vec{Y: -1}, r3.Vec{X: 1}, -0.5, 0.5, 0.8, 0.5, 600},
	{"RightShin", []string{"RightLeg", "calf_r", "R_Shin", "mixamorig:RightLeg", "Bip01_R_Calf"}, 17,
		0.18, 0.05, 4, r3.Vec{Y: -0.18}, r3.Vec{Y: 0.18}, r3.Vec{Y: -1}, r3.Vec{X: 1}, 0.0, 2.5, 0.1, 0.1, 400},
	{"RightFoot", []string{"RightFoot", "foot_r", "R_Foot", "mixamorig:RightFoot", "Bip01_R_Foot"}, 18,
		0.06, 0.035, 1, r3.Vec{Y: -0.18}, r3.Vec{Y: 0.035, Z: 0.03}, r3.Vec{X: 1}, r3.Vec{Y: 1}, -0.5, 0.5, 0.3, 0.3, 100},
}

// NumHumanoidParts is the part count of the fixed humanoid template
const NumHumanoidParts = 20

func templateToDef(t *partTemplate) BodyPartDef {
	return BodyPartDef{
		Name:                t.name,
		SkeletonJointIndex:  -1,
		ParentPartIndex:     t.parent,
		HalfHeight:          t.halfHeight,
		Radius:              t.radius,
		Mass:                t.mass,
		LocalAnchorInParent: t.anchorInParent,
		LocalAnchorInChild:  t.anchorInChild,
		TwistAxis:           t.twistAxis,
		PlaneAxis:           t.planeAxis,
		TwistLimits:         r1.Interval{Min: t.twistMin, Max: t.twistMax},
		NormalHalfCone:      t.normalCone,
		PlaneHalfCone:       t.planeCone,
		EffortFactor:        t.effort,
	}
}

// NewHumanoidConfig builds the 20-part humanoid config without a rig.
// Joint indices are left unmapped; this is the form used by headless
// training environments.
func NewHumanoidConfig() ArticulatedBodyConfig {
	cfg := ArticulatedBodyConfig{GlobalScale: 1}
	cfg.Parts = make([]BodyPartDef, 0, len(humanoidTemplate))
	for i := range humanoidTemplate {
		cfg.Parts = append(cfg.Parts, templateToDef(&humanoidTemplate[i]))
	}
	return cfg
}

// NewHumanoidConfigFromSkeleton builds the humanoid config and maps
// each part onto the rig. Alias resolution runs once here; the
// resolved indices are cached on the config so no per-use name search
// ever happens again.
func NewHumanoidConfigFromSkeleton(skel *skeleton.Skeleton) ArticulatedBodyConfig {
	cfg := NewHumanoidConfig()
	for i := range humanoidTemplate {
		idx := skel.ResolveJoint(humanoidTemplate[i].jointNames...)
		cfg.Parts[i].SkeletonJointIndex = idx
		if idx >= 0 {
			cfg.MappedJoints++
		}
	}
	log.Printf("ragdoll: humanoid config mapped %d/%d joints (%d skeleton joints)",
		cfg.MappedJoints, len(cfg.Parts), len(skel.Joints))
	return cfg
}

// JointLimitPreset holds anatomical swing/twist bounds for one class
// of bone
type JointLimitPreset struct {
	TwistMin, TwistMax float64
	SwingYHalfAngle    float64
	SwingZHalfAngle    float64
}

var jointLimitPresets = []struct {
	match  string
	limits JointLimitPreset
}{
	{"spine", JointLimitPreset{-0.3, 0.3, 0.3, 0.3}},
	{"chest", JointLimitPreset{-0.2, 0.2, 0.2, 0.2}},
	{"neck", JointLimitPreset{-0.3, 0.3, 0.3, 0.3}},
	{"head", JointLimitPreset{-0.4, 0.4, 0.3, 0.3}},
	{"clavicle", JointLimitPreset{-0.2, 0.2, 0.2, 0.2}},
	{"shoulder", JointLimitPreset{-0.2, 0.2, 0.2, 0.2}},
	{"forearm", JointLimitPreset{-2.0, 0.0, 0.1, 0.1}},
	{"lowerarm", JointLimitPreset{-2.0, 0.0, 0.1, 0.1}},
	{"elbow", JointLimitPreset{-2.0, 0.0, 0.1, 0.1}},
	{"arm", JointLimitPreset{-1.2, 1.2, 1.2, 0.8}},
	{"hand", JointLimitPreset{-0.5, 0.5, 0.4, 0.4}},
	{"wrist", JointLimitPreset{-0.5, 0.5, 0.4, 0.4}},
	{"thigh", JointLimitPreset{-0.5, 0.5, 0.8, 0.5}},
	{"upleg", JointLimitPreset{-0.5, 0.5, 0.8, 0.5}},
	{"hip", JointLimitPreset{-0.5, 0.5, 0.8, 0.5}},
	{"shin", JointLimitPreset{0.0, 2.5, 0.1, 0.1}},
	{"calf", JointLimitPreset{0.0, 2.5, 0.1, 0.1}},
	{"knee", JointLimitPreset{0.0, 2.5, 0.1, 0.1}},
	{"foot", JointLimitPreset{-0.5, 0.5, 0.3, 0.3}},
	{"ankle", JointLimitPreset{-0.5, 0.5, 0.3, 0.3}},
	{"leg", JointLimitPreset{0.0, 2.5, 0.1, 0.1}},
}

// FindJointLimitPreset returns anatomical limits for a bone by name
// substring, falling back to a moderate default when nothing matches
func FindJointLimitPreset(boneName string) JointLimitPreset {
	lower := strings.ToLower(boneName)
	for _, p := range jointLimitPresets {
		if strings.Contains(lower, p.match) {
			return p.limits
		}
	}
	return JointLimitPreset{-0.4, 0.4, 0.4, 0.4}
}
