// Package skeleton holds the skeletal rig boundary: an ordered joint
// hierarchy with bind-pose transforms, supplied by an external asset
// loader and consumed by the ragdoll builder. This package only reads
// the rig; the ragdoll writes presentation transforms back into it.
package skeleton

import (
	"strings"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/utils/quatutils"
)

// Transform is a rigid transform split into translation and rotation.
// The asset loader supplies bind transforms in this form; matrices are
// never needed past the loader boundary.
type Transform struct {
	Translation r3.Vec
	Rotation    quat.Number
}

// Mul composes two transforms: first b, then t
func (t Transform) Mul(b Transform) Transform {
	return Transform{
		Translation: r3.Add(t.Translation, quatutils.Rotate(t.Rotation, b.Translation)),
		Rotation:    quatutils.Normalize(quat.Mul(t.Rotation, b.Rotation)),
	}
}

// Joint is a single joint in the rig. ParentIndex is -1 for the root
// and always refers to an earlier joint in the slice.
type Joint struct {
	Name        string
	ParentIndex int
	InverseBind Transform
	LocalBind   Transform

	// LocalTransform is the presentation-time local transform,
	// written back from physics by ArticulatedBody.WriteToSkeleton.
	LocalTransform Transform
}

// Skeleton is an ordered list of joints obeying the parent-before-
// child invariant.
type Skeleton struct {
	Joints []Joint
}

// Valid reports whether every parent index refers to an earlier joint
func (s *Skeleton) Valid() bool {
	for i, j := range s.Joints {
		if j.ParentIndex >= i {
			return false
		}
	}
	return true
}

// FindJointIndex returns the index of the joint with exactly the
// given name, or -1 if no such joint exists
func (s *Skeleton) FindJointIndex(name string) int {
	for i, j := range s.Joints {
		if j.Name == name {
			return i
		}
	}
	return -1
}

// ResolveJoint tries each alias in order with an exact match, then
// falls back to a case-insensitive substring search. Returns -1 when
// nothing matches. Callers are expected to resolve once and cache the
// result rather than re-searching per use.
func (s *Skeleton) ResolveJoint(aliases ...string) int {
	for _, name := range aliases {
		if idx := s.FindJointIndex(name); idx >= 0 {
			return idx
		}
	}
	for _, name := range aliases {
		lower := strings.ToLower(name)
		for i, j := range s.Joints {
			if strings.Contains(strings.ToLower(j.Name), lower) {
				return i
			}
		}
	}
	return -1
}

// GlobalBindPose computes the world transform of every joint in the
// bind pose by walking the hierarchy root-first
func (s *Skeleton) GlobalBindPose() []Transform {
	global := make([]Transform, len(s.Joints))
	for i, j := range s.Joints {
		if j.ParentIndex < 0 {
			global[i] = j.LocalBind
		} else {
			global[i] = global[j.ParentIndex].Mul(j.LocalBind)
		}
	}
	return global
}

// Children returns, for every joint, the indices of its direct
// children in joint order
func (s *Skeleton) Children() [][]int {
	children := make([][]int, len(s.Joints))
	for i, j := range s.Joints {
		if j.ParentIndex >= 0 {
			children[j.ParentIndex] = append(children[j.ParentIndex], i)
		}
	}
	return children
}
