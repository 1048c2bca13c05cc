package skeleton

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/utils/quatutils"
)

func chainSkeleton() *Skeleton {
	return &Skeleton{Joints: []Joint{
		{Name: "Hips", ParentIndex: -1,
			LocalBind: Transform{Translation: r3.Vec{Y: 1}, Rotation: quatutils.Identity}},
		{Name: "Spine", ParentIndex: 0,
			LocalBind: Transform{Translation: r3.Vec{Y: 0.2}, Rotation: quatutils.Identity}},
		{Name: "mixamorig:LeftUpLeg", ParentIndex: 0,
			LocalBind: Transform{Translation: r3.Vec{X: -0.1}, Rotation: quatutils.Identity}},
	}}
}

func TestValid(t *testing.T) {
	s := chainSkeleton()
	if !s.Valid() {
		t.Error("well-ordered skeleton reported invalid")
	}
	bad := &Skeleton{Joints: []Joint{
		{Name: "A", ParentIndex: 1},
		{Name: "B", ParentIndex: -1},
	}}
	if bad.Valid() {
		t.Error("forward parent reference reported valid")
	}
}

func TestFindAndResolveJoint(t *testing.T) {
	s := chainSkeleton()
	if got := s.FindJointIndex("Spine"); got != 1 {
		t.Errorf("findJointIndex(Spine) = %d, want 1", got)
	}
	if got := s.FindJointIndex("spine"); got != -1 {
		t.Errorf("exact find should be case sensitive, got %d", got)
	}

	// Exact alias wins
	if got := s.ResolveJoint("Nope", "Hips"); got != 0 {
		t.Errorf("resolveJoint exact = %d, want 0", got)
	}
	// Substring fallback, case insensitive
	if got := s.ResolveJoint("leftupleg"); got != 2 {
		t.Errorf("resolveJoint substring = %d, want 2", got)
	}
	if got := s.ResolveJoint("Tail"); got != -1 {
		t.Errorf("resolveJoint miss = %d, want -1", got)
	}
}

func TestGlobalBindPose(t *testing.T) {
	s := chainSkeleton()
	global := s.GlobalBindPose()

	if got := global[1].Translation; math.Abs(got.Y-1.2) > 1e-12 {
		t.Errorf("spine global y = %v, want 1.2", got.Y)
	}
	if got := global[2].Translation; got.X != -0.1 || got.Y != 1 {
		t.Errorf("leg global = %+v, want {-0.1, 1, 0}", got)
	}
}

func TestGlobalBindPoseWithRotation(t *testing.T) {
	// Parent rotated 90 degrees about Y carries the child's local +X
	// offset onto -Z
	s := &Skeleton{Joints: []Joint{
		{Name: "Root", ParentIndex: -1, LocalBind: Transform{
			Rotation: quatutils.FromAxisAngle(r3.Vec{Y: 1}, math.Pi/2)}},
		{Name: "Child", ParentIndex: 0, LocalBind: Transform{
			Translation: r3.Vec{X: 1}, Rotation: quatutils.Identity}},
	}}
	global := s.GlobalBindPose()
	got := global[1].Translation
	if math.Abs(got.X) > 1e-9 || math.Abs(got.Z+1) > 1e-9 {
		t.Errorf("rotated child at %+v, want {0, 0, -1}", got)
	}
}

func TestChildren(t *testing.T) {
	s := chainSkeleton()
	children := s.Children()
	if len(children[0]) != 2 || children[0][0] != 1 || children[0][1] != 2 {
		t.Errorf("root children = %v, want [1 2]", children[0])
	}
	if len(children[1]) != 0 {
		t.Errorf("leaf has children %v", children[1])
	}
}
