package reward

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/motion"
	"github.com/motionrl/unitrack/utils/quatutils"
)

func standingPose(numJoints int) motion.Frame {
	f := motion.StandingFrame(numJoints, r3.Vec{Y: 1})
	for j := range f.JointPositions {
		f.JointPositions[j] = r3.Vec{X: 0.1 * float64(j), Y: 0.9}
	}
	return f
}

func TestImitationPerfectMatch(t *testing.T) {
	c := NewDefaultComputer(nil)
	f := standingPose(4)
	got := c.Imitation(&f, &f)

	w := DefaultWeights()
	want := w.JointPos + w.JointRot + w.EndEffVel + w.RootLinVel + w.RootAngVel
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("perfect match scored %v, want %v", got, want)
	}
}

func TestImitationDecreasesWithError(t *testing.T) {
	c := NewDefaultComputer(nil)
	f := standingPose(4)

	off := standingPose(4)
	for j := range off.JointPositions {
		off.JointPositions[j] = r3.Add(off.JointPositions[j], r3.Vec{X: 0.5})
	}

	if perfect, worse := c.Imitation(&f, &f), c.Imitation(&off, &f); worse >= perfect {
		t.Errorf("displaced pose scored %v, not below perfect %v", worse, perfect)
	}
}

// The imitation score must not depend on which way the pair faces
func TestImitationHeadingInvariant(t *testing.T) {
	c := NewDefaultComputer([]int{2, 3})
	cur := standingPose(4)
	cur.RootLinearVelocity = r3.Vec{X: 0.7, Z: 0.2}
	tar := standingPose(4)
	tar.RootPosition = r3.Vec{X: 0.1, Y: 1.02}

	base := c.Imitation(&cur, &tar)

	yaw := quatutils.FromAxisAngle(r3.Vec{Y: 1}, 2.1)
	rot := func(f motion.Frame) motion.Frame {
		f.RootPosition = quatutils.Rotate(yaw, f.RootPosition)
		f.RootRotation = quatutils.Normalize(quat.Mul(yaw, f.RootRotation))
		f.RootLinearVelocity = quatutils.Rotate(yaw, f.RootLinearVelocity)
		jp := make([]r3.Vec, len(f.JointPositions))
		jr := make([]quat.Number, len(f.JointRotations))
		for j := range jp {
			jp[j] = quatutils.Rotate(yaw, f.JointPositions[j])
			jr[j] = quatutils.Normalize(quat.Mul(yaw, f.JointRotations[j]))
		}
		f.JointPositions = jp
		f.JointRotations = jr
		return f
	}
	rcur, rtar := rot(cur), rot(tar)

	rotated := c.Imitation(&rcur, &rtar)
	if math.Abs(base-rotated) > 1e-9 {
		t.Errorf("imitation changed under yaw: %v vs %v", base, rotated)
	}
}

// An episode is flagged for early termination once the pose or
// rotation kernel collapses, even while the character is upright
func TestImitationTrackingLost(t *testing.T) {
	c := NewDefaultComputer(nil)
	f := standingPose(4)

	good := c.ImitationTerms(&f, &f)
	if good.EarlyTermination {
		t.Error("perfect match flagged as tracking lost")
	}
	if math.Abs(good.PosTerm-1) > 1e-9 || math.Abs(good.RotTerm-1) > 1e-9 {
		t.Errorf("perfect-match kernels = %v/%v, want 1/1", good.PosTerm, good.RotTerm)
	}

	// Upright but far off pose: the position kernel falls below the
	// cutoff
	off := standingPose(4)
	for j := range off.JointPositions {
		off.JointPositions[j] = r3.Add(off.JointPositions[j], r3.Vec{X: 2})
	}
	lost := c.ImitationTerms(&off, &f)
	if !lost.EarlyTermination {
		t.Errorf("diverged pose not flagged, posTerm=%v", lost.PosTerm)
	}
	if lost.PosTerm >= DefaultTerminationCutoff {
		t.Errorf("posTerm = %v, expected below cutoff %v", lost.PosTerm,
			DefaultTerminationCutoff)
	}

	// Raising the cutoff to 1 flags even a near-perfect pose
	c.SetTerminationCutoff(1.1)
	if !c.ImitationTerms(&f, &f).EarlyTermination {
		t.Error("cutoff above the kernel range did not flag termination")
	}
}

func TestFallDetection(t *testing.T) {
	c := NewDefaultComputer(nil)
	up := standingPose(2)
	if c.HasFallen(&up) {
		t.Error("standing pose flagged as fallen")
	}
	down := standingPose(2)
	down.RootPosition.Y = 0.2
	if !c.HasFallen(&down) {
		t.Error("pose below threshold not flagged as fallen")
	}
}

func TestHeadingGoal(t *testing.T) {
	c := NewDefaultComputer(nil)
	f := standingPose(2)

	aligned := c.Task(&f, Goal{Kind: GoalHeading, TargetYaw: 0})
	if math.Abs(aligned-1) > 1e-9 {
		t.Errorf("aligned heading scored %v, want 1", aligned)
	}

	opposite := c.Task(&f, Goal{Kind: GoalHeading, TargetYaw: math.Pi})
	if opposite >= aligned {
		t.Errorf("opposite heading scored %v, not below %v", opposite, aligned)
	}

	// Wrapping: a target just past -pi is nearly aligned with +pi
	f.RootRotation = quatutils.FromAxisAngle(r3.Vec{Y: 1}, math.Pi-0.05)
	wrapped := c.Task(&f, Goal{Kind: GoalHeading, TargetYaw: -math.Pi + 0.05})
	if wrapped < math.Exp(-2*0.11) {
		t.Errorf("wrap-around heading scored %v, expected near-aligned", wrapped)
	}
}

func TestLocationGoal(t *testing.T) {
	c := NewDefaultComputer(nil)
	f := standingPose(2)
	goal := Goal{Kind: GoalLocation, TargetPosition: r3.Vec{Z: 2}}

	// Moving toward the target scores the full distance kernel
	f.RootLinearVelocity = r3.Vec{Z: 1.5}
	toward := c.Task(&f, goal)
	if math.Abs(toward-math.Exp(-0.5*2)) > 1e-9 {
		t.Errorf("moving toward target scored %v, want %v", toward, math.Exp(-0.5*2))
	}

	// Standing still scores zero alignment no matter the facing
	f.RootLinearVelocity = r3.Vec{}
	if still := c.Task(&f, goal); still != 0 {
		t.Errorf("stationary character scored %v, want 0", still)
	}

	// Moving away: the velocity dot clamps to zero
	f.RootLinearVelocity = r3.Vec{Z: -1}
	if away := c.Task(&f, goal); away != 0 {
		t.Errorf("moving away scored %v, want 0", away)
	}

	// Only the horizontal velocity counts
	f.RootLinearVelocity = r3.Vec{Y: 3}
	if vertical := c.Task(&f, goal); vertical != 0 {
		t.Errorf("vertical velocity scored %v, want 0", vertical)
	}

	// Standing on the target scores full reward
	onTarget := c.Task(&f, Goal{Kind: GoalLocation, TargetPosition: f.RootPosition})
	if math.Abs(onTarget-1) > 1e-9 {
		t.Errorf("on-target scored %v, want 1", onTarget)
	}
}

func TestStrikeGoal(t *testing.T) {
	c := NewDefaultComputer(nil)
	f := standingPose(3)

	hit := c.Task(&f, Goal{Kind: GoalStrike, KeyBody: 1, TargetPosition: f.JointPositions[1]})
	if math.Abs(hit-1) > 1e-9 {
		t.Errorf("contact strike scored %v, want 1", hit)
	}

	far := c.Task(&f, Goal{Kind: GoalStrike, KeyBody: 1,
		TargetPosition: r3.Add(f.JointPositions[1], r3.Vec{X: 1})})
	if far >= hit {
		t.Errorf("distant strike scored %v, not below %v", far, hit)
	}

	// Out-of-range key body is logged and scored zero
	invalid := c.Task(&f, Goal{Kind: GoalStrike, KeyBody: 99, TargetPosition: r3.Vec{}})
	if invalid != 0 {
		t.Errorf("invalid key body scored %v, want 0", invalid)
	}
}

func TestGoalNoneScoresOne(t *testing.T) {
	c := NewDefaultComputer(nil)
	f := standingPose(2)
	if got := c.Task(&f, Goal{Kind: GoalNone}); got != 1 {
		t.Errorf("no-goal task scored %v, want 1", got)
	}
}

func TestWrapToPi(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi / 2, math.Pi / 2},
		{2 * math.Pi, 0},
		{3 * math.Pi, math.Pi},
		{-3 * math.Pi, math.Pi},
	}
	for _, c := range cases {
		if got := wrapToPi(c.in); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("wrapToPi(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
