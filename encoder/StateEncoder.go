// Package encoder flattens character poses into the fixed-length,
// heading-invariant observation vectors consumed by the policy. All
// spatial quantities are expressed in the character's heading frame so
// two characters performing the same motion while facing different
// directions produce identical observations.
package encoder

import (
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/motion"
	"github.com/motionrl/unitrack/utils/quatutils"
)

// StateEncoder converts a current pose plus a window of future target
// frames into one flat observation vector. Configure must be called
// before Encode; the encoder is stateless between calls and safe to
// share across environments on one goroutine.
type StateEncoder struct {
	numJoints  int
	numTargets int
}

// Configure sets the joint count and the number of future target
// frames included in each observation
func (e *StateEncoder) Configure(numJoints, numTargets int) error {
	if numJoints <= 0 {
		return fmt.Errorf("configure: non-positive joint count %d", numJoints)
	}
	if numTargets < 0 {
		return fmt.Errorf("configure: negative target count %d", numTargets)
	}
	e.numJoints = numJoints
	e.numTargets = numTargets
	return nil
}

// NumJoints returns the configured joint count
func (e *StateEncoder) NumJoints() int { return e.numJoints }

// NumTargets returns the configured target window size
func (e *StateEncoder) NumTargets() int { return e.numTargets }

// FrameDim is the per-frame feature count: root height (1), heading-
// local root rotation (4), per-joint relative positions (3J), per-
// joint heading-local rotations (4J), root linear and angular velocity
// (3+3), then per-joint angular velocities (3J).
func (e *StateEncoder) FrameDim() int {
	return 11 + 10*e.numJoints
}

// ObservationDim is the full observation length: the current frame,
// one frame per target, and a 7-value root offset per target
func (e *StateEncoder) ObservationDim() int {
	return (1+e.numTargets)*e.FrameDim() + 7*e.numTargets
}

// Encode writes the observation for the current pose and target window
// into out, which must have length ObservationDim. Missing trailing
// targets are zero-padded.
func (e *StateEncoder) Encode(current *motion.Frame, targets []motion.Frame, out []float64) error {
	if e.numJoints == 0 {
		return fmt.Errorf("encode: encoder not configured")
	}
	if len(out) != e.ObservationDim() {
		return fmt.Errorf("encode: output length %d, want %d", len(out), e.ObservationDim())
	}
	if len(current.JointPositions) < e.numJoints {
		return fmt.Errorf("encode: pose has %d joints, want %d",
			len(current.JointPositions), e.numJoints)
	}
	if len(targets) > e.numTargets {
		targets = targets[:e.numTargets]
	}

	// Root offsets are expressed in the current root's heading frame
	invHeading := quatutils.Inv(quatutils.Heading(current.RootRotation))

	frameDim := e.FrameDim()
	e.encodeFrame(current, out[:frameDim])
	off := frameDim

	for i := 0; i < e.numTargets; i++ {
		frameOut := out[off : off+frameDim]
		offsetOut := out[off+frameDim : off+frameDim+7]
		if i < len(targets) {
			t := &targets[i]
			e.encodeFrame(t, frameOut)
			encodeRootOffset(current, t, invHeading, offsetOut)
		} else {
			zero(frameOut)
			zero(offsetOut)
		}
		off += frameDim + 7
	}
	return nil
}

// EncodeFrame writes the single-frame features for f into out, which
// must have length FrameDim. The frame is encoded in its own heading
// frame, which is the layout discriminator-style consumers expect.
func (e *StateEncoder) EncodeFrame(f *motion.Frame, out []float64) error {
	if e.numJoints == 0 {
		return fmt.Errorf("encodeFrame: encoder not configured")
	}
	if len(out) != e.FrameDim() {
		return fmt.Errorf("encodeFrame: output length %d, want %d", len(out), e.FrameDim())
	}
	if len(f.JointPositions) < e.numJoints {
		return fmt.Errorf("encodeFrame: pose has %d joints, want %d",
			len(f.JointPositions), e.numJoints)
	}
	e.encodeFrame(f, out)
	return nil
}

// encodeFrame writes one frame's features relative to its own root
// position, with all directions and world joint rotations expressed in
// the frame's own heading frame
func (e *StateEncoder) encodeFrame(f *motion.Frame, out []float64) {
	invHeading := quatutils.Inv(quatutils.Heading(f.RootRotation))

	localRoot := quatutils.Normalize(quat.Mul(invHeading, f.RootRotation))
	out[0] = f.RootPosition.Y
	out[1] = localRoot.Real
	out[2] = localRoot.Imag
	out[3] = localRoot.Jmag
	out[4] = localRoot.Kmag

	o := 5
	for j := 0; j < e.numJoints; j++ {
		rel := quatutils.Rotate(invHeading, r3.Sub(f.JointPositions[j], f.RootPosition))
		out[o] = rel.X
		out[o+1] = rel.Y
		out[o+2] = rel.Z
		o += 3
	}
	for j := 0; j < e.numJoints; j++ {
		q := quatutils.Normalize(quat.Mul(invHeading, f.JointRotations[j]))
		out[o] = q.Real
		out[o+1] = q.Imag
		out[o+2] = q.Jmag
		out[o+3] = q.Kmag
		o += 4
	}

	linVel := quatutils.Rotate(invHeading, f.RootLinearVelocity)
	angVel := quatutils.Rotate(invHeading, f.RootAngularVelocity)
	out[o] = linVel.X
	out[o+1] = linVel.Y
	out[o+2] = linVel.Z
	out[o+3] = angVel.X
	out[o+4] = angVel.Y
	out[o+5] = angVel.Z
	o += 6

	for j := 0; j < e.numJoints; j++ {
		w := quatutils.Rotate(invHeading, f.JointAngularVelocities[j])
		out[o] = w.X
		out[o+1] = w.Y
		out[o+2] = w.Z
		o += 3
	}
}

// encodeRootOffset writes the target root's displacement (horizontal
// components first, then height) and the target root rotation, both in
// the current heading frame
func encodeRootOffset(current, target *motion.Frame, invHeading quat.Number, out []float64) {
	delta := quatutils.Rotate(invHeading, r3.Sub(target.RootPosition, current.RootPosition))
	relRot := quatutils.Normalize(quat.Mul(invHeading, target.RootRotation))

	out[0] = delta.X
	out[1] = delta.Z
	out[2] = delta.Y
	out[3] = relRot.Real
	out[4] = relRot.Imag
	out[5] = relRot.Jmag
	out[6] = relRot.Kmag
}

func zero(s []float64) {
	for i := range s {
		s[i] = 0
	}
}
