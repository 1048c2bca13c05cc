// Package motion implements the reference-motion boundary: a library
// of motion clips loaded from disk, sampled by interpolated time to
// produce world-space target frames for imitation training.
package motion

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/motionrl/unitrack/utils/quatutils"
)

// Frame is a world-space reference pose: the root transform and
// velocities plus per-joint positions, rotations, and angular
// velocities. Frames are immutable once sampled from a clip.
type Frame struct {
	RootPosition        r3.Vec
	RootRotation        quat.Number
	RootLinearVelocity  r3.Vec
	RootAngularVelocity r3.Vec

	JointPositions         []r3.Vec
	JointRotations         []quat.Number
	JointAngularVelocities []r3.Vec
}

// StandingFrame returns a neutral standing pose at the given root
// position with identity rotations everywhere
func StandingFrame(numJoints int, rootPos r3.Vec) Frame {
	f := Frame{
		RootPosition:           rootPos,
		RootRotation:           quatutils.Identity,
		JointPositions:         make([]r3.Vec, numJoints),
		JointRotations:         make([]quat.Number, numJoints),
		JointAngularVelocities: make([]r3.Vec, numJoints),
	}
	for i := range f.JointRotations {
		f.JointRotations[i] = quatutils.Identity
	}
	return f
}

// clipFrame is the on-disk representation of one frame. Quaternions
// are stored [w, x, y, z].
type clipFrame struct {
	RootPos  [3]float64   `json:"rootPos"`
	RootRot  [4]float64   `json:"rootRot"`
	JointPos [][3]float64 `json:"jointPos"`
	JointRot [][4]float64 `json:"jointRot"`
}

type clipFile struct {
	FPS    float64     `json:"fps"`
	Frames []clipFrame `json:"frames"`
}

// Clip is one loaded motion clip: a frame sequence at a fixed rate
type Clip struct {
	Name   string
	FPS    float64
	frames []clipFrame
}

// Duration returns the clip length in seconds
func (c *Clip) Duration() float64 {
	if len(c.frames) < 2 {
		return 0
	}
	return float64(len(c.frames)-1) / c.FPS
}

// NumFrames returns the number of stored frames
func (c *Clip) NumFrames() int { return len(c.frames) }

// SampleAt returns the pose at time t (seconds, clamped to the clip),
// interpolating between stored frames and estimating velocities by
// finite difference
func (c *Clip) SampleAt(t float64) Frame {
	if len(c.frames) == 0 {
		return StandingFrame(0, r3.Vec{Y: 1})
	}
	if t < 0 {
		t = 0
	}
	maxT := c.Duration()
	if t > maxT {
		t = maxT
	}

	ft := t * c.FPS
	i0 := int(ft)
	if i0 >= len(c.frames)-1 {
		i0 = len(c.frames) - 1
	}
	i1 := i0
	if i0 < len(c.frames)-1 {
		i1 = i0 + 1
	}
	alpha := ft - float64(i0)

	f0, f1 := &c.frames[i0], &c.frames[i1]
	out := interpolate(f0, f1, alpha)

	// Velocities by finite difference over one source frame
	dt := 1 / c.FPS
	out.RootLinearVelocity = r3.Scale(1/dt, r3.Sub(toVec(f1.RootPos), toVec(f0.RootPos)))
	out.RootAngularVelocity = angularVelocity(toQuat(f0.RootRot), toQuat(f1.RootRot), dt)
	for j := range out.JointAngularVelocities {
		out.JointAngularVelocities[j] = angularVelocity(
			toQuat(f0.JointRot[j]), toQuat(f1.JointRot[j]), dt)
	}
	return out
}

func interpolate(f0, f1 *clipFrame, alpha float64) Frame {
	nj := len(f0.JointPos)
	out := Frame{
		RootPosition:           lerpVec(toVec(f0.RootPos), toVec(f1.RootPos), alpha),
		RootRotation:           quatutils.Slerp(toQuat(f0.RootRot), toQuat(f1.RootRot), alpha),
		JointPositions:         make([]r3.Vec, nj),
		JointRotations:         make([]quat.Number, nj),
		JointAngularVelocities: make([]r3.Vec, nj),
	}
	for j := 0; j < nj; j++ {
		out.JointPositions[j] = lerpVec(toVec(f0.JointPos[j]), toVec(f1.JointPos[j]), alpha)
		if j < len(f0.JointRot) && j < len(f1.JointRot) {
			out.JointRotations[j] = quatutils.Slerp(toQuat(f0.JointRot[j]), toQuat(f1.JointRot[j]), alpha)
		} else {
			out.JointRotations[j] = quatutils.Identity
		}
	}
	return out
}

func lerpVec(a, b r3.Vec, t float64) r3.Vec {
	return r3.Add(a, r3.Scale(t, r3.Sub(b, a)))
}

func toVec(v [3]float64) r3.Vec { return r3.Vec{X: v[0], Y: v[1], Z: v[2]} }

func toQuat(q [4]float64) quat.Number {
	return quatutils.Normalize(quat.Number{Real: q[0], Imag: q[1], Jmag: q[2], Kmag: q[3]})
}

// angularVelocity returns the world-space angular velocity taking q0
// to q1 over dt seconds
func angularVelocity(q0, q1 quat.Number, dt float64) r3.Vec {
	if dt <= 0 {
		return r3.Vec{}
	}
	dq := quat.Mul(q1, quatutils.Inv(q0))
	axis, angle := quatutils.ToAxisAngle(dq)
	return r3.Scale(angle/dt, axis)
}

// Library is a set of clips loaded from a motion directory
type Library struct {
	Clips []Clip
}

// Empty reports whether no clips are loaded
func (l *Library) Empty() bool { return len(l.Clips) == 0 }

// TotalFrames returns the frame count summed over all clips
func (l *Library) TotalFrames() int {
	n := 0
	for i := range l.Clips {
		n += l.Clips[i].NumFrames()
	}
	return n
}

// LoadDirectory loads every *.json clip in dir. Missing or malformed
// files are logged and skipped; the number of clips loaded is
// returned.
func (l *Library) LoadDirectory(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("motion: cannot read directory %q: %v", dir, err)
		return 0
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if err := l.LoadFile(filepath.Join(dir, e.Name())); err != nil {
			log.Printf("motion: skipping %q: %v", e.Name(), err)
			continue
		}
		loaded++
	}
	log.Printf("motion: loaded %d clips (%d frames) from %q", loaded, l.TotalFrames(), dir)
	return loaded
}

// LoadFile loads a single clip file
func (l *Library) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cf clipFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("loadFile: malformed clip: %v", err)
	}
	if cf.FPS <= 0 {
		return fmt.Errorf("loadFile: non-positive fps %v", cf.FPS)
	}
	if len(cf.Frames) == 0 {
		return fmt.Errorf("loadFile: clip has no frames")
	}
	l.Clips = append(l.Clips, Clip{
		Name:   filepath.Base(path),
		FPS:    cf.FPS,
		frames: cf.Frames,
	})
	return nil
}

// AddStandingClip appends a short synthetic standing clip, used as a
// fallback when no motion data is available
func (l *Library) AddStandingClip(numJoints int) {
	frames := make([]clipFrame, 30)
	for i := range frames {
		frames[i].RootPos = [3]float64{0, 1, 0}
		frames[i].RootRot = [4]float64{1, 0, 0, 0}
		frames[i].JointPos = make([][3]float64, numJoints)
		frames[i].JointRot = make([][4]float64, numJoints)
		for j := 0; j < numJoints; j++ {
			// Joints sit at the root so the pose kernel stays benign
			// for arbitrary rigs
			frames[i].JointPos[j] = frames[i].RootPos
			frames[i].JointRot[j] = [4]float64{1, 0, 0, 0}
		}
	}
	l.Clips = append(l.Clips, Clip{Name: "standing", FPS: 30, frames: frames})
}

// SampleRandomFrame draws a uniformly random clip and time and
// returns the sampled frame
func (l *Library) SampleRandomFrame(rng *rand.Rand) Frame {
	if l.Empty() {
		return StandingFrame(0, r3.Vec{Y: 1})
	}
	clip := &l.Clips[rng.Intn(len(l.Clips))]
	return clip.SampleAt(rng.Float64() * clip.Duration())
}
