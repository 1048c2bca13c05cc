// Package quatutils provides rotation helpers built on gonum's
// quaternion and 3D vector types. All quaternions handled here are
// assumed to be unit rotations unless noted otherwise.
package quatutils

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Identity is the identity rotation
var Identity = quat.Number{Real: 1}

// FromAxisAngle returns the rotation of angle radians about axis. The
// axis need not be normalized.
func FromAxisAngle(axis r3.Vec, angle float64) quat.Number {
	n := r3.Norm(axis)
	if n == 0 {
		return Identity
	}
	axis = r3.Scale(1/n, axis)
	s, c := math.Sincos(angle / 2)
	return quat.Number{Real: c, Imag: s * axis.X, Jmag: s * axis.Y, Kmag: s * axis.Z}
}

// Rotate rotates v by the unit quaternion q
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Inv returns the inverse of a unit quaternion (its conjugate)
func Inv(q quat.Number) quat.Number {
	return quat.Conj(q)
}

// Normalize scales q to unit length. The zero quaternion normalizes
// to the identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return Identity
	}
	return quat.Scale(1/n, q)
}

// Dot returns the 4D dot product of two quaternions
func Dot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// Yaw extracts the rotation of q about the world Y axis (the heading
// angle for a Y-up character)
func Yaw(q quat.Number) float64 {
	return math.Atan2(2*(q.Real*q.Jmag+q.Imag*q.Kmag),
		1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag))
}

// Heading returns the yaw-only component of q as a rotation about Y
func Heading(q quat.Number) quat.Number {
	return FromAxisAngle(r3.Vec{Y: 1}, Yaw(q))
}

// Angle returns the geodesic angle in radians between two unit
// rotations, in [0, π]
func Angle(a, b quat.Number) float64 {
	d := quat.Mul(quat.Conj(a), b)
	s := math.Sqrt(d.Imag*d.Imag + d.Jmag*d.Jmag + d.Kmag*d.Kmag)
	return 2 * math.Atan2(s, math.Abs(d.Real))
}

// Slerp spherically interpolates from a to b by t in [0, 1], taking
// the shorter arc
func Slerp(a, b quat.Number, t float64) quat.Number {
	d := Dot(a, b)
	if d < 0 {
		b = quat.Scale(-1, b)
		d = -d
	}
	// Nearly parallel rotations fall back to normalized lerp
	if d > 0.9995 {
		return Normalize(quat.Add(quat.Scale(1-t, a), quat.Scale(t, b)))
	}
	theta := math.Acos(d)
	sin := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sin
	wb := math.Sin(t*theta) / sin
	return quat.Add(quat.Scale(wa, a), quat.Scale(wb, b))
}

// Integrate advances rotation q by angular velocity w over dt and
// renormalizes. dq/dt = 0.5 * w ⊗ q.
func Integrate(q quat.Number, w r3.Vec, dt float64) quat.Number {
	omega := quat.Number{Imag: w.X, Jmag: w.Y, Kmag: w.Z}
	dq := quat.Scale(0.5*dt, quat.Mul(omega, q))
	return Normalize(quat.Add(q, dq))
}

// ToAxisAngle decomposes a unit rotation into an axis and an angle in
// [0, π]. The identity rotation returns a zero axis.
func ToAxisAngle(q quat.Number) (r3.Vec, float64) {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	w := q.Real
	if w > 1 {
		w = 1
	}
	angle := 2 * math.Acos(w)
	s := math.Sqrt(1 - w*w)
	if s < 1e-9 {
		return r3.Vec{}, 0
	}
	return r3.Vec{X: q.Imag / s, Y: q.Jmag / s, Z: q.Kmag / s}, angle
}

// Finite reports whether every component of q is a real number
func Finite(q quat.Number) bool {
	for _, c := range []float64{q.Real, q.Imag, q.Jmag, q.Kmag} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
