// Package network implements the small feedforward networks the
// trainer optimizes: a fully connected MLP with hand-written forward
// and backward passes, a diagonal Gaussian policy head, and a binary
// weight checkpoint format. Gradients are accumulated explicitly and
// applied with per-parameter Adam; no graph framework is involved.
package network

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Adam hyperparameters shared by every layer
const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// layer is one fully connected layer with its gradient and Adam
// moment buffers
type layer struct {
	inDim  int
	outDim int

	weights *mat.Dense // outDim x inDim
	biases  []float64

	gradW *mat.Dense
	gradB []float64

	mW, vW *mat.Dense
	mB, vB []float64

	// forward scratch, reused across calls
	input  []float64 // last input
	preAct []float64 // pre-activation z = Wx + b
	output []float64
}

func newLayer(inDim, outDim int, rng *rand.Rand) *layer {
	l := &layer{
		inDim:   inDim,
		outDim:  outDim,
		weights: mat.NewDense(outDim, inDim, nil),
		biases:  make([]float64, outDim),
		gradW:   mat.NewDense(outDim, inDim, nil),
		gradB:   make([]float64, outDim),
		mW:      mat.NewDense(outDim, inDim, nil),
		vW:      mat.NewDense(outDim, inDim, nil),
		mB:      make([]float64, outDim),
		vB:      make([]float64, outDim),
		input:   make([]float64, inDim),
		preAct:  make([]float64, outDim),
		output:  make([]float64, outDim),
	}

	// He-style scaled uniform init
	bound := math.Sqrt(2.0 / float64(inDim))
	u := distuv.Uniform{Min: -bound, Max: bound, Src: rng}
	for r := 0; r < outDim; r++ {
		for c := 0; c < inDim; c++ {
			l.weights.Set(r, c, u.Rand())
		}
	}
	return l
}

// elu is the hidden activation
func elu(x float64) float64 {
	if x >= 0 {
		return x
	}
	return math.Exp(x) - 1
}

// eluPrime is the activation derivative as a function of the
// pre-activation
func eluPrime(x float64) float64 {
	if x >= 0 {
		return 1
	}
	return math.Exp(x)
}

// TrainingMLP is a fully connected network with ELU hidden layers and
// a linear output layer. The two-phase API mirrors the optimization
// loop: Forward caches activations, Backward accumulates gradients
// from an output-space error, ApplyGradients consumes them.
type TrainingMLP struct {
	layers []*layer

	// backward scratch
	delta     []float64
	deltaPrev []float64
}

// NewTrainingMLP builds a network mapping inDim inputs through the
// given hidden widths to outDim outputs
func NewTrainingMLP(inDim int, hidden []int, outDim int, rng *rand.Rand) (*TrainingMLP, error) {
	if inDim <= 0 || outDim <= 0 {
		return nil, fmt.Errorf("newTrainingMLP: invalid dims (in=%d, out=%d)", inDim, outDim)
	}
	for _, h := range hidden {
		if h <= 0 {
			return nil, fmt.Errorf("newTrainingMLP: invalid hidden width %d", h)
		}
	}

	dims := append([]int{inDim}, hidden...)
	dims = append(dims, outDim)

	n := &TrainingMLP{}
	maxWidth := 0
	for i := 0; i < len(dims)-1; i++ {
		n.layers = append(n.layers, newLayer(dims[i], dims[i+1], rng))
		if dims[i] > maxWidth {
			maxWidth = dims[i]
		}
		if dims[i+1] > maxWidth {
			maxWidth = dims[i+1]
		}
	}
	n.delta = make([]float64, maxWidth)
	n.deltaPrev = make([]float64, maxWidth)
	return n, nil
}

// InputDim returns the network input width
func (n *TrainingMLP) InputDim() int { return n.layers[0].inDim }

// OutputDim returns the network output width
func (n *TrainingMLP) OutputDim() int { return n.layers[len(n.layers)-1].outDim }

// NumLayers returns the layer count
func (n *TrainingMLP) NumLayers() int { return len(n.layers) }

// NumParameters returns the total weight and bias count
func (n *TrainingMLP) NumParameters() int {
	total := 0
	for _, l := range n.layers {
		total += l.inDim*l.outDim + l.outDim
	}
	return total
}

// Forward runs the network on input, writing OutputDim values to out.
// The activations are cached for a following Backward call.
func (n *TrainingMLP) Forward(input, out []float64) error {
	if len(input) != n.InputDim() {
		return fmt.Errorf("forward: input length %d, want %d", len(input), n.InputDim())
	}
	if len(out) != n.OutputDim() {
		return fmt.Errorf("forward: output length %d, want %d", len(out), n.OutputDim())
	}

	x := input
	last := len(n.layers) - 1
	for li, l := range n.layers {
		copy(l.input, x)
		for r := 0; r < l.outDim; r++ {
			z := l.biases[r]
			row := l.weights.RawRowView(r)
			for c, w := range row {
				z += w * x[c]
			}
			l.preAct[r] = z
			if li == last {
				l.output[r] = z
			} else {
				l.output[r] = elu(z)
			}
		}
		x = l.output
	}
	copy(out, x)
	return nil
}

// Backward accumulates parameter gradients from dOut, the loss
// gradient with respect to the network output of the most recent
// Forward call. Gradients add across calls until ApplyGradients.
func (n *TrainingMLP) Backward(dOut []float64) error {
	if len(dOut) != n.OutputDim() {
		return fmt.Errorf("backward: gradient length %d, want %d", len(dOut), n.OutputDim())
	}

	delta := n.delta[:n.OutputDim()]
	copy(delta, dOut)

	for li := len(n.layers) - 1; li >= 0; li-- {
		l := n.layers[li]

		// dW += delta * x^T, db += delta
		for r := 0; r < l.outDim; r++ {
			d := delta[r]
			if d == 0 {
				continue
			}
			row := l.gradW.RawRowView(r)
			for c := 0; c < l.inDim; c++ {
				row[c] += d * l.input[c]
			}
			l.gradB[r] += d
		}

		if li == 0 {
			break
		}

		// delta_prev = W^T delta, scaled by the previous layer's
		// activation derivative at its cached pre-activation
		prev := n.layers[li-1]
		dp := n.deltaPrev[:l.inDim]
		for c := 0; c < l.inDim; c++ {
			s := 0.0
			for r := 0; r < l.outDim; r++ {
				s += l.weights.At(r, c) * delta[r]
			}
			dp[c] = s * eluPrime(prev.preAct[c])
		}
		delta = n.delta[:l.inDim]
		copy(delta, dp)
	}
	return nil
}

// ZeroGradients clears the accumulated gradients
func (n *TrainingMLP) ZeroGradients() {
	for _, l := range n.layers {
		l.gradW.Zero()
		for i := range l.gradB {
			l.gradB[i] = 0
		}
	}
}

// ApplyGradients takes one Adam step with the accumulated gradients
// scaled by 1/batchSize, then clears them. step is the 1-based global
// update count used for bias correction.
func (n *TrainingMLP) ApplyGradients(lr float64, batchSize, step int) {
	if batchSize <= 0 {
		batchSize = 1
	}
	invB := 1 / float64(batchSize)
	c1 := 1 - math.Pow(adamBeta1, float64(step))
	c2 := 1 - math.Pow(adamBeta2, float64(step))

	for _, l := range n.layers {
		for r := 0; r < l.outDim; r++ {
			wRow := l.weights.RawRowView(r)
			gRow := l.gradW.RawRowView(r)
			mRow := l.mW.RawRowView(r)
			vRow := l.vW.RawRowView(r)
			for c := 0; c < l.inDim; c++ {
				g := gRow[c] * invB
				mRow[c] = adamBeta1*mRow[c] + (1-adamBeta1)*g
				vRow[c] = adamBeta2*vRow[c] + (1-adamBeta2)*g*g
				mHat := mRow[c] / c1
				vHat := vRow[c] / c2
				wRow[c] -= lr * mHat / (math.Sqrt(vHat) + adamEpsilon)
				gRow[c] = 0
			}

			g := l.gradB[r] * invB
			l.mB[r] = adamBeta1*l.mB[r] + (1-adamBeta1)*g
			l.vB[r] = adamBeta2*l.vB[r] + (1-adamBeta2)*g*g
			l.biases[r] -= lr * (l.mB[r] / c1) / (math.Sqrt(l.vB[r]/c2) + adamEpsilon)
			l.gradB[r] = 0
		}
	}
}
