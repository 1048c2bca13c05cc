package network

import (
	"bytes"
	"math"
	"testing"

	"golang.org/x/exp/rand"
)

func TestMLPShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	n, err := NewTrainingMLP(4, []int{8, 8}, 2, rng)
	if err != nil {
		t.Fatal(err)
	}
	if n.InputDim() != 4 || n.OutputDim() != 2 || n.NumLayers() != 3 {
		t.Errorf("got in=%d out=%d layers=%d", n.InputDim(), n.OutputDim(), n.NumLayers())
	}
	want := 4*8 + 8 + 8*8 + 8 + 8*2 + 2
	if n.NumParameters() != want {
		t.Errorf("numParameters = %d, want %d", n.NumParameters(), want)
	}

	if _, err := NewTrainingMLP(0, nil, 1, rng); err == nil {
		t.Error("expected an error for zero input dim")
	}
	if _, err := NewTrainingMLP(1, []int{0}, 1, rng); err == nil {
		t.Error("expected an error for a zero hidden width")
	}
}

func TestMLPForwardDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	n, err := NewTrainingMLP(3, []int{6}, 2, rng)
	if err != nil {
		t.Fatal(err)
	}
	in := []float64{0.3, -1.2, 0.8}
	a := make([]float64, 2)
	b := make([]float64, 2)
	if err := n.Forward(in, a); err != nil {
		t.Fatal(err)
	}
	if err := n.Forward(in, b); err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("repeated forward differs: %v vs %v", a, b)
		}
		if math.IsNaN(a[i]) {
			t.Fatal("forward produced NaN")
		}
	}
}

// Backward must agree with central finite differences on every weight
func TestMLPGradientCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n, err := NewTrainingMLP(2, []int{3}, 1, rng)
	if err != nil {
		t.Fatal(err)
	}
	in := []float64{0.5, -0.7}
	out := make([]float64, 1)

	eval := func() float64 {
		if err := n.Forward(in, out); err != nil {
			t.Fatal(err)
		}
		return out[0]
	}

	eval()
	n.ZeroGradients()
	if err := n.Backward([]float64{1}); err != nil {
		t.Fatal(err)
	}

	const h = 1e-6
	for li, l := range n.layers {
		for r := 0; r < l.outDim; r++ {
			for c := 0; c < l.inDim; c++ {
				orig := l.weights.At(r, c)
				l.weights.Set(r, c, orig+h)
				fp := eval()
				l.weights.Set(r, c, orig-h)
				fm := eval()
				l.weights.Set(r, c, orig)

				numeric := (fp - fm) / (2 * h)
				analytic := l.gradW.At(r, c)
				if math.Abs(numeric-analytic) > 1e-5 {
					t.Errorf("layer %d w[%d,%d]: numeric %v, analytic %v",
						li, r, c, numeric, analytic)
				}
			}

			orig := l.biases[r]
			l.biases[r] = orig + h
			fp := eval()
			l.biases[r] = orig - h
			fm := eval()
			l.biases[r] = orig

			numeric := (fp - fm) / (2 * h)
			if math.Abs(numeric-l.gradB[r]) > 1e-5 {
				t.Errorf("layer %d b[%d]: numeric %v, analytic %v", li, r, numeric, l.gradB[r])
			}
		}
	}
}

// Adam on a quadratic: the network output should approach a target
func TestMLPAdamConverges(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	n, err := NewTrainingMLP(1, []int{8}, 1, rng)
	if err != nil {
		t.Fatal(err)
	}
	in := []float64{1}
	out := make([]float64, 1)
	const target = 0.7

	loss := func() float64 {
		if err := n.Forward(in, out); err != nil {
			t.Fatal(err)
		}
		d := out[0] - target
		return d * d
	}

	initial := loss()
	for step := 1; step <= 200; step++ {
		n.Forward(in, out)
		n.Backward([]float64{2 * (out[0] - target)})
		n.ApplyGradients(1e-2, 1, step)
	}
	final := loss()
	if final > initial/100 || final > 1e-3 {
		t.Errorf("loss %v after training, started at %v", final, initial)
	}
}

func TestGaussianLogProbFormula(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	p, err := NewGaussianPolicy(2, []int{4}, 3, -0.5, rng)
	if err != nil {
		t.Fatal(err)
	}
	obs := []float64{0.2, -0.4}
	action := []float64{0.1, -0.2, 0.3}

	lp, err := p.LogProb(obs, action)
	if err != nil {
		t.Fatal(err)
	}

	// Recompute from the definition
	mean := make([]float64, 3)
	if err := p.mean.Forward(obs, mean); err != nil {
		t.Fatal(err)
	}
	want := 0.0
	for i := range action {
		diff := action[i] - mean[i]
		variance := math.Exp(2 * p.logStd[i])
		want += log2Pi + 2*p.logStd[i] + diff*diff/variance
	}
	want *= -0.5

	if math.Abs(lp-want) > 1e-12 {
		t.Errorf("logProb = %v, want %v", lp, want)
	}
}

func TestGaussianSampleLogProbConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	p, err := NewGaussianPolicy(2, []int{4}, 2, -0.5, rng)
	if err != nil {
		t.Fatal(err)
	}
	obs := []float64{1, -1}
	action := make([]float64, 2)

	lpSample, err := p.Sample(obs, action)
	if err != nil {
		t.Fatal(err)
	}
	lpEval, err := p.LogProb(obs, action)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(lpSample-lpEval) > 1e-12 {
		t.Errorf("sample logProb %v, eval logProb %v", lpSample, lpEval)
	}
}

// The log-likelihood gradient must match finite differences on the
// log standard deviations
func TestGaussianLogStdGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p, err := NewGaussianPolicy(1, []int{3}, 2, -0.3, rng)
	if err != nil {
		t.Fatal(err)
	}
	obs := []float64{0.6}
	action := []float64{0.4, -0.9}

	if _, err := p.LogProb(obs, action); err != nil {
		t.Fatal(err)
	}
	p.ZeroGradients()
	if err := p.BackwardLogProb(action, 1); err != nil {
		t.Fatal(err)
	}

	const h = 1e-6
	for i := range p.logStd {
		orig := p.logStd[i]
		p.logStd[i] = orig + h
		fp, _ := p.LogProb(obs, action)
		p.logStd[i] = orig - h
		fm, _ := p.LogProb(obs, action)
		p.logStd[i] = orig

		numeric := (fp - fm) / (2 * h)
		if math.Abs(numeric-p.gradLogStd[i]) > 1e-5 {
			t.Errorf("logStd[%d]: numeric %v, analytic %v", i, numeric, p.gradLogStd[i])
		}
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	a, err := NewTrainingMLP(3, []int{5, 4}, 2, rng)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewTrainingMLP(3, []int{5, 4}, 2, rng)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := a.Save(&buf); err != nil {
		t.Fatal(err)
	}
	if err := b.Load(&buf); err != nil {
		t.Fatal(err)
	}

	in := []float64{0.3, 0.1, -0.2}
	outA := make([]float64, 2)
	outB := make([]float64, 2)
	a.Forward(in, outA)
	b.Forward(in, outB)
	for i := range outA {
		// float32 storage loses precision
		if math.Abs(outA[i]-outB[i]) > 1e-5 {
			t.Errorf("output %d differs after round trip: %v vs %v", i, outA[i], outB[i])
		}
	}
}

func TestWeightsLoadMismatchNonDestructive(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	small, err := NewTrainingMLP(2, []int{3}, 1, rng)
	if err != nil {
		t.Fatal(err)
	}
	big, err := NewTrainingMLP(4, []int{8}, 2, rng)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := small.Save(&buf); err != nil {
		t.Fatal(err)
	}

	in := []float64{1, 0, -1, 0.5}
	before := make([]float64, 2)
	big.Forward(in, before)

	if err := big.Load(&buf); err == nil {
		t.Fatal("expected a load error for mismatched shapes")
	}

	after := make([]float64, 2)
	big.Forward(in, after)
	for i := range before {
		if before[i] != after[i] {
			t.Error("failed load modified the network")
		}
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	a, err := NewGaussianPolicy(2, []int{4}, 2, -0.5, rng)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewGaussianPolicy(2, []int{4}, 2, 0.1, rng)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := a.Save(&buf); err != nil {
		t.Fatal(err)
	}
	if err := b.Load(&buf); err != nil {
		t.Fatal(err)
	}

	for i := range a.logStd {
		if math.Abs(a.logStd[i]-b.logStd[i]) > 1e-6 {
			t.Errorf("logStd[%d] = %v after load, want %v", i, b.logStd[i], a.logStd[i])
		}
	}

	obs := []float64{0.2, 0.4}
	action := []float64{0.1, 0.1}
	lpA, _ := a.LogProb(obs, action)
	lpB, _ := b.LogProb(obs, action)
	if math.Abs(lpA-lpB) > 1e-4 {
		t.Errorf("logProb differs after round trip: %v vs %v", lpA, lpB)
	}
}

func TestBadMagicRejected(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	n, err := NewTrainingMLP(2, []int{3}, 1, rng)
	if err != nil {
		t.Fatal(err)
	}
	buf := bytes.NewBuffer([]byte{0xDE, 0xAD, 0xBE, 0xEF, 1, 0, 0, 0})
	if err := n.Load(buf); err == nil {
		t.Error("expected an error for a bad magic")
	}
}
