package network

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// log(2*pi)
const log2Pi = 1.8378770664093453

// GaussianPolicy is a diagonal Gaussian action distribution: a mean
// network plus one learnable log standard deviation per action
// dimension, state-independent. Sampling, likelihood, and the
// likelihood gradient are all closed-form.
type GaussianPolicy struct {
	mean   *TrainingMLP
	logStd []float64

	gradLogStd []float64
	mLS, vLS   []float64

	normal distuv.Normal

	// cached mean output of the most recent forward pass
	lastMean []float64
	dMean    []float64
}

// NewGaussianPolicy builds a policy with the given mean network shape
// and a uniform initial log standard deviation
func NewGaussianPolicy(obsDim int, hidden []int, actDim int, initLogStd float64,
	rng *rand.Rand) (*GaussianPolicy, error) {

	meanNet, err := NewTrainingMLP(obsDim, hidden, actDim, rng)
	if err != nil {
		return nil, fmt.Errorf("newGaussianPolicy: %v", err)
	}

	p := &GaussianPolicy{
		mean:       meanNet,
		logStd:     make([]float64, actDim),
		gradLogStd: make([]float64, actDim),
		mLS:        make([]float64, actDim),
		vLS:        make([]float64, actDim),
		normal:     distuv.Normal{Mu: 0, Sigma: 1, Src: rng},
		lastMean:   make([]float64, actDim),
		dMean:      make([]float64, actDim),
	}
	for i := range p.logStd {
		p.logStd[i] = initLogStd
	}
	return p, nil
}

// ObservationDim returns the policy input width
func (p *GaussianPolicy) ObservationDim() int { return p.mean.InputDim() }

// ActionDim returns the action width
func (p *GaussianPolicy) ActionDim() int { return p.mean.OutputDim() }

// MeanNet exposes the mean network for checkpointing
func (p *GaussianPolicy) MeanNet() *TrainingMLP { return p.mean }

// LogStd exposes the log standard deviations for checkpointing
func (p *GaussianPolicy) LogStd() []float64 { return p.logStd }

// Sample draws an action for obs and returns its log probability
func (p *GaussianPolicy) Sample(obs, action []float64) (float64, error) {
	if err := p.mean.Forward(obs, p.lastMean); err != nil {
		return 0, err
	}
	if len(action) != p.ActionDim() {
		return 0, fmt.Errorf("sample: action length %d, want %d", len(action), p.ActionDim())
	}
	for i := range action {
		action[i] = p.lastMean[i] + math.Exp(p.logStd[i])*p.normal.Rand()
	}
	return p.logProbOfCached(action), nil
}

// MeanAction writes the deterministic (mean) action for obs
func (p *GaussianPolicy) MeanAction(obs, action []float64) error {
	if len(action) != p.ActionDim() {
		return fmt.Errorf("meanAction: action length %d, want %d", len(action), p.ActionDim())
	}
	if err := p.mean.Forward(obs, p.lastMean); err != nil {
		return err
	}
	copy(action, p.lastMean)
	return nil
}

// LogProb evaluates the log probability of action under the current
// policy at obs. The forward pass is cached, so a following
// BackwardLogProb sees the matching activations.
func (p *GaussianPolicy) LogProb(obs, action []float64) (float64, error) {
	if len(action) != p.ActionDim() {
		return 0, fmt.Errorf("logProb: action length %d, want %d", len(action), p.ActionDim())
	}
	if err := p.mean.Forward(obs, p.lastMean); err != nil {
		return 0, err
	}
	return p.logProbOfCached(action), nil
}

func (p *GaussianPolicy) logProbOfCached(action []float64) float64 {
	lp := 0.0
	for i := range action {
		diff := action[i] - p.lastMean[i]
		variance := math.Exp(2 * p.logStd[i])
		lp += log2Pi + 2*p.logStd[i] + diff*diff/variance
	}
	return -0.5 * lp
}

// BackwardLogProb accumulates gradients of gradScale * logProb(action)
// with respect to the mean network and the log standard deviations,
// using the activations cached by the most recent LogProb call.
func (p *GaussianPolicy) BackwardLogProb(action []float64, gradScale float64) error {
	if len(action) != p.ActionDim() {
		return fmt.Errorf("backwardLogProb: action length %d, want %d",
			len(action), p.ActionDim())
	}
	for i := range action {
		diff := action[i] - p.lastMean[i]
		variance := math.Exp(2 * p.logStd[i])
		p.dMean[i] = gradScale * diff / variance
		p.gradLogStd[i] += gradScale * (diff*diff/variance - 1)
	}
	return p.mean.Backward(p.dMean)
}

// ZeroGradients clears all accumulated gradients
func (p *GaussianPolicy) ZeroGradients() {
	p.mean.ZeroGradients()
	for i := range p.gradLogStd {
		p.gradLogStd[i] = 0
	}
}

// ApplyGradients takes one Adam step on the mean network and the log
// standard deviations, then clears the gradients
func (p *GaussianPolicy) ApplyGradients(lr float64, batchSize, step int) {
	p.mean.ApplyGradients(lr, batchSize, step)

	if batchSize <= 0 {
		batchSize = 1
	}
	invB := 1 / float64(batchSize)
	c1 := 1 - math.Pow(adamBeta1, float64(step))
	c2 := 1 - math.Pow(adamBeta2, float64(step))
	for i := range p.logStd {
		g := p.gradLogStd[i] * invB
		p.mLS[i] = adamBeta1*p.mLS[i] + (1-adamBeta1)*g
		p.vLS[i] = adamBeta2*p.vLS[i] + (1-adamBeta2)*g*g
		p.logStd[i] -= lr * (p.mLS[i] / c1) / (math.Sqrt(p.vLS[i]/c2) + adamEpsilon)
		p.gradLogStd[i] = 0
	}
}

// Entropy returns the distribution entropy, which for a diagonal
// Gaussian depends only on the log standard deviations
func (p *GaussianPolicy) Entropy() float64 {
	h := 0.0
	for _, ls := range p.logStd {
		h += 0.5*(log2Pi+1) + ls
	}
	return h
}
