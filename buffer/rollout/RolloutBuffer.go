// Package rollout implements the on-policy experience buffer used by
// PPO: a fixed window of batched transitions with generalized
// advantage estimation computed in place once the window is full.
package rollout

import (
	"fmt"
	"log"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// normEpsilon guards the advantage normalization against a
// zero-variance batch
const normEpsilon = 1e-8

// Buffer stores numSteps batched transitions for numEnvs parallel
// environments in flat row-major arrays. Transitions arriving after
// the window is full are dropped. Not safe for concurrent use.
type Buffer struct {
	numSteps int
	numEnvs  int
	obsDim   int
	actDim   int

	step    int
	dropped int

	obs      []float64 // numSteps * numEnvs * obsDim
	actions  []float64 // numSteps * numEnvs * actDim
	rewards  []float64 // numSteps * numEnvs
	values   []float64
	logProbs []float64
	notDone  []float64 // 1 for live transitions, 0 for terminals

	advantages []float64
	returns    []float64

	gamma  float64
	lambda float64
}

// New creates a buffer for numSteps batched steps of numEnvs
// environments
func New(numSteps, numEnvs, obsDim, actDim int, gamma, lambda float64) (*Buffer, error) {
	if numSteps <= 0 || numEnvs <= 0 {
		return nil, fmt.Errorf("rollout: invalid shape (%d steps, %d envs)", numSteps, numEnvs)
	}
	if obsDim <= 0 || actDim <= 0 {
		return nil, fmt.Errorf("rollout: invalid dims (obs=%d, act=%d)", obsDim, actDim)
	}
	if gamma < 0 || gamma > 1 || lambda < 0 || lambda > 1 {
		return nil, fmt.Errorf("rollout: gamma=%v lambda=%v outside [0, 1]", gamma, lambda)
	}

	n := numSteps * numEnvs
	return &Buffer{
		numSteps:   numSteps,
		numEnvs:    numEnvs,
		obsDim:     obsDim,
		actDim:     actDim,
		obs:        make([]float64, n*obsDim),
		actions:    make([]float64, n*actDim),
		rewards:    make([]float64, n),
		values:     make([]float64, n),
		logProbs:   make([]float64, n),
		notDone:    make([]float64, n),
		advantages: make([]float64, n),
		returns:    make([]float64, n),
		gamma:      gamma,
		lambda:     lambda,
	}, nil
}

// NumSteps returns the window length in batched steps
func (b *Buffer) NumSteps() int { return b.numSteps }

// NumEnvs returns the batch width
func (b *Buffer) NumEnvs() int { return b.numEnvs }

// Len returns the number of stored transitions across all
// environments
func (b *Buffer) Len() int { return b.step * b.numEnvs }

// Full reports whether the window holds numSteps batched steps
func (b *Buffer) Full() bool { return b.step >= b.numSteps }

// Reset empties the window for the next rollout
func (b *Buffer) Reset() {
	b.step = 0
	b.dropped = 0
}

// AddBatch appends one batched transition. Calls on a full buffer are
// dropped; the first drop per window is logged.
func (b *Buffer) AddBatch(obs, actions, rewards, values, logProbs []float64, dones []bool) {
	if b.Full() {
		if b.dropped == 0 {
			log.Printf("rollout: buffer full, dropping transitions")
		}
		b.dropped++
		return
	}
	if len(obs) != b.numEnvs*b.obsDim || len(actions) != b.numEnvs*b.actDim ||
		len(rewards) != b.numEnvs || len(values) != b.numEnvs ||
		len(logProbs) != b.numEnvs || len(dones) != b.numEnvs {
		log.Printf("rollout: batch shape mismatch, dropping transition")
		return
	}

	t := b.step
	copy(b.obs[t*b.numEnvs*b.obsDim:], obs)
	copy(b.actions[t*b.numEnvs*b.actDim:], actions)
	copy(b.rewards[t*b.numEnvs:], rewards)
	copy(b.values[t*b.numEnvs:], values)
	copy(b.logProbs[t*b.numEnvs:], logProbs)
	for i, d := range dones {
		if d {
			b.notDone[t*b.numEnvs+i] = 0
		} else {
			b.notDone[t*b.numEnvs+i] = 1
		}
	}
	b.step++
}

// ComputeAdvantages runs generalized advantage estimation backward
// over the stored window. lastValues are the critic's estimates for
// the states following the final stored step, one per environment,
// used to bootstrap truncated episodes.
func (b *Buffer) ComputeAdvantages(lastValues []float64) error {
	if len(lastValues) != b.numEnvs {
		return fmt.Errorf("computeAdvantages: %d bootstrap values for %d envs",
			len(lastValues), b.numEnvs)
	}

	for e := 0; e < b.numEnvs; e++ {
		gae := 0.0
		for t := b.step - 1; t >= 0; t-- {
			i := t*b.numEnvs + e
			nextValue := lastValues[e]
			if t < b.step-1 {
				nextValue = b.values[i+b.numEnvs]
			}
			delta := b.rewards[i] + b.gamma*nextValue*b.notDone[i] - b.values[i]
			gae = delta + b.gamma*b.lambda*b.notDone[i]*gae
			b.advantages[i] = gae
			b.returns[i] = gae + b.values[i]
		}
	}
	return nil
}

// ComputeAdvantagesShared runs GAE with one bootstrap value shared by
// every environment, typically the critic's final estimate averaged
// over the batch
func (b *Buffer) ComputeAdvantagesShared(lastValue float64) error {
	shared := make([]float64, b.numEnvs)
	for i := range shared {
		shared[i] = lastValue
	}
	return b.ComputeAdvantages(shared)
}

// NormalizeAdvantages standardizes the stored advantages in place
func (b *Buffer) NormalizeAdvantages() {
	n := b.Len()
	if n == 0 {
		return
	}
	adv := b.advantages[:n]
	mean := stat.Mean(adv, nil)
	std := stat.PopStdDev(adv, nil)
	floats.AddConst(-mean, adv)
	floats.Scale(1/(std+normEpsilon), adv)
}

// Observation returns the i'th stored observation row
func (b *Buffer) Observation(i int) []float64 {
	return b.obs[i*b.obsDim : (i+1)*b.obsDim]
}

// Action returns the i'th stored action row
func (b *Buffer) Action(i int) []float64 {
	return b.actions[i*b.actDim : (i+1)*b.actDim]
}

// Advantage returns the i'th advantage estimate
func (b *Buffer) Advantage(i int) float64 { return b.advantages[i] }

// Return returns the i'th discounted return target
func (b *Buffer) Return(i int) float64 { return b.returns[i] }

// LogProb returns the i'th behavior-policy log probability
func (b *Buffer) LogProb(i int) float64 { return b.logProbs[i] }

// Value returns the i'th stored value estimate
func (b *Buffer) Value(i int) float64 { return b.values[i] }
