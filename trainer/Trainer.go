// Package trainer runs proximal policy optimization over a vectorized
// batch of character environments: rollouts are collected into a
// fixed window, advantages are estimated with GAE, and the policy and
// value networks are updated with clipped-surrogate minibatch SGD.
package trainer

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"

	"github.com/motionrl/unitrack/buffer/rollout"
	"github.com/motionrl/unitrack/env"
	"github.com/motionrl/unitrack/network"
	"github.com/motionrl/unitrack/utils/floatutils"
	"github.com/motionrl/unitrack/utils/progressbar"
)

// Config holds the optimization hyperparameters
type Config struct {
	Iterations   int
	RolloutSteps int

	PolicyHidden []int
	ValueHidden  []int
	InitLogStd   float64

	Gamma       float64
	Lambda      float64
	ClipEpsilon float64

	Epochs        int
	MinibatchSize int
	PolicyLR      float64
	ValueLR       float64

	SaveInterval int
	LogInterval  int
	OutputDir    string
	Seed         uint64
}

// DefaultConfig returns the standard hyperparameters
func DefaultConfig() Config {
	return Config{
		Iterations:    1000,
		RolloutSteps:  128,
		PolicyHidden:  []int{1024, 1024, 1024},
		ValueHidden:   []int{512, 512},
		InitLogStd:    -0.5,
		Gamma:         0.99,
		Lambda:        0.95,
		ClipEpsilon:   0.2,
		Epochs:        4,
		MinibatchSize: 256,
		PolicyLR:      3e-4,
		ValueLR:       1e-3,
		SaveInterval:  50,
		LogInterval:   10,
		OutputDir:     "output",
		Seed:          1,
	}
}

// Stats summarizes one training iteration
type Stats struct {
	Iteration   int
	MeanReward  float64
	MeanReturn  float64
	Episodes    int
	Entropy     float64
	PolicyLoss  float64
	ValueLoss   float64
	ClipPct     float64
	Transitions int
}

// Trainer owns the policy, value function, rollout buffer, and
// environment batch for one training run
type Trainer struct {
	cfg    Config
	vec    *env.VecEnv
	policy *network.GaussianPolicy
	value  *network.TrainingMLP
	buf    *rollout.Buffer
	rng    *rand.Rand

	tracker *Tracker
	updates int

	// per-env episode return accumulators
	envReturns []float64

	obsScratch []float64
	actions    []float64
	values     []float64
	logProbs   []float64
	valueOut   []float64
	lastValues []float64
	indices    []int
}

// New creates a trainer over the given environment batch. The batch
// is borrowed, not owned; callers close it after training.
func New(vec *env.VecEnv, cfg Config) (*Trainer, error) {
	if cfg.Iterations <= 0 || cfg.RolloutSteps <= 0 {
		return nil, fmt.Errorf("trainer: invalid schedule (%d iterations, %d steps)",
			cfg.Iterations, cfg.RolloutSteps)
	}
	if cfg.ClipEpsilon <= 0 {
		return nil, fmt.Errorf("trainer: non-positive clip epsilon %v", cfg.ClipEpsilon)
	}
	if cfg.MinibatchSize <= 0 || cfg.Epochs <= 0 {
		return nil, fmt.Errorf("trainer: invalid update shape (%d epochs, %d minibatch)",
			cfg.Epochs, cfg.MinibatchSize)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	obsDim := vec.ObservationDim()
	actDim := vec.ActionDim()
	numEnvs := vec.NumEnvs()

	policy, err := network.NewGaussianPolicy(obsDim, cfg.PolicyHidden, actDim,
		cfg.InitLogStd, rng)
	if err != nil {
		return nil, fmt.Errorf("trainer: %v", err)
	}
	value, err := network.NewTrainingMLP(obsDim, cfg.ValueHidden, 1, rng)
	if err != nil {
		return nil, fmt.Errorf("trainer: %v", err)
	}
	buf, err := rollout.New(cfg.RolloutSteps, numEnvs, obsDim, actDim,
		cfg.Gamma, cfg.Lambda)
	if err != nil {
		return nil, fmt.Errorf("trainer: %v", err)
	}

	log.Printf("trainer: policy %d params, value %d params, %d envs",
		policy.MeanNet().NumParameters(), value.NumParameters(), numEnvs)

	return &Trainer{
		cfg:        cfg,
		vec:        vec,
		policy:     policy,
		value:      value,
		buf:        buf,
		rng:        rng,
		tracker:    NewTracker(),
		envReturns: make([]float64, numEnvs),
		obsScratch: make([]float64, numEnvs*obsDim),
		actions:    make([]float64, numEnvs*actDim),
		values:     make([]float64, numEnvs),
		logProbs:   make([]float64, numEnvs),
		valueOut:   make([]float64, 1),
		lastValues: make([]float64, numEnvs),
	}, nil
}

// Policy exposes the trained policy
func (t *Trainer) Policy() *network.GaussianPolicy { return t.policy }

// Value exposes the trained value network
func (t *Trainer) Value() *network.TrainingMLP { return t.value }

// Tracker exposes the run statistics
func (t *Trainer) Tracker() *Tracker { return t.tracker }

// Run executes the full training schedule, checkpointing every
// SaveInterval iterations and at the end
func (t *Trainer) Run() error {
	if err := os.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("run: %v", err)
	}
	if err := t.vec.ResetAll(); err != nil {
		return fmt.Errorf("run: %v", err)
	}

	pbar := progressbar.NewProgressBar(40, t.cfg.Iterations, time.Second, false)
	pbar.Display()
	defer pbar.Close()

	start := time.Now()
	for iter := 1; iter <= t.cfg.Iterations; iter++ {
		stats, err := t.iterate(iter)
		if err != nil {
			return fmt.Errorf("run: iteration %d: %v", iter, err)
		}
		t.tracker.AddIteration(stats)
		pbar.Increment()

		if t.cfg.LogInterval > 0 && iter%t.cfg.LogInterval == 0 {
			log.Printf("iter %d: reward=%.4f return=%.2f episodes=%d entropy=%.3f clip=%.1f%% (%.0fs)",
				iter, stats.MeanReward, stats.MeanReturn, stats.Episodes,
				stats.Entropy, 100*stats.ClipPct, time.Since(start).Seconds())
		}
		if t.cfg.SaveInterval > 0 && iter%t.cfg.SaveInterval == 0 {
			if err := t.SaveCheckpoint(); err != nil {
				log.Printf("trainer: checkpoint failed: %v", err)
			}
		}
	}

	if err := t.SaveCheckpoint(); err != nil {
		return fmt.Errorf("run: final checkpoint: %v", err)
	}
	if err := t.tracker.SavePlot(filepath.Join(t.cfg.OutputDir, "learning_curve.png")); err != nil {
		log.Printf("trainer: learning curve plot failed: %v", err)
	}
	return nil
}

// iterate collects one rollout window and performs one PPO update
func (t *Trainer) iterate(iter int) (Stats, error) {
	t.buf.Reset()

	rewardSum := 0.0
	rewardCount := 0
	episodeReturnSum := 0.0
	episodes := 0

	for step := 0; step < t.cfg.RolloutSteps; step++ {
		copy(t.obsScratch, t.vec.Observations())

		obsDim := t.vec.ObservationDim()
		actDim := t.vec.ActionDim()
		for i := 0; i < t.vec.NumEnvs(); i++ {
			obs := t.obsScratch[i*obsDim : (i+1)*obsDim]
			act := t.actions[i*actDim : (i+1)*actDim]
			lp, err := t.policy.Sample(obs, act)
			if err != nil {
				return Stats{}, err
			}
			t.logProbs[i] = lp
			if err := t.value.Forward(obs, t.valueOut); err != nil {
				return Stats{}, err
			}
			t.values[i] = t.valueOut[0]
		}

		if err := t.vec.Step(t.actions); err != nil {
			return Stats{}, err
		}
		rewards := t.vec.Rewards()
		dones := t.vec.Dones()
		t.buf.AddBatch(t.obsScratch, t.actions, rewards, t.values, t.logProbs, dones)

		for i, r := range rewards {
			rewardSum += r
			rewardCount++
			t.envReturns[i] += r
			if dones[i] {
				episodeReturnSum += t.envReturns[i]
				episodes++
				t.tracker.AddEpisodeReturn(t.envReturns[i])
				t.envReturns[i] = 0
			}
		}
		if _, err := t.vec.ResetDone(); err != nil {
			return Stats{}, err
		}
	}

	// Bootstrap values for the states following the window
	obsDim := t.vec.ObservationDim()
	for i := 0; i < t.vec.NumEnvs(); i++ {
		obs := t.vec.Observations()[i*obsDim : (i+1)*obsDim]
		if err := t.value.Forward(obs, t.valueOut); err != nil {
			return Stats{}, err
		}
		t.lastValues[i] = t.valueOut[0]
	}
	// Every environment bootstraps from the batch-averaged final value
	if err := t.buf.ComputeAdvantagesShared(stat.Mean(t.lastValues, nil)); err != nil {
		return Stats{}, err
	}
	t.buf.NormalizeAdvantages()

	stats, err := t.update()
	if err != nil {
		return Stats{}, err
	}

	stats.Iteration = iter
	if rewardCount > 0 {
		stats.MeanReward = rewardSum / float64(rewardCount)
	}
	if episodes > 0 {
		stats.MeanReturn = episodeReturnSum / float64(episodes)
	}
	stats.Episodes = episodes
	stats.Entropy = t.policy.Entropy()
	stats.Transitions = t.buf.Len()
	return stats, nil
}

// update runs the clipped-surrogate epochs over the stored window
func (t *Trainer) update() (Stats, error) {
	n := t.buf.Len()
	if n == 0 {
		return Stats{}, fmt.Errorf("update: empty rollout buffer")
	}
	if cap(t.indices) < n {
		t.indices = make([]int, n)
	}
	t.indices = t.indices[:n]
	for i := range t.indices {
		t.indices[i] = i
	}

	var stats Stats
	samples := 0
	clipped := 0

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		t.rng.Shuffle(n, func(i, j int) {
			t.indices[i], t.indices[j] = t.indices[j], t.indices[i]
		})

		for start := 0; start < n; start += t.cfg.MinibatchSize {
			end := start + t.cfg.MinibatchSize
			if end > n {
				end = n
			}
			mb := t.indices[start:end]

			t.policy.ZeroGradients()
			t.value.ZeroGradients()

			for _, idx := range mb {
				obs := t.buf.Observation(idx)
				act := t.buf.Action(idx)
				adv := t.buf.Advantage(idx)
				ret := t.buf.Return(idx)
				oldLp := t.buf.LogProb(idx)

				lp, err := t.policy.LogProb(obs, act)
				if err != nil {
					return Stats{}, err
				}
				ratio := math.Exp(lp - oldLp)
				gradScale, wasClipped := surrogateGradScale(ratio, adv, t.cfg.ClipEpsilon)
				if wasClipped {
					clipped++
					clippedRatio := floatutils.Clip(ratio, 1-t.cfg.ClipEpsilon, 1+t.cfg.ClipEpsilon)
					stats.PolicyLoss -= clippedRatio * adv
				} else {
					stats.PolicyLoss -= ratio * adv
					if err := t.policy.BackwardLogProb(act, gradScale); err != nil {
						return Stats{}, err
					}
				}

				if err := t.value.Forward(obs, t.valueOut); err != nil {
					return Stats{}, err
				}
				diff := t.valueOut[0] - ret
				stats.ValueLoss += 0.5 * diff * diff
				if err := t.value.Backward([]float64{diff}); err != nil {
					return Stats{}, err
				}
				samples++
			}

			t.updates++
			t.policy.ApplyGradients(t.cfg.PolicyLR, len(mb), t.updates)
			t.value.ApplyGradients(t.cfg.ValueLR, len(mb), t.updates)
		}
	}

	if samples > 0 {
		stats.PolicyLoss /= float64(samples)
		stats.ValueLoss /= float64(samples)
		stats.ClipPct = float64(clipped) / float64(samples)
	}
	return stats, nil
}

// surrogateGradScale evaluates the pessimistic clipped surrogate for
// one sample. When the clipped branch dominates it is constant in the
// parameters, so the sample contributes no policy gradient; otherwise
// the scale is the loss gradient with respect to the log probability.
func surrogateGradScale(ratio, adv, eps float64) (float64, bool) {
	clippedRatio := floatutils.Clip(ratio, 1-eps, 1+eps)
	if clippedRatio*adv < ratio*adv {
		return 0, true
	}
	return -adv * ratio, false
}

// SaveCheckpoint writes the policy and value weights into OutputDir
func (t *Trainer) SaveCheckpoint() error {
	if err := saveTo(filepath.Join(t.cfg.OutputDir, "policy.bin"), t.policy.Save); err != nil {
		return err
	}
	return saveTo(filepath.Join(t.cfg.OutputDir, "value.bin"), t.value.Save)
}

// LoadCheckpoint restores the policy and value weights from a
// checkpoint directory. The networks are unchanged on error.
func (t *Trainer) LoadCheckpoint(dir string) error {
	if err := loadFrom(filepath.Join(dir, "policy.bin"), t.policy.Load); err != nil {
		return err
	}
	if err := loadFrom(filepath.Join(dir, "value.bin"), t.value.Load); err != nil {
		return err
	}
	log.Printf("trainer: resumed from checkpoint %q", dir)
	return nil
}

func saveTo(path string, save func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func loadFrom(path string, load func(r io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return load(f)
}
