package trainer

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/motionrl/unitrack/env"
	"github.com/motionrl/unitrack/motion"
	"github.com/motionrl/unitrack/ragdoll"
)

func testVecEnv(t *testing.T, numEnvs int) *env.VecEnv {
	t.Helper()
	lib := &motion.Library{}
	lib.AddStandingClip(ragdoll.NumHumanoidParts)

	cfg := env.DefaultConfig()
	v, err := env.NewVecEnv(numEnvs, ragdoll.NewHumanoidConfig(), cfg, lib,
		[]int{9, 13, 16, 19}, 11)
	if err != nil {
		t.Fatalf("newVecEnv: %v", err)
	}
	return v
}

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.Iterations = 2
	cfg.RolloutSteps = 4
	cfg.PolicyHidden = []int{16}
	cfg.ValueHidden = []int{16}
	cfg.Epochs = 1
	cfg.MinibatchSize = 8
	cfg.SaveInterval = 0
	cfg.LogInterval = 0
	cfg.OutputDir = dir
	return cfg
}

func TestNewValidatesConfig(t *testing.T) {
	v := testVecEnv(t, 1)
	defer v.Close()

	bad := testConfig(t.TempDir())
	bad.Iterations = 0
	if _, err := New(v, bad); err == nil {
		t.Error("expected an error for zero iterations")
	}

	bad = testConfig(t.TempDir())
	bad.ClipEpsilon = 0
	if _, err := New(v, bad); err == nil {
		t.Error("expected an error for zero clip epsilon")
	}

	bad = testConfig(t.TempDir())
	bad.MinibatchSize = 0
	if _, err := New(v, bad); err == nil {
		t.Error("expected an error for zero minibatch size")
	}
}

func TestSurrogateGradScale(t *testing.T) {
	const eps = 0.2

	// Positive advantage with a ratio above the band: clipped, no
	// gradient
	if scale, clipped := surrogateGradScale(1.5, 2, eps); !clipped || scale != 0 {
		t.Errorf("above-band sample: scale=%v clipped=%v", scale, clipped)
	}
	// Negative advantage with a ratio below the band: also clipped
	if scale, clipped := surrogateGradScale(0.5, -2, eps); !clipped || scale != 0 {
		t.Errorf("below-band sample: scale=%v clipped=%v", scale, clipped)
	}
	// Ratio inside the band: the unclipped surrogate drives the update
	if scale, clipped := surrogateGradScale(1.1, 2, eps); clipped || scale != -2*1.1 {
		t.Errorf("in-band sample: scale=%v clipped=%v", scale, clipped)
	}
	// Positive advantage below the band is not clipped: the pessimistic
	// minimum keeps the unclipped branch
	if scale, clipped := surrogateGradScale(0.5, 2, eps); clipped || scale != -2*0.5 {
		t.Errorf("below-band positive-adv sample: scale=%v clipped=%v", scale, clipped)
	}
}

func TestRunSmoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training smoke test in short mode")
	}
	v := testVecEnv(t, 2)
	defer v.Close()

	dir := t.TempDir()
	tr, err := New(v, testConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	if tr.Tracker().NumIterations() != 2 {
		t.Errorf("tracked %d iterations, want 2", tr.Tracker().NumIterations())
	}
	for _, r := range tr.Tracker().MeanRewards() {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			t.Errorf("non-finite mean reward %v", r)
		}
	}

	// Final checkpoint and learning curve must exist
	for _, name := range []string{"policy.bin", "value.bin", "learning_curve.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing output %s: %v", name, err)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	v := testVecEnv(t, 1)
	defer v.Close()

	dir := t.TempDir()
	a, err := New(v, testConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SaveCheckpoint(); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t.TempDir())
	cfg.Seed = 99 // different init
	b, err := New(v, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.LoadCheckpoint(dir); err != nil {
		t.Fatalf("loadCheckpoint: %v", err)
	}

	obs := make([]float64, v.ObservationDim())
	actA := make([]float64, v.ActionDim())
	actB := make([]float64, v.ActionDim())
	if err := a.Policy().MeanAction(obs, actA); err != nil {
		t.Fatal(err)
	}
	if err := b.Policy().MeanAction(obs, actB); err != nil {
		t.Fatal(err)
	}
	for i := range actA {
		if math.Abs(actA[i]-actB[i]) > 1e-5 {
			t.Fatalf("mean action %d differs after resume: %v vs %v", i, actA[i], actB[i])
		}
	}
}

func TestLoadCheckpointMissingDir(t *testing.T) {
	v := testVecEnv(t, 1)
	defer v.Close()

	tr, err := New(v, testConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.LoadCheckpoint(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected an error for a missing checkpoint directory")
	}
}

func TestTrackerPlot(t *testing.T) {
	tr := NewTracker()
	if err := tr.SavePlot(filepath.Join(t.TempDir(), "x.png")); err == nil {
		t.Error("expected an error with fewer than 2 iterations")
	}

	for i := 0; i < 10; i++ {
		tr.AddIteration(Stats{Iteration: i + 1, MeanReward: float64(i) * 0.1})
		tr.AddEpisodeReturn(float64(i))
	}
	path := filepath.Join(t.TempDir(), "curve.png")
	if err := tr.SavePlot(path); err != nil {
		t.Fatalf("savePlot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Error("plot file is empty")
	}
	if tr.NumEpisodes() != 10 {
		t.Errorf("numEpisodes = %d, want 10", tr.NumEpisodes())
	}
}
