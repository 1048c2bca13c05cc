// Command unitrack trains a physically simulated humanoid to imitate
// reference motion clips with PPO. Clips are read from a directory of
// JSON files; checkpoints and a learning curve land in the output
// directory.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/motionrl/unitrack/env"
	"github.com/motionrl/unitrack/motion"
	"github.com/motionrl/unitrack/ragdoll"
	"github.com/motionrl/unitrack/trainer"
)

// humanoid hands and feet, used for the end-effector reward kernel
var endEffectors = []int{9, 13, 16, 19}

func main() {
	motions := flag.String("motions", "", "directory of motion clip JSON files")
	output := flag.String("output", "output", "directory for checkpoints and plots")
	numEnvs := flag.Int("envs", 16, "parallel simulated characters")
	iterations := flag.Int("iterations", 1000, "training iterations")
	rolloutSteps := flag.Int("rollout-steps", 128, "control steps per rollout window")
	lr := flag.Float64("lr", 3e-4, "policy learning rate")
	resume := flag.String("resume", "", "checkpoint directory to resume from")
	seed := flag.Uint64("seed", 1, "random seed")
	logInterval := flag.Int("log-interval", 10, "iterations between log lines")
	flag.Parse()

	lib := &motion.Library{}
	if *motions != "" {
		if lib.LoadDirectory(*motions) == 0 {
			log.Printf("no clips loaded from %q, falling back to a standing clip", *motions)
		}
	}
	if lib.Empty() {
		lib.AddStandingClip(ragdoll.NumHumanoidParts)
	}

	envCfg := env.DefaultConfig()
	vec, err := env.NewVecEnv(*numEnvs, ragdoll.NewHumanoidConfig(), envCfg, lib,
		endEffectors, *seed)
	if err != nil {
		log.Printf("environment setup failed: %v", err)
		os.Exit(1)
	}
	defer vec.Close()

	cfg := trainer.DefaultConfig()
	cfg.Iterations = *iterations
	cfg.RolloutSteps = *rolloutSteps
	cfg.PolicyLR = *lr
	cfg.OutputDir = *output
	cfg.Seed = *seed
	cfg.LogInterval = *logInterval

	tr, err := trainer.New(vec, cfg)
	if err != nil {
		log.Printf("trainer setup failed: %v", err)
		os.Exit(1)
	}
	if *resume != "" {
		if err := tr.LoadCheckpoint(*resume); err != nil {
			log.Printf("resume failed: %v", err)
			os.Exit(1)
		}
	}

	if err := tr.Run(); err != nil {
		log.Printf("training failed: %v", err)
		os.Exit(1)
	}
	log.Printf("training complete: %d episodes over %d iterations",
		tr.Tracker().NumEpisodes(), tr.Tracker().NumIterations())
}
