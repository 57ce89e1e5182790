package main

import (
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/multiworld"
)

type benchFlags struct {
	steps   int
	worlds  int
	workers int
	seed    uint64
}

func newBenchCmd(rf *rootFlags) *cobra.Command {
	var bf benchFlags
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Step the batch with random actions and report throughput.",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runBench(*rf, bf, newLogger("bench"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().IntVar(&bf.steps, "steps", 1000, "batch steps to run")
	cmd.Flags().IntVar(&bf.worlds, "worlds", 0, "override num_worlds (0 keeps the tuning value)")
	cmd.Flags().IntVar(&bf.workers, "workers", -1, "override workers (-1 keeps the tuning value)")
	cmd.Flags().Uint64Var(&bf.seed, "policy_seed", 7, "seed of the random policy")
	return cmd
}

type benchResult struct {
	Worlds   int
	Workers  int
	Steps    int
	Elapsed  time.Duration
	Episodes uint64
}

func (r benchResult) String() string {
	secs := r.Elapsed.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}
	worldSteps := float64(r.Steps * r.Worlds)
	return fmt.Sprintf("worlds=%d workers=%d steps=%d elapsed=%s batch_steps/s=%.1f world_steps/s=%.1f agent_steps/s=%.1f episodes=%d",
		r.Worlds, r.Workers, r.Steps, r.Elapsed.Round(time.Millisecond),
		float64(r.Steps)/secs, worldSteps/secs, worldSteps*model.MaxAgents/secs, r.Episodes)
}

func runBench(rf rootFlags, bf benchFlags, logger *log.Logger) (benchResult, error) {
	tune, err := loadTuning(rf.tuningPath, logger)
	if err != nil {
		return benchResult{}, fmt.Errorf("load tuning: %w", err)
	}
	if bf.worlds > 0 {
		tune.NumWorlds = bf.worlds
	}
	if bf.workers >= 0 {
		tune.Workers = bf.workers
	}
	tune.AutoReset = true

	mgr, err := multiworld.NewManager(tune, log.New(io.Discard, "", 0))
	if err != nil {
		return benchResult{}, fmt.Errorf("manager: %w", err)
	}
	defer mgr.Close()

	r := rand.New(rand.NewPCG(bf.seed, bf.seed^0x9e3779b97f4a7c15))
	actions := make([]int32, len(mgr.Buffers().Actions))

	start := time.Now()
	for i := 0; i < bf.steps; i++ {
		for a := 0; a+model.ActionWidth <= len(actions); a += model.ActionWidth {
			actions[a] = int32(r.IntN(model.MoveAmountBuckets))
			actions[a+1] = int32(r.IntN(model.MoveAngleBuckets))
			actions[a+2] = int32(r.IntN(model.TurnBuckets))
			actions[a+3] = int32(r.IntN(2))
			actions[a+4] = int32(r.IntN(2))
		}
		if err := mgr.SetActions(actions); err != nil {
			return benchResult{}, err
		}
		if err := mgr.Step(); err != nil {
			return benchResult{}, fmt.Errorf("step %d: %w", i, err)
		}
	}
	m := mgr.Metrics()
	res := benchResult{
		Worlds:   m.NumWorlds,
		Workers:  m.Workers,
		Steps:    bf.steps,
		Elapsed:  time.Since(start),
		Episodes: m.EpisodesFinished,
	}
	logger.Printf("done: %s", res)
	return res, nil
}
