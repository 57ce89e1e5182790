package main

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"hideseek.ai/internal/persistence/archive"
	persistlog "hideseek.ai/internal/persistence/log"
	"hideseek.ai/internal/sim/multiworld"
)

type replayFlags struct {
	toTick     uint64
	skipVerify bool
}

func newReplayCmd(rf *rootFlags) *cobra.Command {
	var pf replayFlags
	cmd := &cobra.Command{
		Use:   "replay <run-dir>",
		Short: "Re-run a recorded run and verify every world digest.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runReplay(args[0], pf, newLogger("replay"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replay ok: run=%s checked=%d ticks last_tick=%d\n", res.RunID, res.Checked, res.LastTick)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&pf.toTick, "to_tick", 0, "stop after this tick (inclusive, 0 = end of log)")
	cmd.Flags().BoolVar(&pf.skipVerify, "skip_manifest", false, "do not check the run manifest before replaying")
	return cmd
}

type replayResult struct {
	RunID    string
	Checked  uint64
	LastTick uint64
}

// DigestMismatchError reports the first world whose replayed state differs
// from the recording.
type DigestMismatchError struct {
	Tick  uint64
	World int
	Want  string
	Got   string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch at tick=%d world=%d: want=%s got=%s", e.Tick, e.World, e.Want, e.Got)
}

func runReplay(runDir string, pf replayFlags, logger *log.Logger) (replayResult, error) {
	var res replayResult
	if !pf.skipVerify {
		if _, err := archive.VerifyRun(runDir); err != nil {
			if !errors.Is(err, archive.ErrNotSealed) {
				return res, fmt.Errorf("verify manifest: %w", err)
			}
			logger.Printf("run is not sealed; replaying without manifest check")
		}
	}

	h, tune, err := persistlog.ReadRunHeader(runDir)
	if err != nil {
		return res, fmt.Errorf("read run header: %w", err)
	}
	res.RunID = h.RunID

	mgr, err := multiworld.NewManager(tune, log.New(io.Discard, "", 0))
	if err != nil {
		return res, fmt.Errorf("manager: %w", err)
	}
	defer mgr.Close()

	files, err := persistlog.ListStepFiles(runDir)
	if err != nil {
		return res, fmt.Errorf("list steps: %w", err)
	}
	if len(files) == 0 {
		return res, fmt.Errorf("no step files in %s", persistlog.StepsDir(runDir))
	}

	for _, path := range files {
		err := persistlog.ReadSteps(path, func(e multiworld.StepLogEntry) error {
			if pf.toTick != 0 && e.Tick > pf.toTick {
				return persistlog.ErrStop
			}
			if err := mgr.Apply(e); err != nil {
				return err
			}
			if err := mgr.Step(); err != nil {
				return err
			}
			got := mgr.Digests()
			if len(got) != len(e.Digests) {
				return fmt.Errorf("tick %d: %d digests recorded for %d worlds", e.Tick, len(e.Digests), len(got))
			}
			for i := range got {
				if got[i] != e.Digests[i] {
					return &DigestMismatchError{Tick: e.Tick, World: i, Want: e.Digests[i], Got: got[i]}
				}
			}
			res.Checked++
			res.LastTick = e.Tick
			return nil
		})
		if err != nil {
			return res, err
		}
		if pf.toTick != 0 && res.LastTick >= pf.toTick {
			break
		}
	}
	logger.Printf("replayed run=%s ticks=%d", res.RunID, res.Checked)
	return res, nil
}
