package world

import (
	"fmt"

	"hideseek.ai/internal/sim/level"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/rng"
	"hideseek.ai/internal/sim/tuning"
)

// resetStep tears down the current episode and builds the next one. A reset
// step applies no actions and runs no countdown.
func (w *World) resetStep(req model.ResetRequest) (StepResult, error) {
	layout := level.ClampLayout(req.Level)
	if w.tune.UseFixedWorld {
		layout = level.LayoutFixedDebug
	}
	hiders, seekers := w.tune.Roster.ClampRoster(int(req.NumHiders), int(req.NumSeekers))

	// Generate before touching any state so a failure leaves the previous
	// episode intact.
	episode := w.episode + 1
	seed := rng.EpisodeSeed(w.tune.Seed, w.idx, episode)
	r := rng.New(seed)
	lvl, err := level.Generate(r, level.Request{Layout: layout, NumHiders: hiders, NumSeekers: seekers}, LevelParams(w.tune))
	if err != nil {
		return StepResult{}, fmt.Errorf("world %d episode %d: %w", w.idx, episode, err)
	}

	w.space.Reset()
	w.clearSlots()
	w.episode, w.seed, w.rng = episode, seed, r
	w.populate(lvl)
	w.syncBodies()

	w.request = model.ResetRequest{Level: int32(layout), NumHiders: int32(hiders), NumSeekers: int32(seekers)}
	w.layout = layout
	w.numHiders, w.numSeekers = hiders, seekers
	w.stalled = false
	w.stats = episodeStats{}
	w.prepLeft = w.tune.Episode.PrepSteps
	w.episodeLeft = w.tune.Episode.EpisodeSteps
	w.phase = model.PhasePreparing
	if w.prepLeft == 0 {
		w.phase = model.PhaseActive
	}

	w.buildObservations()
	w.out.Done[0] = 0
	clear(w.out.Reward)
	w.writeCounters()
	return StepResult{Reset: true}, nil
}

// LevelParams maps the arena tuning onto level generation parameters.
func LevelParams(t tuning.Tuning) level.Params {
	a := t.Arena
	return level.Params{
		HalfExtent:    a.HalfExtent,
		WallThickness: a.WallThickness,
		DoorWidth:     a.DoorWidth,
		AgentRadius:   t.Physics.AgentRadius,
		MinBoxes:      a.MinBoxes,
		MinRamps:      a.MinRamps,
		Attempts:      a.PlacementAttempts,
	}
}

// advanceEpisode runs the countdowns for a regular step. It reports whether
// the episode ran out of time on this step.
func (w *World) advanceEpisode() bool {
	w.stats.steps++
	if w.episodeLeft > 0 {
		w.episodeLeft--
	}
	if w.phase == model.PhasePreparing {
		if w.prepLeft > 0 {
			w.prepLeft--
		}
		if w.prepLeft == 0 {
			w.phase = model.PhaseActive
		}
	}
	if w.phase == model.PhaseActive && w.episodeLeft == 0 && !w.tune.IgnoreEpisodeLength {
		w.phase = model.PhaseDone
		return true
	}
	return false
}

// writeCounters exports per-slot bookkeeping: team tag, active mask, prep
// counter and seed echo.
func (w *World) writeCounters() {
	echo := w.rng.Echo()
	for i := range w.agents {
		a := &w.agents[i]
		if !a.Active {
			w.out.AgentType[i] = int32(model.TeamNone)
			w.out.AgentMask[i] = 0
			w.out.PrepCounter[i] = 0
			w.out.Seed[i] = 0
			continue
		}
		w.out.AgentType[i] = int32(a.Team)
		w.out.AgentMask[i] = 1
		w.out.PrepCounter[i] = int32(w.prepLeft)
		w.out.Seed[i] = echo
	}
	if w.phase == model.PhaseDone && !w.stalled {
		w.out.Done[0] = 1
	} else {
		w.out.Done[0] = 0
	}
}
