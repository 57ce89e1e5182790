package world

import (
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/tuning"
)

// evaluateRewards computes the pooled team reward in two passes: first the
// seeker total from detections, then a copy into every team member's slot.
// It may end the episode when every hider has been found and reports
// whether that happened.
func (w *World) evaluateRewards() bool {
	clear(w.out.Reward)
	clear(w.detected[:])
	scoring := w.phase == model.PhaseActive || w.phase == model.PhaseDone
	if !scoring {
		return false
	}

	hiders, found := 0, 0
	for i := range w.agents {
		h := &w.agents[i]
		if !h.Active || h.Team != model.TeamHider {
			continue
		}
		hiders++
		if w.hiderDetected(h) {
			w.detected[i] = true
			found++
		}
	}

	r := w.tune.Reward
	seekerTotal := r.Undetected
	if found > 0 {
		seekerTotal = r.Detected
		if r.PerHider {
			seekerTotal *= float64(found)
		}
	}
	hiderTotal := -seekerTotal

	for i := range w.agents {
		a := &w.agents[i]
		if !a.Active {
			continue
		}
		switch a.Team {
		case model.TeamSeeker:
			w.out.Reward[i] = float32(seekerTotal)
		case model.TeamHider:
			w.out.Reward[i] = float32(hiderTotal)
		}
	}

	w.stats.seekerReturn += seekerTotal
	w.stats.hiderReturn += hiderTotal
	if found > 0 {
		w.stats.detectedSteps++
	}

	allFound := hiders > 0 && found == hiders
	if allFound && w.phase == model.PhaseActive && w.tune.Episode.EndWhenAllHidersSeen && !w.tune.IgnoreEpisodeLength {
		w.phase = model.PhaseDone
	}
	return allFound && w.phase == model.PhaseDone
}

// hiderDetected reports whether any active seeker detects h.
func (w *World) hiderDetected(h *agentSlot) bool {
	for j := range w.agents {
		s := &w.agents[j]
		if !s.Active || s.Team != model.TeamSeeker {
			continue
		}
		switch w.tune.Detection.Mode {
		case tuning.DetectProximity:
			if s.Pos.Dist(h.Pos) <= w.tune.Detection.Radius {
				return true
			}
		default:
			if w.canSee(s, h.Pos, h.Body) {
				return true
			}
		}
	}
	return false
}

// Detected reports whether the hider in slot was detected on the last step.
func (w *World) Detected(slot int) bool {
	if slot < 0 || slot >= model.MaxAgents {
		return false
	}
	return w.detected[slot]
}
