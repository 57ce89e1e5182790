package multiworld

import (
	"time"

	"hideseek.ai/internal/sim/model"
)

// Metrics is a point-in-time view of the batch.
type Metrics struct {
	Tick      uint64 `json:"tick"`
	NumWorlds int    `json:"num_worlds"`
	Workers   int    `json:"workers"`

	Resets           uint64 `json:"resets"`
	EpisodesFinished uint64 `json:"episodes_finished"`
	StalledWorlds    int    `json:"stalled_worlds"`
	PreparingWorlds  int    `json:"preparing_worlds"`
	ActiveWorlds     int    `json:"active_worlds"`

	LastStepMS float64 `json:"last_step_ms"`
	// AvgStepMS is an exponential moving average over recent steps.
	AvgStepMS float64 `json:"avg_step_ms"`
}

func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (m *Manager) observe(d time.Duration) {
	mt := &m.metrics
	mt.Tick = m.tick
	ms := float64(d.Microseconds()) / 1000
	mt.LastStepMS = ms
	if mt.AvgStepMS == 0 {
		mt.AvgStepMS = ms
	} else {
		mt.AvgStepMS = 0.9*mt.AvgStepMS + 0.1*ms
	}
	mt.StalledWorlds, mt.PreparingWorlds, mt.ActiveWorlds = 0, 0, 0
	for i, res := range m.results {
		if res.Reset {
			mt.Resets++
		}
		if res.Done {
			mt.EpisodesFinished++
		}
		switch w := m.worlds[i]; {
		case w.Stalled():
			mt.StalledWorlds++
		case w.Phase() == model.PhasePreparing:
			mt.PreparingWorlds++
		case w.Phase() == model.PhaseActive:
			mt.ActiveWorlds++
		}
	}
}
