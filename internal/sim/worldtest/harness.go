// Package worldtest drives a whole batch through the manager's exported API
// so scenario tests can live outside the world package.
package worldtest

import (
	"testing"

	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/multiworld"
	"hideseek.ai/internal/sim/tensor"
	"hideseek.ai/internal/sim/tuning"
	"hideseek.ai/internal/sim/world"
)

// Harness wraps a Manager and fails the test on any unexpected error.
type Harness struct {
	T *testing.T
	M *multiworld.Manager
}

func NewHarness(t *testing.T, tune tuning.Tuning) *Harness {
	t.Helper()
	m, err := multiworld.NewManager(tune, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	return &Harness{T: t, M: m}
}

// Tuning returns a small, fast configuration for scenario tests.
func Tuning(numWorlds int) tuning.Tuning {
	t := tuning.Defaults()
	t.NumWorlds = numWorlds
	t.Episode.EpisodeSteps = 20
	t.Episode.PrepSteps = 5
	return t
}

func (h *Harness) Buffers() *tensor.Buffers { return h.M.Buffers() }

// Act sets one agent's action in one world.
func (h *Harness) Act(worldIdx, slot int, a model.Action) {
	h.T.Helper()
	if err := h.M.SetAction(worldIdx*model.MaxAgents+slot, a.MoveAmount, a.MoveAngle, a.Turn, a.Grab, a.Lock); err != nil {
		h.T.Fatalf("SetAction(%d,%d): %v", worldIdx, slot, err)
	}
}

// ActAll gives every slot of every world the same action.
func (h *Harness) ActAll(a model.Action) {
	h.T.Helper()
	for w := 0; w < h.M.NumWorlds(); w++ {
		for s := 0; s < model.MaxAgents; s++ {
			h.Act(w, s, a)
		}
	}
}

func (h *Harness) Reset(worldIdx int, level, hiders, seekers int32) {
	h.T.Helper()
	if err := h.M.Reset(worldIdx, level, hiders, seekers); err != nil {
		h.T.Fatalf("Reset(%d): %v", worldIdx, err)
	}
}

func (h *Harness) Step() {
	h.T.Helper()
	if err := h.M.Step(); err != nil {
		h.T.Fatalf("Step: %v", err)
	}
}

func (h *Harness) StepN(n int) {
	h.T.Helper()
	for i := 0; i < n; i++ {
		h.Step()
	}
}

// StepUntilDone steps until worldIdx reports done, failing after limit steps.
// It returns the number of steps taken.
func (h *Harness) StepUntilDone(worldIdx, limit int) int {
	h.T.Helper()
	for i := 1; i <= limit; i++ {
		h.Step()
		if h.Buffers().Done[worldIdx] == 1 {
			return i
		}
	}
	h.T.Fatalf("world %d not done after %d steps", worldIdx, limit)
	return 0
}

func (h *Harness) World(i int) *world.World {
	h.T.Helper()
	w, err := h.M.World(i)
	if err != nil {
		h.T.Fatalf("World(%d): %v", i, err)
	}
	return w
}

func (h *Harness) Agent(worldIdx, slot int) world.AgentState {
	h.T.Helper()
	a, err := h.World(worldIdx).Agent(slot)
	if err != nil {
		h.T.Fatalf("Agent(%d,%d): %v", worldIdx, slot, err)
	}
	return a
}

// AgentTypes returns the agent type row of one world.
func (h *Harness) AgentTypes(worldIdx int) []int32 {
	b := h.Buffers()
	return append([]int32(nil), b.AgentType[worldIdx*model.MaxAgents:(worldIdx+1)*model.MaxAgents]...)
}

// Rewards returns the reward row of one world.
func (h *Harness) Rewards(worldIdx int) []float32 {
	b := h.Buffers()
	return append([]float32(nil), b.Reward[worldIdx*model.MaxAgents:(worldIdx+1)*model.MaxAgents]...)
}
