package multiworld

import (
	"context"
	"errors"
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"

	"hideseek.ai/internal/sim/level"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/tuning"
	"hideseek.ai/internal/sim/world"
)

func testTuning(numWorlds int) tuning.Tuning {
	t := tuning.Defaults()
	t.NumWorlds = numWorlds
	t.Episode.EpisodeSteps = 24
	t.Episode.PrepSteps = 6
	return t
}

func newTestManager(t *testing.T, tune tuning.Tuning) *Manager {
	t.Helper()
	m, err := NewManager(tune, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func randomizeActions(t *testing.T, m *Manager, r *rand.Rand) {
	t.Helper()
	for slot := 0; slot < m.NumWorlds()*model.MaxAgents; slot++ {
		err := m.SetAction(slot,
			int32(r.IntN(model.MoveAmountBuckets)),
			int32(r.IntN(model.MoveAngleBuckets)),
			int32(r.IntN(model.TurnBuckets)),
			r.IntN(4) == 0,
			r.IntN(8) == 0,
		)
		if err != nil {
			t.Fatalf("set action %d: %v", slot, err)
		}
	}
}

func TestNewManager_BuffersValidAfterConstruction(t *testing.T) {
	m := newTestManager(t, testTuning(3))
	if m.Tick() != 1 {
		t.Fatalf("tick after construction: %d", m.Tick())
	}
	b := m.Buffers()
	want := []int32{1, 1, 1, 0, 0, -1}
	for w := 0; w < 3; w++ {
		got := b.AgentType[w*model.MaxAgents : (w+1)*model.MaxAgents]
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("world %d agent types: got %v want %v", w, got, want)
		}
		if b.Done[w] != 0 {
			t.Fatalf("world %d done after reset", w)
		}
		if p := b.PrepCounter[w*model.MaxAgents]; p != 6 {
			t.Fatalf("world %d prep counter %d", w, p)
		}
	}
	if mt := m.Metrics(); mt.Resets != 3 || mt.PreparingWorlds != 3 {
		t.Fatalf("metrics: %+v", mt)
	}
}

func TestNewManager_RejectsInvalidTuning(t *testing.T) {
	tune := testTuning(1)
	tune.NumWorlds = 0
	if _, err := NewManager(tune, nil); err == nil {
		t.Fatalf("expected error for zero worlds")
	}
}

func TestNewManager_RejectsArenaTooSmallForFixedLayout(t *testing.T) {
	tune := testTuning(1)
	tune.Arena.HalfExtent = 8
	_, err := NewManager(tune, nil)
	if err == nil || !strings.Contains(err.Error(), "half_extent") {
		t.Fatalf("expected half_extent error, got %v", err)
	}
}

func TestNewManager_SmallestArenaRunsEveryLayout(t *testing.T) {
	tune := testTuning(int(level.MaxLayout))
	tune.Arena.HalfExtent = tune.Arena.WallThickness + level.MinInnerHalfExtent
	tune.Episode.EpisodeSteps = 4
	tune.Episode.PrepSteps = 1
	m := newTestManager(t, tune)
	for i := 0; i < m.NumWorlds(); i++ {
		if err := m.Reset(i, int32(i+1), model.MaxHiders, model.MaxSeekers); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
	}
	// Auto reset keeps each world on its layout with a fresh seed every
	// four steps.
	for step := 0; step < 200; step++ {
		if err := m.Step(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
	for i := 0; i < m.NumWorlds(); i++ {
		w, _ := m.World(i)
		if w.Layout() != level.Layout(i+1) || w.Episode() < 40 {
			t.Fatalf("world %d: layout %s episode %d", i, w.Layout(), w.Episode())
		}
	}
}

func TestReset_WorldIndexOutOfRange(t *testing.T) {
	m := newTestManager(t, testTuning(2))
	for _, idx := range []int{-1, 2} {
		if err := m.Reset(idx, 1, 1, 1); !errors.Is(err, ErrWorldIndex) {
			t.Fatalf("reset(%d): got %v", idx, err)
		}
	}
}

func TestSetAction_GlobalSlot(t *testing.T) {
	m := newTestManager(t, testTuning(2))
	if err := m.SetAction(2*model.MaxAgents, 0, 0, 0, false, false); !errors.Is(err, ErrAgentSlot) {
		t.Fatalf("slot past the batch: got %v", err)
	}
	if err := m.SetAction(-1, 0, 0, 0, false, false); !errors.Is(err, ErrAgentSlot) {
		t.Fatalf("negative slot: got %v", err)
	}
	if err := m.SetAction(7, 1, 2, 3, true, false); err != nil {
		t.Fatalf("set action: %v", err)
	}
	got := m.Buffers().Actions[7*model.ActionWidth : 8*model.ActionWidth]
	if !reflect.DeepEqual(got, []int32{1, 2, 3, 1, 0}) {
		t.Fatalf("action record: %v", got)
	}
}

func TestReset_AppliesOnNextStep(t *testing.T) {
	m := newTestManager(t, testTuning(2))
	if err := m.Reset(1, 2, 1, 3); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := m.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	w, _ := m.World(1)
	if h, s := w.Roster(); h != 1 || s != 3 || w.Layout() != 2 {
		t.Fatalf("world 1 roster (%d,%d) layout %s", h, s, w.Layout())
	}
	w0, _ := m.World(0)
	if w0.Episode() != 1 {
		t.Fatalf("world 0 should keep its episode, got %d", w0.Episode())
	}
}

func TestStep_WorkerCountDoesNotChangeResults(t *testing.T) {
	serial := testTuning(6)
	serial.Workers = 1
	parallel := testTuning(6)
	parallel.Workers = 4

	a := newTestManager(t, serial)
	b := newTestManager(t, parallel)
	ra := rand.New(rand.NewPCG(5, 9))
	rb := rand.New(rand.NewPCG(5, 9))
	for step := 0; step < 60; step++ {
		randomizeActions(t, a, ra)
		randomizeActions(t, b, rb)
		if err := a.Step(); err != nil {
			t.Fatalf("serial step: %v", err)
		}
		if err := b.Step(); err != nil {
			t.Fatalf("parallel step: %v", err)
		}
		if !reflect.DeepEqual(a.Digests(), b.Digests()) {
			t.Fatalf("digests diverged at tick %d", a.Tick())
		}
	}
	if !reflect.DeepEqual(a.Buffers(), b.Buffers()) {
		t.Fatalf("buffers diverged")
	}
}

func TestStep_ManyWorkersFromFirstContact(t *testing.T) {
	tune := testTuning(32)
	tune.Workers = 32
	m := newTestManager(t, tune)
	serial := testTuning(32)
	serial.Workers = 1
	ref := newTestManager(t, serial)

	r := rand.New(rand.NewPCG(11, 13))
	rr := rand.New(rand.NewPCG(11, 13))
	for step := 0; step < 40; step++ {
		randomizeActions(t, m, r)
		randomizeActions(t, ref, rr)
		if err := m.Step(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if err := ref.Step(); err != nil {
			t.Fatalf("serial step %d: %v", step, err)
		}
	}
	if !reflect.DeepEqual(m.Digests(), ref.Digests()) {
		t.Fatalf("32 workers diverged from a single worker")
	}
}

func TestStepContext_CanceledBeforeStart(t *testing.T) {
	m := newTestManager(t, testTuning(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.StepContext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if m.Tick() != 1 {
		t.Fatalf("canceled step advanced the tick to %d", m.Tick())
	}
}

func TestStep_AfterClose(t *testing.T) {
	m := newTestManager(t, testTuning(1))
	m.Close()
	if err := m.Step(); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v", err)
	}
}

type memStepLog struct{ entries []StepLogEntry }

func (l *memStepLog) WriteStep(e StepLogEntry) error {
	l.entries = append(l.entries, e)
	return nil
}

type memRecorder struct{ episodes []world.EpisodeSummary }

func (r *memRecorder) RecordEpisode(s world.EpisodeSummary) { r.episodes = append(r.episodes, s) }

func TestStepLog_ReplayReproducesDigests(t *testing.T) {
	tune := testTuning(3)
	src := newTestManager(t, tune)
	sink := &memStepLog{}
	src.SetStepLogger(sink)

	r := rand.New(rand.NewPCG(11, 3))
	for step := 0; step < 50; step++ {
		if step == 20 {
			if err := src.Reset(2, 3, 2, 1); err != nil {
				t.Fatalf("reset: %v", err)
			}
		}
		randomizeActions(t, src, r)
		if err := src.Step(); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if len(sink.entries) != 50 {
		t.Fatalf("logged %d entries", len(sink.entries))
	}
	if sink.entries[0].Tick != 2 {
		t.Fatalf("first logged tick %d", sink.entries[0].Tick)
	}
	if got := sink.entries[20].Resets; len(got) != 1 || got[0].World != 2 || got[0].Level != 3 {
		t.Fatalf("reset not captured: %+v", got)
	}

	dst := newTestManager(t, tune)
	for _, e := range sink.entries {
		if err := dst.Apply(e); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if err := dst.Step(); err != nil {
			t.Fatalf("replay step: %v", err)
		}
		if got := dst.Digests(); !reflect.DeepEqual(got, e.Digests) {
			t.Fatalf("tick %d digest mismatch", e.Tick)
		}
	}
}

func TestApply_RejectsWrongTick(t *testing.T) {
	m := newTestManager(t, testTuning(1))
	e := StepLogEntry{Tick: 5, Actions: make([]int32, len(m.Buffers().Actions))}
	if err := m.Apply(e); err == nil {
		t.Fatalf("expected tick mismatch")
	}
}

func TestEpisodeRecorder_ReceivesFinishedEpisodes(t *testing.T) {
	tune := testTuning(1)
	tune.Episode.EpisodeSteps = 6
	tune.Episode.PrepSteps = 2
	m := newTestManager(t, tune)
	rec := &memRecorder{}
	m.SetEpisodeRecorder(rec)

	for i := 0; i < 6; i++ {
		if err := m.Step(); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if m.Buffers().Done[0] != 1 {
		t.Fatalf("episode should end on the sixth step")
	}
	if len(rec.episodes) != 1 {
		t.Fatalf("recorded %d episodes", len(rec.episodes))
	}
	s := rec.episodes[0]
	if s.Episode != 1 || s.Steps != 6 || s.EndedBy != world.EndedByTime || s.NumHiders != 3 || s.NumSeekers != 2 {
		t.Fatalf("summary: %+v", s)
	}
	if mt := m.Metrics(); mt.EpisodesFinished != 1 || mt.Tick != 7 {
		t.Fatalf("metrics: %+v", mt)
	}

	// Auto reset on the following step.
	if err := m.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	w, _ := m.World(0)
	if w.Episode() != 2 || m.Buffers().Done[0] != 0 {
		t.Fatalf("auto reset: episode %d done %d", w.Episode(), m.Buffers().Done[0])
	}
}

func TestInspectWorld(t *testing.T) {
	m := newTestManager(t, testTuning(2))
	var gotTick uint64
	var gotIndex int
	err := m.InspectWorld(1, func(tick uint64, w *world.World) {
		gotTick = tick
		gotIndex = w.Index()
	})
	if err != nil || gotTick != 1 || gotIndex != 1 {
		t.Fatalf("inspect: tick=%d index=%d err=%v", gotTick, gotIndex, err)
	}
	if err := m.InspectWorld(2, func(uint64, *world.World) {}); !errors.Is(err, ErrWorldIndex) {
		t.Fatalf("expected ErrWorldIndex, got %v", err)
	}
}
