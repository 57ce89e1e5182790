// Package multiworld runs a batch of independent worlds over shared tensor
// buffers and is the entry point callers drive the simulator through.
package multiworld

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hideseek.ai/internal/sim/level"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/tensor"
	"hideseek.ai/internal/sim/tuning"
	"hideseek.ai/internal/sim/world"
)

var (
	ErrWorldIndex = errors.New("world index out of range")
	ErrAgentSlot  = world.ErrAgentSlot
	ErrClosed     = errors.New("manager closed")

	// ErrBatchFailed is returned by every step after one world failed to
	// step. The other worlds of that step had already advanced, so the
	// batch no longer matches any tick.
	ErrBatchFailed = errors.New("batch step failed")
)

// StepLogger receives one entry per batch step, in tick order.
type StepLogger interface {
	WriteStep(StepLogEntry) error
}

// StepHook runs after every step while the worlds are quiescent. Hooks must
// not retain the worlds or call back into the manager.
type StepHook func(tick uint64, worlds []*world.World)

// EpisodeRecorder receives a summary for every finished episode.
type EpisodeRecorder interface {
	RecordEpisode(world.EpisodeSummary)
}

// StepLogEntry is everything needed to re-run one batch step: the resets
// and actions the step consumed, plus the resulting per-world digests.
type StepLogEntry struct {
	Tick    uint64       `json:"tick"`
	Resets  []ResetEntry `json:"resets,omitempty"`
	Actions []int32      `json:"actions"`
	Digests []string     `json:"digests"`
}

type ResetEntry struct {
	World      int   `json:"world"`
	Level      int32 `json:"level"`
	NumHiders  int32 `json:"num_hiders"`
	NumSeekers int32 `json:"num_seekers"`
}

type Manager struct {
	mu sync.Mutex

	tune    tuning.Tuning
	logger  *log.Logger
	bufs    *tensor.Buffers
	worlds  []*world.World
	results []world.StepResult
	workers int

	tick    uint64
	metrics Metrics
	closed  bool
	failed  error

	stepLog  StepLogger
	recorder EpisodeRecorder
	hooks    []StepHook
}

// NewManager builds one world per batch slot, resets every world with the
// configured default roster and steps once, so the buffers are valid when it
// returns. A level that cannot be generated is fatal.
func NewManager(tune tuning.Tuning, logger *log.Logger) (*Manager, error) {
	tune.Normalize()
	if err := tune.Validate(); err != nil {
		return nil, err
	}
	r := tune.Roster
	if err := level.CheckParams(world.LevelParams(tune), r.MaxHiders, r.MaxSeekers, uint64(tune.Seed)); err != nil {
		return nil, fmt.Errorf("arena too small for max roster: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	workers := tune.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, tune.NumWorlds)

	bufs := tensor.New(tune.NumWorlds)
	m := &Manager{
		tune:    tune,
		logger:  logger,
		bufs:    bufs,
		worlds:  make([]*world.World, tune.NumWorlds),
		results: make([]world.StepResult, tune.NumWorlds),
		workers: workers,
	}
	m.metrics.NumWorlds = tune.NumWorlds
	m.metrics.Workers = workers
	for i := range m.worlds {
		w, err := world.New(world.Config{Index: i, Tuning: tune, Out: bufs.View(i)})
		if err != nil {
			return nil, fmt.Errorf("world %d: %w", i, err)
		}
		m.worlds[i] = w
	}
	if err := m.Step(); err != nil {
		return nil, err
	}
	logger.Printf("ready: worlds=%d workers=%d seed=%d", tune.NumWorlds, workers, tune.Seed)
	return m, nil
}

func (m *Manager) NumWorlds() int         { return len(m.worlds) }
func (m *Manager) Tuning() tuning.Tuning { return m.tune }

// SetStepLogger installs a logger for every following step. nil disables.
func (m *Manager) SetStepLogger(l StepLogger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepLog = l
}

func (m *Manager) AddStepHook(h StepHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

func (m *Manager) SetEpisodeRecorder(r EpisodeRecorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// Reset requests a new episode for one world on the next Step. The roster
// is clamped into the configured bounds; level 0 selects the first layout.
func (m *Manager) Reset(worldIdx int, level, hiders, seekers int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if worldIdx < 0 || worldIdx >= len(m.worlds) {
		return fmt.Errorf("%w: %d", ErrWorldIndex, worldIdx)
	}
	m.worlds[worldIdx].RequestReset(model.ResetRequest{Level: level, NumHiders: hiders, NumSeekers: seekers})
	return nil
}

// SetAction writes the action for a global agent slot
// (world*MaxAgents + agent). Values are clamped when applied.
func (m *Manager) SetAction(slot int, moveAmount, moveAngle, turn int32, grab, lock bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot < 0 || slot >= len(m.worlds)*model.MaxAgents {
		return fmt.Errorf("%w: %d", ErrAgentSlot, slot)
	}
	return m.worlds[slot/model.MaxAgents].SetAction(slot%model.MaxAgents, model.Action{
		MoveAmount: moveAmount,
		MoveAngle:  moveAngle,
		Turn:       turn,
		Grab:       grab,
		Lock:       lock,
	})
}

// SetActions copies a whole [W*A, ActionWidth] action block.
func (m *Manager) SetActions(actions []int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(actions) != len(m.bufs.Actions) {
		return fmt.Errorf("actions: got %d values, want %d", len(actions), len(m.bufs.Actions))
	}
	copy(m.bufs.Actions, actions)
	return nil
}

func (m *Manager) Step() error {
	return m.StepContext(context.Background())
}

// StepContext advances every world by one tick. Worlds step in parallel,
// bounded by the configured worker count; the context is only checked
// before the step starts.
func (m *Manager) StepContext(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failed != nil {
		return m.failed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var entry StepLogEntry
	if m.stepLog != nil {
		entry = m.pendingInputs()
	}

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(m.workers)
	for i, w := range m.worlds {
		g.Go(func() error {
			res, err := w.Step()
			if err != nil {
				return err
			}
			m.results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.failed = fmt.Errorf("%w at tick %d: %w", ErrBatchFailed, m.tick+1, err)
		m.logger.Printf("%v", m.failed)
		return m.failed
	}
	m.tick++
	m.observe(time.Since(start))

	for _, res := range m.results {
		if res.Summary != nil && m.recorder != nil {
			m.recorder.RecordEpisode(*res.Summary)
		}
	}
	if m.stepLog != nil {
		entry.Tick = m.tick
		entry.Digests = m.digestsLocked()
		if err := m.stepLog.WriteStep(entry); err != nil {
			m.logger.Printf("step log: tick=%d: %v", m.tick, err)
		}
	}
	for _, h := range m.hooks {
		h(m.tick, m.worlds)
	}
	return nil
}

// pendingInputs captures the resets and actions the next step consumes.
func (m *Manager) pendingInputs() StepLogEntry {
	e := StepLogEntry{Actions: append([]int32(nil), m.bufs.Actions...)}
	for i := 0; i < len(m.worlds); i++ {
		r := m.bufs.Resets[i*model.ResetWidth : (i+1)*model.ResetWidth]
		if r[0] == 0 {
			continue
		}
		e.Resets = append(e.Resets, ResetEntry{World: i, Level: r[0], NumHiders: r[1], NumSeekers: r[2]})
	}
	return e
}

// Apply loads the inputs recorded in a step log entry. The entry must be
// for the next tick.
func (m *Manager) Apply(e StepLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Tick != m.tick+1 {
		return fmt.Errorf("tick mismatch: next=%d entry=%d", m.tick+1, e.Tick)
	}
	if len(e.Actions) != len(m.bufs.Actions) {
		return fmt.Errorf("tick %d: got %d action values, want %d", e.Tick, len(e.Actions), len(m.bufs.Actions))
	}
	copy(m.bufs.Actions, e.Actions)
	for _, r := range e.Resets {
		if r.World < 0 || r.World >= len(m.worlds) {
			return fmt.Errorf("tick %d: %w: %d", e.Tick, ErrWorldIndex, r.World)
		}
		m.worlds[r.World].RequestReset(model.ResetRequest{Level: r.Level, NumHiders: r.NumHiders, NumSeekers: r.NumSeekers})
	}
	return nil
}

// Tick is the number of completed batch steps, including the initial one.
func (m *Manager) Tick() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick
}

// Digests returns each world's state digest.
func (m *Manager) Digests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digestsLocked()
}

func (m *Manager) digestsLocked() []string {
	out := make([]string, len(m.worlds))
	for i, w := range m.worlds {
		out[i] = w.Digest()
	}
	return out
}

// Buffers returns the shared batch buffers. They are rewritten by every
// Step; callers that step from another goroutine should use ReadBuffers.
func (m *Manager) Buffers() *tensor.Buffers { return m.bufs }

// ReadBuffers runs fn with the buffers and the tick that produced them
// while no step is in progress.
func (m *Manager) ReadBuffers(fn func(tick uint64, b *tensor.Buffers)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.tick, m.bufs)
}

// World returns one world for inspection. Callers must not step it.
func (m *Manager) World(i int) (*world.World, error) {
	if i < 0 || i >= len(m.worlds) {
		return nil, fmt.Errorf("%w: %d", ErrWorldIndex, i)
	}
	return m.worlds[i], nil
}

// InspectWorld runs fn on one world while no step is in progress.
func (m *Manager) InspectWorld(i int, fn func(tick uint64, w *world.World)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.worlds) {
		return fmt.Errorf("%w: %d", ErrWorldIndex, i)
	}
	fn(m.tick, m.worlds[i])
	return nil
}

// Close stops accepting steps. Installed loggers and recorders are owned by
// the caller.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
