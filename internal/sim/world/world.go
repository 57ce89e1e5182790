package world

import (
	"errors"
	"fmt"
	"math"

	"hideseek.ai/internal/sim/level"
	"hideseek.ai/internal/sim/mathx"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/physics"
	"hideseek.ai/internal/sim/rng"
	"hideseek.ai/internal/sim/tensor"
	"hideseek.ai/internal/sim/tuning"
)

var ErrAgentSlot = errors.New("agent slot out of range")

// Space is the physics capability a world runs on.
type Space interface {
	Reset()
	AddWall(slot int, center, half mathx.Vec2, angle float64) physics.Handle
	AddBox(slot int, center, half mathx.Vec2, angle float64) physics.Handle
	AddRamp(slot int, center, half mathx.Vec2, angle float64) physics.Handle
	AddAgent(slot int, center mathx.Vec2, radius, heading float64) physics.Handle
	Pose(h physics.Handle) (mathx.Vec2, float64)
	Velocity(h physics.Handle) mathx.Vec2
	ApplyImpulse(h physics.Handle, impulse mathx.Vec2)
	ApplyAngularImpulse(h physics.Handle, impulse float64)
	Weld(a, b physics.Handle) physics.Joint
	Unweld(j physics.Joint)
	SetFrozen(h physics.Handle, frozen bool)
	Step()
	RayClosest(from, to mathx.Vec2, skip physics.Handle) (physics.Hit, bool)
}

type Config struct {
	Index  int
	Tuning tuning.Tuning
	// Out is the world's window into the batch buffers. A zero view gets
	// a private single-world buffer.
	Out tensor.WorldView
	// Space defaults to a box2d space built from Tuning.Physics.
	Space Space
}

// World is one independent arena. It is not safe for concurrent use; the
// manager steps each world from exactly one goroutine at a time.
type World struct {
	idx   int
	tune  tuning.Tuning
	space Space
	rng   *rng.RNG
	out   tensor.WorldView

	cosHalfFOV  float64
	cosHalfGrab float64

	agents  [model.MaxAgents]agentSlot
	objects [numObjects]objectSlot
	walls   []level.Wall

	phase       model.Phase
	stalled     bool
	prepLeft    int
	episodeLeft int
	episode     uint64
	seed        uint64
	request     model.ResetRequest
	layout      level.Layout
	numHiders   int
	numSeekers  int
	stats       episodeStats
	steps       uint64

	detected [model.MaxAgents]bool
}

// StepResult reports what one Step did.
type StepResult struct {
	Reset   bool
	Done    bool
	Stalled bool
	// Summary is set on the step an episode ends.
	Summary *EpisodeSummary
}

// EpisodeSummary describes a finished episode.
type EpisodeSummary struct {
	World         int     `json:"world"`
	Episode       uint64  `json:"episode"`
	Seed          uint64  `json:"seed"`
	Level         int32   `json:"level"`
	NumHiders     int     `json:"num_hiders"`
	NumSeekers    int     `json:"num_seekers"`
	Steps         int     `json:"steps"`
	SeekerReturn  float64 `json:"seeker_return"`
	HiderReturn   float64 `json:"hider_return"`
	DetectedSteps int     `json:"detected_steps"`
	EndedBy       string  `json:"ended_by"`
}

const (
	EndedByTime     = "time"
	EndedByAllFound = "all_hiders_seen"
)

func New(cfg Config) (*World, error) {
	t := cfg.Tuning
	t.Normalize()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if cfg.Index < 0 {
		return nil, fmt.Errorf("world index must be >= 0")
	}
	out := cfg.Out
	if out.Done == nil {
		out = tensor.New(1).View(0)
	}
	space := cfg.Space
	if space == nil {
		space = physics.New(PhysicsParams(t.Physics))
	}
	w := &World{
		idx:         cfg.Index,
		tune:        t,
		space:       space,
		rng:         rng.New(0),
		out:         out,
		cosHalfFOV:  math.Cos(t.Vision.FOVDeg * math.Pi / 360),
		cosHalfGrab: math.Cos(t.Physics.GrabConeDeg * math.Pi / 360),
		phase:       model.PhaseResetting,
		request: model.ResetRequest{
			Level:      int32(t.Roster.DefaultLevel),
			NumHiders:  int32(t.Roster.DefaultHiders),
			NumSeekers: int32(t.Roster.DefaultSeekers),
		},
	}
	w.clearSlots()
	for i := range w.agents {
		w.out.PutAction(i, model.NoopAction)
	}
	return w, nil
}

// PhysicsParams maps the tuning section onto the physics space parameters.
func PhysicsParams(p tuning.Physics) physics.Params {
	return physics.Params{
		StepSeconds:        p.StepSeconds,
		VelocityIterations: p.VelocityIterations,
		PositionIterations: p.PositionIterations,
		LinearDamping:      p.LinearDamping,
		AngularDamping:     p.AngularDamping,
		AgentDensity:       p.AgentDensity,
		ObjectDensity:      p.ObjectDensity,
		Friction:           p.Friction,
	}
}

func (w *World) Index() int            { return w.idx }
func (w *World) Phase() model.Phase    { return w.phase }
func (w *World) Stalled() bool         { return w.stalled }
func (w *World) PrepRemaining() int    { return w.prepLeft }
func (w *World) EpisodeRemaining() int { return w.episodeLeft }
func (w *World) Episode() uint64       { return w.episode }
func (w *World) EpisodeSeed() uint64   { return w.seed }
func (w *World) Layout() level.Layout  { return w.layout }
func (w *World) Steps() uint64         { return w.steps }
func (w *World) Output() tensor.WorldView {
	return w.out
}

// Walls returns the current level's static walls. The slice is replaced,
// never modified, on reset.
func (w *World) Walls() []level.Wall { return w.walls }

// Roster returns the active hider and seeker counts.
func (w *World) Roster() (hiders, seekers int) { return w.numHiders, w.numSeekers }

// RequestReset queues a reset; it takes effect on the next Step.
func (w *World) RequestReset(req model.ResetRequest) {
	if req.Level == 0 {
		req.Level = int32(level.MinLayout)
	}
	w.out.PutReset(req)
}

// SetAction writes an agent slot's action for the next Step.
func (w *World) SetAction(slot int, a model.Action) error {
	if slot < 0 || slot >= model.MaxAgents {
		return fmt.Errorf("%w: %d", ErrAgentSlot, slot)
	}
	w.out.PutAction(slot, a)
	return nil
}

// AgentState is a read-only view of one agent slot.
type AgentState struct {
	Active  bool
	Team    model.Team
	Pos     mathx.Vec2
	Vel     mathx.Vec2
	Heading float64
	// Held is the held object index, or -1.
	Held int
}

func (w *World) Agent(slot int) (AgentState, error) {
	if slot < 0 || slot >= model.MaxAgents {
		return AgentState{}, fmt.Errorf("%w: %d", ErrAgentSlot, slot)
	}
	a := &w.agents[slot]
	return AgentState{Active: a.Active, Team: a.Team, Pos: a.Pos, Vel: a.Vel, Heading: a.Heading, Held: a.Held}, nil
}

// ObjectState is a read-only view of one movable object. Boxes occupy
// indices [0, MaxBoxes), ramps follow.
type ObjectState struct {
	Active   bool
	Kind     physics.Kind
	Pos      mathx.Vec2
	Vel      mathx.Vec2
	Rotation float64
	Half     mathx.Vec2
	Owner    model.OwnerTeam
	Locked   bool
	HeldBy   int
}

func (w *World) Object(i int) (ObjectState, bool) {
	if i < 0 || i >= numObjects {
		return ObjectState{}, false
	}
	o := &w.objects[i]
	return ObjectState{
		Active: o.Active, Kind: o.Kind, Pos: o.Pos, Vel: o.Vel, Rotation: o.Rotation,
		Half: o.Half, Owner: o.Owner, Locked: o.Locked, HeldBy: o.HeldBy,
	}, true
}

// Step advances the world one tick: pending reset or action application,
// physics, episode bookkeeping, observations, then reward and termination.
func (w *World) Step() (StepResult, error) {
	w.steps++
	if req, ok := w.out.TakeReset(); ok {
		return w.resetStep(req)
	}
	switch {
	case w.phase == model.PhaseResetting:
		return w.resetStep(w.request)
	case w.phase == model.PhaseDone && w.tune.AutoReset:
		return w.resetStep(w.request)
	case w.phase == model.PhaseDone:
		w.stall()
		return StepResult{Stalled: true}, nil
	}

	startPhase := w.phase
	w.applyActions(startPhase)
	w.space.Step()
	w.syncBodies()
	endedByTime := w.advanceEpisode()
	w.buildObservations()
	allFound := w.evaluateRewards()

	res := StepResult{}
	if w.phase == model.PhaseDone {
		res.Done = true
		endedBy := EndedByTime
		if allFound && !endedByTime {
			endedBy = EndedByAllFound
		}
		res.Summary = w.summary(endedBy)
	}
	w.writeCounters()
	return res, nil
}

// stall keeps a finished world frozen until an explicit reset.
func (w *World) stall() {
	w.stalled = true
	w.out.Done[0] = 0
	clear(w.out.Reward)
}

func (w *World) summary(endedBy string) *EpisodeSummary {
	return &EpisodeSummary{
		World:         w.idx,
		Episode:       w.episode,
		Seed:          w.seed,
		Level:         int32(w.layout),
		NumHiders:     w.numHiders,
		NumSeekers:    w.numSeekers,
		Steps:         w.stats.steps,
		SeekerReturn:  w.stats.seekerReturn,
		HiderReturn:   w.stats.hiderReturn,
		DetectedSteps: w.stats.detectedSteps,
		EndedBy:       endedBy,
	}
}
