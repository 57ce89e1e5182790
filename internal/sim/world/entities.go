package world

import (
	"hideseek.ai/internal/sim/level"
	"hideseek.ai/internal/sim/mathx"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/physics"
)

const numObjects = model.MaxBoxes + model.MaxRamps

type agentSlot struct {
	Active bool
	Team   model.Team
	Body   physics.Handle

	Pos     mathx.Vec2
	Vel     mathx.Vec2
	Heading float64

	// Held indexes objects, -1 when empty-handed.
	Held  int
	Joint physics.Joint
}

type objectSlot struct {
	Active bool
	Kind   physics.Kind
	Body   physics.Handle
	Half   mathx.Vec2

	Pos      mathx.Vec2
	Vel      mathx.Vec2
	Rotation float64

	Owner  model.OwnerTeam
	Locked bool
	// HeldBy is the holding agent slot, -1 when free.
	HeldBy int
}

type episodeStats struct {
	steps         int
	seekerReturn  float64
	hiderReturn   float64
	detectedSteps int
}

func (w *World) clearSlots() {
	for i := range w.agents {
		w.agents[i] = agentSlot{Team: model.TeamNone, Body: physics.NoBody, Held: -1, Joint: physics.NoJoint}
	}
	for i := range w.objects {
		kind := physics.KindBox
		if i >= model.MaxBoxes {
			kind = physics.KindRamp
		}
		w.objects[i] = objectSlot{Kind: kind, Body: physics.NoBody, HeldBy: -1}
	}
}

// populate creates bodies for a generated level. Slots beyond the level's
// counts stay inactive without a body.
func (w *World) populate(lvl level.Level) {
	w.walls = lvl.Walls
	for i, wall := range lvl.Walls {
		w.space.AddWall(i, wall.Center, wall.Half, 0)
	}
	radius := w.tune.Physics.AgentRadius
	for i, sp := range lvl.Agents {
		a := &w.agents[i]
		a.Active = true
		a.Team = sp.Team
		a.Body = w.space.AddAgent(i, sp.Pos, radius, sp.Heading)
	}
	for i, b := range lvl.Boxes {
		o := &w.objects[i]
		o.Active = true
		o.Half = b.Half
		o.Owner = b.Owner
		o.Body = w.space.AddBox(i, b.Pos, b.Half, b.Rotation)
	}
	for j, r := range lvl.Ramps {
		o := &w.objects[model.MaxBoxes+j]
		o.Active = true
		o.Half = r.Half
		o.Owner = r.Owner
		o.Body = w.space.AddRamp(j, r.Pos, r.Half, r.Rotation)
	}
}

// syncBodies caches post-physics poses so later stages read one snapshot.
func (w *World) syncBodies() {
	for i := range w.agents {
		a := &w.agents[i]
		if !a.Active {
			continue
		}
		a.Pos, a.Heading = w.space.Pose(a.Body)
		a.Vel = w.space.Velocity(a.Body)
	}
	for i := range w.objects {
		o := &w.objects[i]
		if !o.Active {
			continue
		}
		o.Pos, o.Rotation = w.space.Pose(o.Body)
		o.Vel = w.space.Velocity(o.Body)
	}
}
