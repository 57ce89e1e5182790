package world

import (
	"hideseek.ai/internal/sim/mathx"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/physics"
)

const otherAgents = model.MaxAgents - 1

// buildObservations rewrites every per-agent observation record, the
// visibility masks, the lidar scan and the global debug positions. Records
// are in the observer's frame: +X is the observer's heading.
func (w *World) buildObservations() {
	for i := range w.agents {
		w.observeAgents(i)
		w.observeObjects(i)
		w.scanLidar(i)
	}
	w.writeGlobalPositions()
}

func (w *World) observeAgents(slot int) {
	rec := w.out.AgentData[slot*otherAgents*model.AgentObsWidth : (slot+1)*otherAgents*model.AgentObsWidth]
	vis := w.out.VisibleAgents[slot*otherAgents : (slot+1)*otherAgents]
	clear(rec)
	clear(vis)
	a := &w.agents[slot]
	if !a.Active {
		return
	}
	for j := range w.agents {
		if j == slot {
			continue
		}
		k := j
		if j > slot {
			k = j - 1
		}
		e := &w.agents[j]
		if !e.Active {
			continue
		}
		p := mathx.ToLocal(e.Pos, a.Pos, a.Heading)
		v := e.Vel.Rotate(-a.Heading)
		r := rec[k*model.AgentObsWidth : (k+1)*model.AgentObsWidth]
		r[0], r[1], r[2], r[3] = float32(p.X), float32(p.Y), float32(v.X), float32(v.Y)
		if w.canSee(a, e.Pos, e.Body) {
			vis[k] = 1
		}
	}
}

func (w *World) observeObjects(slot int) {
	boxes := w.out.BoxData[slot*model.MaxBoxes*model.BoxObsWidth : (slot+1)*model.MaxBoxes*model.BoxObsWidth]
	ramps := w.out.RampData[slot*model.MaxRamps*model.RampObsWidth : (slot+1)*model.MaxRamps*model.RampObsWidth]
	visBoxes := w.out.VisibleBoxes[slot*model.MaxBoxes : (slot+1)*model.MaxBoxes]
	visRamps := w.out.VisibleRamps[slot*model.MaxRamps : (slot+1)*model.MaxRamps]
	clear(boxes)
	clear(ramps)
	clear(visBoxes)
	clear(visRamps)
	a := &w.agents[slot]
	if !a.Active {
		return
	}
	for i := range w.objects {
		o := &w.objects[i]
		if !o.Active {
			continue
		}
		p := mathx.ToLocal(o.Pos, a.Pos, a.Heading)
		v := o.Vel.Rotate(-a.Heading)
		rot := float32(mathx.WrapAngle(o.Rotation - a.Heading))
		seen := w.canSee(a, o.Pos, o.Body)
		if o.Kind == physics.KindBox {
			r := boxes[i*model.BoxObsWidth : (i+1)*model.BoxObsWidth]
			r[0], r[1], r[2], r[3] = float32(p.X), float32(p.Y), float32(v.X), float32(v.Y)
			r[4], r[5], r[6] = float32(o.Half.X), float32(o.Half.Y), rot
			if seen {
				visBoxes[i] = 1
			}
			continue
		}
		k := i - model.MaxBoxes
		r := ramps[k*model.RampObsWidth : (k+1)*model.RampObsWidth]
		r[0], r[1], r[2], r[3], r[4] = float32(p.X), float32(p.Y), float32(v.X), float32(v.Y), rot
		if seen {
			visRamps[k] = 1
		}
	}
}

// canSee reports whether target lies inside a's view cone and range and the
// first body on the sight line is the target itself.
func (w *World) canSee(a *agentSlot, target mathx.Vec2, body physics.Handle) bool {
	d := target.Sub(a.Pos)
	dist := d.Len()
	if dist > w.tune.Vision.MaxRange {
		return false
	}
	if dist > 1e-9 && d.Scale(1/dist).Dot(mathx.Dir(a.Heading)) < w.cosHalfFOV {
		return false
	}
	hit, ok := w.space.RayClosest(a.Pos, target, a.Body)
	return ok && hit.Handle == body
}

func (w *World) writeGlobalPositions() {
	g := w.out.GlobalPositions
	clear(g)
	for i := range w.objects {
		if o := &w.objects[i]; o.Active {
			g[2*i], g[2*i+1] = float32(o.Pos.X), float32(o.Pos.Y)
		}
	}
	base := 2 * numObjects
	for i := range w.agents {
		if a := &w.agents[i]; a.Active {
			g[base+2*i], g[base+2*i+1] = float32(a.Pos.X), float32(a.Pos.Y)
		}
	}
}
