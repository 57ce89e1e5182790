package world

import (
	"math"

	"hideseek.ai/internal/sim/mathx"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/physics"
)

func clampAction(a model.Action) model.Action {
	a.MoveAmount = int32(mathx.ClampInt(int(a.MoveAmount), 0, model.MoveAmountBuckets-1))
	a.MoveAngle = int32(mathx.ClampInt(int(a.MoveAngle), 0, model.MoveAngleBuckets-1))
	a.Turn = int32(mathx.ClampInt(int(a.Turn), 0, model.TurnBuckets-1))
	return a
}

// applyActions reads every active slot's action from the input buffer.
// Seekers are frozen while the episode is preparing: their whole tuple is
// dropped, grab and lock included.
func (w *World) applyActions(phase model.Phase) {
	for i := range w.agents {
		a := &w.agents[i]
		if !a.Active {
			continue
		}
		if a.Team == model.TeamSeeker && phase == model.PhasePreparing {
			continue
		}
		act := clampAction(w.out.ActionAt(i))
		w.applyGrabLock(i, act)
		w.applyMotion(a, act)
	}
}

func (w *World) applyMotion(a *agentSlot, act model.Action) {
	p := w.tune.Physics
	if act.MoveAmount > 0 {
		mag := float64(act.MoveAmount) / float64(model.MoveAmountBuckets-1) * p.MoveImpulse
		dir := a.Heading + float64(act.MoveAngle)*2*math.Pi/model.MoveAngleBuckets
		w.space.ApplyImpulse(a.Body, mathx.Dir(dir).Scale(mag))
	}
	const center = model.TurnBuckets / 2
	if act.Turn != center {
		w.space.ApplyAngularImpulse(a.Body, float64(act.Turn-center)/center*p.TurnImpulse)
	}
}

// applyGrabLock resolves grab and lock requests.
//
// Holding: lock freezes the held object for the agent's team and lets go;
// grab=0 lets go; grab=1 keeps holding. Empty-handed: lock thaws the nearest
// object the agent's own team locked; grab picks up the nearest free,
// unlocked object in reach.
func (w *World) applyGrabLock(slot int, act model.Action) {
	a := &w.agents[slot]
	if a.Held >= 0 {
		switch {
		case act.Lock:
			o := &w.objects[a.Held]
			w.release(a)
			w.space.SetFrozen(o.Body, true)
			o.Locked = true
			o.Owner = model.OwnerFor(a.Team)
		case !act.Grab:
			w.release(a)
		}
		return
	}
	own := model.OwnerFor(a.Team)
	if act.Lock {
		if i := w.nearestInReach(a, func(o *objectSlot) bool { return o.Locked && o.Owner == own }); i >= 0 {
			o := &w.objects[i]
			w.space.SetFrozen(o.Body, false)
			o.Locked = false
		}
	}
	if act.Grab {
		if i := w.nearestInReach(a, func(o *objectSlot) bool { return !o.Locked }); i >= 0 {
			o := &w.objects[i]
			j := w.space.Weld(a.Body, o.Body)
			if j == physics.NoJoint {
				return
			}
			a.Held, a.Joint = i, j
			o.HeldBy = slot
			o.Owner = own
		}
	}
}

func (w *World) release(a *agentSlot) {
	if a.Held < 0 {
		return
	}
	w.space.Unweld(a.Joint)
	w.objects[a.Held].HeldBy = -1
	a.Held, a.Joint = -1, physics.NoJoint
}

// nearestInReach returns the closest active, unheld object that passes
// ok, lies within grab range and the forward grab cone, and is not
// occluded. Ties go to the lower index.
func (w *World) nearestInReach(a *agentSlot, ok func(*objectSlot) bool) int {
	best, bestDist := -1, math.Inf(1)
	fwd := mathx.Dir(a.Heading)
	for i := range w.objects {
		o := &w.objects[i]
		if !o.Active || o.HeldBy >= 0 || !ok(o) {
			continue
		}
		d := o.Pos.Sub(a.Pos)
		dist := d.Len()
		if dist > w.tune.Physics.GrabRange || dist >= bestDist {
			continue
		}
		if dist > 1e-9 && d.Scale(1/dist).Dot(fwd) < w.cosHalfGrab {
			continue
		}
		if hit, hitOK := w.space.RayClosest(a.Pos, o.Pos, a.Body); !hitOK || hit.Handle != o.Body {
			continue
		}
		best, bestDist = i, dist
	}
	return best
}
