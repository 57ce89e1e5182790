package world

import (
	"math"

	"hideseek.ai/internal/sim/mathx"
	"hideseek.ai/internal/sim/model"
)

// scanLidar casts LidarSamples rays at equal spacing, counter-clockwise from
// the agent's heading, and records the distance to the first body hit or
// the maximum range.
func (w *World) scanLidar(slot int) {
	out := w.out.Lidar[slot*model.LidarSamples : (slot+1)*model.LidarSamples]
	a := &w.agents[slot]
	if !a.Active {
		clear(out)
		return
	}
	maxRange := w.tune.Lidar.MaxRange
	for i := range out {
		theta := a.Heading + 2*math.Pi*float64(i)/model.LidarSamples
		to := a.Pos.Add(mathx.Dir(theta).Scale(maxRange))
		dist := maxRange
		if hit, ok := w.space.RayClosest(a.Pos, to, a.Body); ok {
			dist = hit.Fraction * maxRange
		}
		out[i] = float32(dist)
	}
}
