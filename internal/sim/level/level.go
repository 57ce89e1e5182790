// Package level lays out one episode's arena: static walls, movable boxes
// and ramps, and agent spawn poses. Generation is a pure function of the RNG
// stream, the request and the parameters.
package level

import (
	"errors"
	"fmt"
	"math"

	"github.com/dhconnelly/rtreego"

	"hideseek.ai/internal/sim/mathx"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/rng"
)

var (
	// ErrPlacement means a required entity could not be placed without
	// overlap within the attempt budget, on every try of the layout. The
	// arena is too small for the roster.
	ErrPlacement = errors.New("level: placement failed")
	// ErrCapacity means a request or layout exceeds the fixed per-world
	// capacity.
	ErrCapacity = errors.New("level: capacity exceeded")
)

type Layout int32

const (
	LayoutQuadrantRoom Layout = 1
	LayoutOpenArena    Layout = 2
	LayoutRandomWalls  Layout = 3
	LayoutFixedDebug   Layout = 4

	MinLayout = LayoutQuadrantRoom
	MaxLayout = LayoutFixedDebug
)

func (l Layout) String() string {
	switch l {
	case LayoutQuadrantRoom:
		return "quadrant_room"
	case LayoutOpenArena:
		return "open_arena"
	case LayoutRandomWalls:
		return "random_walls"
	case LayoutFixedDebug:
		return "fixed_debug"
	default:
		return fmt.Sprintf("layout(%d)", int32(l))
	}
}

// ClampLayout maps any selector onto a known layout.
func ClampLayout(v int32) Layout {
	if v < int32(MinLayout) {
		return MinLayout
	}
	if v > int32(MaxLayout) {
		return MaxLayout
	}
	return Layout(v)
}

type Request struct {
	Layout     Layout
	NumHiders  int
	NumSeekers int
}

type Params struct {
	HalfExtent    float64
	WallThickness float64
	DoorWidth     float64
	AgentRadius   float64
	MinBoxes      int
	MinRamps      int
	Attempts      int
}

type Wall struct {
	Center mathx.Vec2
	Half   mathx.Vec2
}

type Spawn struct {
	Team    model.Team
	Pos     mathx.Vec2
	Heading float64
}

// Object is a box or ramp placement. Half holds the footprint half extents.
type Object struct {
	Pos      mathx.Vec2
	Half     mathx.Vec2
	Rotation float64
	Owner    model.OwnerTeam
}

type Level struct {
	Layout Layout
	Walls  []Wall
	// Agents lists hiders first, then seekers; index is the agent slot.
	Agents []Spawn
	Boxes  []Object
	Ramps  []Object
}

// Object footprints, in metres.
var (
	cubeHalf      = mathx.V(0.5, 0.5)
	elongatedHalf = mathx.V(1.0, 0.4)
	rampHalf      = mathx.V(1.0, 0.5)
)

const clearance = 0.15

// MinInnerHalfExtent is the smallest arena half extent, inside the outer
// walls, that every layout fits in with a full roster.
const MinInnerHalfExtent = 9.5

// layoutTries bounds how often Generate restarts a layout whose sampling
// ran out of attempts.
const layoutTries = 8

// Generate builds the level for one episode.
func Generate(r *rng.RNG, req Request, p Params) (Level, error) {
	if req.NumHiders < 0 || req.NumSeekers < 0 {
		return Level{}, fmt.Errorf("%w: negative roster", ErrCapacity)
	}
	if req.NumHiders > model.MaxHiders || req.NumSeekers > model.MaxSeekers ||
		req.NumHiders+req.NumSeekers > model.MaxAgents {
		return Level{}, fmt.Errorf("%w: %d hiders + %d seekers", ErrCapacity, req.NumHiders, req.NumSeekers)
	}
	if p.MinBoxes > model.MaxBoxes || p.MinRamps > model.MaxRamps {
		return Level{}, fmt.Errorf("%w: min boxes %d, min ramps %d", ErrCapacity, p.MinBoxes, p.MinRamps)
	}
	if p.Attempts <= 0 {
		p.Attempts = 200
	}

	var lvl Level
	var err error
	for try := 0; try < layoutTries; try++ {
		if lvl, err = generateOnce(r, req, p); err == nil {
			return lvl, nil
		}
		if !errors.Is(err, ErrPlacement) {
			break
		}
	}
	return Level{}, err
}

// generateOnce makes one attempt at a layout. Sampling continues from r, so
// a retry sees fresh positions and the result stays a function of the seed.
func generateOnce(r *rng.RNG, req Request, p Params) (Level, error) {
	g := &generator{r: r, p: p, occ: rtreego.NewTree(2, 25, 50)}
	lvl := Level{Layout: ClampLayout(int32(req.Layout))}

	g.outerWalls(&lvl)
	var err error
	switch lvl.Layout {
	case LayoutQuadrantRoom:
		err = g.quadrantRoom(&lvl, req)
	case LayoutOpenArena:
		err = g.scatter(&lvl, req, g.inner(), g.inner(), g.inner())
	case LayoutRandomWalls:
		g.randomWalls(&lvl)
		err = g.scatter(&lvl, req, g.inner(), g.inner(), g.inner())
	case LayoutFixedDebug:
		err = g.fixed(&lvl, req)
	}
	if err != nil {
		return Level{}, err
	}
	if len(lvl.Boxes) > model.MaxBoxes || len(lvl.Ramps) > model.MaxRamps {
		return Level{}, fmt.Errorf("%w: %d boxes, %d ramps", ErrCapacity, len(lvl.Boxes), len(lvl.Ramps))
	}
	return lvl, nil
}

// CheckParams generates every layout once with the given roster and reports
// the first one that cannot be built.
func CheckParams(p Params, numHiders, numSeekers int, seed uint64) error {
	for l := MinLayout; l <= MaxLayout; l++ {
		req := Request{Layout: l, NumHiders: numHiders, NumSeekers: numSeekers}
		if _, err := Generate(rng.New(seed), req, p); err != nil {
			return fmt.Errorf("layout %s: %w", l, err)
		}
	}
	return nil
}

type footprint struct {
	rect rtreego.Rect
}

func (f *footprint) Bounds() rtreego.Rect { return f.rect }

// region is an axis-aligned sampling area.
type region struct {
	Min, Max mathx.Vec2
	// Exclude rejects samples inside it when non-empty.
	Exclude *region
}

func (rg region) contains(p mathx.Vec2) bool {
	return p.X >= rg.Min.X && p.X <= rg.Max.X && p.Y >= rg.Min.Y && p.Y <= rg.Max.Y
}

type generator struct {
	r   *rng.RNG
	p   Params
	occ *rtreego.Rtree
}

func (g *generator) inner() region {
	h := g.p.HalfExtent - g.p.WallThickness
	return region{Min: mathx.V(-h, -h), Max: mathx.V(h, h)}
}

// aabb returns the half extents of the axis-aligned box around a rotated
// rectangle.
func aabb(half mathx.Vec2, theta float64) mathx.Vec2 {
	s, c := math.Sincos(theta)
	s, c = math.Abs(s), math.Abs(c)
	return mathx.V(c*half.X+s*half.Y, s*half.X+c*half.Y)
}

func rectAround(center, half mathx.Vec2) rtreego.Rect {
	r, err := rtreego.NewRect(
		rtreego.Point{center.X - half.X, center.Y - half.Y},
		[]float64{math.Max(2*half.X, 1e-6), math.Max(2*half.Y, 1e-6)},
	)
	if err != nil {
		// Only reachable with non-positive lengths, which the max above rules out.
		panic(err)
	}
	return r
}

func (g *generator) free(center, half mathx.Vec2) bool {
	padded := half.Add(mathx.V(clearance, clearance))
	return len(g.occ.SearchIntersect(rectAround(center, padded))) == 0
}

func (g *generator) occupy(center, half mathx.Vec2) {
	g.occ.Insert(&footprint{rect: rectAround(center, half)})
}

// place samples a free position for a footprint inside rg.
func (g *generator) place(rg region, half mathx.Vec2, rotate bool) (mathx.Vec2, float64, bool) {
	for i := 0; i < g.p.Attempts; i++ {
		theta := 0.0
		if rotate {
			theta = g.r.Range(-math.Pi, math.Pi)
		}
		ext := aabb(half, theta)
		lo := rg.Min.Add(ext)
		hi := rg.Max.Sub(ext)
		if lo.X > hi.X || lo.Y > hi.Y {
			return mathx.Vec2{}, 0, false
		}
		pos := mathx.V(g.r.Range(lo.X, hi.X), g.r.Range(lo.Y, hi.Y))
		if rg.Exclude != nil && rg.Exclude.contains(pos) {
			continue
		}
		if g.free(pos, ext) {
			g.occupy(pos, ext)
			return pos, theta, true
		}
	}
	return mathx.Vec2{}, 0, false
}

func (g *generator) addWall(lvl *Level, center, half mathx.Vec2) {
	lvl.Walls = append(lvl.Walls, Wall{Center: center, Half: half})
	g.occupy(center, half)
}

// wallWithDoor adds an axis-aligned wall from a to b (a.X==b.X or a.Y==b.Y)
// with a door gap of the configured width centred at t in (0,1).
func (g *generator) wallWithDoor(lvl *Level, a, b mathx.Vec2, t float64) {
	length := a.Dist(b)
	dir := b.Sub(a).Scale(1 / length)
	door := g.p.DoorWidth
	if door >= length {
		return
	}
	mid := mathx.Clamp(t*length, door/2, length-door/2)
	segs := [][2]float64{{0, mid - door/2}, {mid + door/2, length}}
	half := g.p.WallThickness / 2
	for _, s := range segs {
		l := s[1] - s[0]
		if l <= 1e-6 {
			continue
		}
		c := a.Add(dir.Scale((s[0] + s[1]) / 2))
		h := mathx.V(l/2, half)
		if dir.X == 0 {
			h = mathx.V(half, l/2)
		}
		g.addWall(lvl, c, h)
	}
}

func (g *generator) outerWalls(lvl *Level) {
	h := g.p.HalfExtent
	t := g.p.WallThickness / 2
	g.addWall(lvl, mathx.V(0, h-t), mathx.V(h, t))
	g.addWall(lvl, mathx.V(0, -h+t), mathx.V(h, t))
	g.addWall(lvl, mathx.V(h-t, 0), mathx.V(t, h-2*t))
	g.addWall(lvl, mathx.V(-h+t, 0), mathx.V(t, h-2*t))
}

// quadrantRoom walls off the +X/+Y quadrant with one door in each of its
// two interior walls. Hiders start inside the room, seekers outside, and
// the boxes that land inside start owned by the hiders.
func (g *generator) quadrantRoom(lvl *Level, req Request) error {
	h := g.p.HalfExtent - g.p.WallThickness
	t := g.p.WallThickness / 2
	g.wallWithDoor(lvl, mathx.V(t, 0), mathx.V(t, h), g.r.Range(0.2, 0.8))
	g.wallWithDoor(lvl, mathx.V(2*t, t), mathx.V(h, t), g.r.Range(0.2, 0.8))

	room := region{Min: mathx.V(2*t, 2*t), Max: mathx.V(h, h)}
	outside := g.inner()
	outside.Exclude = &region{Min: mathx.V(-g.p.AgentRadius*2, -g.p.AgentRadius*2), Max: mathx.V(h, h)}
	if err := g.scatter(lvl, req, room, outside, g.inner()); err != nil {
		return err
	}
	for i := range lvl.Boxes {
		if room.contains(lvl.Boxes[i].Pos) {
			lvl.Boxes[i].Owner = model.OwnerHider
		}
	}
	return nil
}

// randomWalls adds two to four interior walls, each with a door. A wall
// that would cross an earlier interior wall is skipped.
func (g *generator) randomWalls(lvl *Level) {
	h := g.p.HalfExtent - g.p.WallThickness
	interior := rtreego.NewTree(2, 25, 50)
	n := g.r.IntRange(2, 4)
	for i := 0; i < n; i++ {
		length := g.r.Range(0.5*h, 1.2*h)
		var a, b mathx.Vec2
		if g.r.Bool() {
			x := g.r.Range(-0.6*h, 0.6*h)
			y0 := g.r.Range(-h, h-length)
			a, b = mathx.V(x, y0), mathx.V(x, y0+length)
		} else {
			y := g.r.Range(-0.6*h, 0.6*h)
			x0 := g.r.Range(-h, h-length)
			a, b = mathx.V(x0, y), mathx.V(x0+length, y)
		}
		door := g.r.Range(0.2, 0.8)
		c := a.Add(b).Scale(0.5)
		half := mathx.V(math.Abs(b.X-a.X)/2, math.Abs(b.Y-a.Y)/2).Add(mathx.V(g.p.WallThickness, g.p.WallThickness))
		if len(interior.SearchIntersect(rectAround(c, half))) > 0 {
			continue
		}
		interior.Insert(&footprint{rect: rectAround(c, half)})
		g.wallWithDoor(lvl, a, b, door)
	}
}

// scatter places agents, then the required objects, then optional extras.
func (g *generator) scatter(lvl *Level, req Request, hiders, seekers, objects region) error {
	agentHalf := mathx.V(g.p.AgentRadius, g.p.AgentRadius)
	for i := 0; i < req.NumHiders+req.NumSeekers; i++ {
		team, rg := model.TeamHider, hiders
		if i >= req.NumHiders {
			team, rg = model.TeamSeeker, seekers
		}
		pos, _, ok := g.place(rg, agentHalf, false)
		if !ok {
			return fmt.Errorf("%w: agent %d (%s) in %s", ErrPlacement, i, team, lvl.Layout)
		}
		lvl.Agents = append(lvl.Agents, Spawn{Team: team, Pos: pos, Heading: g.r.Range(-math.Pi, math.Pi)})
	}

	numBoxes := g.r.IntRange(g.p.MinBoxes, model.MaxBoxes)
	numRamps := g.r.IntRange(g.p.MinRamps, model.MaxRamps)
	for i := 0; i < numBoxes; i++ {
		half := cubeHalf
		if g.r.Bool() {
			half = elongatedHalf
		}
		pos, theta, ok := g.place(objects, half, true)
		if !ok {
			if i < g.p.MinBoxes {
				return fmt.Errorf("%w: box %d in %s", ErrPlacement, i, lvl.Layout)
			}
			break
		}
		lvl.Boxes = append(lvl.Boxes, Object{Pos: pos, Half: half, Rotation: theta})
	}
	for i := 0; i < numRamps; i++ {
		pos, theta, ok := g.place(objects, rampHalf, true)
		if !ok {
			if i < g.p.MinRamps {
				return fmt.Errorf("%w: ramp %d in %s", ErrPlacement, i, lvl.Layout)
			}
			break
		}
		lvl.Ramps = append(lvl.Ramps, Object{Pos: pos, Half: rampHalf, Rotation: theta})
	}
	return nil
}

// fixed lays out a deterministic debug arena that ignores the RNG. Hiders
// sit on the left, seekers on the right, and every agent has at least
// three metres of clearance to anything else.
func (g *generator) fixed(lvl *Level, req Request) error {
	h := g.p.HalfExtent - g.p.WallThickness
	if h < MinInnerHalfExtent {
		return fmt.Errorf("%w: fixed layout needs half_extent >= %.1f", ErrPlacement, MinInnerHalfExtent+g.p.WallThickness)
	}
	rows := []float64{-6, 0, 6}
	for i := 0; i < req.NumHiders; i++ {
		lvl.Agents = append(lvl.Agents, Spawn{Team: model.TeamHider, Pos: mathx.V(-6, rows[i]), Heading: 0})
	}
	for i := 0; i < req.NumSeekers; i++ {
		lvl.Agents = append(lvl.Agents, Spawn{Team: model.TeamSeeker, Pos: mathx.V(6, rows[i]), Heading: math.Pi})
	}
	numBoxes := max(g.p.MinBoxes, 3)
	for i := 0; i < numBoxes && i < model.MaxBoxes; i++ {
		lvl.Boxes = append(lvl.Boxes, Object{
			Pos:  mathx.V(0, -8+2*float64(i)),
			Half: cubeHalf,
		})
	}
	numRamps := max(g.p.MinRamps, 1)
	for i := 0; i < numRamps && i < model.MaxRamps; i++ {
		lvl.Ramps = append(lvl.Ramps, Object{
			Pos:  mathx.V(-3+6*float64(i), h-1.5),
			Half: rampHalf,
		})
	}
	for _, a := range lvl.Agents {
		g.occupy(a.Pos, mathx.V(g.p.AgentRadius, g.p.AgentRadius))
	}
	return nil
}
