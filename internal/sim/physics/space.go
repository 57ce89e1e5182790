// Package physics wraps a top-down box2d world for one simulated arena.
//
// Bodies are addressed by Handle, an index into the space's body table that
// stays valid until the next Reset. Every body carries a Tag so ray queries
// can report what they hit without a reverse lookup.
package physics

import (
	"math"
	"sync"

	"github.com/bytearena/box2d"

	"hideseek.ai/internal/sim/mathx"
)

type Kind uint8

const (
	KindWall Kind = iota
	KindAgent
	KindBox
	KindRamp
)

func (k Kind) String() string {
	switch k {
	case KindWall:
		return "wall"
	case KindAgent:
		return "agent"
	case KindBox:
		return "box"
	case KindRamp:
		return "ramp"
	default:
		return "unknown"
	}
}

// Tag identifies the simulation entity behind a body.
type Tag struct {
	Kind Kind
	Slot int
}

type Handle int32

// NoBody is the handle of an unused slot.
const NoBody Handle = -1

type Joint int32

const NoJoint Joint = -1

type Params struct {
	StepSeconds        float64
	VelocityIterations int
	PositionIterations int
	LinearDamping      float64
	AngularDamping     float64
	AgentDensity       float64
	ObjectDensity      float64
	Friction           float64
}

// Hit is the closest body crossed by a ray.
type Hit struct {
	Handle   Handle
	Tag      Tag
	Fraction float64
	Point    mathx.Vec2
}

type Space struct {
	params Params
	world  *box2d.B2World
	bodies []*box2d.B2Body
	tags   []Tag
	joints []box2d.B2JointInterface
}

var warmOnce sync.Once

// warmContactFactory makes box2d build its package-level contact registry
// once, before any world steps on a worker goroutine. The registry is filled
// lazily by the first contact and is not guarded.
func warmContactFactory() {
	w := box2d.MakeB2World(box2d.MakeB2Vec2(0, 0))
	for i := 0; i < 2; i++ {
		bodydef := box2d.MakeB2BodyDef()
		bodydef.Type = box2d.B2BodyType.B2_dynamicBody
		body := w.CreateBody(&bodydef)
		shape := box2d.MakeB2CircleShape()
		shape.SetRadius(1)
		fixturedef := box2d.MakeB2FixtureDef()
		fixturedef.Shape = &shape
		fixturedef.Density = 1
		body.CreateFixtureFromDef(&fixturedef)
	}
	w.Step(1.0/60, 1, 1)
}

func New(p Params) *Space {
	warmOnce.Do(warmContactFactory)
	s := &Space{params: p}
	s.Reset()
	return s
}

// Reset drops every body and joint and starts from an empty world.
func (s *Space) Reset() {
	// Top-down arena: no gravity.
	w := box2d.MakeB2World(box2d.MakeB2Vec2(0, 0))
	// The TOI solver updates unguarded package counters; worlds step in
	// parallel, so continuous collision stays off.
	w.M_continuousPhysics = false
	s.world = &w
	s.bodies = s.bodies[:0]
	s.tags = s.tags[:0]
	s.joints = s.joints[:0]
}

func (s *Space) NumBodies() int { return len(s.bodies) }

func (s *Space) register(b *box2d.B2Body, tag Tag) Handle {
	h := Handle(len(s.bodies))
	b.SetUserData(h)
	s.bodies = append(s.bodies, b)
	s.tags = append(s.tags, tag)
	return h
}

func (s *Space) body(h Handle) *box2d.B2Body {
	if h < 0 || int(h) >= len(s.bodies) {
		return nil
	}
	return s.bodies[h]
}

func b2(v mathx.Vec2) box2d.B2Vec2 { return box2d.MakeB2Vec2(v.X, v.Y) }

func vec(v box2d.B2Vec2) mathx.Vec2 { return mathx.V(v.X, v.Y) }

// AddWall creates a static rectangular wall.
func (s *Space) AddWall(slot int, center, half mathx.Vec2, angle float64) Handle {
	bodydef := box2d.MakeB2BodyDef()
	bodydef.Type = box2d.B2BodyType.B2_staticBody
	bodydef.Position = b2(center)
	bodydef.Angle = angle
	body := s.world.CreateBody(&bodydef)

	shape := box2d.MakeB2PolygonShape()
	shape.SetAsBox(half.X, half.Y)
	fixturedef := box2d.MakeB2FixtureDef()
	fixturedef.Shape = &shape
	fixturedef.Friction = s.params.Friction
	body.CreateFixtureFromDef(&fixturedef)
	return s.register(body, Tag{Kind: KindWall, Slot: slot})
}

// AddBox creates a movable rectangular box.
func (s *Space) AddBox(slot int, center, half mathx.Vec2, angle float64) Handle {
	body := s.dynamicBody(center, angle)
	shape := box2d.MakeB2PolygonShape()
	shape.SetAsBox(half.X, half.Y)
	s.attach(body, &shape, s.params.ObjectDensity)
	return s.register(body, Tag{Kind: KindBox, Slot: slot})
}

// AddRamp creates a movable ramp. In the plane a ramp is a rectangular
// footprint; the tag is what sets it apart from a box.
func (s *Space) AddRamp(slot int, center, half mathx.Vec2, angle float64) Handle {
	body := s.dynamicBody(center, angle)
	shape := box2d.MakeB2PolygonShape()
	shape.SetAsBox(half.X, half.Y)
	s.attach(body, &shape, s.params.ObjectDensity)
	return s.register(body, Tag{Kind: KindRamp, Slot: slot})
}

// AddAgent creates a disc-shaped agent body.
func (s *Space) AddAgent(slot int, center mathx.Vec2, radius, heading float64) Handle {
	body := s.dynamicBody(center, heading)
	shape := box2d.MakeB2CircleShape()
	shape.SetRadius(radius)
	s.attach(body, &shape, s.params.AgentDensity)
	return s.register(body, Tag{Kind: KindAgent, Slot: slot})
}

func (s *Space) dynamicBody(center mathx.Vec2, angle float64) *box2d.B2Body {
	bodydef := box2d.MakeB2BodyDef()
	bodydef.Type = box2d.B2BodyType.B2_dynamicBody
	bodydef.Position = b2(center)
	bodydef.Angle = angle
	bodydef.LinearDamping = s.params.LinearDamping
	bodydef.AngularDamping = s.params.AngularDamping
	bodydef.AllowSleep = false
	return s.world.CreateBody(&bodydef)
}

func (s *Space) attach(body *box2d.B2Body, shape box2d.B2ShapeInterface, density float64) {
	fixturedef := box2d.MakeB2FixtureDef()
	fixturedef.Shape = shape
	fixturedef.Density = density
	fixturedef.Friction = s.params.Friction
	body.CreateFixtureFromDef(&fixturedef)
}

func (s *Space) Tag(h Handle) (Tag, bool) {
	if h < 0 || int(h) >= len(s.tags) {
		return Tag{}, false
	}
	return s.tags[h], true
}

// Pose returns position and heading. Unknown handles report the origin.
func (s *Space) Pose(h Handle) (mathx.Vec2, float64) {
	b := s.body(h)
	if b == nil {
		return mathx.Vec2{}, 0
	}
	return vec(b.GetPosition()), b.GetAngle()
}

func (s *Space) Velocity(h Handle) mathx.Vec2 {
	b := s.body(h)
	if b == nil {
		return mathx.Vec2{}
	}
	return vec(b.GetLinearVelocity())
}

func (s *Space) ApplyImpulse(h Handle, impulse mathx.Vec2) {
	b := s.body(h)
	if b == nil || impulse.IsZero() {
		return
	}
	b.ApplyLinearImpulse(b2(impulse), b.GetWorldCenter(), true)
}

func (s *Space) ApplyAngularImpulse(h Handle, impulse float64) {
	b := s.body(h)
	if b == nil || impulse == 0 {
		return
	}
	b.ApplyAngularImpulse(impulse, true)
}

// Weld rigidly attaches b to a at their current relative pose.
func (s *Space) Weld(a, b Handle) Joint {
	ba, bb := s.body(a), s.body(b)
	if ba == nil || bb == nil {
		return NoJoint
	}
	def := box2d.MakeB2WeldJointDef()
	def.Initialize(ba, bb, bb.GetWorldCenter())
	j := s.world.CreateJoint(&def)
	s.joints = append(s.joints, j)
	return Joint(len(s.joints) - 1)
}

func (s *Space) Unweld(j Joint) {
	if j < 0 || int(j) >= len(s.joints) || s.joints[j] == nil {
		return
	}
	s.world.DestroyJoint(s.joints[j])
	s.joints[j] = nil
}

// SetFrozen turns a dynamic body static (frozen) or back. A thawed body
// starts at rest.
func (s *Space) SetFrozen(h Handle, frozen bool) {
	b := s.body(h)
	if b == nil {
		return
	}
	if frozen {
		b.SetType(box2d.B2BodyType.B2_staticBody)
		return
	}
	b.SetType(box2d.B2BodyType.B2_dynamicBody)
	b.SetLinearVelocity(box2d.MakeB2Vec2(0, 0))
	b.SetAngularVelocity(0)
}

func (s *Space) Step() {
	s.world.Step(s.params.StepSeconds, s.params.VelocityIterations, s.params.PositionIterations)
}

// RayClosest reports the closest body crossed by the segment from->to,
// ignoring skip.
func (s *Space) RayClosest(from, to mathx.Vec2, skip Handle) (Hit, bool) {
	if from.Sub(to).LenSq() < 1e-12 {
		return Hit{}, false
	}
	best := Hit{Handle: NoBody, Fraction: math.Inf(1)}
	s.world.RayCast(
		func(fixture *box2d.B2Fixture, point box2d.B2Vec2, normal box2d.B2Vec2, fraction float64) float64 {
			h, ok := fixture.GetBody().GetUserData().(Handle)
			if !ok || h == skip {
				return -1
			}
			// Callbacks arrive in broadphase order; break exact ties on the
			// handle so the answer does not depend on it.
			if fraction < best.Fraction || (fraction == best.Fraction && h < best.Handle) {
				best = Hit{Handle: h, Tag: s.tags[h], Fraction: fraction, Point: vec(point)}
			}
			return fraction
		},
		b2(from), b2(to),
	)
	if best.Handle == NoBody {
		return Hit{}, false
	}
	return best, true
}
