package mathx

import "math"

// Vec2 is a point or direction in the arena plane (metres).
type Vec2 struct {
	X float64
	Y float64
}

func V(x, y float64) Vec2 { return Vec2{X: x, Y: y} }

func (a Vec2) Add(b Vec2) Vec2        { return Vec2{X: a.X + b.X, Y: a.Y + b.Y} }
func (a Vec2) Sub(b Vec2) Vec2        { return Vec2{X: a.X - b.X, Y: a.Y - b.Y} }
func (a Vec2) Scale(s float64) Vec2   { return Vec2{X: a.X * s, Y: a.Y * s} }
func (a Vec2) Dot(b Vec2) float64     { return a.X*b.X + a.Y*b.Y }
func (a Vec2) LenSq() float64         { return a.X*a.X + a.Y*a.Y }
func (a Vec2) Len() float64           { return math.Sqrt(a.LenSq()) }
func (a Vec2) Dist(b Vec2) float64    { return a.Sub(b).Len() }
func (a Vec2) IsZero() bool           { return a.X == 0 && a.Y == 0 }
func (a Vec2) Rotate(theta float64) Vec2 {
	s, c := math.Sincos(theta)
	return Vec2{X: a.X*c - a.Y*s, Y: a.X*s + a.Y*c}
}

// Dir returns the unit vector for heading theta.
func Dir(theta float64) Vec2 {
	s, c := math.Sincos(theta)
	return Vec2{X: c, Y: s}
}

// ToLocal expresses world-frame point p in the frame of an observer at origin
// with heading theta.
func ToLocal(p, origin Vec2, theta float64) Vec2 {
	return p.Sub(origin).Rotate(-theta)
}

// WrapAngle wraps an angle to [-pi, pi].
func WrapAngle(a float64) float64 {
	if a >= -math.Pi && a <= math.Pi {
		return a
	}
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func ClampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}
