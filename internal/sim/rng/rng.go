// Package rng provides the per-world random stream used for level layout.
//
// A stream is reseeded at every episode reset from the run seed, the world
// index and the world's own episode counter, so a world's layouts never
// depend on how many episodes other worlds have played.
package rng

import (
	"math/rand/v2"

	"hideseek.ai/internal/sim/mathx"
)

type RNG struct {
	seed uint64
	src  *rand.PCG
	r    *rand.Rand
}

func New(seed uint64) *RNG {
	src := rand.NewPCG(seed, seed^0xda3e39cb94b95bdb)
	return &RNG{seed: seed, src: src, r: rand.New(src)}
}

// EpisodeSeed derives the seed of one world's episode.
func EpisodeSeed(runSeed int64, world int, episode uint64) uint64 {
	lo := int(uint32(episode))
	hi := int(uint32(episode >> 32))
	return mathx.Hash2(int64(mathx.Hash2(runSeed, world, hi)), world, lo)
}

// Reseed restarts the stream in place.
func (g *RNG) Reseed(seed uint64) {
	g.seed = seed
	g.src.Seed(seed, seed^0xda3e39cb94b95bdb)
}

func (g *RNG) Seed() uint64 { return g.seed }

// Echo is the 32-bit seed value exported to callers for auditing.
func (g *RNG) Echo() int32 { return int32(uint32(g.seed)) }

func (g *RNG) Uint64() uint64 { return g.r.Uint64() }

// Float64 returns a value in [0, 1).
func (g *RNG) Float64() float64 { return g.r.Float64() }

// Range returns a value in [lo, hi).
func (g *RNG) Range(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + (hi-lo)*g.r.Float64()
}

// IntRange returns a value in [lo, hi] (inclusive).
func (g *RNG) IntRange(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + g.r.IntN(hi-lo+1)
}

func (g *RNG) Bool() bool { return g.r.Uint64()&1 == 1 }
