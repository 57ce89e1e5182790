package level

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"

	"hideseek.ai/internal/sim/mathx"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/rng"
)

func testParams() Params {
	return Params{
		HalfExtent:    18,
		WallThickness: 0.5,
		DoorWidth:     3,
		AgentRadius:   0.5,
		MinBoxes:      3,
		MinRamps:      1,
		Attempts:      200,
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	for _, layout := range []Layout{LayoutQuadrantRoom, LayoutOpenArena, LayoutRandomWalls, LayoutFixedDebug} {
		req := Request{Layout: layout, NumHiders: 3, NumSeekers: 3}
		a, err := Generate(rng.New(99), req, testParams())
		if err != nil {
			t.Fatalf("%s: %v", layout, err)
		}
		b, err := Generate(rng.New(99), req, testParams())
		if err != nil {
			t.Fatalf("%s: %v", layout, err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("%s: same seed produced different levels", layout)
		}
	}
}

func TestGenerate_RosterOrderAndCounts(t *testing.T) {
	lvl, err := Generate(rng.New(5), Request{Layout: LayoutOpenArena, NumHiders: 2, NumSeekers: 3}, testParams())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(lvl.Agents) != 5 {
		t.Fatalf("agents: got %d want 5", len(lvl.Agents))
	}
	for i, a := range lvl.Agents {
		want := model.TeamHider
		if i >= 2 {
			want = model.TeamSeeker
		}
		if a.Team != want {
			t.Fatalf("agent %d team: got %s want %s", i, a.Team, want)
		}
	}
	if len(lvl.Boxes) < 3 || len(lvl.Boxes) > model.MaxBoxes {
		t.Fatalf("box count out of range: %d", len(lvl.Boxes))
	}
	if len(lvl.Ramps) < 1 || len(lvl.Ramps) > model.MaxRamps {
		t.Fatalf("ramp count out of range: %d", len(lvl.Ramps))
	}
}

func TestGenerate_NoOverlap(t *testing.T) {
	p := testParams()
	for seed := uint64(1); seed <= 20; seed++ {
		lvl, err := Generate(rng.New(seed), Request{Layout: LayoutRandomWalls, NumHiders: 3, NumSeekers: 3}, p)
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		type box struct{ c, h mathx.Vec2 }
		var all []box
		for _, a := range lvl.Agents {
			all = append(all, box{a.Pos, mathx.V(p.AgentRadius, p.AgentRadius)})
		}
		for _, o := range append(append([]Object{}, lvl.Boxes...), lvl.Ramps...) {
			all = append(all, box{o.Pos, aabb(o.Half, o.Rotation)})
		}
		for i := range all {
			for _, w := range lvl.Walls {
				if overlaps(all[i].c, all[i].h, w.Center, w.Half) {
					t.Fatalf("seed %d: entity %d overlaps a wall", seed, i)
				}
			}
			for j := i + 1; j < len(all); j++ {
				if overlaps(all[i].c, all[i].h, all[j].c, all[j].h) {
					t.Fatalf("seed %d: entities %d and %d overlap", seed, i, j)
				}
			}
		}
	}
}

func overlaps(c1, h1, c2, h2 mathx.Vec2) bool {
	return math.Abs(c1.X-c2.X) < h1.X+h2.X && math.Abs(c1.Y-c2.Y) < h1.Y+h2.Y
}

func TestGenerate_QuadrantRoomSplitsTeams(t *testing.T) {
	p := testParams()
	lvl, err := Generate(rng.New(11), Request{Layout: LayoutQuadrantRoom, NumHiders: 3, NumSeekers: 3}, p)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i, a := range lvl.Agents {
		inRoom := a.Pos.X > 0 && a.Pos.Y > 0
		if a.Team == model.TeamHider && !inRoom {
			t.Fatalf("hider %d outside the room at %+v", i, a.Pos)
		}
		if a.Team == model.TeamSeeker && inRoom {
			t.Fatalf("seeker %d inside the room at %+v", i, a.Pos)
		}
	}
	for i, b := range lvl.Boxes {
		inRoom := b.Pos.X > p.WallThickness && b.Pos.Y > p.WallThickness
		if inRoom && b.Owner != model.OwnerHider {
			t.Fatalf("box %d inside the room should start owned by hiders", i)
		}
		if !inRoom && b.Owner != model.OwnerNone {
			t.Fatalf("box %d outside the room should be unowned, got %s", i, b.Owner)
		}
	}
}

func TestGenerate_FixedIgnoresRNG(t *testing.T) {
	req := Request{Layout: LayoutFixedDebug, NumHiders: 2, NumSeekers: 2}
	a, err := Generate(rng.New(1), req, testParams())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate(rng.New(2), req, testParams())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("fixed layout should not depend on the seed")
	}
}

func TestGenerate_CapacityAndPlacementErrors(t *testing.T) {
	if _, err := Generate(rng.New(1), Request{Layout: LayoutOpenArena, NumHiders: 4, NumSeekers: 3}, testParams()); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	tiny := testParams()
	tiny.HalfExtent = 2
	tiny.Attempts = 50
	if _, err := Generate(rng.New(1), Request{Layout: LayoutOpenArena, NumHiders: 3, NumSeekers: 3}, tiny); !errors.Is(err, ErrPlacement) {
		t.Fatalf("expected ErrPlacement, got %v", err)
	}
}

func TestClampLayout(t *testing.T) {
	cases := map[int32]Layout{-3: LayoutQuadrantRoom, 0: LayoutQuadrantRoom, 2: LayoutOpenArena, 9: LayoutFixedDebug}
	for in, want := range cases {
		if got := ClampLayout(in); got != want {
			t.Fatalf("ClampLayout(%d) = %s, want %s", in, got, want)
		}
	}
}

func TestGenerate_SmallestArenaFitsEveryLayout(t *testing.T) {
	crowded := testParams()
	crowded.MinBoxes = model.MaxBoxes
	crowded.MinRamps = model.MaxRamps
	for _, base := range []Params{testParams(), crowded} {
		p := base
		p.HalfExtent = p.WallThickness + MinInnerHalfExtent
		for layout := MinLayout; layout <= MaxLayout; layout++ {
			t.Run(fmt.Sprintf("%s/boxes=%d", layout, p.MinBoxes), func(t *testing.T) {
				req := Request{Layout: layout, NumHiders: model.MaxHiders, NumSeekers: model.MaxSeekers}
				for seed := uint64(0); seed < 300; seed++ {
					lvl, err := Generate(rng.New(seed), req, p)
					if err != nil {
						t.Fatalf("seed %d: %v", seed, err)
					}
					if len(lvl.Agents) != model.MaxAgents || len(lvl.Boxes) < p.MinBoxes || len(lvl.Ramps) < p.MinRamps {
						t.Fatalf("seed %d: %d agents %d boxes %d ramps", seed, len(lvl.Agents), len(lvl.Boxes), len(lvl.Ramps))
					}
				}
			})
		}
	}
}

func TestCheckParams(t *testing.T) {
	p := testParams()
	if err := CheckParams(p, model.MaxHiders, model.MaxSeekers, 7); err != nil {
		t.Fatalf("default arena: %v", err)
	}
	p.HalfExtent = 8
	err := CheckParams(p, model.MaxHiders, model.MaxSeekers, 7)
	if !errors.Is(err, ErrPlacement) || !strings.Contains(err.Error(), "fixed_debug") {
		t.Fatalf("expected fixed_debug placement error, got %v", err)
	}
}
