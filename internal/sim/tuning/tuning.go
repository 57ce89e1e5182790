package tuning

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"hideseek.ai/internal/sim/level"
	"hideseek.ai/internal/sim/model"
)

type Tuning struct {
	NumWorlds int   `yaml:"num_worlds"`
	Seed      int64 `yaml:"seed"`
	// Workers bounds the per-step fan-out; 0 means one per CPU.
	Workers int `yaml:"workers"`

	AutoReset           bool `yaml:"auto_reset"`
	IgnoreEpisodeLength bool `yaml:"ignore_episode_length"`
	UseFixedWorld       bool `yaml:"use_fixed_world"`

	Roster    Roster    `yaml:"roster"`
	Episode   Episode   `yaml:"episode"`
	Arena     Arena     `yaml:"arena"`
	Physics   Physics   `yaml:"physics"`
	Vision    Vision    `yaml:"vision"`
	Lidar     Lidar     `yaml:"lidar"`
	Detection Detection `yaml:"detection"`
	Reward    Reward    `yaml:"reward"`
}

type Roster struct {
	MinHiders  int `yaml:"min_hiders"`
	MaxHiders  int `yaml:"max_hiders"`
	MinSeekers int `yaml:"min_seekers"`
	MaxSeekers int `yaml:"max_seekers"`

	// Used for the initial reset of every world.
	DefaultLevel   int `yaml:"default_level"`
	DefaultHiders  int `yaml:"default_hiders"`
	DefaultSeekers int `yaml:"default_seekers"`
}

type Episode struct {
	EpisodeSteps         int  `yaml:"episode_steps"`
	PrepSteps            int  `yaml:"prep_steps"`
	EndWhenAllHidersSeen bool `yaml:"end_when_all_hiders_seen"`
}

type Arena struct {
	HalfExtent        float64 `yaml:"half_extent"`
	WallThickness     float64 `yaml:"wall_thickness"`
	DoorWidth         float64 `yaml:"door_width"`
	MinBoxes          int     `yaml:"min_boxes"`
	MinRamps          int     `yaml:"min_ramps"`
	PlacementAttempts int     `yaml:"placement_attempts"`
}

type Physics struct {
	StepSeconds        float64 `yaml:"step_seconds"`
	VelocityIterations int     `yaml:"velocity_iterations"`
	PositionIterations int     `yaml:"position_iterations"`
	LinearDamping      float64 `yaml:"linear_damping"`
	AngularDamping     float64 `yaml:"angular_damping"`
	AgentRadius        float64 `yaml:"agent_radius"`
	MoveImpulse        float64 `yaml:"move_impulse"`
	TurnImpulse        float64 `yaml:"turn_impulse"`
	GrabRange          float64 `yaml:"grab_range"`
	GrabConeDeg        float64 `yaml:"grab_cone_deg"`
	AgentDensity       float64 `yaml:"agent_density"`
	ObjectDensity      float64 `yaml:"object_density"`
	Friction           float64 `yaml:"friction"`
}

type Vision struct {
	FOVDeg   float64 `yaml:"fov_deg"`
	MaxRange float64 `yaml:"max_range"`
}

type Lidar struct {
	MaxRange float64 `yaml:"max_range"`
}

const (
	DetectLineOfSight = "line_of_sight"
	DetectProximity   = "proximity"
)

type Detection struct {
	Mode   string  `yaml:"mode"`
	Radius float64 `yaml:"radius"`
}

type Reward struct {
	Detected   float64 `yaml:"detected"`
	Undetected float64 `yaml:"undetected"`
	PerHider   bool    `yaml:"per_hider"`
}

func Defaults() Tuning {
	return Tuning{
		NumWorlds: 16,
		Seed:      1337,
		AutoReset: true,
		Roster: Roster{
			MinHiders:      1,
			MaxHiders:      model.MaxHiders,
			MinSeekers:     1,
			MaxSeekers:     model.MaxSeekers,
			DefaultLevel:   1,
			DefaultHiders:  3,
			DefaultSeekers: 2,
		},
		Episode: Episode{
			EpisodeSteps: 240,
			PrepSteps:    96,
		},
		Arena: Arena{
			HalfExtent:        18,
			WallThickness:     0.5,
			DoorWidth:         3,
			MinBoxes:          3,
			MinRamps:          1,
			PlacementAttempts: 200,
		},
		Physics: Physics{
			StepSeconds:        0.075,
			VelocityIterations: 8,
			PositionIterations: 3,
			LinearDamping:      4,
			AngularDamping:     6,
			AgentRadius:        0.5,
			MoveImpulse:        4,
			TurnImpulse:        0.6,
			GrabRange:          2.5,
			GrabConeDeg:        90,
			AgentDensity:       1,
			ObjectDensity:      2,
			Friction:           0.5,
		},
		Vision: Vision{
			FOVDeg:   120,
			MaxRange: 60,
		},
		Lidar: Lidar{
			MaxRange: 20,
		},
		Detection: Detection{
			Mode:   DetectLineOfSight,
			Radius: 6,
		},
		Reward: Reward{
			Detected:   1,
			Undetected: 0,
		},
	}
}

// Load reads a tuning file over the defaults. Missing keys keep their
// default values.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, t.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	t.Detection.Mode = strings.ToLower(strings.TrimSpace(t.Detection.Mode))
	if t.Detection.Mode == "" {
		t.Detection.Mode = DetectLineOfSight
	}
	if t.Arena.PlacementAttempts <= 0 {
		t.Arena.PlacementAttempts = 200
	}
	if t.Physics.VelocityIterations <= 0 {
		t.Physics.VelocityIterations = 8
	}
	if t.Physics.PositionIterations <= 0 {
		t.Physics.PositionIterations = 3
	}
	if t.Lidar.MaxRange <= 0 {
		t.Lidar.MaxRange = 2 * t.Arena.HalfExtent
	}
	if t.Vision.MaxRange <= 0 {
		t.Vision.MaxRange = 4 * t.Arena.HalfExtent
	}
}

func (t Tuning) Validate() error {
	if t.NumWorlds <= 0 {
		return fmt.Errorf("num_worlds must be > 0")
	}
	if t.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	r := t.Roster
	if r.MinHiders < 1 || r.MaxHiders > model.MaxHiders || r.MinHiders > r.MaxHiders {
		return fmt.Errorf("roster hiders must satisfy 1 <= min_hiders <= max_hiders <= %d", model.MaxHiders)
	}
	if r.MinSeekers < 1 || r.MaxSeekers > model.MaxSeekers || r.MinSeekers > r.MaxSeekers {
		return fmt.Errorf("roster seekers must satisfy 1 <= min_seekers <= max_seekers <= %d", model.MaxSeekers)
	}
	if r.MaxHiders+r.MaxSeekers > model.MaxAgents {
		return fmt.Errorf("max_hiders + max_seekers must be <= %d", model.MaxAgents)
	}
	e := t.Episode
	if e.EpisodeSteps <= 0 {
		return fmt.Errorf("episode_steps must be > 0")
	}
	if e.PrepSteps < 0 || e.PrepSteps >= e.EpisodeSteps {
		return fmt.Errorf("prep_steps must be in [0, episode_steps)")
	}
	a := t.Arena
	if a.WallThickness <= 0 || a.DoorWidth <= 0 {
		return fmt.Errorf("arena wall_thickness and door_width must be > 0")
	}
	if a.HalfExtent-a.WallThickness < level.MinInnerHalfExtent {
		return fmt.Errorf("arena half_extent must be >= wall_thickness + %.1f", level.MinInnerHalfExtent)
	}
	if a.MinBoxes < 0 || a.MinBoxes > model.MaxBoxes {
		return fmt.Errorf("arena min_boxes must be in [0, %d]", model.MaxBoxes)
	}
	if a.MinRamps < 0 || a.MinRamps > model.MaxRamps {
		return fmt.Errorf("arena min_ramps must be in [0, %d]", model.MaxRamps)
	}
	p := t.Physics
	if p.StepSeconds <= 0 {
		return fmt.Errorf("physics step_seconds must be > 0")
	}
	if p.AgentRadius <= 0 || p.GrabRange <= 0 {
		return fmt.Errorf("physics agent_radius and grab_range must be > 0")
	}
	if p.AgentRadius > 1 {
		return fmt.Errorf("physics agent_radius must be <= 1")
	}
	if p.GrabConeDeg <= 0 || p.GrabConeDeg > 360 {
		return fmt.Errorf("physics grab_cone_deg must be in (0, 360]")
	}
	if t.Vision.FOVDeg <= 0 || t.Vision.FOVDeg > 360 {
		return fmt.Errorf("vision fov_deg must be in (0, 360]")
	}
	switch t.Detection.Mode {
	case DetectLineOfSight:
	case DetectProximity:
		if t.Detection.Radius <= 0 {
			return fmt.Errorf("detection radius must be > 0 in proximity mode")
		}
	default:
		return fmt.Errorf("unknown detection mode %q", t.Detection.Mode)
	}
	return nil
}

// ClampRoster clamps a requested roster into the configured bounds.
func (r Roster) ClampRoster(hiders, seekers int) (int, int) {
	if hiders < r.MinHiders {
		hiders = r.MinHiders
	}
	if hiders > r.MaxHiders {
		hiders = r.MaxHiders
	}
	if seekers < r.MinSeekers {
		seekers = r.MinSeekers
	}
	if seekers > r.MaxSeekers {
		seekers = r.MaxSeekers
	}
	return hiders, seekers
}
