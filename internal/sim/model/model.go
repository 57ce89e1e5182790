package model

// Fixed per-world capacities. Every exported tensor is sized from these,
// never from the active roster of an episode.
const (
	MaxAgents    = 6
	MaxBoxes     = 9
	MaxRamps     = 2
	MaxHiders    = 3
	MaxSeekers   = 3
	LidarSamples = 30

	// Per-record float widths of the relative observation tensors.
	AgentObsWidth = 4 // pos.xy, vel.xy
	BoxObsWidth   = 7 // pos.xy, vel.xy, size.xy, rotation
	RampObsWidth  = 5 // pos.xy, vel.xy, rotation

	// ActionWidth is the number of int32 fields in one action record.
	ActionWidth = 5
	// ResetWidth is the number of int32 fields in one reset record.
	ResetWidth = 3

	// GlobalPositionCount is the number of 2D debug positions per world.
	GlobalPositionCount = MaxBoxes + MaxRamps + MaxAgents
)

// Team is the agent type tag exported to callers. Values match the tensor
// encoding: seekers 0, hiders 1.
type Team int32

const (
	TeamSeeker Team = 0
	TeamHider  Team = 1
	// TeamNone tags unused agent slots.
	TeamNone Team = -1
)

func (t Team) String() string {
	switch t {
	case TeamSeeker:
		return "SEEKER"
	case TeamHider:
		return "HIDER"
	default:
		return "NONE"
	}
}

// OwnerTeam says which team currently controls a movable object.
type OwnerTeam uint8

const (
	OwnerNone OwnerTeam = iota
	OwnerSeeker
	OwnerHider
	OwnerUnownable
)

func OwnerFor(t Team) OwnerTeam {
	switch t {
	case TeamSeeker:
		return OwnerSeeker
	case TeamHider:
		return OwnerHider
	default:
		return OwnerNone
	}
}

func (o OwnerTeam) String() string {
	switch o {
	case OwnerSeeker:
		return "SEEKER"
	case OwnerHider:
		return "HIDER"
	case OwnerUnownable:
		return "UNOWNABLE"
	default:
		return "NONE"
	}
}

// Action is one agent's discrete action tuple for a step.
type Action struct {
	MoveAmount int32 `json:"move_amount"`
	MoveAngle  int32 `json:"move_angle"`
	Turn       int32 `json:"turn"`
	Grab       bool  `json:"grab"`
	Lock       bool  `json:"lock"`
}

// Discrete action ranges. Out-of-range values are clamped by the applier.
const (
	MoveAmountBuckets = 4 // 0..3
	MoveAngleBuckets  = 8 // 0..7
	TurnBuckets       = 5 // 0..4, 2 = no turn
)

// NoopAction is the action that leaves an agent at rest.
var NoopAction = Action{Turn: TurnBuckets / 2}

// ResetRequest asks a world to start a new episode.
type ResetRequest struct {
	Level      int32 `json:"level"`
	NumHiders  int32 `json:"num_hiders"`
	NumSeekers int32 `json:"num_seekers"`
}

// Phase is the episode state of a world.
type Phase uint8

const (
	PhaseResetting Phase = iota
	PhasePreparing
	PhaseActive
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseResetting:
		return "RESETTING"
	case PhasePreparing:
		return "PREPARING"
	case PhaseActive:
		return "ACTIVE"
	case PhaseDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}
