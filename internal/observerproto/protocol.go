package observerproto

// Version is the observer protocol version (separate from the learner WS protocol).
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to switch worlds or change the frame rate.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	World           int    `json:"world"`
	// Every sends one frame per Every steps.
	Every int `json:"every"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string  `json:"protocol_version"`
	Tick            uint64  `json:"tick"`
	NumWorlds       int     `json:"num_worlds"`
	HalfExtent      float64 `json:"half_extent"`
	AgentRadius     float64 `json:"agent_radius"`
	MaxAgents       int     `json:"max_agents"`
	MaxBoxes        int     `json:"max_boxes"`
	MaxRamps        int     `json:"max_ramps"`
}

// Server -> Client. One world's state after a step.
type FrameMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	World           int    `json:"world"`
	Episode         uint64 `json:"episode"`
	Layout          string `json:"layout"`
	Phase           string `json:"phase"`
	PrepRemaining   int    `json:"prep_remaining"`

	Walls   []WallState   `json:"walls"`
	Agents  []AgentState  `json:"agents"`
	Objects []ObjectState `json:"objects"`
}

type WallState struct {
	Center [2]float64 `json:"center"`
	Half   [2]float64 `json:"half"`
}

type AgentState struct {
	Slot     int        `json:"slot"`
	Team     string     `json:"team"`
	Pos      [2]float64 `json:"pos"`
	Heading  float64    `json:"heading"`
	Held     int        `json:"held"`
	Detected bool       `json:"detected,omitempty"`
}

type ObjectState struct {
	Index    int        `json:"index"`
	Kind     string     `json:"kind"`
	Pos      [2]float64 `json:"pos"`
	Rotation float64    `json:"rotation"`
	Half     [2]float64 `json:"half"`
	Owner    string     `json:"owner"`
	Locked   bool       `json:"locked,omitempty"`
	HeldBy   int        `json:"held_by"`
}
