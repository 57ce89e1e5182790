package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	// Encoding selects how OBS tensors are sent; defaults to json.
	Encoding string `json:"encoding,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	SessionID       string        `json:"session_id"`
	Encoding        string        `json:"encoding"`
	Tick            uint64        `json:"tick"`
	Limits          Limits        `json:"limits"`
	Outputs         []TensorShape `json:"outputs"`
	Inputs          []TensorShape `json:"inputs"`
}

// Limits are the fixed per-world capacities every tensor is sized from.
type Limits struct {
	NumWorlds    int `json:"num_worlds"`
	MaxAgents    int `json:"max_agents"`
	MaxBoxes     int `json:"max_boxes"`
	MaxRamps     int `json:"max_ramps"`
	LidarSamples int `json:"lidar_samples"`
}

type TensorShape struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Dims []int  `json:"dims"`
}

// RESET (client -> server): queue new episodes for the next STEP.
type ResetMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Resets          []WorldReset `json:"resets"`
}

type WorldReset struct {
	World      int   `json:"world"`
	Level      int32 `json:"level"`
	NumHiders  int32 `json:"num_hiders"`
	NumSeekers int32 `json:"num_seekers"`
}

// ACT (client -> server): set actions for the next STEP. Either a list of
// per-slot actions or the whole flat [W*A, 5] block.
type ActMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Actions         []AgentAction `json:"actions,omitempty"`
	Flat            []int32       `json:"flat,omitempty"`
}

type AgentAction struct {
	// Slot is the global agent slot: world*max_agents + agent.
	Slot       int   `json:"slot"`
	MoveAmount int32 `json:"move_amount"`
	MoveAngle  int32 `json:"move_angle"`
	Turn       int32 `json:"turn"`
	Grab       bool  `json:"grab"`
	Lock       bool  `json:"lock"`
}

// STEP (client -> server): advance the batch and reply with OBS.
type StepMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Steps defaults to 1; only the last step's buffers are returned.
	Steps int `json:"steps,omitempty"`
}

// OBS (server -> client). With binary encoding the tensors follow in one
// binary frame, little-endian, in the WELCOME output order.
type ObsMsg struct {
	Type            string               `json:"type"`
	ProtocolVersion string               `json:"protocol_version"`
	Tick            uint64               `json:"tick"`
	Binary          bool                 `json:"binary,omitempty"`
	BinaryBytes     int                  `json:"binary_bytes,omitempty"`
	Int32           map[string][]int32   `json:"int32,omitempty"`
	Float32         map[string][]float32 `json:"float32,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
