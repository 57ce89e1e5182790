// Package tensor holds the flat batch buffers shared between the simulator
// and its caller. Every buffer has a leading world or agent-slot dimension
// and a fixed inner shape sized from the per-world capacities.
package tensor

import (
	"encoding/binary"
	"math"

	"hideseek.ai/internal/sim/model"
)

type ElementType string

const (
	Int32   ElementType = "int32"
	Float32 ElementType = "float32"
)

// Shape describes one exported buffer.
type Shape struct {
	Name string      `json:"name"`
	Type ElementType `json:"type"`
	Dims []int       `json:"dims"`
}

func (s Shape) Len() int {
	n := 1
	for _, d := range s.Dims {
		n *= d
	}
	return n
}

// Output buffer names, in wire order.
const (
	NameDone            = "done"
	NamePrepCounter     = "prep_counter"
	NameAgentType       = "agent_type"
	NameAgentMask       = "agent_mask"
	NameAgentData       = "agent_data"
	NameBoxData         = "box_data"
	NameRampData        = "ramp_data"
	NameVisibleAgents   = "visible_agents"
	NameVisibleBoxes    = "visible_boxes"
	NameVisibleRamps    = "visible_ramps"
	NameLidar           = "lidar"
	NameReward          = "reward"
	NameSeed            = "seed"
	NameGlobalPositions = "global_positions"

	NameActions = "actions"
	NameResets  = "resets"
)

const (
	otherAgents = model.MaxAgents - 1
	globalWidth = model.GlobalPositionCount * 2
)

// Buffers is the batch of every world's inputs and outputs.
type Buffers struct {
	NumWorlds int

	// Inputs, written by the caller between steps.
	Actions []int32 // [W*A, ActionWidth]
	Resets  []int32 // [W, ResetWidth]; level 0 means no reset requested

	// Outputs, valid after Step returns.
	Done            []int32   // [W]
	PrepCounter     []int32   // [W*A]
	AgentType       []int32   // [W*A]
	AgentMask       []float32 // [W*A]
	AgentData       []float32 // [W*A, A-1, AgentObsWidth]
	BoxData         []float32 // [W*A, B, BoxObsWidth]
	RampData        []float32 // [W*A, R, RampObsWidth]
	VisibleAgents   []float32 // [W*A, A-1]
	VisibleBoxes    []float32 // [W*A, B]
	VisibleRamps    []float32 // [W*A, R]
	Lidar           []float32 // [W*A, LidarSamples]
	Reward          []float32 // [W*A]
	Seed            []int32   // [W*A]
	GlobalPositions []float32 // [W, B+R+A, 2]
}

func New(numWorlds int) *Buffers {
	if numWorlds < 0 {
		numWorlds = 0
	}
	slots := numWorlds * model.MaxAgents
	return &Buffers{
		NumWorlds:       numWorlds,
		Actions:         make([]int32, slots*model.ActionWidth),
		Resets:          make([]int32, numWorlds*model.ResetWidth),
		Done:            make([]int32, numWorlds),
		PrepCounter:     make([]int32, slots),
		AgentType:       make([]int32, slots),
		AgentMask:       make([]float32, slots),
		AgentData:       make([]float32, slots*otherAgents*model.AgentObsWidth),
		BoxData:         make([]float32, slots*model.MaxBoxes*model.BoxObsWidth),
		RampData:        make([]float32, slots*model.MaxRamps*model.RampObsWidth),
		VisibleAgents:   make([]float32, slots*otherAgents),
		VisibleBoxes:    make([]float32, slots*model.MaxBoxes),
		VisibleRamps:    make([]float32, slots*model.MaxRamps),
		Lidar:           make([]float32, slots*model.LidarSamples),
		Reward:          make([]float32, slots),
		Seed:            make([]int32, slots),
		GlobalPositions: make([]float32, numWorlds*globalWidth),
	}
}

// Shapes lists the output buffers in wire order.
func (b *Buffers) Shapes() []Shape {
	w := b.NumWorlds
	s := w * model.MaxAgents
	return []Shape{
		{Name: NameDone, Type: Int32, Dims: []int{w}},
		{Name: NamePrepCounter, Type: Int32, Dims: []int{s}},
		{Name: NameAgentType, Type: Int32, Dims: []int{s}},
		{Name: NameAgentMask, Type: Float32, Dims: []int{s}},
		{Name: NameAgentData, Type: Float32, Dims: []int{s, otherAgents, model.AgentObsWidth}},
		{Name: NameBoxData, Type: Float32, Dims: []int{s, model.MaxBoxes, model.BoxObsWidth}},
		{Name: NameRampData, Type: Float32, Dims: []int{s, model.MaxRamps, model.RampObsWidth}},
		{Name: NameVisibleAgents, Type: Float32, Dims: []int{s, otherAgents}},
		{Name: NameVisibleBoxes, Type: Float32, Dims: []int{s, model.MaxBoxes}},
		{Name: NameVisibleRamps, Type: Float32, Dims: []int{s, model.MaxRamps}},
		{Name: NameLidar, Type: Float32, Dims: []int{s, model.LidarSamples}},
		{Name: NameReward, Type: Float32, Dims: []int{s}},
		{Name: NameSeed, Type: Int32, Dims: []int{s}},
		{Name: NameGlobalPositions, Type: Float32, Dims: []int{w, model.GlobalPositionCount, 2}},
	}
}

// InputShapes lists the caller-written buffers.
func (b *Buffers) InputShapes() []Shape {
	return []Shape{
		{Name: NameActions, Type: Int32, Dims: []int{b.NumWorlds * model.MaxAgents, model.ActionWidth}},
		{Name: NameResets, Type: Int32, Dims: []int{b.NumWorlds, model.ResetWidth}},
	}
}

// Int32Output and Float32Output return an output buffer by name.
func (b *Buffers) Int32Output(name string) ([]int32, bool) {
	switch name {
	case NameDone:
		return b.Done, true
	case NamePrepCounter:
		return b.PrepCounter, true
	case NameAgentType:
		return b.AgentType, true
	case NameSeed:
		return b.Seed, true
	}
	return nil, false
}

func (b *Buffers) Float32Output(name string) ([]float32, bool) {
	switch name {
	case NameAgentMask:
		return b.AgentMask, true
	case NameAgentData:
		return b.AgentData, true
	case NameBoxData:
		return b.BoxData, true
	case NameRampData:
		return b.RampData, true
	case NameVisibleAgents:
		return b.VisibleAgents, true
	case NameVisibleBoxes:
		return b.VisibleBoxes, true
	case NameVisibleRamps:
		return b.VisibleRamps, true
	case NameLidar:
		return b.Lidar, true
	case NameReward:
		return b.Reward, true
	case NameGlobalPositions:
		return b.GlobalPositions, true
	}
	return nil, false
}

// WorldView is one world's window into the batch buffers. Views of
// different worlds never alias.
type WorldView struct {
	Actions []int32
	Reset   []int32

	Done            []int32
	PrepCounter     []int32
	AgentType       []int32
	AgentMask       []float32
	AgentData       []float32
	BoxData         []float32
	RampData        []float32
	VisibleAgents   []float32
	VisibleBoxes    []float32
	VisibleRamps    []float32
	Lidar           []float32
	Reward          []float32
	Seed            []int32
	GlobalPositions []float32
}

func window[T any](s []T, i, width int) []T {
	return s[i*width : (i+1)*width : (i+1)*width]
}

// View returns world w's window.
func (b *Buffers) View(w int) WorldView {
	a := model.MaxAgents
	return WorldView{
		Actions:         window(b.Actions, w, a*model.ActionWidth),
		Reset:           window(b.Resets, w, model.ResetWidth),
		Done:            window(b.Done, w, 1),
		PrepCounter:     window(b.PrepCounter, w, a),
		AgentType:       window(b.AgentType, w, a),
		AgentMask:       window(b.AgentMask, w, a),
		AgentData:       window(b.AgentData, w, a*otherAgents*model.AgentObsWidth),
		BoxData:         window(b.BoxData, w, a*model.MaxBoxes*model.BoxObsWidth),
		RampData:        window(b.RampData, w, a*model.MaxRamps*model.RampObsWidth),
		VisibleAgents:   window(b.VisibleAgents, w, a*otherAgents),
		VisibleBoxes:    window(b.VisibleBoxes, w, a*model.MaxBoxes),
		VisibleRamps:    window(b.VisibleRamps, w, a*model.MaxRamps),
		Lidar:           window(b.Lidar, w, a*model.LidarSamples),
		Reward:          window(b.Reward, w, a),
		Seed:            window(b.Seed, w, a),
		GlobalPositions: window(b.GlobalPositions, w, globalWidth),
	}
}

// ActionAt decodes one agent slot's action record.
func (v WorldView) ActionAt(slot int) model.Action {
	r := v.Actions[slot*model.ActionWidth : (slot+1)*model.ActionWidth]
	return model.Action{
		MoveAmount: r[0],
		MoveAngle:  r[1],
		Turn:       r[2],
		Grab:       r[3] != 0,
		Lock:       r[4] != 0,
	}
}

// PutAction encodes one agent slot's action record.
func (v WorldView) PutAction(slot int, a model.Action) {
	r := v.Actions[slot*model.ActionWidth : (slot+1)*model.ActionWidth]
	r[0], r[1], r[2] = a.MoveAmount, a.MoveAngle, a.Turn
	r[3], r[4] = boolInt(a.Grab), boolInt(a.Lock)
}

// TakeReset returns and clears a pending reset request.
func (v WorldView) TakeReset() (model.ResetRequest, bool) {
	if v.Reset[0] == 0 {
		return model.ResetRequest{}, false
	}
	req := model.ResetRequest{Level: v.Reset[0], NumHiders: v.Reset[1], NumSeekers: v.Reset[2]}
	v.Reset[0], v.Reset[1], v.Reset[2] = 0, 0, 0
	return req, true
}

func (v WorldView) PutReset(req model.ResetRequest) {
	v.Reset[0], v.Reset[1], v.Reset[2] = req.Level, req.NumHiders, req.NumSeekers
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// AppendBinary appends every output buffer in wire order as little-endian
// 4-byte values.
func (b *Buffers) AppendBinary(dst []byte) []byte {
	for _, s := range b.Shapes() {
		if ints, ok := b.Int32Output(s.Name); ok {
			for _, v := range ints {
				dst = binary.LittleEndian.AppendUint32(dst, uint32(v))
			}
			continue
		}
		floats, _ := b.Float32Output(s.Name)
		for _, v := range floats {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
	}
	return dst
}

// BinarySize is the length of AppendBinary's output.
func (b *Buffers) BinarySize() int {
	n := 0
	for _, s := range b.Shapes() {
		n += 4 * s.Len()
	}
	return n
}
