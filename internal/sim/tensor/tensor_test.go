package tensor

import (
	"encoding/binary"
	"math"
	"testing"

	"hideseek.ai/internal/sim/model"
)

func TestShapesMatchBufferLengths(t *testing.T) {
	b := New(3)
	for _, s := range b.Shapes() {
		var n int
		if ints, ok := b.Int32Output(s.Name); ok {
			n = len(ints)
		} else if floats, ok := b.Float32Output(s.Name); ok {
			n = len(floats)
		} else {
			t.Fatalf("no buffer for %s", s.Name)
		}
		if n != s.Len() {
			t.Fatalf("%s: len %d, shape %v", s.Name, n, s.Dims)
		}
	}
	if got, want := len(b.Actions), 3*model.MaxAgents*model.ActionWidth; got != want {
		t.Fatalf("actions len: got %d want %d", got, want)
	}
}

func TestViewsDoNotAlias(t *testing.T) {
	b := New(2)
	v0, v1 := b.View(0), b.View(1)
	v0.Lidar[len(v0.Lidar)-1] = 7
	if v1.Lidar[0] != 0 {
		t.Fatalf("view 1 sees view 0's write")
	}
	if b.Lidar[model.MaxAgents*model.LidarSamples-1] != 7 {
		t.Fatalf("view should write through to the batch buffer")
	}
	v1.Done[0] = 1
	if b.Done[1] != 1 || b.Done[0] != 0 {
		t.Fatalf("done view misplaced: %v", b.Done)
	}
}

func TestActionAndResetRoundTrip(t *testing.T) {
	v := New(1).View(0)
	a := model.Action{MoveAmount: 3, MoveAngle: 5, Turn: 1, Grab: true}
	v.PutAction(4, a)
	if got := v.ActionAt(4); got != a {
		t.Fatalf("action: got %+v want %+v", got, a)
	}
	if _, ok := v.TakeReset(); ok {
		t.Fatalf("no reset should be pending")
	}
	v.PutReset(model.ResetRequest{Level: 2, NumHiders: 1, NumSeekers: 3})
	req, ok := v.TakeReset()
	if !ok || req.Level != 2 || req.NumSeekers != 3 {
		t.Fatalf("reset: ok=%v %+v", ok, req)
	}
	if _, ok := v.TakeReset(); ok {
		t.Fatalf("reset should be consumed")
	}
}

func TestAppendBinaryLayout(t *testing.T) {
	b := New(1)
	b.Done[0] = 1
	b.AgentMask[0] = 0.5
	out := b.AppendBinary(nil)
	if len(out) != b.BinarySize() {
		t.Fatalf("size: got %d want %d", len(out), b.BinarySize())
	}
	if binary.LittleEndian.Uint32(out[0:4]) != 1 {
		t.Fatalf("done should lead the frame")
	}
	// done(1) + prep(A) + type(A) precede the mask.
	off := 4 * (1 + 2*model.MaxAgents)
	if got := math.Float32frombits(binary.LittleEndian.Uint32(out[off : off+4])); got != 0.5 {
		t.Fatalf("agent mask: got %v", got)
	}
}
