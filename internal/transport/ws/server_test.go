package ws

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hideseek.ai/internal/protocol"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/multiworld"
	"hideseek.ai/internal/sim/tensor"
	"hideseek.ai/internal/sim/tuning"
)

func newTestServer(t *testing.T, numWorlds int) (*multiworld.Manager, string) {
	t.Helper()
	tune := tuning.Defaults()
	tune.NumWorlds = numWorlds
	tune.Episode.EpisodeSteps = 30
	tune.Episode.PrepSteps = 5
	m, err := multiworld.NewManager(tune, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(m.Close)
	srv := NewServer(m, log.New(io.Discard, "", 0))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return m, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	var v T
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

func hello(t *testing.T, conn *websocket.Conn, encoding string) protocol.WelcomeMsg {
	t.Helper()
	send(t, conn, protocol.HelloMsg{
		Type: protocol.TypeHello, ProtocolVersion: protocol.Version,
		ClientName: "test", Encoding: encoding,
	})
	w := recv[protocol.WelcomeMsg](t, conn)
	if w.Type != protocol.TypeWelcome {
		t.Fatalf("expected WELCOME, got %+v", w)
	}
	return w
}

func TestHandshake_WelcomeCarriesShapes(t *testing.T) {
	_, url := newTestServer(t, 2)
	conn := dial(t, url)
	w := hello(t, conn, "")
	if w.Encoding != protocol.EncodingJSON || w.SessionID == "" || w.Tick != 1 {
		t.Fatalf("welcome: %+v", w)
	}
	if w.Limits.NumWorlds != 2 || w.Limits.MaxAgents != 6 {
		t.Fatalf("limits: %+v", w.Limits)
	}
	if len(w.Outputs) != 14 || w.Outputs[0].Name != "done" {
		t.Fatalf("outputs: %+v", w.Outputs)
	}
	if len(w.Inputs) != 2 || w.Inputs[0].Name != "actions" {
		t.Fatalf("inputs: %+v", w.Inputs)
	}
}

func TestHandshake_BadVersion(t *testing.T) {
	_, url := newTestServer(t, 1)
	conn := dial(t, url)
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.0", ClientName: "old"})
	e := recv[protocol.ErrorMsg](t, conn)
	if e.Code != protocol.ErrProtoVersion {
		t.Fatalf("got %+v", e)
	}
}

func TestHandshake_SecondLearnerIsBusy(t *testing.T) {
	_, url := newTestServer(t, 1)
	first := dial(t, url)
	hello(t, first, "")

	second := dial(t, url)
	send(t, second, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: "b"})
	e := recv[protocol.ErrorMsg](t, second)
	if e.Code != protocol.ErrSessionBusy {
		t.Fatalf("got %+v", e)
	}
}

func TestStep_JSONObservation(t *testing.T) {
	m, url := newTestServer(t, 2)
	conn := dial(t, url)
	hello(t, conn, protocol.EncodingJSON)

	send(t, conn, protocol.ResetMsg{
		Type: protocol.TypeReset, ProtocolVersion: protocol.Version,
		Resets: []protocol.WorldReset{{World: 1, Level: 2, NumHiders: 1, NumSeekers: 1}},
	})
	send(t, conn, protocol.ActMsg{
		Type: protocol.TypeAct, ProtocolVersion: protocol.Version,
		Actions: []protocol.AgentAction{{Slot: 0, MoveAmount: 3, Turn: 2}},
	})
	send(t, conn, protocol.StepMsg{Type: protocol.TypeStep, ProtocolVersion: protocol.Version})

	obs := recv[protocol.ObsMsg](t, conn)
	if obs.Type != protocol.TypeObs || obs.Tick != 2 {
		t.Fatalf("obs: type %s tick %d", obs.Type, obs.Tick)
	}
	types := obs.Int32["agent_type"]
	if len(types) != 12 {
		t.Fatalf("agent_type len %d", len(types))
	}
	// World 1 was reset to one hider and one seeker.
	if types[6] != 1 || types[7] != 0 || types[8] != -1 {
		t.Fatalf("world 1 agent types: %v", types[6:])
	}
	if len(obs.Float32["lidar"]) != 12*30 {
		t.Fatalf("lidar len %d", len(obs.Float32["lidar"]))
	}
	if m.Tick() != 2 {
		t.Fatalf("manager tick %d", m.Tick())
	}
}

func TestStep_BinaryObservation(t *testing.T) {
	m, url := newTestServer(t, 1)
	conn := dial(t, url)
	hello(t, conn, protocol.EncodingBinary)

	send(t, conn, protocol.StepMsg{Type: protocol.TypeStep, ProtocolVersion: protocol.Version, Steps: 3})
	head := recv[protocol.ObsMsg](t, conn)
	if !head.Binary || head.Tick != 4 {
		t.Fatalf("header: %+v", head)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != websocket.BinaryMessage || len(frame) != head.BinaryBytes {
		t.Fatalf("frame kind %d len %d want %d", kind, len(frame), head.BinaryBytes)
	}
	if head.BinaryBytes != m.Buffers().BinarySize() {
		t.Fatalf("binary size %d", head.BinaryBytes)
	}
	// done[0] comes first, then six prep counters.
	if got := int32(binary.LittleEndian.Uint32(frame[4:])); got != 2 {
		t.Fatalf("prep counter: %d", got)
	}
	// Reward of slot 0 is a float32 in the reward block.
	rewardOff := 0
	for _, s := range m.Buffers().Shapes() {
		if s.Name == "reward" {
			break
		}
		rewardOff += 4 * s.Len()
	}
	if r := math.Float32frombits(binary.LittleEndian.Uint32(frame[rewardOff:])); r != 0 {
		t.Fatalf("reward during prep: %v", r)
	}
}

func TestErrors_ReportedWithoutClosing(t *testing.T) {
	_, url := newTestServer(t, 1)
	conn := dial(t, url)
	hello(t, conn, "")

	send(t, conn, protocol.ResetMsg{
		Type: protocol.TypeReset, ProtocolVersion: protocol.Version,
		Resets: []protocol.WorldReset{{World: 4, Level: 1}},
	})
	if e := recv[protocol.ErrorMsg](t, conn); e.Code != protocol.ErrWorldNotFound {
		t.Fatalf("reset error: %+v", e)
	}
	send(t, conn, protocol.ActMsg{
		Type: protocol.TypeAct, ProtocolVersion: protocol.Version,
		Actions: []protocol.AgentAction{{Slot: 6}},
	})
	if e := recv[protocol.ErrorMsg](t, conn); e.Code != protocol.ErrAgentSlot {
		t.Fatalf("act error: %+v", e)
	}
	send(t, conn, map[string]string{"type": "DANCE", "protocol_version": protocol.Version})
	if e := recv[protocol.ErrorMsg](t, conn); e.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("unknown type error: %+v", e)
	}

	send(t, conn, protocol.StepMsg{Type: protocol.TypeStep, ProtocolVersion: protocol.Version})
	if obs := recv[protocol.ObsMsg](t, conn); obs.Type != protocol.TypeObs {
		t.Fatalf("session should survive request errors, got %+v", obs)
	}
}

func TestErrors_RejectedRequestQueuesNothing(t *testing.T) {
	m, url := newTestServer(t, 2)
	conn := dial(t, url)
	hello(t, conn, "")

	send(t, conn, protocol.ResetMsg{
		Type: protocol.TypeReset, ProtocolVersion: protocol.Version,
		Resets: []protocol.WorldReset{{World: 0, Level: 2, NumHiders: 1, NumSeekers: 1}, {World: 5, Level: 1}},
	})
	if e := recv[protocol.ErrorMsg](t, conn); e.Code != protocol.ErrWorldNotFound {
		t.Fatalf("reset error: %+v", e)
	}
	send(t, conn, protocol.ActMsg{
		Type: protocol.TypeAct, ProtocolVersion: protocol.Version,
		Actions: []protocol.AgentAction{{Slot: 0, MoveAmount: 2, Turn: 4}, {Slot: 2 * model.MaxAgents}},
	})
	if e := recv[protocol.ErrorMsg](t, conn); e.Code != protocol.ErrAgentSlot {
		t.Fatalf("act error: %+v", e)
	}

	m.ReadBuffers(func(_ uint64, b *tensor.Buffers) {
		if b.Resets[0] != 0 {
			t.Errorf("world 0 reset queued by a rejected RESET: %v", b.Resets[:model.ResetWidth])
		}
		if got := b.Actions[:model.ActionWidth]; got[0] != 0 || got[2] != model.TurnBuckets/2 {
			t.Errorf("slot 0 action changed by a rejected ACT: %v", got)
		}
	})
}
