// Package ws serves the learner protocol: one websocket session at a time
// drives the whole batch with RESET, ACT and STEP and receives OBS replies.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hideseek.ai/internal/protocol"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/multiworld"
	"hideseek.ai/internal/sim/tensor"
)

const (
	maxStepsPerRequest = 10000
	readTimeout        = 60 * time.Second
	writeTimeout       = 5 * time.Second
)

type Server struct {
	mgr *multiworld.Manager
	log *log.Logger

	upgrader websocket.Upgrader
	busy     atomic.Bool
}

func NewServer(m *multiworld.Manager, logger *log.Logger) *Server {
	return &Server{
		mgr: m,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 256 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

type session struct {
	id       string
	conn     *websocket.Conn
	encoding string
	scratch  []byte
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		defer s.busy.Store(false)
		s.log.Printf("session %s open encoding=%s", sess.id, sess.encoding)

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if err := s.dispatch(r.Context(), sess, msg); err != nil {
				s.log.Printf("session %s: %v", sess.id, err)
				break
			}
		}
		s.log.Printf("session %s closed", sess.id)
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, errorMsg(protocol.ErrProtoVersion, fmt.Sprintf("server speaks %s", protocol.Version)))
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return nil
	}
	enc := hello.Encoding
	if enc == "" {
		enc = protocol.EncodingJSON
	}
	if enc != protocol.EncodingJSON && enc != protocol.EncodingBinary {
		_ = writeJSON(conn, errorMsg(protocol.ErrProtoBadRequest, "unknown encoding "+enc))
		closeWith(conn, websocket.ClosePolicyViolation, "bad encoding")
		return nil
	}
	if !s.busy.CompareAndSwap(false, true) {
		_ = writeJSON(conn, errorMsg(protocol.ErrSessionBusy, "another learner is connected"))
		closeWith(conn, websocket.CloseTryAgainLater, "busy")
		return nil
	}

	sess := &session{id: uuid.NewString(), conn: conn, encoding: enc}
	if err := writeJSON(conn, s.welcome(sess)); err != nil {
		s.busy.Store(false)
		return nil
	}
	return sess
}

func (s *Server) welcome(sess *session) protocol.WelcomeMsg {
	w := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		Encoding:        sess.encoding,
		Tick:            s.mgr.Tick(),
		Limits: protocol.Limits{
			NumWorlds:    s.mgr.NumWorlds(),
			MaxAgents:    model.MaxAgents,
			MaxBoxes:     model.MaxBoxes,
			MaxRamps:     model.MaxRamps,
			LidarSamples: model.LidarSamples,
		},
	}
	s.mgr.ReadBuffers(func(_ uint64, b *tensor.Buffers) {
		w.Outputs = shapes(b.Shapes())
		w.Inputs = shapes(b.InputShapes())
	})
	return w
}

func shapes(in []tensor.Shape) []protocol.TensorShape {
	out := make([]protocol.TensorShape, len(in))
	for i, s := range in {
		out[i] = protocol.TensorShape{Name: s.Name, Type: string(s.Type), Dims: s.Dims}
	}
	return out
}

// dispatch handles one client message. Request errors are reported to the
// client; only a failed write or a fatal step error ends the session.
func (s *Server) dispatch(ctx context.Context, sess *session, msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return writeJSON(sess.conn, errorMsg(protocol.ErrProtoBadRequest, "bad json"))
	}
	if base.ProtocolVersion != protocol.Version {
		return writeJSON(sess.conn, errorMsg(protocol.ErrProtoVersion, "bad protocol_version"))
	}
	switch base.Type {
	case protocol.TypeReset:
		var m protocol.ResetMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return writeJSON(sess.conn, errorMsg(protocol.ErrProtoBadRequest, "bad RESET"))
		}
		if err := s.checkResets(m.Resets); err != nil {
			return writeJSON(sess.conn, errorFor(err))
		}
		for _, r := range m.Resets {
			if err := s.mgr.Reset(r.World, r.Level, r.NumHiders, r.NumSeekers); err != nil {
				return writeJSON(sess.conn, errorFor(err))
			}
		}
		return nil

	case protocol.TypeAct:
		var m protocol.ActMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return writeJSON(sess.conn, errorMsg(protocol.ErrProtoBadRequest, "bad ACT"))
		}
		if err := s.checkActions(m.Actions); err != nil {
			return writeJSON(sess.conn, errorFor(err))
		}
		if len(m.Flat) > 0 {
			if err := s.mgr.SetActions(m.Flat); err != nil {
				return writeJSON(sess.conn, errorMsg(protocol.ErrBadRequest, err.Error()))
			}
		}
		for _, a := range m.Actions {
			if err := s.mgr.SetAction(a.Slot, a.MoveAmount, a.MoveAngle, a.Turn, a.Grab, a.Lock); err != nil {
				return writeJSON(sess.conn, errorFor(err))
			}
		}
		return nil

	case protocol.TypeStep:
		var m protocol.StepMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return writeJSON(sess.conn, errorMsg(protocol.ErrProtoBadRequest, "bad STEP"))
		}
		n := m.Steps
		if n <= 0 {
			n = 1
		}
		if n > maxStepsPerRequest {
			return writeJSON(sess.conn, errorMsg(protocol.ErrBadRequest, fmt.Sprintf("steps must be <= %d", maxStepsPerRequest)))
		}
		for i := 0; i < n; i++ {
			if err := s.mgr.StepContext(ctx); err != nil {
				_ = writeJSON(sess.conn, errorFor(err))
				return fmt.Errorf("step: %w", err)
			}
		}
		return s.writeObs(sess)

	default:
		return writeJSON(sess.conn, errorMsg(protocol.ErrProtoBadRequest, "unknown type "+base.Type))
	}
}

func (s *Server) writeObs(sess *session) error {
	obs := protocol.ObsMsg{Type: protocol.TypeObs, ProtocolVersion: protocol.Version}
	s.mgr.ReadBuffers(func(tick uint64, b *tensor.Buffers) {
		obs.Tick = tick
		if sess.encoding == protocol.EncodingBinary {
			obs.Binary = true
			obs.BinaryBytes = b.BinarySize()
			sess.scratch = b.AppendBinary(sess.scratch[:0])
			return
		}
		obs.Int32 = map[string][]int32{}
		obs.Float32 = map[string][]float32{}
		for _, sh := range b.Shapes() {
			if v, ok := b.Int32Output(sh.Name); ok {
				obs.Int32[sh.Name] = append([]int32(nil), v...)
				continue
			}
			if v, ok := b.Float32Output(sh.Name); ok {
				obs.Float32[sh.Name] = append([]float32(nil), v...)
			}
		}
	})
	if err := writeJSON(sess.conn, obs); err != nil {
		return err
	}
	if !obs.Binary {
		return nil
	}
	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return sess.conn.WriteMessage(websocket.BinaryMessage, sess.scratch)
}

func errorMsg(code, message string) protocol.ErrorMsg {
	return protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: code, Message: message}
}

// checkResets rejects a RESET with any out-of-range world before one entry
// is queued.
func (s *Server) checkResets(rs []protocol.WorldReset) error {
	n := s.mgr.NumWorlds()
	for _, r := range rs {
		if r.World < 0 || r.World >= n {
			return fmt.Errorf("%w: %d", multiworld.ErrWorldIndex, r.World)
		}
	}
	return nil
}

// checkActions is checkResets for ACT records.
func (s *Server) checkActions(as []protocol.AgentAction) error {
	n := s.mgr.NumWorlds() * model.MaxAgents
	for _, a := range as {
		if a.Slot < 0 || a.Slot >= n {
			return fmt.Errorf("%w: %d", multiworld.ErrAgentSlot, a.Slot)
		}
	}
	return nil
}

func errorFor(err error) protocol.ErrorMsg {
	switch {
	case errors.Is(err, multiworld.ErrWorldIndex):
		return errorMsg(protocol.ErrWorldNotFound, err.Error())
	case errors.Is(err, multiworld.ErrAgentSlot):
		return errorMsg(protocol.ErrAgentSlot, err.Error())
	default:
		return errorMsg(protocol.ErrInternal, err.Error())
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
