// Package observer streams read-only world frames to debug viewers.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hideseek.ai/internal/observerproto"
	"hideseek.ai/internal/sim/model"
	"hideseek.ai/internal/sim/multiworld"
	"hideseek.ai/internal/sim/world"
)

type Server struct {
	mgr *multiworld.Manager
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.Mutex
	subs map[string]*subscriber
}

type subscriber struct {
	world int
	every int
	out   chan []byte
}

// NewServer registers a step hook on m that feeds subscribed viewers.
func NewServer(m *multiworld.Manager, logger *log.Logger) *Server {
	s := &Server{
		mgr: m,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[string]*subscriber{},
	}
	m.AddStepHook(s.publish)
	return s
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		tune := s.mgr.Tuning()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Tick:            s.mgr.Tick(),
			NumWorlds:       s.mgr.NumWorlds(),
			HalfExtent:      tune.Arena.HalfExtent,
			AgentRadius:     tune.Physics.AgentRadius,
			MaxAgents:       model.MaxAgents,
			MaxBoxes:        model.MaxBoxes,
			MaxRamps:        model.MaxRamps,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := s.parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := make(chan []byte, 8)
		s.mu.Lock()
		s.subs[sid] = &subscriber{world: sub.World, every: sub.Every, out: out}
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sub, ok := s.parseSubscribe(msg)
			if !ok {
				continue
			}
			s.mu.Lock()
			if cur := s.subs[sid]; cur != nil {
				cur.world, cur.every = sub.World, sub.Every
			}
			s.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	if sub.World < 0 || sub.World >= s.mgr.NumWorlds() {
		return sub, false
	}
	if sub.Every <= 0 {
		sub.Every = 1
	}
	return sub, true
}

// publish runs inside the manager's step. Frames are dropped for viewers
// that fall behind.
func (s *Server) publish(tick uint64, worlds []*world.World) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	frames := map[int][]byte{}
	for _, sub := range s.subs {
		if tick%uint64(sub.every) != 0 {
			continue
		}
		b, ok := frames[sub.world]
		if !ok {
			var err error
			b, err = json.Marshal(Frame(tick, worlds[sub.world]))
			if err != nil {
				s.log.Printf("frame: world=%d: %v", sub.world, err)
				continue
			}
			frames[sub.world] = b
		}
		select {
		case sub.out <- b:
		default:
		}
	}
}

// Frame snapshots one world for viewers.
func Frame(tick uint64, w *world.World) observerproto.FrameMsg {
	f := observerproto.FrameMsg{
		Type:            "FRAME",
		ProtocolVersion: observerproto.Version,
		Tick:            tick,
		World:           w.Index(),
		Episode:         w.Episode(),
		Layout:          w.Layout().String(),
		Phase:           w.Phase().String(),
		PrepRemaining:   w.PrepRemaining(),
		Walls:           []observerproto.WallState{},
		Agents:          []observerproto.AgentState{},
		Objects:         []observerproto.ObjectState{},
	}
	for _, wall := range w.Walls() {
		f.Walls = append(f.Walls, observerproto.WallState{
			Center: [2]float64{wall.Center.X, wall.Center.Y},
			Half:   [2]float64{wall.Half.X, wall.Half.Y},
		})
	}
	for i := 0; i < model.MaxAgents; i++ {
		a, err := w.Agent(i)
		if err != nil || !a.Active {
			continue
		}
		f.Agents = append(f.Agents, observerproto.AgentState{
			Slot:     i,
			Team:     a.Team.String(),
			Pos:      [2]float64{a.Pos.X, a.Pos.Y},
			Heading:  a.Heading,
			Held:     a.Held,
			Detected: w.Detected(i),
		})
	}
	for i := 0; ; i++ {
		o, ok := w.Object(i)
		if !ok {
			break
		}
		if !o.Active {
			continue
		}
		f.Objects = append(f.Objects, observerproto.ObjectState{
			Index:    i,
			Kind:     o.Kind.String(),
			Pos:      [2]float64{o.Pos.X, o.Pos.Y},
			Rotation: o.Rotation,
			Half:     [2]float64{o.Half.X, o.Half.Y},
			Owner:    o.Owner.String(),
			Locked:   o.Locked,
			HeldBy:   o.HeldBy,
		})
	}
	return f
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
