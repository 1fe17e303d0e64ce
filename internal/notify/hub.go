// Package notify streams per-tick coordination state to websocket viewers
// and accepts pause/resume commands from them.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/intersection-coordinator/internal/coordinator"
	"github.com/signalsfoundry/intersection-coordinator/internal/grid"
	"github.com/signalsfoundry/intersection-coordinator/internal/logging"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
)

// Controller is the part of the orchestrator viewers may drive.
type Controller interface {
	Pause()
	Resume()
}

const (
	ActionPause  = "pause"
	ActionResume = "resume"
)

// Command is a message sent by a viewer.
type Command struct {
	Action string `json:"action"`
}

// AgentMessage is one agent in a TickMessage.
type AgentMessage struct {
	ID         int          `json:"id"`
	Name       string       `json:"name"`
	Position   [2]float64   `json:"position"`
	Target     [2]float64   `json:"target"`
	Tier       int          `json:"tier"`
	Prediction [][2]float64 `json:"prediction"`
	Occupied   [][2]int     `json:"occupied"`
	Blocked    bool         `json:"blocked,omitempty"`
	DependsOn  []int        `json:"depends_on"`
}

// CellCount is the number of committed reservations of one cell.
type CellCount struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Count int `json:"count"`
}

// TickMessage is broadcast after every tick.
type TickMessage struct {
	Tick    int            `json:"tick"`
	Time    float64        `json:"time"`
	Paused  bool           `json:"paused"`
	Agents  []AgentMessage `json:"agents"`
	Removed []int          `json:"removed"`
	Blocked []int          `json:"blocked"`
	Waiting int            `json:"waiting"`
	Cells   []CellCount    `json:"cells"`
}

// Hub fans tick messages out to connected viewers. It is an
// http.Handler for the websocket endpoint and a coordinator.Observer.
type Hub struct {
	upgrader     websocket.Upgrader
	ctrl         Controller
	log          logging.Logger
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

type Option func(*Hub)

func WithLogger(l logging.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithWriteTimeout bounds how long a slow viewer may stall a broadcast.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// NewHub creates a hub forwarding viewer commands to ctrl, which may be nil
// for a read-only stream.
func NewHub(ctrl Controller, opts ...Option) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctrl:         ctrl,
		log:          logging.Noop(),
		writeTimeout: 2 * time.Second,
		clients:      make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info(r.Context(), "viewer connected", logging.String("remote", r.RemoteAddr), logging.Int("viewers", n))

	go h.readLoop(conn)
}

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	defer h.drop(conn)
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn(ctx, "websocket read failed", logging.Err(err))
			}
			return
		}
		h.handle(ctx, cmd)
	}
}

func (h *Hub) handle(ctx context.Context, cmd Command) {
	if h.ctrl == nil {
		return
	}
	switch cmd.Action {
	case ActionPause:
		h.ctrl.Pause()
	case ActionResume:
		h.ctrl.Resume()
	default:
		h.log.Warn(ctx, "unknown viewer command", logging.String("action", cmd.Action))
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// OnTick broadcasts the snapshot. Viewers whose write fails are dropped.
func (h *Hub) OnTick(ctx context.Context, _ coordinator.TickReport, snap coordinator.Snapshot) {
	h.Broadcast(ctx, NewTickMessage(snap))
}

// Broadcast sends msg to every viewer.
func (h *Hub) Broadcast(ctx context.Context, msg TickMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error(ctx, "encode tick message", logging.Err(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Warn(ctx, "websocket write failed", logging.Err(err))
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Close disconnects every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// NewTickMessage converts a coordinator snapshot into its wire form.
func NewTickMessage(snap coordinator.Snapshot) TickMessage {
	msg := TickMessage{
		Tick:    snap.Tick,
		Time:    snap.Time,
		Paused:  snap.Paused,
		Agents:  make([]AgentMessage, 0, len(snap.Agents)),
		Removed: nonNil(snap.Removed),
		Blocked: nonNil(snap.Blocked),
		Waiting: snap.Waiting,
		Cells:   make([]CellCount, 0, len(snap.Occupancy)),
	}
	for _, a := range snap.Agents {
		m := AgentMessage{
			ID:         a.ID,
			Name:       a.Name,
			Position:   point(a.Position),
			Target:     point(a.Target),
			Tier:       a.Tier,
			Prediction: make([][2]float64, 0, len(a.Prediction)),
			Occupied:   make([][2]int, 0, len(a.Occupied)),
			Blocked:    a.Blocked,
			DependsOn:  append([]int{}, a.DependsOn...),
		}
		for _, x := range a.Prediction {
			m.Prediction = append(m.Prediction, point(x))
		}
		for _, c := range a.Occupied {
			m.Occupied = append(m.Occupied, cell(c))
		}
		msg.Agents = append(msg.Agents, m)
	}
	for c, n := range snap.Occupancy {
		msg.Cells = append(msg.Cells, CellCount{X: c.X, Y: c.Y, Count: n})
	}
	slices.SortFunc(msg.Cells, func(a, b CellCount) int {
		if a.Y != b.Y {
			return a.Y - b.Y
		}
		return a.X - b.X
	})
	return msg
}

func point(v motion.Vec2) [2]float64 { return [2]float64{v.X, v.Y} }

func cell(c grid.Cell) [2]int { return [2]int{c.X, c.Y} }

func nonNil(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}

var _ coordinator.Observer = (*Hub)(nil)
