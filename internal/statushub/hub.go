// Package statushub broadcasts Coordinator events (IP changes, carrying
// the circuit's health at that moment, and gate transitions) to
// connected operators over a websocket, a
// passive observability surface for any operator-facing collaborator.
package statushub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

// CircuitStatus is the snapshot shape broadcast on every observed or
// forced IP change.
type CircuitStatus struct {
	Timestamp time.Time `json:"timestamp"`
	Circuit   string    `json:"circuit"`
	ExitIP    string    `json:"exit_ip"`
	Health    int       `json:"health"`
}

// GateTransition is broadcast when the Coordinator's single-flight gate
// opens or closes, so an operator can see when a change/restart is
// actually in flight versus idle.
type GateTransition struct {
	Timestamp time.Time `json:"timestamp"`
	Gate      string    `json:"gate"` // "changing" or "restarting"
	Active    bool      `json:"active"`
}

// envelope is the common wire shape for every message type.
type envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of connected operator clients and fans out
// broadcast messages to all of them.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

// NewHub creates an unstarted Hub; call Run in a goroutine before
// serving any connections.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
	}
}

// Run services the register/unregister/broadcast channels. It takes no
// context and never returns; it runs for the lifetime of the process.
func (h *Hub) Run() {
	l := logger.WithComponent("statushub/Hub")
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			l.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("operator connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				l.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("operator disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					l.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("failed writing to operator socket")
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) publish(msgType string, data interface{}) {
	payload, err := json.Marshal(envelope{Type: msgType, Data: data})
	if err != nil {
		logger.Error().Err(err).Str("type", msgType).Msg("statushub: failed to marshal event")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		logger.Warn().Str("type", msgType).Msg("statushub: broadcast channel full, dropping event")
	}
}

// PublishCircuitStatus broadcasts a circuit's current exit IP and
// health. Satisfies coordinator.StatusPublisher.
func (h *Hub) PublishCircuitStatus(circuitName, exitIP string, health int) {
	h.publish("circuit_status", CircuitStatus{
		Timestamp: time.Now(),
		Circuit:   circuitName,
		ExitIP:    exitIP,
		Health:    health,
	})
}

// PublishGateTransition broadcasts a changing/restarting gate opening
// or closing. Satisfies coordinator.StatusPublisher.
func (h *Hub) PublishGateTransition(gate string, active bool) {
	h.publish("gate_transition", GateTransition{
		Timestamp: time.Now(),
		Gate:      gate,
		Active:    active,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades r to a websocket and registers it with hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("statushub: failed to upgrade websocket")
		return
	}
	hub.register <- conn

	go func() {
		defer func() { hub.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msg("statushub: unexpected close")
				}
				break
			}
		}
	}()
}
