// Package websocket provides the queue fanout channel. It implements a
// hub-and-spoke pattern where each viewer session joins a room keyed by
// doctor id and receives every mutation event broadcast to that room.
//
// Delivery is advisory: at-least-once, order not guaranteed. Events carry
// just enough metadata to identify what changed; receivers must reconcile
// by refetching the canonical queue rather than trusting the payload.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Event types emitted by the queue mutator.
const (
	EventNewAppointment = "NEW_APPOINTMENT"
	EventStatusChanged  = "STATUS_CHANGED"
)

// Event is a queue invalidation signal sent to every member of a doctor's
// room. The appointment id is a hint for optimistic local patching only.
type Event struct {
	Type          string    `json:"type"`
	DoctorID      string    `json:"doctorId"`
	AppointmentID string    `json:"appointmentId"`
	Timestamp     time.Time `json:"timestamp"`
}

// ClientMessage is an inbound message from a viewer session. Role is
// recorded for logging only; routing is keyed by doctor id alone.
type ClientMessage struct {
	Action   string `json:"action"` // "join" or "leave"
	DoctorID string `json:"doctorId"`
	Role     string `json:"role,omitempty"` // "doctor" or "assistant"
}

// EventPublisher is the interface the queue mutator publishes through.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single viewer session.
type Client struct {
	ID    string
	Rooms []string
	Role  string
	Send  chan []byte
	hub   *Hub
	conn  Conn
}

// Hub tracks connected viewer sessions and their room membership. All
// operations are safe for concurrent use.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{} // doctor id -> members
	all   map[*Client]struct{}

	logger zerolog.Logger
}

// NewHub creates a Hub ready to manage viewer sessions.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger,
	}
}

// Register adds a client to the hub. Clients join rooms afterwards via Join.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, room := range client.Rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Client]struct{})
		}
		h.rooms[room][client] = struct{}{}
	}
}

// Unregister removes a client from the hub and every room, and closes its
// Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for _, room := range client.Rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}

	delete(h.all, client)
	close(client.Send)
}

// Join adds the client to a doctor's room.
func (h *Hub) Join(client *Client, doctorID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[doctorID] == nil {
		h.rooms[doctorID] = make(map[*Client]struct{})
	}
	h.rooms[doctorID][client] = struct{}{}

	for _, room := range client.Rooms {
		if room == doctorID {
			return
		}
	}
	client.Rooms = append(client.Rooms, doctorID)
}

// Leave removes the client from a doctor's room.
func (h *Hub) Leave(client *Client, doctorID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[doctorID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, doctorID)
		}
	}

	remaining := client.Rooms[:0]
	for _, room := range client.Rooms {
		if room != doctorID {
			remaining = append(remaining, room)
		}
	}
	client.Rooms = remaining
}

// ProcessMessage dispatches an inbound ClientMessage to Join or Leave.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "join":
		if msg.Role != "" {
			client.Role = msg.Role
		}
		h.Join(client, msg.DoctorID)
		h.logger.Info().
			Str("client_id", client.ID).
			Str("doctor_id", msg.DoctorID).
			Str("role", client.Role).
			Msg("client joined room")
	case "leave":
		h.Leave(client, msg.DoctorID)
	}
}

// Broadcast sends an event to every member of the doctor's room. Clients
// whose send buffer is full are skipped; a missed event is harmless because
// the viewer reconciles on its next refetch.
func (h *Hub) Broadcast(doctorID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[doctorID] {
		select {
		case client.Send <- data:
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
}

// Publish implements EventPublisher by broadcasting to the event's room.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.DoctorID, event)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RoomCount returns the number of clients in a doctor's room.
func (h *Hub) RoomCount(doctorID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[doctorID])
}

// ---------------------------------------------------------------------------
// Handler — Echo HTTP handler for WebSocket connections
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// Handler handles HTTP-to-WebSocket upgrades and message routing.
type Handler struct {
	hub *Hub
}

// NewHandler creates a new handler bound to the given Hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the WebSocket endpoint.
func (wsh *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts
// read/write pumps. The client joins its doctor room with a "join" message.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:   uuid.New().String(),
		Send: make(chan []byte, 256),
		hub:  wsh.hub,
		conn: &gorillaConnAdapter{ws},
	}

	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}

		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy Conn.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
