package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-bidding/internal/models"
)

const writeWait = 5 * time.Second

// Message is the envelope written to driver sessions.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const (
	MessageRideEvent   = "ride_event"
	MessageTimerUpdate = "timer_update"
	MessageError       = "error"
)

// WSSession represents a connected driver session. Writes are serialized.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *WSSession) Close() error { return s.conn.Close() }

// WSRegistry holds the live session of each driver. A new connection
// replaces the previous one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	prev := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return s
}

// Remove drops s if it is still the driver's current session.
func (r *WSRegistry) Remove(driverID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[driverID] == s {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Notify(driverID string, msg Message) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(msg)
}

// Publish pushes ev to the driver it concerns. Drivers without a live
// session are skipped; they catch up through the ledger.
func (r *WSRegistry) Publish(ctx context.Context, ev models.RideEvent) error {
	if ev.DriverID == "" {
		return nil
	}
	err := r.Notify(ev.DriverID, Message{Type: MessageRideEvent, Payload: ev})
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}

var ErrNoSession = errors.New("no ws session")
