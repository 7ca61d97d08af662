package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType enumerates the ephemeral channel events.
type EventType string

const (
	// EventSync carries a full membership snapshot, seeding observers on
	// (re)connect.
	EventSync EventType = "sync"
	// EventJoin announces a session joining the channel.
	EventJoin EventType = "join"
	// EventLeave announces a user's last session leaving. Best-effort: it
	// frequently never fires on ungraceful disconnect.
	EventLeave EventType = "leave"
)

// Event is the fixed wire shape for channel traffic.
type Event struct {
	Type    EventType    `json:"type"`
	Member  *Membership  `json:"member,omitempty"`
	Members []Membership `json:"members,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

// HubConfig configures the shared broadcast channel hub.
type HubConfig struct {
	Memberships *Memberships
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Hub is the server side of the single shared group channel. Every
// connected client session announces itself here; the hub fans
// sync/join/leave events out to websocket sessions and in-process
// observers alike. Membership is not durable: hub restart loses it and a
// fresh sync reseeds everyone.
type Hub struct {
	memberships *Memberships
	clock       func() time.Time
	logger      *zap.Logger

	mu        sync.RWMutex
	conns     map[*session]bool
	observers map[int64]chan Event
	nextID    int64
}

type session struct {
	userID    string
	sessionID string
	ws        *websocket.Conn
	send      chan Event
	done      chan struct{}
}

// NewHub constructs the hub.
func NewHub(cfg HubConfig) *Hub {
	memberships := cfg.Memberships
	if memberships == nil {
		memberships = NewMemberships()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		memberships: memberships,
		clock:       clock,
		logger:      logger,
		conns:       make(map[*session]bool),
		observers:   make(map[int64]chan Event),
	}
}

// Memberships exposes the live membership set.
func (h *Hub) Memberships() *Memberships {
	return h.memberships
}

// Subscribe registers an in-process observer of channel events. The first
// event delivered is a sync snapshot of current membership.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, sendBufferSize)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.observers[id] = stream
	h.mu.Unlock()

	stream <- Event{Type: EventSync, Members: h.memberships.Snapshot()}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.observers, id)
			h.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Announce records a session joining the channel and broadcasts the join.
func (h *Hub) Announce(userID, sessionID string) Membership {
	member := Membership{UserID: userID, JoinedAt: h.clock().UTC()}
	h.memberships.Join(userID, sessionID, member.JoinedAt)
	h.broadcast(Event{Type: EventJoin, Member: &member})
	return member
}

// Retire removes a session; a leave event is broadcast only when the
// user's last session is gone, so one closing tab never hides a user whose
// other tabs remain connected.
func (h *Hub) Retire(userID, sessionID string) {
	last := h.memberships.Leave(userID, sessionID)
	if !last {
		return
	}
	member := Membership{UserID: userID, JoinedAt: h.clock().UTC()}
	h.broadcast(Event{Type: EventLeave, Member: &member})
}

// HandleConn runs a websocket session until the connection drops: announce
// on entry, pump events out, retire on exit. The initial message to the
// client is a sync snapshot.
func (h *Hub) HandleConn(ws *websocket.Conn, userID string) {
	sess := &session{
		userID:    userID,
		sessionID: uuid.NewString(),
		ws:        ws,
		send:      make(chan Event, sendBufferSize),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[sess] = true
	h.mu.Unlock()

	// Snapshot first so the client seeds before deltas arrive.
	sess.send <- Event{Type: EventSync, Members: h.memberships.Snapshot()}
	h.Announce(userID, sess.sessionID)

	go sess.writePump()
	sess.readPump()

	h.mu.Lock()
	delete(h.conns, sess)
	h.mu.Unlock()
	// The send channel stays open: a concurrent broadcast may still hold a
	// reference to this session. The done signal stops the write pump.
	close(sess.done)
	h.Retire(userID, sess.sessionID)
	h.logger.Debug("broadcast session closed",
		zap.String("user_id", userID),
		zap.String("session_id", sess.sessionID))
}

func (h *Hub) broadcast(event Event) {
	h.mu.RLock()
	conns := make([]*session, 0, len(h.conns))
	for sess := range h.conns {
		conns = append(conns, sess)
	}
	observers := make([]chan Event, 0, len(h.observers))
	for _, stream := range h.observers {
		observers = append(observers, stream)
	}
	h.mu.RUnlock()

	for _, sess := range conns {
		select {
		case sess.send <- event:
		default:
		}
	}
	for _, stream := range observers {
		select {
		case stream <- event:
		default:
		}
	}
}

func (s *session) readPump() {
	s.ws.SetReadLimit(1024)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.ws.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
			return
		case event := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
