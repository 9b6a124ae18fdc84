package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GrainArc/GeoRef/models"
)

// Event is published on every session transition.
type Event struct {
	SessionID uint               `json:"session_id"`
	Kind      models.SessionKind `json:"type"`
	Stage     models.Stage       `json:"stage"`
	Status    string             `json:"status"`
	Message   string             `json:"message"`
	Time      time.Time          `json:"time"`
}

// Final reports whether no further event will follow for the session.
func (e Event) Final() bool {
	switch e.Status {
	case models.SessionStatusSuccess, models.SessionStatusFailed, models.SessionStatusUndone, StatusCancelled:
		return true
	}
	return false
}

// StatusCancelled only appears on events; cancelled sessions are deleted.
const StatusCancelled = "cancelled"

// Broker fans session events out to subscribers, typically websocket
// connections following one session.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[string]chan Event
}

func NewBroker() *Broker {
	return &Broker{subscribers: make(map[uint]map[string]chan Event)}
}

// Subscribe registers a buffered channel for a session. The returned
// function unregisters and closes it.
func (b *Broker) Subscribe(sessionID uint) (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, 100)

	b.mu.Lock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = make(map[string]chan Event)
	}
	b.subscribers[sessionID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers[sessionID], id)
			if len(b.subscribers[sessionID]) == 0 {
				delete(b.subscribers, sessionID)
			}
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (b *Broker) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[e.SessionID] {
		select {
		case ch <- e:
		default:
		}
	}
}

func eventOf(s *models.Session) Event {
	return Event{SessionID: s.ID, Kind: s.Kind, Stage: s.Stage, Status: s.Status, Message: s.Message}
}
