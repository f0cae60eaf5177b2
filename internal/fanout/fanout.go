// Package fanout pushes submission lifecycle frames to live
// subscribers. Each submission with at least one subscriber owns a room
// goroutine; everything a room does goes through its mailbox, so
// subscriber bookkeeping never needs a lock.
package fanout

import (
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Subscriber receives marshalled frames. Send must be safe to call from
// the room goroutine; a returned error drops the subscriber.
type Subscriber interface {
	ID() string
	Send(frame any) error
	Close() error
}

// Hub routes frames to the room of each submission token.
type Hub struct {
	rooms     *xsync.MapOf[string, *room]
	log       *slog.Logger
	retention time.Duration
}

const sweepInterval = 5 * time.Minute

// NewHub creates a hub whose rooms expire after the retention period of
// inactivity.
func NewHub(log *slog.Logger, retention time.Duration) *Hub {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Hub{
		rooms:     xsync.NewMapOf[string, *room](),
		log:       log.With(slog.String("component", "fanout")),
		retention: retention,
	}
}

// Subscribe attaches sub to the token's room, creating the room on
// first use. The subscriber immediately receives a connected frame.
func (h *Hub) Subscribe(token string, sub Subscriber) {
	for {
		r, _ := h.rooms.LoadOrCompute(token, func() *room {
			return newRoom(token, h)
		})
		if r.subscribe(sub) {
			return
		}
		// Lost a race with the sweep stopping this room; replace it.
		h.dropRoom(token, r)
	}
}

// Unsubscribe detaches the subscriber with the given id, if present.
func (h *Hub) Unsubscribe(token, subscriberID string) {
	if r, ok := h.rooms.Load(token); ok {
		r.unsubscribe(subscriberID)
	}
}

// Broadcast delivers the frame to every subscriber of the token and
// returns how many were reached. No room means no listeners: zero.
func (h *Hub) Broadcast(token string, frame any) int {
	r, ok := h.rooms.Load(token)
	if !ok {
		return 0
	}
	return r.broadcast(frame)
}

// Ping answers a subscriber's keepalive through its room.
func (h *Hub) Ping(token, subscriberID string) {
	if r, ok := h.rooms.Load(token); ok {
		r.ping(subscriberID)
	}
}

// Subscribers reports the current subscriber count for a token.
func (h *Hub) Subscribers(token string) int {
	r, ok := h.rooms.Load(token)
	if !ok {
		return 0
	}
	return r.count()
}

// Close shuts down every room and disconnects all subscribers.
func (h *Hub) Close() {
	h.rooms.Range(func(token string, r *room) bool {
		r.stop()
		h.rooms.Delete(token)
		return true
	})
}

func (h *Hub) dropRoom(token string, r *room) {
	h.rooms.Compute(token, func(cur *room, loaded bool) (*room, bool) {
		if loaded && cur == r {
			return nil, true
		}
		return cur, !loaded
	})
}
