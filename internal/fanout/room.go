package fanout

import (
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/programme-lv/judge/api"
)

// room owns the subscribers of one token. All state below is touched
// only by the run goroutine; callers post closures into the mailbox.
type room struct {
	token string
	hub   *Hub

	mailbox  chan func()
	done     chan struct{}
	stopOnce sync.Once

	ids        mapset.Set[string]
	subs       map[string]Subscriber
	attachedAt map[string]time.Time

	lastActivity time.Time
}

func newRoom(token string, hub *Hub) *room {
	r := &room{
		token:        token,
		hub:          hub,
		mailbox:      make(chan func(), 64),
		done:         make(chan struct{}),
		ids:          mapset.NewThreadUnsafeSet[string](),
		subs:         map[string]Subscriber{},
		attachedAt:   map[string]time.Time{},
		lastActivity: time.Now(),
	}
	go r.run()
	return r
}

func (r *room) run() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-r.mailbox:
			fn()
		case <-ticker.C:
			r.sweep()
		case <-r.done:
			for id, sub := range r.subs {
				_ = sub.Close()
				delete(r.subs, id)
				delete(r.attachedAt, id)
				r.ids.Remove(id)
			}
			return
		}
	}
}

// post runs fn on the room goroutine; a stopped room ignores it.
func (r *room) post(fn func()) bool {
	select {
	case r.mailbox <- fn:
		return true
	case <-r.done:
		return false
	}
}

// subscribe reports false when the room already stopped; the hub then
// retries with a fresh room.
func (r *room) subscribe(sub Subscriber) bool {
	return r.post(func() {
		id := sub.ID()
		if old, ok := r.subs[id]; ok {
			_ = old.Close()
		}
		r.ids.Add(id)
		r.subs[id] = sub
		r.attachedAt[id] = time.Now()
		r.lastActivity = time.Now()

		frame := api.ConnectedFrame{
			FrameHeader: api.NewFrameHeader(api.FrameConnected, r.token),
			Message:     "subscribed to submission updates",
		}
		if err := sub.Send(frame); err != nil {
			r.drop(id)
		}
	})
}

func (r *room) unsubscribe(id string) {
	r.post(func() {
		r.drop(id)
	})
}

// broadcast sends the frame to every subscriber and reports how many
// received it. Failing subscribers are dropped; the rest still get the
// frame.
func (r *room) broadcast(frame any) int {
	reply := make(chan int, 1)
	ok := r.post(func() {
		reached := 0
		for _, id := range r.ids.ToSlice() {
			sub := r.subs[id]
			if err := sub.Send(frame); err != nil {
				r.hub.log.Debug("dropping subscriber",
					slog.String("token", r.token),
					slog.String("subscriber", id),
					slog.Any("error", err))
				r.drop(id)
				continue
			}
			reached++
		}
		r.lastActivity = time.Now()
		reply <- reached
	})
	if !ok {
		return 0
	}
	select {
	case reached := <-reply:
		return reached
	case <-r.done:
		// Stopped before the mailbox entry ran.
		return 0
	}
}

func (r *room) ping(id string) {
	r.post(func() {
		sub, ok := r.subs[id]
		if !ok {
			return
		}
		pong := api.PongFrame{FrameHeader: api.NewFrameHeader(api.FramePong, r.token)}
		if err := sub.Send(pong); err != nil {
			r.drop(id)
		}
		r.lastActivity = time.Now()
	})
}

func (r *room) count() int {
	reply := make(chan int, 1)
	if !r.post(func() { reply <- len(r.subs) }) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-r.done:
		return 0
	}
}

// sweep disconnects subscribers past the retention window and retires
// the room once it has been empty and idle.
func (r *room) sweep() {
	now := time.Now()
	for _, id := range r.ids.ToSlice() {
		if now.Sub(r.attachedAt[id]) > r.hub.retention {
			r.drop(id)
		}
	}
	if len(r.subs) == 0 && now.Sub(r.lastActivity) > r.hub.retention {
		r.hub.dropRoom(r.token, r)
		r.stopLocked()
	}
}

func (r *room) drop(id string) {
	if sub, ok := r.subs[id]; ok {
		_ = sub.Close()
	}
	delete(r.subs, id)
	delete(r.attachedAt, id)
	r.ids.Remove(id)
}

func (r *room) stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// stopLocked is stop called from the run goroutine itself: closing done
// makes the next select iteration clean up and exit.
func (r *room) stopLocked() {
	r.stop()
}
