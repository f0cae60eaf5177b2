package worker

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/programme-lv/judge/internal/queue"
)

// Registry serializes jobs per token: a redelivered job never races the
// first delivery of the same submission. Different tokens run freely in
// parallel.
type Registry struct {
	actor *Actor
	locks *xsync.MapOf[string, *tokenLock]
}

type tokenLock struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry(actor *Actor) *Registry {
	return &Registry{
		actor: actor,
		locks: xsync.NewMapOf[string, *tokenLock](),
	}
}

// Handle runs the actor for the job, holding the token's lock for the
// duration. Lock entries are reference counted so the map does not grow
// with every token ever seen.
func (r *Registry) Handle(ctx context.Context, job queue.Job) error {
	lock := r.acquire(job.Token)
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		r.release(job.Token)
	}()
	return r.actor.Handle(ctx, job)
}

func (r *Registry) acquire(token string) *tokenLock {
	lock, _ := r.locks.Compute(token, func(cur *tokenLock, loaded bool) (*tokenLock, bool) {
		if !loaded {
			cur = &tokenLock{}
		}
		cur.refs++
		return cur, false
	})
	return lock
}

func (r *Registry) release(token string) {
	r.locks.Compute(token, func(cur *tokenLock, loaded bool) (*tokenLock, bool) {
		if !loaded {
			return nil, true
		}
		cur.refs--
		return cur, cur.refs <= 0
	})
}
