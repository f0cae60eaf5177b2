// Package ratelimit implements a fixed-window request limiter sharded
// across goroutines. Each shard owns its keys outright, so counting
// needs no locks, and a slow shard fails open rather than stalling the
// request path.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const checkTimeout = 50 * time.Millisecond

type window struct {
	start time.Time
	count int
}

type checkReq struct {
	key   string
	reply chan bool
}

type shard struct {
	requests chan checkReq
	windows  map[string]*window
}

// Limiter answers "is this key within its budget for the current
// window". Windows are fixed: the count resets when a new window
// starts, not gradually.
type Limiter struct {
	shards   []*shard
	limit    int
	window   time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

func New(limit int, windowSize time.Duration, shardCount int) *Limiter {
	if shardCount < 1 {
		shardCount = 1
	}
	l := &Limiter{
		shards: make([]*shard, shardCount),
		limit:  limit,
		window: windowSize,
		done:   make(chan struct{}),
	}
	for i := range l.shards {
		s := &shard{
			requests: make(chan checkReq, 128),
			windows:  map[string]*window{},
		}
		l.shards[i] = s
		go l.runShard(s)
	}
	return l
}

// Allow reports whether the key is still within its budget and counts
// the request. When the owning shard cannot answer in time the request
// is allowed: availability of the API outranks exactness of the limit.
func (l *Limiter) Allow(key string) bool {
	s := l.shards[l.shardFor(key)]
	req := checkReq{key: key, reply: make(chan bool, 1)}

	select {
	case s.requests <- req:
	case <-time.After(checkTimeout):
		return true
	case <-l.done:
		return true
	}

	select {
	case allowed := <-req.reply:
		return allowed
	case <-time.After(checkTimeout):
		return true
	case <-l.done:
		return true
	}
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *Limiter) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}

func (l *Limiter) runShard(s *shard) {
	sweep := time.NewTicker(l.window)
	defer sweep.Stop()

	for {
		select {
		case req := <-s.requests:
			req.reply <- l.count(s, req.key)
		case <-sweep.C:
			now := time.Now()
			for key, w := range s.windows {
				if now.Sub(w.start) >= l.window {
					delete(s.windows, key)
				}
			}
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) count(s *shard, key string) bool {
	now := time.Now()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		s.windows[key] = &window{start: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}
