package submission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/programme-lv/judge/api"
)

// MemStore is a process-local store used in single-node deployments and
// tests. Reads hand out clones so callers never alias stored state.
type MemStore struct {
	byToken *xsync.MapOf[string, *Submission]
	nextID  atomic.Int64

	mu      sync.Mutex
	results map[string][]RunRecord
	nextRun atomic.Int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		byToken: xsync.NewMapOf[string, *Submission](),
		results: map[string][]RunRecord{},
	}
}

func (s *MemStore) Create(_ context.Context, sub *Submission) error {
	sub.ID = s.nextID.Add(1)
	s.byToken.Store(sub.Token, sub.Clone())
	return nil
}

func (s *MemStore) GetByToken(_ context.Context, token string) (*Submission, error) {
	sub, ok := s.byToken.Load(token)
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *MemStore) MarkProcessing(_ context.Context, token string, host string) error {
	var err error = ErrNotFound
	s.byToken.Compute(token, func(cur *Submission, loaded bool) (*Submission, bool) {
		if !loaded {
			return nil, true
		}
		err = nil
		next := cur.Clone()
		next.StatusID = api.StatusProcessing
		now := time.Now()
		next.StartedAt = &now
		next.ExecutionHost = &host
		return next, false
	})
	return err
}

func (s *MemStore) Update(_ context.Context, sub *Submission) error {
	if _, ok := s.byToken.Load(sub.Token); !ok {
		return ErrNotFound
	}
	s.byToken.Store(sub.Token, sub.Clone())
	return nil
}

func (s *MemStore) AppendResult(_ context.Context, rec *RunRecord) error {
	sub := s.lookupByID(rec.SubmissionID)
	if sub == nil {
		return ErrNotFound
	}
	rec.ID = s.nextRun.Add(1)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.results[sub.Token] = append(s.results[sub.Token], *rec)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) ResultsByToken(_ context.Context, token string) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.results[token]
	out := make([]RunRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (s *MemStore) Close() {}

func (s *MemStore) lookupByID(id int64) *Submission {
	var found *Submission
	s.byToken.Range(func(_ string, sub *Submission) bool {
		if sub.ID == id {
			found = sub
			return false
		}
		return true
	})
	return found
}
