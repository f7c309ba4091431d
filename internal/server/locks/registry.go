package locks

import (
	"context"
	"sync"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

type topicState struct {
	readers int
	writer  bool
}

func (s *topicState) busyFor(mode Mode) bool {
	if s.writer {
		return true
	}
	return mode == Exclusive && s.readers > 0
}

// Registry is the in-memory lock table. The SQL backend gets the same
// semantics from `SELECT ... FOR SHARE / FOR UPDATE` on the topic rows
// instead.
type Registry struct {
	mu     sync.Mutex
	orgs   map[models.OrganizationID]map[Topic]*topicState
	notify chan struct{}
	last   LastTimestampFunc
}

// NewRegistry builds a lock registry. last may be nil when guards never
// need timestamps (tests).
func NewRegistry(last LastTimestampFunc) *Registry {
	if last == nil {
		last = func(models.OrganizationID, Topic) time.Time { return time.Time{} }
	}
	return &Registry{
		orgs:   make(map[models.OrganizationID]map[Topic]*topicState),
		notify: make(chan struct{}),
		last:   last,
	}
}

// Acquire takes the whole request set atomically, waiting until every
// topic is available. Respects context cancellation while waiting. The
// db handle is ignored: in-memory locks live outside any transaction.
func (r *Registry) Acquire(ctx context.Context, _ dbx.DBTX, org models.OrganizationID, reqs []Request) (LockGuard, error) {
	reqs = Canonicalize(reqs)
	for {
		r.mu.Lock()
		if r.tryAcquireLocked(org, reqs) {
			r.mu.Unlock()
			return &Guard{registry: r, org: org, reqs: reqs}, nil
		}
		wait := r.notify
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (r *Registry) tryAcquireLocked(org models.OrganizationID, reqs []Request) bool {
	topics := r.orgs[org]
	for _, req := range reqs {
		if st, ok := topics[req.Topic]; ok && st.busyFor(req.Mode) {
			return false
		}
	}
	if topics == nil {
		topics = make(map[Topic]*topicState)
		r.orgs[org] = topics
	}
	for _, req := range reqs {
		st := topics[req.Topic]
		if st == nil {
			st = &topicState{}
			topics[req.Topic] = st
		}
		if req.Mode == Exclusive {
			st.writer = true
		} else {
			st.readers++
		}
	}
	return true
}

func (r *Registry) release(org models.OrganizationID, reqs []Request) {
	r.mu.Lock()
	topics := r.orgs[org]
	for _, req := range reqs {
		st := topics[req.Topic]
		if st == nil {
			continue
		}
		if req.Mode == Exclusive {
			st.writer = false
		} else if st.readers > 0 {
			st.readers--
		}
		if !st.writer && st.readers == 0 {
			delete(topics, req.Topic)
		}
	}
	// Wake every waiter; each re-checks its own set.
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}
