// Package locks implements per-(organization, topic) advisory
// read/write locks. Topics are `common`, `sequester` and `realm(id)`.
//
// Deadlock freedom relies on every caller acquiring its whole lock set
// in one Acquire call: the set is sorted in the canonical order (common,
// then sequester, then realms by ascending id) and taken atomically, so
// two conflicting operations can never hold half of each other's set.
package locks

import (
	"context"
	"sort"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// Locker acquires topic lock sets. The db handle is the caller's open
// transaction for SQL backends (`SELECT ... FOR UPDATE/FOR SHARE` on the
// topic rows); the in-memory registry ignores it.
type Locker interface {
	Acquire(ctx context.Context, db dbx.DBTX, org models.OrganizationID, reqs []Request) (LockGuard, error)
}

// LockGuard holds an acquired set until Release and exposes the locked
// topics' last certificate timestamps.
type LockGuard interface {
	Last(Topic) time.Time
	Release()
}

// Kind discriminates the lock scopes.
type Kind int

const (
	KindCommon Kind = iota
	KindSequester
	KindRealm
)

// Topic is one lock scope within an organization.
type Topic struct {
	Kind  Kind
	Realm models.RealmID
}

func Common() Topic               { return Topic{Kind: KindCommon} }
func Sequester() Topic            { return Topic{Kind: KindSequester} }
func Realm(id models.RealmID) Topic { return Topic{Kind: KindRealm, Realm: id} }

// Mode is the lock mode.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// Request pairs a topic with the wanted mode.
type Request struct {
	Topic Topic
	Mode  Mode
}

func Read(t Topic) Request  { return Request{Topic: t, Mode: Shared} }
func Write(t Topic) Request { return Request{Topic: t, Mode: Exclusive} }

// Canonicalize sorts requests into the global acquisition order and
// merges duplicate topics, exclusive winning over shared.
func Canonicalize(reqs []Request) []Request {
	merged := make(map[Topic]Mode, len(reqs))
	for _, r := range reqs {
		if mode, ok := merged[r.Topic]; !ok || r.Mode > mode {
			merged[r.Topic] = r.Mode
		}
	}
	out := make([]Request, 0, len(merged))
	for topic, mode := range merged {
		out = append(out, Request{Topic: topic, Mode: mode})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Topic, out[j].Topic
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Realm < b.Realm
	})
	return out
}

// LastTimestampFunc lets the guard expose the per-topic last certificate
// timestamp recorded by the storage backend.
type LastTimestampFunc func(org models.OrganizationID, topic Topic) time.Time

// Guard holds an acquired lock set until Release.
type Guard struct {
	registry *Registry
	org      models.OrganizationID
	reqs     []Request
	released bool
}

// Last returns the last certificate timestamp of a locked topic (zero
// when no certificate was ever stored for it).
func (g *Guard) Last(topic Topic) time.Time {
	return g.registry.last(g.org, topic)
}

// Release drops the whole lock set. Idempotent.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.registry.release(g.org, g.reqs)
}
