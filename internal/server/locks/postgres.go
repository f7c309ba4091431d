package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// PgLocker maps topic locks onto PostgreSQL row locks over the topics
// table. Acquire must run inside a transaction: the locks are released
// when that transaction commits or rolls back, so Release on the guard
// is a no-op. Requests are canonicalized before locking, which keeps
// the acquisition order identical across concurrent transactions.
type PgLocker struct{}

func NewPgLocker() *PgLocker { return &PgLocker{} }

type pgGuard struct {
	last map[Topic]time.Time
}

func (g *pgGuard) Last(topic Topic) time.Time { return g.last[topic] }
func (g *pgGuard) Release()                   {}

func (l *PgLocker) Acquire(ctx context.Context, db dbx.DBTX, org models.OrganizationID, reqs []Request) (LockGuard, error) {
	guard := &pgGuard{last: make(map[Topic]time.Time)}
	for _, req := range Canonicalize(reqs) {
		// The row must exist before it can be locked.
		_, err := db.ExecContext(ctx,
			`INSERT INTO topics (organization_id, kind, realm_id, last_timestamp)
			 VALUES ($1, $2, $3, 'epoch') ON CONFLICT DO NOTHING`,
			org, int(req.Topic.Kind), string(req.Topic.Realm))
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}

		lock := "FOR SHARE"
		if req.Mode == Exclusive {
			lock = "FOR UPDATE"
		}
		var ts time.Time
		err = db.QueryRowContext(ctx,
			`SELECT last_timestamp FROM topics
			 WHERE organization_id = $1 AND kind = $2 AND realm_id = $3 `+lock,
			org, int(req.Topic.Kind), string(req.Topic.Realm)).Scan(&ts)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		guard.last[req.Topic] = ts
	}
	return guard, nil
}
