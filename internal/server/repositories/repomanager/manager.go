// Package repomanager vends repository implementations bound to a DBTX,
// plus the matching topic locker and schema migration hook.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/blocks"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/invitations"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/organizations"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/realms"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/users"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/vlobs"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	// Locker returns the topic locker matching the backend. The DBTX
	// passed to Acquire must be the same transaction the repositories
	// run in.
	Locker() locks.Locker
	Organizations(db dbx.DBTX) organizations.Repository
	Users(db dbx.DBTX) users.Repository
	Realms(db dbx.DBTX) realms.Repository
	Vlobs(db dbx.DBTX) vlobs.Repository
	Blocks(db dbx.DBTX) blocks.Repository
	Invitations(db dbx.DBTX) invitations.Repository
}
