package repomanager

import (
	"context"
	"database/sql"

	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/blocks"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/invitations"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/memdb"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/organizations"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/realms"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/users"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/vlobs"
)

// MemoryRepositoryManager wires every repository to one shared in-memory
// datamodel, with an in-process topic lock registry.
type MemoryRepositoryManager struct {
	d      *memdb.Datamodel
	locker *locks.Registry
}

func NewMemoryRepositoryManager() *MemoryRepositoryManager {
	d := memdb.New()
	return &MemoryRepositoryManager{d: d, locker: locks.NewRegistry(d.LastTimestamp)}
}

// RunMigrations is a no-op for the memory backend.
func (m *MemoryRepositoryManager) RunMigrations(context.Context, *sql.DB) error { return nil }

func (m *MemoryRepositoryManager) Locker() locks.Locker { return m.locker }

func (m *MemoryRepositoryManager) Organizations(dbx.DBTX) organizations.Repository {
	return organizations.NewMemoryRepository(m.d)
}

func (m *MemoryRepositoryManager) Users(dbx.DBTX) users.Repository {
	return users.NewMemoryRepository(m.d)
}

func (m *MemoryRepositoryManager) Realms(dbx.DBTX) realms.Repository {
	return realms.NewMemoryRepository(m.d)
}

func (m *MemoryRepositoryManager) Vlobs(dbx.DBTX) vlobs.Repository {
	return vlobs.NewMemoryRepository(m.d)
}

func (m *MemoryRepositoryManager) Blocks(dbx.DBTX) blocks.Repository {
	return blocks.NewMemoryRepository(m.d)
}

func (m *MemoryRepositoryManager) Invitations(dbx.DBTX) invitations.Repository {
	return invitations.NewMemoryRepository(m.d)
}
