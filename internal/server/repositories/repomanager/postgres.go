package repomanager

import (
	"context"
	"database/sql"

	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/migrations"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/blocks"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/invitations"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/organizations"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/realms"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/users"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/vlobs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository
// implementations and exposes a schema migration hook.
type PostgresRepositoryManager struct {
	locker *locks.PgLocker
}

func NewPostgresRepositoryManager() *PostgresRepositoryManager {
	return &PostgresRepositoryManager{locker: locks.NewPgLocker()}
}

func (m *PostgresRepositoryManager) Locker() locks.Locker { return m.locker }

func (m *PostgresRepositoryManager) Organizations(db dbx.DBTX) organizations.Repository {
	return organizations.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return users.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Realms(db dbx.DBTX) realms.Repository {
	return realms.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Vlobs(db dbx.DBTX) vlobs.Repository {
	return vlobs.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Blocks(db dbx.DBTX) blocks.Repository {
	return blocks.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Invitations(db dbx.DBTX) invitations.Repository {
	return invitations.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetDialect("pgx")
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return err
	}
	return nil
}
