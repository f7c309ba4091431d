package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-server/internal/server/repositories/blocks"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/invitations"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/organizations"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/realms"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/users"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/vlobs"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresFactoriesReturnConcreteRepos(t *testing.T) {
	db := newDB(t)
	m := NewPostgresRepositoryManager()

	var _ organizations.Repository = m.Organizations(db)
	var _ users.Repository = m.Users(db)
	var _ realms.Repository = m.Realms(db)
	var _ vlobs.Repository = m.Vlobs(db)
	var _ blocks.Repository = m.Blocks(db)
	var _ invitations.Repository = m.Invitations(db)
	require.NotNil(t, m.Locker())
}

func TestMemoryManagerImplementsInterface(t *testing.T) {
	var m RepositoryManager = NewMemoryRepositoryManager()
	require.NotNil(t, m.Locker())
	require.NotNil(t, m.Organizations(nil))
	require.NoError(t, m.RunMigrations(context.Background(), nil))
}

func TestRunMigrationsSuccess(t *testing.T) {
	db := newDB(t)

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		return nil
	}
	defer func() { gooseUpContext = orig }()

	m := NewPostgresRepositoryManager()
	require.NoError(t, m.RunMigrations(context.Background(), db))
}

func TestRunMigrationsError(t *testing.T) {
	db := newDB(t)

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	defer func() { gooseUpContext = orig }()

	m := NewPostgresRepositoryManager()
	require.EqualError(t, m.RunMigrations(context.Background(), db), "boom")
}
