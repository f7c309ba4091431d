package blocks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, org models.OrganizationID, block *models.Block) error {
	query :=
		`INSERT INTO blocks (organization_id, realm_id, block_id, key_index, size, author, created_on)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (organization_id, block_id) DO NOTHING
		 `

	res, err := r.db.ExecContext(ctx, query,
		org, block.RealmID, block.BlockID, block.KeyIndex, block.Size,
		block.Author.String(), block.CreatedOn)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrAlreadyExists
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, org models.OrganizationID, id models.BlockID) (*models.Block, error) {
	query :=
		`SELECT realm_id, block_id, key_index, size, author, created_on
		 FROM blocks
		 WHERE organization_id = $1 AND block_id = $2
		 `

	block := &models.Block{}
	var author string
	err := r.db.QueryRowContext(ctx, query, org, id).Scan(
		&block.RealmID, &block.BlockID, &block.KeyIndex, &block.Size, &author, &block.CreatedOn)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrBlockNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if block.Author, err = models.ParseDeviceID(author); err != nil {
		return nil, err
	}
	return block, nil
}

func (r *PostgresRepository) Exists(ctx context.Context, org models.OrganizationID, id models.BlockID) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blocks WHERE organization_id = $1 AND block_id = $2)`,
		org, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) ListRealm(ctx context.Context, org models.OrganizationID, realm models.RealmID, upTo time.Time) ([]*models.Block, error) {
	query :=
		`SELECT realm_id, block_id, key_index, size, author, created_on
		 FROM blocks
		 WHERE organization_id = $1 AND realm_id = $2 AND created_on <= $3
		 ORDER BY created_on, block_id
		 `

	rows, err := r.db.QueryContext(ctx, query, org, realm, upTo)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.Block
	for rows.Next() {
		block := &models.Block{}
		var author string
		if err := rows.Scan(&block.RealmID, &block.BlockID, &block.KeyIndex,
			&block.Size, &author, &block.CreatedOn); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if block.Author, err = models.ParseDeviceID(author); err != nil {
			return nil, err
		}
		out = append(out, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) TotalBytes(ctx context.Context, org models.OrganizationID) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM blocks WHERE organization_id = $1`, org).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return total, nil
}

func (r *PostgresRepository) Count(ctx context.Context, org models.OrganizationID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks WHERE organization_id = $1`, org).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
