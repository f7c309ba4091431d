package blockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// Postgres stores block payloads in a blob column keyed by
// (organization, block id). It shares the server database but is not
// part of the metadata transaction: the block engine commits metadata
// only after the payload write succeeded.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Read(ctx context.Context, org models.OrganizationID, blockID models.BlockID) ([]byte, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM block_data WHERE organization_id = $1 AND block_id = $2`,
		string(org), string(blockID)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStoreUnavailable, err)
	}
	return data, nil
}

func (p *Postgres) Create(ctx context.Context, org models.OrganizationID, blockID models.BlockID, data []byte) error {
	// ON CONFLICT DO NOTHING keeps the first write and makes repeated
	// creates succeed.
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO block_data (organization_id, block_id, data)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (organization_id, block_id) DO NOTHING`,
		string(org), string(blockID), data)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrStoreUnavailable, err)
	}
	return nil
}
