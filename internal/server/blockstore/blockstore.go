// Package blockstore provides the opaque (organization, block id) ->
// bytes capability backing the block engine. Backends never perform
// authorization: the block engine checks realm roles before delegating.
//
// Variants: Mocked (tests/embedded), Postgres, S3, and the RAID0/1/5
// compositors which take other stores as children.
package blockstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// BlockStore is the storage capability.
//
// Create must be idempotent: repeating a create for the same
// (organization, block id) succeeds regardless of payload, callers
// enforce payload identity at a higher layer.
type BlockStore interface {
	Read(ctx context.Context, org models.OrganizationID, blockID models.BlockID) ([]byte, error)
	Create(ctx context.Context, org models.OrganizationID, blockID models.BlockID, data []byte) error
}

// Config describes a block store tree; RAID variants recurse through
// Children.
type Config struct {
	Type            string      `json:"type"` // MOCKED, POSTGRES, S3, RAID0, RAID1, RAID5
	S3              *S3Options  `json:"s3,omitempty"`
	PartialCreateOk bool        `json:"partial_create_ok,omitempty"`
	Children        []Config    `json:"children,omitempty"`
}

// S3Options configures one S3-compatible backend.
type S3Options struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// Build instantiates the configured store tree. db is only used by
// POSTGRES nodes and may be nil otherwise.
func Build(cfg Config, db *sql.DB) (BlockStore, error) {
	switch cfg.Type {
	case "MOCKED":
		return NewMocked(), nil
	case "POSTGRES":
		if db == nil {
			return nil, fmt.Errorf("postgres block store requires a database")
		}
		return NewPostgres(db), nil
	case "S3":
		if cfg.S3 == nil {
			return nil, fmt.Errorf("s3 block store requires s3 options")
		}
		return NewS3(*cfg.S3)
	case "RAID0", "RAID1", "RAID5":
		children := make([]BlockStore, 0, len(cfg.Children))
		for _, child := range cfg.Children {
			built, err := Build(child, db)
			if err != nil {
				return nil, err
			}
			children = append(children, built)
		}
		switch cfg.Type {
		case "RAID0":
			return NewRAID0(children)
		case "RAID1":
			return NewRAID1(children, cfg.PartialCreateOk)
		default:
			return NewRAID5(children, cfg.PartialCreateOk)
		}
	default:
		return nil, fmt.Errorf("unknown block store type %q", cfg.Type)
	}
}
