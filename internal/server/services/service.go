// Package services implements the engines on top of the repositories:
// organization registry, user and device management, realms, vlobs,
// blocks and the invitation ceremony. Every mutating operation runs in
// a transaction under the topic-lock discipline and publishes its
// events only after the transaction committed.
package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/logging"
	"github.com/parsec-cloud/parsec-server/internal/server/blockstore"
	"github.com/parsec-cloud/parsec-server/internal/server/config"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/repomanager"
)

// Core carries the dependencies shared by every service. db is nil on
// the mocked backend: withTx then runs the function directly and the
// repositories ignore the DBTX handle.
type Core struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	bus         *events.Bus
	store       blockstore.BlockStore
	clock       clock.Clock
	config      *config.Config
	log         logging.Logger
}

func NewCore(db *sql.DB, rm repomanager.RepositoryManager, bus *events.Bus,
	store blockstore.BlockStore, clk clock.Clock, cfg *config.Config, log logging.Logger) *Core {
	return &Core{
		db:          db,
		repomanager: rm,
		bus:         bus,
		store:       store,
		clock:       clk,
		config:      cfg,
		log:         log,
	}
}

// now returns the server clock clamped to the data model precision.
func (c *Core) now() time.Time {
	return models.Truncate(c.clock.Now())
}

// withTx runs fn inside a transaction on the SQL backend, or directly
// on the mocked one.
func (c *Core) withTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	if c.db == nil {
		return fn(ctx, nil)
	}
	return dbx.WithTx(ctx, c.db, nil, fn)
}

// pending collects events produced inside a transaction so they are
// published in commit order, and only on commit.
type pending struct {
	org    models.OrganizationID
	events []events.Event
}

func (p *pending) add(ev events.Event) {
	p.events = append(p.events, ev)
}

func (c *Core) publish(ctx context.Context, p *pending) {
	for _, ev := range p.events {
		c.bus.Publish(ctx, p.org, ev)
	}
}

// requireGreater enforces the monotonic causality invariant: ts must be
// strictly greater than every limit it logically depends on.
func requireGreater(ts time.Time, limits ...time.Time) error {
	var bound time.Time
	for _, limit := range limits {
		if limit.After(bound) {
			bound = limit
		}
	}
	if !ts.After(bound) {
		return &common.RequireGreaterTimestampError{StrictlyGreaterThan: bound}
	}
	return nil
}

// author is the resolved identity behind an authenticated operation.
type author struct {
	org    *models.Organization
	user   *models.User
	device *models.Device
}

func (a *author) profile() models.Profile { return a.user.CurrentProfile() }

// loadAuthor resolves the organization and the author device, rejecting
// expired organizations and revoked or frozen authors.
func (c *Core) loadAuthor(ctx context.Context, tx dbx.DBTX, org models.OrganizationID, device models.DeviceID) (*author, error) {
	orgState, err := c.repomanager.Organizations(tx).Get(ctx, org)
	if err != nil {
		return nil, err
	}
	if orgState.IsExpired {
		return nil, common.ErrOrganizationExpired
	}
	usersRepo := c.repomanager.Users(tx)
	dev, err := usersRepo.GetDevice(ctx, org, device)
	if err != nil {
		if errors.Is(err, common.ErrDeviceNotFound) || errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrAuthorNotFound
		}
		return nil, err
	}
	user, err := usersRepo.Get(ctx, org, device.UserID)
	if err != nil {
		if errors.Is(err, common.ErrUserNotFound) {
			return nil, common.ErrAuthorNotFound
		}
		return nil, err
	}
	if user.IsRevoked() {
		return nil, common.ErrAuthorRevoked
	}
	if user.IsFrozen {
		return nil, common.ErrUserFrozen
	}
	return &author{org: orgState, user: user, device: dev}, nil
}

// acquire takes the canonical lock set for the operation. The guard
// must be released before publishing events.
func (c *Core) acquire(ctx context.Context, tx dbx.DBTX, org models.OrganizationID, reqs ...locks.Request) (locks.LockGuard, error) {
	return c.repomanager.Locker().Acquire(ctx, tx, org, reqs)
}
