package users

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

func (r *PostgresRepository) Insert(ctx context.Context, org models.OrganizationID, user *models.User) error {
	query :=
		`INSERT INTO users (organization_id, user_id, human_email, human_label,
		        initial_profile, created_on, user_certificate, redacted_user_certificate,
		        revoked_on, revoked_user_certificate, is_frozen, tos_accepted_on)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (organization_id, user_id) DO NOTHING
		 `

	res, err := r.db.ExecContext(ctx, query,
		org, user.UserID, user.HumanHandle.Email, user.HumanHandle.Label,
		user.InitialProfile, user.CreatedOn, user.Certificate, user.RedactedCertificate,
		user.RevokedOn, user.RevokedCertificate, user.IsFrozen, user.TosAcceptedOn)
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

func (r *PostgresRepository) InsertDevice(ctx context.Context, org models.OrganizationID, device *models.Device) error {
	query :=
		`INSERT INTO devices (organization_id, user_id, device_name, device_label,
		        verify_key, created_on, device_certificate, redacted_device_certificate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (organization_id, user_id, device_name) DO NOTHING
		 `

	res, err := r.db.ExecContext(ctx, query,
		org, device.DeviceID.UserID, device.DeviceID.DeviceName, device.DeviceLabel,
		device.VerifyKey, device.CreatedOn, device.Certificate, device.RedactedCertificate)
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

func (r *PostgresRepository) profileUpdates(ctx context.Context, org models.OrganizationID, id models.UserID) ([]models.ProfileUpdate, error) {
	query :=
		`SELECT new_profile, updated_on, user_update_certificate
		 FROM profile_updates
		 WHERE organization_id = $1 AND user_id = $2
		 ORDER BY id
		 `

	rows, err := r.db.QueryContext(ctx, query, org, id)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.ProfileUpdate
	for rows.Next() {
		var update models.ProfileUpdate
		if err := rows.Scan(&update.NewProfile, &update.UpdatedOn, &update.Certificate); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, update)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) scanUser(ctx context.Context, org models.OrganizationID, row *sql.Row) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.UserID, &user.HumanHandle.Email, &user.HumanHandle.Label,
		&user.InitialProfile, &user.CreatedOn, &user.Certificate, &user.RedactedCertificate,
		&user.RevokedOn, &user.RevokedCertificate, &user.IsFrozen, &user.TosAcceptedOn)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrUserNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	updates, err := r.profileUpdates(ctx, org, user.UserID)
	if err != nil {
		return nil, err
	}
	user.ProfileUpdates = updates
	return user, nil
}

const userColumns = `user_id, human_email, human_label, initial_profile, created_on,
	user_certificate, redacted_user_certificate, revoked_on, revoked_user_certificate,
	is_frozen, tos_accepted_on`

func (r *PostgresRepository) Get(ctx context.Context, org models.OrganizationID, id models.UserID) (*models.User, error) {
	query := `SELECT ` + userColumns + `
		 FROM users
		 WHERE organization_id = $1 AND user_id = $2
		 `
	return r.scanUser(ctx, org, r.db.QueryRowContext(ctx, query, org, id))
}

func (r *PostgresRepository) GetActiveByEmail(ctx context.Context, org models.OrganizationID, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + `
		 FROM users
		 WHERE organization_id = $1 AND human_email = $2 AND revoked_on IS NULL
		 `
	return r.scanUser(ctx, org, r.db.QueryRowContext(ctx, query, org, email))
}

func (r *PostgresRepository) GetDevice(ctx context.Context, org models.OrganizationID, id models.DeviceID) (*models.Device, error) {
	query :=
		`SELECT user_id, device_name, device_label, verify_key, created_on,
		        device_certificate, redacted_device_certificate
		 FROM devices
		 WHERE organization_id = $1 AND user_id = $2 AND device_name = $3
		 `

	device := &models.Device{}
	err := r.db.QueryRowContext(ctx, query, org, id.UserID, id.DeviceName).Scan(
		&device.DeviceID.UserID, &device.DeviceID.DeviceName, &device.DeviceLabel,
		&device.VerifyKey, &device.CreatedOn, &device.Certificate, &device.RedactedCertificate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return device, nil
}

func (r *PostgresRepository) CountActive(ctx context.Context, org models.OrganizationID) (int, error) {
	query :=
		`SELECT COUNT(*) FROM users
		 WHERE organization_id = $1 AND revoked_on IS NULL
		 `

	var n int
	if err := r.db.QueryRowContext(ctx, query, org).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) List(ctx context.Context, org models.OrganizationID) ([]*models.UserInfo, error) {
	// The lateral join picks the newest accepted profile update, falling
	// back to the initial profile.
	query :=
		`SELECT u.user_id, u.human_email, u.human_label,
		        COALESCE(p.new_profile, u.initial_profile), u.created_on, u.revoked_on, u.is_frozen
		 FROM users u
		 LEFT JOIN LATERAL (
		     SELECT new_profile FROM profile_updates
		     WHERE organization_id = u.organization_id AND user_id = u.user_id
		     ORDER BY id DESC LIMIT 1
		 ) p ON TRUE
		 WHERE u.organization_id = $1
		 ORDER BY u.created_on
		 `

	rows, err := r.db.QueryContext(ctx, query, org)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.UserInfo
	for rows.Next() {
		info := &models.UserInfo{}
		if err := rows.Scan(&info.UserID, &info.HumanHandle.Email, &info.HumanHandle.Label,
			&info.Profile, &info.CreatedOn, &info.RevokedOn, &info.IsFrozen); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListCertificates(ctx context.Context, org models.OrganizationID) ([]models.TimestampedCertificate, error) {
	query :=
		`SELECT certificate, ts FROM (
		     SELECT user_certificate AS certificate, created_on AS ts
		     FROM users WHERE organization_id = $1
		     UNION ALL
		     SELECT device_certificate, created_on
		     FROM devices WHERE organization_id = $1
		     UNION ALL
		     SELECT user_update_certificate, updated_on
		     FROM profile_updates WHERE organization_id = $1
		     UNION ALL
		     SELECT revoked_user_certificate, revoked_on
		     FROM users WHERE organization_id = $1 AND revoked_on IS NOT NULL
		 ) certs
		 ORDER BY ts
		 `

	rows, err := r.db.QueryContext(ctx, query, org)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.TimestampedCertificate
	for rows.Next() {
		var cert models.TimestampedCertificate
		if err := rows.Scan(&cert.Certificate, &cert.Timestamp); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) SetShamirRecovery(ctx context.Context, org models.OrganizationID, id models.UserID, setup *models.ShamirRecoverySetup) error {
	query :=
		`INSERT INTO shamir_recovery_setups (organization_id, user_id, created_on, threshold, brief_certificate)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (organization_id, user_id) DO UPDATE
		 SET created_on = EXCLUDED.created_on, threshold = EXCLUDED.threshold,
		     brief_certificate = EXCLUDED.brief_certificate
		 `

	if _, err := r.db.ExecContext(ctx, query,
		org, id, setup.CreatedOn, setup.Threshold, setup.BriefCertificate); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	// Shares of a replaced setup are dropped wholesale: the new setup
	// may target a different recipient set.
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM shamir_recovery_shares WHERE organization_id = $1 AND user_id = $2`,
		org, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	for recipient, cert := range setup.ShareCertificates {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO shamir_recovery_shares (organization_id, user_id, recipient, share_certificate)
			 VALUES ($1, $2, $3, $4)`,
			org, id, recipient, cert); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) GetShamirRecovery(ctx context.Context, org models.OrganizationID, id models.UserID) (*models.ShamirRecoverySetup, error) {
	setup := &models.ShamirRecoverySetup{UserID: id}
	err := r.db.QueryRowContext(ctx,
		`SELECT created_on, threshold, brief_certificate
		 FROM shamir_recovery_setups
		 WHERE organization_id = $1 AND user_id = $2`,
		org, id).Scan(&setup.CreatedOn, &setup.Threshold, &setup.BriefCertificate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrShamirRecoveryNotSetup
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT recipient, share_certificate
		 FROM shamir_recovery_shares
		 WHERE organization_id = $1 AND user_id = $2`,
		org, id)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	setup.ShareCertificates = make(map[models.UserID][]byte)
	for rows.Next() {
		var recipient models.UserID
		var cert []byte
		if err := rows.Scan(&recipient, &cert); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		setup.ShareCertificates[recipient] = cert
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return setup, nil
}

func (r *PostgresRepository) AddProfileUpdate(ctx context.Context, org models.OrganizationID, id models.UserID, update models.ProfileUpdate) error {
	query :=
		`INSERT INTO profile_updates (organization_id, user_id, new_profile, updated_on, user_update_certificate)
		 VALUES ($1, $2, $3, $4, $5)
		 `

	_, err := r.db.ExecContext(ctx, query, org, id, update.NewProfile, update.UpdatedOn, update.Certificate)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Revoke(ctx context.Context, org models.OrganizationID, id models.UserID, on time.Time, cert []byte) error {
	query :=
		`UPDATE users SET revoked_on = $3, revoked_user_certificate = $4
		 WHERE organization_id = $1 AND user_id = $2 AND revoked_on IS NULL
		 `

	res, err := r.db.ExecContext(ctx, query, org, id, on, cert)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrUserNotFound
	}
	return nil
}

func (r *PostgresRepository) SetFrozen(ctx context.Context, org models.OrganizationID, id models.UserID, frozen bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_frozen = $3 WHERE organization_id = $1 AND user_id = $2`,
		org, id, frozen)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrUserNotFound
	}
	return nil
}

func (r *PostgresRepository) SetTosAccepted(ctx context.Context, org models.OrganizationID, id models.UserID, on time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET tos_accepted_on = $3 WHERE organization_id = $1 AND user_id = $2`,
		org, id, on)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrUserNotFound
	}
	return nil
}
