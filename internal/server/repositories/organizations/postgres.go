package organizations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func tosColumns(org *models.Organization) (tosUpdatedOn *time.Time, tosURLs []byte, err error) {
	if org.Tos == nil {
		return nil, nil, nil
	}
	urls, err := json.Marshal(org.Tos.PerLocaleURLs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal tos urls: %w", err)
	}
	updatedOn := org.Tos.UpdatedOn
	return &updatedOn, urls, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, org *models.Organization) error {
	tosUpdatedOn, tosURLs, err := tosColumns(org)
	if err != nil {
		return err
	}

	query :=
		`INSERT INTO organizations (organization_id, bootstrap_token, created_on, bootstrapped_on,
		        root_verify_key, is_expired, active_users_limit, user_profile_outsider_allowed,
		        minimum_archiving_period_s, allowed_client_agent, account_vault_strategy,
		        tos_updated_on, tos_per_locale_urls, sequester_authority_certificate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (organization_id) DO NOTHING
		 `

	res, err := r.db.ExecContext(ctx, query,
		org.ID, org.BootstrapToken, org.CreatedOn, org.BootstrappedOn,
		org.RootVerifyKey, org.IsExpired, org.ActiveUsersLimit, org.UserProfileOutsiderAllowed,
		int64(org.MinimumArchivingPeriod/time.Second), org.AllowedClientAgent, org.AccountVaultStrategy,
		tosUpdatedOn, tosURLs, org.SequesterAuthorityCertificate)
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

func (r *PostgresRepository) Get(ctx context.Context, id models.OrganizationID) (*models.Organization, error) {
	query :=
		`SELECT organization_id, bootstrap_token, created_on, bootstrapped_on,
		        root_verify_key, is_expired, active_users_limit, user_profile_outsider_allowed,
		        minimum_archiving_period_s, allowed_client_agent, account_vault_strategy,
		        tos_updated_on, tos_per_locale_urls, sequester_authority_certificate
		 FROM organizations
		 WHERE organization_id = $1
		 `

	org := &models.Organization{}
	var archivingPeriodS int64
	var tosUpdatedOn *time.Time
	var tosURLs []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&org.ID, &org.BootstrapToken, &org.CreatedOn, &org.BootstrappedOn,
		&org.RootVerifyKey, &org.IsExpired, &org.ActiveUsersLimit, &org.UserProfileOutsiderAllowed,
		&archivingPeriodS, &org.AllowedClientAgent, &org.AccountVaultStrategy,
		&tosUpdatedOn, &tosURLs, &org.SequesterAuthorityCertificate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	org.MinimumArchivingPeriod = time.Duration(archivingPeriodS) * time.Second
	if tosUpdatedOn != nil {
		tos := &models.Tos{UpdatedOn: *tosUpdatedOn}
		if err := json.Unmarshal(tosURLs, &tos.PerLocaleURLs); err != nil {
			return nil, fmt.Errorf("unmarshal tos urls: %w", err)
		}
		org.Tos = tos
	}
	return org, nil
}

func (r *PostgresRepository) Update(ctx context.Context, org *models.Organization) error {
	tosUpdatedOn, tosURLs, err := tosColumns(org)
	if err != nil {
		return err
	}

	query :=
		`UPDATE organizations SET bootstrap_token = $2, bootstrapped_on = $3,
		        root_verify_key = $4, is_expired = $5, active_users_limit = $6,
		        user_profile_outsider_allowed = $7, minimum_archiving_period_s = $8,
		        allowed_client_agent = $9, account_vault_strategy = $10,
		        tos_updated_on = $11, tos_per_locale_urls = $12,
		        sequester_authority_certificate = $13
		 WHERE organization_id = $1
		 `

	res, err := r.db.ExecContext(ctx, query,
		org.ID, org.BootstrapToken, org.BootstrappedOn,
		org.RootVerifyKey, org.IsExpired, org.ActiveUsersLimit,
		org.UserProfileOutsiderAllowed, int64(org.MinimumArchivingPeriod/time.Second),
		org.AllowedClientAgent, org.AccountVaultStrategy,
		tosUpdatedOn, tosURLs, org.SequesterAuthorityCertificate)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrOrganizationNotFound
	}
	return nil
}

func (r *PostgresRepository) Erase(ctx context.Context, id models.OrganizationID) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM organizations WHERE organization_id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrOrganizationNotFound
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]models.OrganizationID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT organization_id FROM organizations ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.OrganizationID
	for rows.Next() {
		var id models.OrganizationID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) InsertSequesterService(ctx context.Context, org models.OrganizationID, svc *models.SequesterService) error {
	query :=
		`INSERT INTO sequester_services (organization_id, service_id, service_label,
		        service_certificate, created_on, revoked_on, revoked_certificate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (organization_id, service_id) DO NOTHING
		 `

	res, err := r.db.ExecContext(ctx, query,
		org, svc.ID, svc.Label, svc.Certificate, svc.CreatedOn, svc.RevokedOn, svc.RevokedCertificate)
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

func (r *PostgresRepository) ListSequesterServices(ctx context.Context, org models.OrganizationID) ([]*models.SequesterService, error) {
	query :=
		`SELECT service_id, service_label, service_certificate, created_on, revoked_on, revoked_certificate
		 FROM sequester_services
		 WHERE organization_id = $1
		 ORDER BY created_on
		 `

	rows, err := r.db.QueryContext(ctx, query, org)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.SequesterService
	for rows.Next() {
		svc := &models.SequesterService{}
		if err := rows.Scan(&svc.ID, &svc.Label, &svc.Certificate, &svc.CreatedOn, &svc.RevokedOn, &svc.RevokedCertificate); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) RevokeSequesterService(ctx context.Context, org models.OrganizationID, id models.SequesterServiceID, on time.Time, cert []byte) error {
	query :=
		`UPDATE sequester_services SET revoked_on = $3, revoked_certificate = $4
		 WHERE organization_id = $1 AND service_id = $2
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
		return common.ErrSequesterServiceNotFound
	}
	return nil
}

func (r *PostgresRepository) BumpTopic(ctx context.Context, org models.OrganizationID, topic locks.Topic, ts time.Time) error {
	query :=
		`INSERT INTO topics (organization_id, kind, realm_id, last_timestamp)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (organization_id, kind, realm_id)
		 DO UPDATE SET last_timestamp = GREATEST(topics.last_timestamp, EXCLUDED.last_timestamp)
		 `

	_, err := r.db.ExecContext(ctx, query, org, int(topic.Kind), string(topic.Realm), ts)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LastTopicTimestamp(ctx context.Context, org models.OrganizationID, topic locks.Topic) (time.Time, error) {
	query :=
		`SELECT last_timestamp FROM topics
		 WHERE organization_id = $1 AND kind = $2 AND realm_id = $3
		 `

	var ts time.Time
	err := r.db.QueryRowContext(ctx, query, org, int(topic.Kind), string(topic.Realm)).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("db error: %w", err)
	}
	return ts, nil
}
