package services

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/certif"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// OrganizationService covers the organization registry: lifecycle,
// bootstrap, stats, terms of service and sequester services.
type OrganizationService struct {
	*Core
}

func NewOrganizationService(core *Core) *OrganizationService {
	return &OrganizationService{Core: core}
}

// postWebhook is swapped out in tests.
var postWebhook = func(url, contentType string, body []byte) error {
	resp, err := http.Post(url, contentType, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Create inserts a fresh organization with the configured initial
// defaults. When the id already exists un-bootstrapped, the bootstrap
// token is silently overwritten so the invite email can be re-sent; a
// bootstrapped id fails with ErrAlreadyExists.
func (s *OrganizationService) Create(ctx context.Context, id models.OrganizationID, bootstrapToken string) (*models.Organization, error) {
	if bootstrapToken == "" {
		generated, err := common.MakeRandHexString(16)
		if err != nil {
			return nil, err
		}
		bootstrapToken = generated
	}
	var out *models.Organization
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Organizations(tx)
		existing, err := repo.Get(ctx, id)
		if err == nil {
			if existing.IsBootstrapped() {
				return common.ErrAlreadyExists
			}
			existing.BootstrapToken = bootstrapToken
			if err := repo.Update(ctx, existing); err != nil {
				return err
			}
			out = existing
			return nil
		}
		if !errors.Is(err, common.ErrOrganizationNotFound) {
			return err
		}
		org := &models.Organization{
			ID:                         id,
			BootstrapToken:             bootstrapToken,
			CreatedOn:                  s.now(),
			ActiveUsersLimit:           s.config.OrganizationInitialActiveUsersLimit,
			UserProfileOutsiderAllowed: s.config.OrganizationInitialUserProfileOutsiderAllowed,
			MinimumArchivingPeriod:     s.config.OrganizationInitialMinimumArchivingPeriod,
			AllowedClientAgent:         models.NativeOrWeb,
			AccountVaultStrategy:       models.AccountVaultAllowed,
		}
		if err := repo.Insert(ctx, org); err != nil {
			return err
		}
		out = org
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateOrGet is the anonymous-family variant: it returns the existing
// organization, or creates it on the fly when spontaneous bootstrap is
// enabled.
func (s *OrganizationService) CreateOrGet(ctx context.Context, id models.OrganizationID) (*models.Organization, error) {
	org, err := s.Get(ctx, id)
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, common.ErrOrganizationNotFound) || !s.config.OrganizationSpontaneousBootstrap {
		return nil, err
	}
	return s.Create(ctx, id, "")
}

func (s *OrganizationService) Get(ctx context.Context, id models.OrganizationID) (*models.Organization, error) {
	var out *models.Organization
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		org, err := s.repomanager.Organizations(tx).Get(ctx, id)
		out = org
		return err
	})
	return out, err
}

// UpdateOptions selects which organization fields to mutate; nil
// pointers leave the field untouched.
type UpdateOptions struct {
	IsExpired        *bool
	ActiveUsersLimit *int
	// UnlimitedUsers clears the active users limit.
	UnlimitedUsers             bool
	UserProfileOutsiderAllowed *bool
	MinimumArchivingPeriod     *time.Duration
	AllowedClientAgent         *models.AllowedClientAgent
	AccountVaultStrategy       *models.AccountVaultStrategy
	// Tos replaces the terms of service (per-locale URLs); RemoveTos
	// drops them entirely.
	Tos       map[string]string
	RemoveTos bool
}

// Update mutates the organization and emits OrganizationExpired,
// OrganizationTosUpdated and OrganizationConfig as applicable.
func (s *OrganizationService) Update(ctx context.Context, id models.OrganizationID, opts UpdateOptions) error {
	out := &pending{org: id}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		repo := s.repomanager.Organizations(tx)
		org, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}

		expiredNow := false
		configChanged := false
		if opts.IsExpired != nil && *opts.IsExpired != org.IsExpired {
			org.IsExpired = *opts.IsExpired
			expiredNow = org.IsExpired
		}
		if opts.UnlimitedUsers {
			org.ActiveUsersLimit = nil
			configChanged = true
		} else if opts.ActiveUsersLimit != nil {
			limit := *opts.ActiveUsersLimit
			org.ActiveUsersLimit = &limit
			configChanged = true
		}
		if opts.UserProfileOutsiderAllowed != nil {
			org.UserProfileOutsiderAllowed = *opts.UserProfileOutsiderAllowed
			configChanged = true
		}
		if opts.MinimumArchivingPeriod != nil {
			org.MinimumArchivingPeriod = *opts.MinimumArchivingPeriod
		}
		if opts.AllowedClientAgent != nil {
			org.AllowedClientAgent = *opts.AllowedClientAgent
			configChanged = true
		}
		if opts.AccountVaultStrategy != nil {
			org.AccountVaultStrategy = *opts.AccountVaultStrategy
			configChanged = true
		}
		if opts.RemoveTos {
			org.Tos = nil
		} else if opts.Tos != nil {
			updatedOn := s.now()
			org.Tos = &models.Tos{UpdatedOn: updatedOn, PerLocaleURLs: opts.Tos}
			out.add(events.OrganizationTosUpdated{UpdatedOn: updatedOn})
		}

		if err := repo.Update(ctx, org); err != nil {
			return err
		}
		if expiredNow {
			out.add(events.OrganizationExpired{})
		}
		if configChanged {
			out.add(s.configEvent(org))
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

func (s *OrganizationService) configEvent(org *models.Organization) events.OrganizationConfig {
	return events.OrganizationConfig{
		ActiveUsersLimit:           org.ActiveUsersLimit,
		UserProfileOutsiderAllowed: org.UserProfileOutsiderAllowed,
		SseKeepaliveSeconds:        int(s.config.SSEKeepalive.Seconds()),
		AllowedClientAgent:         org.AllowedClientAgent,
		AccountVaultStrategy:       org.AccountVaultStrategy,
	}
}

// ConfigEvent builds the synthetic OrganizationConfig sent as the first
// SSE message of every stream.
func (s *OrganizationService) ConfigEvent(ctx context.Context, id models.OrganizationID) (events.OrganizationConfig, error) {
	org, err := s.Get(ctx, id)
	if err != nil {
		return events.OrganizationConfig{}, err
	}
	return s.configEvent(org), nil
}

// Erase wipes the organization and everything it contains.
func (s *OrganizationService) Erase(ctx context.Context, id models.OrganizationID) error {
	return s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return s.repomanager.Organizations(tx).Erase(ctx, id)
	})
}

func (s *OrganizationService) List(ctx context.Context) ([]models.OrganizationID, error) {
	var out []models.OrganizationID
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		ids, err := s.repomanager.Organizations(tx).List(ctx)
		out = ids
		return err
	})
	return out, err
}

// bootstrapWebhookPayload is POSTed to the configured webhook after a
// successful bootstrap.
type bootstrapWebhookPayload struct {
	OrganizationID string  `json:"organization_id"`
	DeviceID       string  `json:"device_id"`
	DeviceLabel    *string `json:"device_label"`
	HumanEmail     string  `json:"human_email"`
	HumanLabel     string  `json:"human_label"`
}

// Bootstrap installs the first user (must be ADMIN), its first device,
// the root verify key and, when present, the sequester authority. All
// certificates must be signed by the root key and share one timestamp.
func (s *OrganizationService) Bootstrap(ctx context.Context, id models.OrganizationID, bootstrapToken string,
	rootVerifyKey, userCertRaw, deviceCertRaw, redactedUserRaw, redactedDeviceRaw, sequesterAuthorityRaw []byte) error {

	rootKey := ed25519.PublicKey(rootVerifyKey)
	userCert, err := certif.LoadUserCertificate(userCertRaw, rootKey)
	if err != nil {
		return err
	}
	deviceCert, err := certif.LoadDeviceCertificate(deviceCertRaw, rootKey)
	if err != nil {
		return err
	}
	redactedUser, err := certif.LoadUserCertificate(redactedUserRaw, rootKey)
	if err != nil {
		return err
	}
	redactedDevice, err := certif.LoadDeviceCertificate(redactedDeviceRaw, rootKey)
	if err != nil {
		return err
	}
	var authorityCert *certif.SequesterAuthorityCertificate
	if sequesterAuthorityRaw != nil {
		if authorityCert, err = certif.LoadSequesterAuthorityCertificate(sequesterAuthorityRaw, rootKey); err != nil {
			return err
		}
	}

	ts := userCert.Timestamp
	if !deviceCert.Timestamp.Equal(ts) || !redactedUser.Timestamp.Equal(ts) || !redactedDevice.Timestamp.Equal(ts) {
		return common.ErrTimestampMismatch
	}
	if authorityCert != nil && !authorityCert.Timestamp.Equal(ts) {
		return common.ErrTimestampMismatch
	}
	if userCert.Profile != models.ProfileAdmin {
		return fmt.Errorf("%w: first user must be an admin", common.ErrInvalidCertificate)
	}
	if userCert.HumanHandle == nil {
		return fmt.Errorf("%w: missing human handle", common.ErrInvalidCertificate)
	}
	if deviceCert.UserID != userCert.UserID {
		return fmt.Errorf("%w: device user does not match user", common.ErrInvalidCertificate)
	}
	if !certif.RedactedUserMatches(userCert, redactedUser) || !certif.RedactedDeviceMatches(deviceCert, redactedDevice) {
		return common.ErrRedactedMismatch
	}
	if err := certif.InBallpark(ts, s.now()); err != nil {
		return err
	}

	out := &pending{org: id}
	err = s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		orgsRepo := s.repomanager.Organizations(tx)
		org, err := orgsRepo.Get(ctx, id)
		if err != nil {
			return err
		}
		if org.IsExpired {
			return common.ErrOrganizationExpired
		}
		if org.IsBootstrapped() {
			return common.ErrAlreadyBootstrapped
		}
		if org.BootstrapToken != bootstrapToken {
			return common.ErrInvalidBootstrapToken
		}

		reqs := []locks.Request{locks.Write(locks.Common())}
		if authorityCert != nil {
			reqs = append(reqs, locks.Write(locks.Sequester()))
		}
		guard, err := s.acquire(ctx, tx, id, reqs...)
		if err != nil {
			return err
		}
		defer guard.Release()

		usersRepo := s.repomanager.Users(tx)
		if err := usersRepo.Insert(ctx, id, &models.User{
			UserID:              userCert.UserID,
			HumanHandle:         *userCert.HumanHandle,
			InitialProfile:      userCert.Profile,
			CreatedOn:           ts,
			Certificate:         userCertRaw,
			RedactedCertificate: redactedUserRaw,
		}); err != nil {
			return err
		}
		deviceLabel := ""
		if deviceCert.DeviceLabel != nil {
			deviceLabel = *deviceCert.DeviceLabel
		}
		if err := usersRepo.InsertDevice(ctx, id, &models.Device{
			DeviceID:            deviceCert.DeviceID(),
			DeviceLabel:         deviceLabel,
			VerifyKey:           deviceCert.VerifyKey,
			CreatedOn:           ts,
			Certificate:         deviceCertRaw,
			RedactedCertificate: redactedDeviceRaw,
		}); err != nil {
			return err
		}

		org.BootstrappedOn = &ts
		org.RootVerifyKey = rootVerifyKey
		if authorityCert != nil {
			org.SequesterAuthorityCertificate = sequesterAuthorityRaw
		}
		if err := orgsRepo.Update(ctx, org); err != nil {
			return err
		}
		if err := orgsRepo.BumpTopic(ctx, id, locks.Common(), ts); err != nil {
			return err
		}
		out.add(events.CommonCertificate{Timestamp: ts})
		if authorityCert != nil {
			if err := orgsRepo.BumpTopic(ctx, id, locks.Sequester(), ts); err != nil {
				return err
			}
			out.add(events.SequesterCertificate{Timestamp: ts})
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)

	if url := s.config.OrganizationBootstrapWebhookURL; url != "" {
		payload, _ := json.Marshal(bootstrapWebhookPayload{
			OrganizationID: string(id),
			DeviceID:       deviceCert.DeviceID().String(),
			DeviceLabel:    deviceCert.DeviceLabel,
			HumanEmail:     userCert.HumanHandle.Email,
			HumanLabel:     userCert.HumanHandle.Label,
		})
		if err := postWebhook(url, "application/json", payload); err != nil {
			s.log.Warn(ctx, "bootstrap webhook failed", "organization", string(id), "error", err.Error())
		}
	}
	return nil
}

// Stats aggregates the organization counters for the administration
// API.
func (s *OrganizationService) Stats(ctx context.Context, id models.OrganizationID) (*models.OrganizationStats, error) {
	stats := &models.OrganizationStats{}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.repomanager.Organizations(tx).Get(ctx, id); err != nil {
			return err
		}
		infos, err := s.repomanager.Users(tx).List(ctx, id)
		if err != nil {
			return err
		}
		*stats = models.OrganizationStats{Users: len(infos)}
		for _, info := range infos {
			if info.RevokedOn != nil {
				continue
			}
			stats.ActiveUsers++
			switch info.Profile {
			case models.ProfileAdmin:
				stats.AdminUsers++
			case models.ProfileStandard:
				stats.StandardUsers++
			case models.ProfileOutsider:
				stats.OutsiderUsers++
			}
		}
		if stats.Realms, err = s.repomanager.Realms(tx).Count(ctx, id); err != nil {
			return err
		}
		if stats.VlobsTotalBytes, err = s.repomanager.Vlobs(tx).TotalBytes(ctx, id); err != nil {
			return err
		}
		if stats.BlocksTotalBytes, err = s.repomanager.Blocks(tx).TotalBytes(ctx, id); err != nil {
			return err
		}
		stats.MetadataSize = stats.VlobsTotalBytes
		stats.DataSize = stats.BlocksTotalBytes
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ServerStats aggregates the per-organization stats of the whole
// server.
func (s *OrganizationService) ServerStats(ctx context.Context) (map[models.OrganizationID]*models.OrganizationStats, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[models.OrganizationID]*models.OrganizationStats, len(ids))
	for _, id := range ids {
		stats, err := s.Stats(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = stats
	}
	return out, nil
}

// authorityVerifyKey extracts the sequester authority's ed25519 key
// from the certificate installed at bootstrap.
func (s *OrganizationService) authorityVerifyKey(org *models.Organization) (ed25519.PublicKey, error) {
	if !org.IsSequestered() {
		return nil, common.ErrSequesterDisabled
	}
	authority, err := certif.LoadSequesterAuthorityCertificate(org.SequesterAuthorityCertificate, ed25519.PublicKey(org.RootVerifyKey))
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(authority.VerifyKeyDer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidCertificate, err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: authority key is not ed25519", common.ErrInvalidCertificate)
	}
	return key, nil
}

// CreateSequesterService enables a sequester service. The certificate
// is signed by the sequester authority key.
func (s *OrganizationService) CreateSequesterService(ctx context.Context, id models.OrganizationID, certRaw []byte) error {
	out := &pending{org: id}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		orgsRepo := s.repomanager.Organizations(tx)
		org, err := orgsRepo.Get(ctx, id)
		if err != nil {
			return err
		}
		authorityKey, err := s.authorityVerifyKey(org)
		if err != nil {
			return err
		}
		cert, err := certif.LoadSequesterServiceCertificate(certRaw, authorityKey)
		if err != nil {
			return err
		}
		if err := certif.InBallpark(cert.Timestamp, s.now()); err != nil {
			return err
		}

		guard, err := s.acquire(ctx, tx, id, locks.Read(locks.Common()), locks.Write(locks.Sequester()))
		if err != nil {
			return err
		}
		defer guard.Release()

		if err := requireGreater(cert.Timestamp, guard.Last(locks.Sequester())); err != nil {
			return err
		}
		existing, err := orgsRepo.ListSequesterServices(ctx, id)
		if err != nil {
			return err
		}
		for _, svc := range existing {
			if svc.ID == cert.ServiceID {
				return common.ErrAlreadyExists
			}
		}
		if err := orgsRepo.InsertSequesterService(ctx, id, &models.SequesterService{
			ID:          cert.ServiceID,
			Label:       cert.ServiceLabel,
			Certificate: certRaw,
			CreatedOn:   cert.Timestamp,
		}); err != nil {
			return err
		}
		if err := orgsRepo.BumpTopic(ctx, id, locks.Sequester(), cert.Timestamp); err != nil {
			return err
		}
		out.add(events.SequesterCertificate{Timestamp: cert.Timestamp})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// RevokeSequesterService disables a sequester service. Idempotent: a
// second revocation reports the prior outcome.
func (s *OrganizationService) RevokeSequesterService(ctx context.Context, id models.OrganizationID, certRaw []byte) error {
	out := &pending{org: id}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		orgsRepo := s.repomanager.Organizations(tx)
		org, err := orgsRepo.Get(ctx, id)
		if err != nil {
			return err
		}
		authorityKey, err := s.authorityVerifyKey(org)
		if err != nil {
			return err
		}
		cert, err := certif.LoadSequesterRevokedServiceCertificate(certRaw, authorityKey)
		if err != nil {
			return err
		}
		if err := certif.InBallpark(cert.Timestamp, s.now()); err != nil {
			return err
		}

		guard, err := s.acquire(ctx, tx, id, locks.Read(locks.Common()), locks.Write(locks.Sequester()))
		if err != nil {
			return err
		}
		defer guard.Release()

		services, err := orgsRepo.ListSequesterServices(ctx, id)
		if err != nil {
			return err
		}
		var target *models.SequesterService
		for _, svc := range services {
			if svc.ID == cert.ServiceID {
				target = svc
				break
			}
		}
		if target == nil {
			return common.ErrSequesterServiceNotFound
		}
		if target.RevokedOn != nil {
			return &common.IdempotentOutcomeError{CertificateTimestamp: *target.RevokedOn}
		}
		if err := requireGreater(cert.Timestamp, guard.Last(locks.Sequester())); err != nil {
			return err
		}
		if err := orgsRepo.RevokeSequesterService(ctx, id, cert.ServiceID, cert.Timestamp, certRaw); err != nil {
			return err
		}
		if err := orgsRepo.BumpTopic(ctx, id, locks.Sequester(), cert.Timestamp); err != nil {
			return err
		}
		out.add(events.SequesterCertificate{Timestamp: cert.Timestamp})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// TosGet returns the current terms of service.
func (s *OrganizationService) TosGet(ctx context.Context, id models.OrganizationID) (*models.Tos, error) {
	org, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if org.Tos == nil {
		return nil, common.ErrTosNotRequired
	}
	return org.Tos, nil
}

// TosAccept records the author's acceptance of the terms of service
// version identified by updatedOn.
func (s *OrganizationService) TosAccept(ctx context.Context, id models.OrganizationID, device models.DeviceID, updatedOn time.Time) error {
	return s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		auth, err := s.loadAuthor(ctx, tx, id, device)
		if err != nil {
			return err
		}
		if auth.org.Tos == nil {
			return common.ErrTosNotRequired
		}
		if !auth.org.Tos.UpdatedOn.Equal(updatedOn) {
			return common.ErrTosMismatch
		}
		return s.repomanager.Users(tx).SetTosAccepted(ctx, id, device.UserID, s.now())
	})
}
