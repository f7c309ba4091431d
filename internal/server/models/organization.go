package models

import "time"

// AllowedClientAgent restricts which client flavors may connect.
type AllowedClientAgent string

const (
	NativeOnly  AllowedClientAgent = "NATIVE_ONLY"
	NativeOrWeb AllowedClientAgent = "NATIVE_OR_WEB"
)

// AccountVaultStrategy indicates whether clients may store their keys in
// the server-side account vault.
type AccountVaultStrategy string

const (
	AccountVaultAllowed   AccountVaultStrategy = "ALLOWED"
	AccountVaultForbidden AccountVaultStrategy = "FORBIDDEN"
)

// Tos carries the organization's terms of service: per-locale URLs plus
// the timestamp of their last update. Users must re-accept after every
// update.
type Tos struct {
	UpdatedOn time.Time
	PerLocaleURLs map[string]string
}

// Organization is the top-level tenant. A nil ActiveUsersLimit means
// unlimited.
type Organization struct {
	ID                         OrganizationID
	BootstrapToken             string
	CreatedOn                  time.Time
	BootstrappedOn             *time.Time
	RootVerifyKey              []byte
	IsExpired                  bool
	ActiveUsersLimit           *int
	UserProfileOutsiderAllowed bool
	MinimumArchivingPeriod     time.Duration
	AllowedClientAgent         AllowedClientAgent
	AccountVaultStrategy       AccountVaultStrategy
	Tos                        *Tos
	// Raw sequester authority certificate; nil for non-sequestered
	// organizations. Set once at bootstrap, never modified.
	SequesterAuthorityCertificate []byte
}

// IsBootstrapped reports whether the first user and device have been
// installed.
func (o *Organization) IsBootstrapped() bool { return o.BootstrappedOn != nil }

// IsSequestered reports whether a sequester authority was installed at
// bootstrap.
func (o *Organization) IsSequestered() bool { return o.SequesterAuthorityCertificate != nil }

// OrganizationStats summarizes an organization for the administration API.
type OrganizationStats struct {
	Users           int
	ActiveUsers     int
	AdminUsers      int
	StandardUsers   int
	OutsiderUsers   int
	Realms          int
	VlobsTotalBytes int64
	BlocksTotalBytes int64
	MetadataSize    int64
	DataSize        int64
}

// SequesterService is an escrow recipient enabled on a sequestered
// organization. RevokedOn and RevokedCertificate are nil while the
// service is enabled; revocation keeps the creation certificate intact.
type SequesterService struct {
	ID                 SequesterServiceID
	Label              string
	Certificate        []byte
	CreatedOn          time.Time
	RevokedOn          *time.Time
	RevokedCertificate []byte
}
