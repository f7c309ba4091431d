package models

import "time"

// RealmRole is the role a user holds in a realm.
type RealmRole string

const (
	RoleOwner       RealmRole = "OWNER"
	RoleManager     RealmRole = "MANAGER"
	RoleContributor RealmRole = "CONTRIBUTOR"
	RoleReader      RealmRole = "READER"
)

// CanWriteVlobs reports whether the role allows creating or updating
// vlobs and blocks.
func (r RealmRole) CanWriteVlobs() bool {
	return r == RoleOwner || r == RoleManager || r == RoleContributor
}

// ArchivingState is the lifecycle state of a realm's content.
type ArchivingState string

const (
	ArchivingAvailable       ArchivingState = "AVAILABLE"
	ArchivingArchived        ArchivingState = "ARCHIVED"
	ArchivingDeletionPlanned ArchivingState = "DELETION_PLANNED"
	ArchivingDeleted         ArchivingState = "DELETED"
)

// ArchivingConfiguration is the current archiving status of a realm,
// with the planned deletion date when state is DELETION_PLANNED.
type ArchivingConfiguration struct {
	State           ArchivingState
	DeletionDate    *time.Time
	ConfiguredOn    *time.Time
	ConfiguredBy    *DeviceID
	Certificate     []byte
}

// IsReadOnly reports whether vlob/block writes must be rejected.
func (a ArchivingConfiguration) IsReadOnly() bool {
	return a.State != ArchivingAvailable
}

// RealmGrantedRole records one accepted RealmRoleCertificate. A nil Role
// means the user access was removed (unshare).
type RealmGrantedRole struct {
	RealmID     RealmID
	UserID      UserID
	Role        *RealmRole
	GrantedBy   DeviceID
	GrantedOn   time.Time
	Certificate []byte
}

// RealmKeyRotation records one accepted RealmKeyRotationCertificate plus
// its keys bundle. Per-participant accesses are stored separately.
type RealmKeyRotation struct {
	RealmID     RealmID
	KeyIndex    int
	KeyCanary   []byte
	KeysBundle  []byte
	AuthoredBy  DeviceID
	Timestamp   time.Time
	Certificate []byte
}

// RealmName records one accepted RealmNameCertificate. The name itself
// is encrypted client-side; the server only stores the certificate.
type RealmName struct {
	RealmID     RealmID
	KeyIndex    int
	AuthoredBy  DeviceID
	Timestamp   time.Time
	Certificate []byte
}

// Realm derived state. The certificate sequences live in the repository;
// this struct carries what the engines need for gate checks.
type Realm struct {
	RealmID          RealmID
	CreatedOn        time.Time
	CreatedBy        DeviceID
	CurrentKeyIndex  int
	Archiving        ArchivingConfiguration
	LastVlobTimestamp *time.Time
}

// TimestampedCertificate is a stored certificate with the timestamp it
// was accepted at, used when re-serving certificate streams.
type TimestampedCertificate struct {
	Certificate []byte
	Timestamp   time.Time
}

// KeysBundleAccess is the per-recipient wrapping of a keys bundle.
// Recipient is a user for member accesses, or a sequester service for
// sequestered organizations.
type KeysBundleAccess struct {
	RealmID   RealmID
	KeyIndex  int
	UserID    *UserID
	ServiceID *SequesterServiceID
	Access    []byte
}
