package models

import (
	"sort"
	"time"
)

// Profile is the organization-level profile of a user.
type Profile string

const (
	ProfileAdmin    Profile = "ADMIN"
	ProfileStandard Profile = "STANDARD"
	ProfileOutsider Profile = "OUTSIDER"
)

// HumanHandle binds a user to a real-world identity. At most one active
// user per email per organization.
type HumanHandle struct {
	Email string `msgpack:"email"`
	Label string `msgpack:"label"`
}

// ProfileUpdate records one accepted UserUpdateCertificate.
type ProfileUpdate struct {
	NewProfile  Profile
	UpdatedOn   time.Time
	Certificate []byte
}

// User as stored by the server. The certificates are kept verbatim so
// they can be re-served to clients; the cooked fields are derived at
// validation time.
type User struct {
	UserID              UserID
	HumanHandle         HumanHandle
	InitialProfile      Profile
	CreatedOn           time.Time
	Certificate         []byte
	RedactedCertificate []byte
	ProfileUpdates      []ProfileUpdate
	RevokedOn           *time.Time
	RevokedCertificate  []byte
	// Server-side only: a frozen user cannot authenticate. Not certified
	// and never exposed to other users.
	IsFrozen       bool
	TosAcceptedOn  *time.Time
}

// CurrentProfile returns the profile after the last update, or the
// initial profile if none occurred.
func (u *User) CurrentProfile() Profile {
	if n := len(u.ProfileUpdates); n > 0 {
		return u.ProfileUpdates[n-1].NewProfile
	}
	return u.InitialProfile
}

// IsRevoked reports whether a RevokedUserCertificate was accepted for
// this user.
func (u *User) IsRevoked() bool { return u.RevokedOn != nil }

// Device as stored by the server.
type Device struct {
	DeviceID            DeviceID
	DeviceLabel         string
	VerifyKey           []byte
	CreatedOn           time.Time
	Certificate         []byte
	RedactedCertificate []byte
}

// ShamirRecoverySetup is a user's registered recovery configuration:
// the brief certificate plus one ciphered share certificate per
// recipient. Registering a new setup replaces the previous one.
type ShamirRecoverySetup struct {
	UserID            UserID
	CreatedOn         time.Time
	Threshold         int
	BriefCertificate  []byte
	ShareCertificates map[UserID][]byte
}

// Recipients returns the share holders in stable order.
func (s *ShamirRecoverySetup) Recipients() []UserID {
	out := make([]UserID, 0, len(s.ShareCertificates))
	for recipient := range s.ShareCertificates {
		out = append(out, recipient)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UserInfo is the administration API view of a user.
type UserInfo struct {
	UserID      UserID
	HumanHandle HumanHandle
	Profile     Profile
	CreatedOn   time.Time
	RevokedOn   *time.Time
	IsFrozen    bool
}
