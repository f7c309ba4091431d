// Package models defines the persistent data model of the Parsec server:
// organizations, users, devices, realms, vlobs, blocks and invitations.
// All timestamps are UTC with microsecond precision; all ids except
// OrganizationID and DeviceName are 128-bit random values.
package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrganizationID is the short name of an organization, unique server-wide.
type OrganizationID string

var organizationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ParseOrganizationID validates and returns an organization id.
func ParseOrganizationID(raw string) (OrganizationID, error) {
	if !organizationIDPattern.MatchString(raw) {
		return "", fmt.Errorf("invalid organization id %q", raw)
	}
	return OrganizationID(raw), nil
}

// UserID identifies a user within an organization.
type UserID string

// RealmID identifies a realm (workspace) within an organization.
type RealmID string

// VlobID identifies a versioned encrypted blob within a realm.
type VlobID string

// BlockID identifies an opaque encrypted payload chunk within a realm.
type BlockID string

// SequesterServiceID identifies a sequester service of a sequestered
// organization.
type SequesterServiceID string

// InvitationToken is the secret identifying an invitation.
type InvitationToken string

// GreetingAttemptID identifies one claimer/greeter ceremony attempt.
type GreetingAttemptID string

// EnrollmentID identifies a PKI enrollment request.
type EnrollmentID string

func NewUserID() UserID                       { return UserID(uuid.NewString()) }
func NewRealmID() RealmID                     { return RealmID(uuid.NewString()) }
func NewVlobID() VlobID                       { return VlobID(uuid.NewString()) }
func NewBlockID() BlockID                     { return BlockID(uuid.NewString()) }
func NewSequesterServiceID() SequesterServiceID { return SequesterServiceID(uuid.NewString()) }
func NewInvitationToken() InvitationToken     { return InvitationToken(uuid.NewString()) }
func NewGreetingAttemptID() GreetingAttemptID { return GreetingAttemptID(uuid.NewString()) }

func parseUUIDString(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func ParseUserID(raw string) (UserID, error) {
	s, err := parseUUIDString(raw)
	return UserID(s), err
}

func ParseRealmID(raw string) (RealmID, error) {
	s, err := parseUUIDString(raw)
	return RealmID(s), err
}

func ParseVlobID(raw string) (VlobID, error) {
	s, err := parseUUIDString(raw)
	return VlobID(s), err
}

func ParseBlockID(raw string) (BlockID, error) {
	s, err := parseUUIDString(raw)
	return BlockID(s), err
}

// DeviceName is the per-user unique name of a device.
type DeviceName string

// DeviceID addresses a device as (user, device name).
type DeviceID struct {
	UserID     UserID     `msgpack:"user_id"`
	DeviceName DeviceName `msgpack:"device_name"`
}

func (d DeviceID) String() string {
	return fmt.Sprintf("%s@%s", d.UserID, d.DeviceName)
}

// ParseDeviceID parses the "user@device" form produced by String.
func ParseDeviceID(raw string) (DeviceID, error) {
	user, name, ok := strings.Cut(raw, "@")
	if !ok || user == "" || name == "" {
		return DeviceID{}, fmt.Errorf("invalid device id %q", raw)
	}
	return DeviceID{UserID: UserID(user), DeviceName: DeviceName(name)}, nil
}

// Truncate clamps a timestamp to the data model's microsecond precision
// and normalizes it to UTC.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
