// Package memdb holds the shared in-memory datamodel behind the memory
// repository implementations. Logical consistency is enforced by the
// topic-lock discipline (every engine operation runs under its topic
// locks); the internal mutex only protects raw map access.
//
// Memory repositories do not roll back: engine operations validate
// everything before their first mutating call, so an aborted operation
// simply never mutated.
package memdb

import (
	"sync"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// Realm bundles a realm's derived state with its certificate history
// and content.
type Realm struct {
	Realm        models.Realm
	Roles        []*models.RealmGrantedRole
	Names        []*models.RealmName
	KeyRotations []*models.RealmKeyRotation
	Accesses     []*models.KeysBundleAccess
	ArchivingCerts []models.TimestampedCertificate

	Vlobs     map[models.VlobID][]*models.VlobAtom
	VlobOrder []*models.VlobAtom
	NextSeq   int64

	Blocks map[models.BlockID]*models.Block
}

// Organization is the per-tenant root of the datamodel.
type Organization struct {
	Org               models.Organization
	SequesterServices map[models.SequesterServiceID]*models.SequesterService
	Users             map[models.UserID]*models.User
	Devices           map[string]*models.Device
	Realms            map[models.RealmID]*Realm
	Invitations       map[models.InvitationToken]*models.Invitation
	GreetingAttempts  map[models.GreetingAttemptID]*models.GreetingAttempt
	ShamirSetups      map[models.UserID]*models.ShamirRecoverySetup
	TopicLast         map[locks.Topic]time.Time
}

func newOrganization(org models.Organization) *Organization {
	return &Organization{
		Org:               org,
		SequesterServices: make(map[models.SequesterServiceID]*models.SequesterService),
		Users:             make(map[models.UserID]*models.User),
		Devices:           make(map[string]*models.Device),
		Realms:            make(map[models.RealmID]*Realm),
		Invitations:       make(map[models.InvitationToken]*models.Invitation),
		GreetingAttempts:  make(map[models.GreetingAttemptID]*models.GreetingAttempt),
		ShamirSetups:      make(map[models.UserID]*models.ShamirRecoverySetup),
		TopicLast:         make(map[locks.Topic]time.Time),
	}
}

func newRealm(realm models.Realm) *Realm {
	return &Realm{
		Realm:  realm,
		Vlobs:  make(map[models.VlobID][]*models.VlobAtom),
		Blocks: make(map[models.BlockID]*models.Block),
	}
}

// Datamodel is the whole in-memory database.
type Datamodel struct {
	Mu   sync.RWMutex
	Orgs map[models.OrganizationID]*Organization
}

func New() *Datamodel {
	return &Datamodel{Orgs: make(map[models.OrganizationID]*Organization)}
}

// Org returns the organization state or nil.
func (d *Datamodel) Org(id models.OrganizationID) *Organization {
	d.Mu.RLock()
	defer d.Mu.RUnlock()
	return d.Orgs[id]
}

// InsertOrg installs a fresh organization; false when the id is taken.
func (d *Datamodel) InsertOrg(org models.Organization) bool {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if _, ok := d.Orgs[org.ID]; ok {
		return false
	}
	d.Orgs[org.ID] = newOrganization(org)
	return true
}

// DropOrg erases an organization and all its content.
func (d *Datamodel) DropOrg(id models.OrganizationID) bool {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if _, ok := d.Orgs[id]; !ok {
		return false
	}
	delete(d.Orgs, id)
	return true
}

// PutRealm installs a fresh realm in an organization.
func (o *Organization) PutRealm(realm models.Realm) *Realm {
	state := newRealm(realm)
	o.Realms[realm.RealmID] = state
	return state
}

// BumpTopic records a topic's newest certificate timestamp.
func (o *Organization) BumpTopic(topic locks.Topic, ts time.Time) {
	if ts.After(o.TopicLast[topic]) {
		o.TopicLast[topic] = ts
	}
}

// LastTimestamp implements locks.LastTimestampFunc over the datamodel.
func (d *Datamodel) LastTimestamp(orgID models.OrganizationID, topic locks.Topic) time.Time {
	d.Mu.RLock()
	defer d.Mu.RUnlock()
	org, ok := d.Orgs[orgID]
	if !ok {
		return time.Time{}
	}
	return org.TopicLast[topic]
}
