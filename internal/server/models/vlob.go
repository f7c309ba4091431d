package models

import "time"

// VlobAtom is one immutable version of a vlob. SequentialID is a
// per-realm monotonic integer assigned at insertion under the realm
// write lock; the realm checkpoint is the max SequentialID.
type VlobAtom struct {
	RealmID      RealmID
	VlobID       VlobID
	Version      int
	KeyIndex     int
	Blob         []byte
	Author       DeviceID
	Timestamp    time.Time
	SequentialID int64
	// Per enabled sequester service copy of the blob, present only in
	// sequestered organizations.
	SequesterBlobs map[SequesterServiceID][]byte
}

// VlobVersion is one entry of vlob_list_versions.
type VlobVersion struct {
	Version   int
	Timestamp time.Time
	Author    DeviceID
}

// Block metadata; the payload lives in the block store.
type Block struct {
	RealmID   RealmID
	BlockID   BlockID
	KeyIndex  int
	Size      int
	Author    DeviceID
	CreatedOn time.Time
}
