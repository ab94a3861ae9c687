package raft

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MemberID is the opaque, stable identifier of a cluster member. The empty
// string means "no member" and is used for an unset vote and an unknown leader.
type MemberID string

// NoMember is the zero MemberID.
const NoMember MemberID = ""

// StoreID identifies the data store a member replicates. It is opaque to the
// consensus core and compared for equality during vote handling so that members
// attached to incompatible stores never exchange votes.
type StoreID struct {
	// The time at which the store was created.
	CreationTime int64

	// A random identifier assigned at store creation.
	RandomID uuid.UUID

	// The time of the most recent store format upgrade, zero if never upgraded.
	UpgradeTime int64

	// A random identifier assigned at the most recent upgrade.
	UpgradeID uuid.UUID
}

// NewStoreID creates a StoreID for a freshly created store.
func NewStoreID() StoreID {
	return StoreID{CreationTime: time.Now().UnixMilli(), RandomID: uuid.New()}
}

// Equal reports whether two store identifiers refer to the same store.
func (s StoreID) Equal(other StoreID) bool {
	return s == other
}

// String formats the store identifier for logging.
func (s StoreID) String() string {
	return fmt.Sprintf("store{created = %d, id = %s}", s.CreationTime, s.RandomID)
}
