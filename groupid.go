package cpclient

import (
	"fmt"
)

const (
	// DefaultGroupName is the CP group used when a
	// name carries no @group suffix.
	DefaultGroupName = "default"

	// MetadataGroupName is reserved for the cluster's
	// own bookkeeping (group ids, membership). User
	// objects may never live there.
	MetadataGroupName = "METADATA"
)

// GroupID identifies one consensus (Raft) group.
// Seed changes when a group with the same name is
// destroyed and re-created, so two incarnations of
// "g1" never compare equal. GroupID is a comparable
// value type; use == for structural equality.
type GroupID struct {
	Name string `json:"name"`
	Seed int64  `json:"seed"`
	ID   int64  `json:"id"`
}

func (g GroupID) String() string {
	return fmt.Sprintf("GroupID{Name:%q, Seed:%v, ID:%v}", g.Name, g.Seed, g.ID)
}

// Equal is structural equality over all three fields.
func (g GroupID) Equal(h GroupID) bool {
	return g == h
}

// IsZero is true for the zero GroupID, which names no group.
func (g GroupID) IsZero() bool {
	return g == GroupID{}
}

// metadataGroupAddr is how the client addresses the
// metadata group before it knows the group's seed and id.
var metadataGroupAddr = GroupID{Name: MetadataGroupName}

// MemberID is an opaque identifier of a cluster member.
// The empty MemberID means "no particular member".
type MemberID string
