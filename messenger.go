package cpclient

import (
	"context"
)

// Messenger delivers one encoded Request to a CP group and
// returns the encoded Response. When target is empty the
// Messenger chooses which member to ask.
//
// Failures must be distinguishable with errors.Is:
// ErrNotLeader, ErrGroupUnknown, ErrSessionExpired,
// ErrDistributedObjectDestroyed, ErrTransport, or any
// other sentinel, usually carried in a *RemoteError.
type Messenger interface {
	SendToGroup(ctx context.Context, g GroupID, payload []byte, target MemberID) ([]byte, error)
}

// Topology feeds us leadership changes.
type Topology interface {

	// SubscribeToCPTopology delivers a fresh snapshot on
	// every membership or leadership change. The current
	// state should be delivered first. Call unsubscribe
	// when done; the channel is not closed by it.
	SubscribeToCPTopology() (snapshots <-chan *TopologySnapshot, unsubscribe func())

	// CurrentMembers lists the members believed alive.
	CurrentMembers() []MemberID
}

// TopologySnapshot is the whole leader map at one
// point in time. Version increases with each change.
type TopologySnapshot struct {
	Version int64                `json:"version"`
	Leaders map[GroupID]MemberID `json:"-"`

	// wire form of Leaders, since json keys must be strings.
	Entries []LeaderRoutingEntry `json:"entries"`
}

// LeaderRoutingEntry says who leads one group.
type LeaderRoutingEntry struct {
	Group  GroupID  `json:"group"`
	Leader MemberID `json:"leader"`
}

// NewTopologySnapshot copies leaders.
func NewTopologySnapshot(version int64, leaders map[GroupID]MemberID) *TopologySnapshot {
	snap := &TopologySnapshot{
		Version: version,
		Leaders: make(map[GroupID]MemberID, len(leaders)),
	}
	for g, m := range leaders {
		snap.Leaders[g] = m
		snap.Entries = append(snap.Entries, LeaderRoutingEntry{Group: g, Leader: m})
	}
	return snap
}

// Rehydrate rebuilds Leaders from Entries after decoding.
func (snap *TopologySnapshot) Rehydrate() {
	snap.Leaders = make(map[GroupID]MemberID, len(snap.Entries))
	for _, e := range snap.Entries {
		snap.Leaders[e.Group] = e.Leader
	}
}
