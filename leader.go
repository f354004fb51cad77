package cpclient

import (
	"context"
	"sync"
	"time"

	"github.com/glycerine/loquet"
)

// LeaderRoutingTable remembers who we last heard leads each
// CP group. Topology snapshots replace it wholesale;
// routing failures knock out single entries.
type LeaderRoutingTable struct {
	mut sync.Mutex

	version int64
	active  map[GroupID]MemberID // last snapshot minus invalidations, plus hints

	// closed and replaced on every Refresh, so waiters
	// can learn about a newer snapshot.
	changed *loquet.Chan[int64]

	// optional liveness filter; nil means trust everyone.
	members func() []MemberID
}

func NewLeaderRoutingTable(members func() []MemberID) *LeaderRoutingTable {
	return &LeaderRoutingTable{
		active:  make(map[GroupID]MemberID),
		changed: loquet.NewChan[int64](nil),
		members: members,
	}
}

// Refresh installs snap unless we already have a newer one.
func (t *LeaderRoutingTable) Refresh(snap *TopologySnapshot) {
	if snap == nil {
		return
	}
	t.mut.Lock()
	if snap.Version < t.version {
		t.mut.Unlock()
		return
	}
	t.version = snap.Version
	t.active = make(map[GroupID]MemberID, len(snap.Leaders))
	for g, m := range snap.Leaders {
		if m == "" {
			continue
		}
		t.active[g] = m
	}
	old := t.changed
	t.changed = loquet.NewChan[int64](nil)
	t.mut.Unlock()

	old.Close()
}

// Leader is our current belief about who leads g.
func (t *LeaderRoutingTable) Leader(g GroupID) (MemberID, bool) {
	t.mut.Lock()
	m, ok := t.active[g]
	t.mut.Unlock()
	if !ok {
		return "", false
	}
	if !t.alive(m) {
		return "", false
	}
	return m, true
}

func (t *LeaderRoutingTable) alive(m MemberID) bool {
	if t.members == nil {
		return true
	}
	for _, x := range t.members() {
		if x == m {
			return true
		}
	}
	return false
}

// Invalidate drops our entry for g after it misrouted a request.
func (t *LeaderRoutingTable) Invalidate(g GroupID) {
	t.mut.Lock()
	delete(t.active, g)
	t.mut.Unlock()
}

// ApplyHint records the leader a member told us about.
func (t *LeaderRoutingTable) ApplyHint(g GroupID, leader MemberID) {
	if leader == "" {
		return
	}
	t.mut.Lock()
	t.active[g] = leader
	t.mut.Unlock()
}

// Resolve returns the member to address for g. With no usable
// entry it waits up to wait for a newer snapshot; failing
// that it returns "" meaning let the Messenger pick.
func (t *LeaderRoutingTable) Resolve(ctx context.Context, g GroupID, wait time.Duration) MemberID {
	if m, ok := t.Leader(g); ok {
		return m
	}
	if wait <= 0 {
		return ""
	}
	t.mut.Lock()
	changed := t.changed
	t.mut.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-changed.WhenClosed():
		if m, ok := t.Leader(g); ok {
			return m
		}
	case <-timer.C:
	case <-ctx.Done():
	}
	return ""
}

// Version of the last snapshot installed.
func (t *LeaderRoutingTable) Version() int64 {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.version
}

// Snapshot returns a copy of the live routing entries.
func (t *LeaderRoutingTable) Snapshot() *TopologySnapshot {
	t.mut.Lock()
	defer t.mut.Unlock()
	return NewTopologySnapshot(t.version, t.active)
}
