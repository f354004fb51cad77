// Package cpsim simulates a cluster of CP groups in one process.
//
// Each group serializes its operations under its own mutex,
// which makes it trivially linearizable; there is no
// consensus protocol and no election. Leadership moves only
// when a test says so, with or without telling the
// topology subscribers, so clients can be caught routing
// to a stale leader. A Cluster is both the Messenger and the
// Topology a cpclient.CPSubsystemClient needs.
package cpsim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glycerine/blake3"
	"github.com/glycerine/cpclient"
	"github.com/glycerine/idem"
)

type MemberID = cpclient.MemberID

// Config for a simulated cluster. Start from NewConfig().
type Config struct {
	// how many members; every group spans all of them.
	Members int

	// lease granted to each new session.
	SessionTTL time.Duration

	// heartbeat period we suggest to clients.
	HeartbeatInterval time.Duration

	// how often sessions past their lease are expired.
	ExpiryCheckInterval time.Duration

	// LockReentrancyLimit caps reentrant acquisitions of a
	// FencedLock by one owner; 0 means no cap. A 1 makes
	// locks non-reentrant. LockReentrancyLimits overrides it
	// per lock object name.
	LockReentrancyLimit  int64
	LockReentrancyLimits map[string]int64

	// semaphores named here (object name) are session-less
	// (JDK compatible); all are when
	// AllSemaphoresJDKCompatible is set.
	JDKCompatibleSemaphores    map[string]bool
	AllSemaphoresJDKCompatible bool

	// HintLeader makes NOT_LEADER replies name the leader.
	HintLeader bool

	Verbose bool
}

func NewConfig() *Config {
	return &Config{
		Members:             3,
		SessionTTL:          10 * time.Second,
		HeartbeatInterval:   time.Second,
		ExpiryCheckInterval: 20 * time.Millisecond,
		HintLeader:          true,
	}
}

// Cluster is the simulated set of CP members and groups.
type Cluster struct {
	cfg *Config

	mut         sync.Mutex
	members     []MemberID
	alive       map[MemberID]bool
	groups      map[string]*group
	nextGroupID int64
	topoVersion int64

	subs    map[int64]chan *cpclient.TopologySnapshot
	nextSub int64

	faults  map[cpclient.Op][]*cpclient.RemoteError
	opCount map[cpclient.Op]int64

	halt *idem.Halter
}

// NewCluster starts a cluster with the default group
// already created. Call Close when done.
func NewCluster(cfg *Config) *Cluster {
	if cfg == nil {
		cfg = NewConfig()
	}
	if cfg.Members <= 0 {
		cfg.Members = 3
	}
	def := NewConfig()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ExpiryCheckInterval <= 0 {
		cfg.ExpiryCheckInterval = def.ExpiryCheckInterval
	}
	if cfg.Verbose {
		verbose = true
	}
	c := &Cluster{
		cfg:     cfg,
		alive:   make(map[MemberID]bool),
		groups:  make(map[string]*group),
		subs:    make(map[int64]chan *cpclient.TopologySnapshot),
		faults:  make(map[cpclient.Op][]*cpclient.RemoteError),
		opCount: make(map[cpclient.Op]int64),
		halt:    idem.NewHalterNamed("cpsim.Cluster"),
	}
	for i := 0; i < cfg.Members; i++ {
		m := MemberID(fmt.Sprintf("member_%v", i))
		c.members = append(c.members, m)
		c.alive[m] = true
	}
	c.mut.Lock()
	c.getOrCreateGroupLocked(cpclient.DefaultGroupName)
	c.mut.Unlock()

	go c.expiryLoop()
	return c
}

// Close stops the cluster; blocked operations return.
func (c *Cluster) Close() {
	c.halt.ReqStop.Close()
	<-c.halt.Done.Chan
}

// groupSeed derives a stable seed from the group name,
// the way a re-created group of the same name would get
// the same seed.
func groupSeed(name string) int64 {
	h := blake3.New(64, nil)
	h.Write([]byte(name))
	sum := h.Sum(nil)
	var seed int64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | int64(sum[i])
	}
	if seed < 0 {
		seed = -seed
	}
	return seed
}

func (c *Cluster) getOrCreateGroupLocked(name string) (g *group, created bool) {
	g = c.groups[name]
	if g != nil {
		return g, false
	}
	c.nextGroupID++
	id := cpclient.GroupID{Name: name, Seed: groupSeed(name), ID: c.nextGroupID}
	g = newGroup(c, id)
	g.leader = c.members[int(c.nextGroupID-1)%len(c.members)]
	c.groups[name] = g
	c.publishLocked()
	pp("cpsim: created group %v led by '%v'", id, g.leader)
	return g, true
}

// SendToGroup makes the Cluster a cpclient.Messenger. An
// empty target is forwarded to the leader, as any member
// would do; a non-leader target gets NOT_LEADER.
func (c *Cluster) SendToGroup(ctx context.Context, gid cpclient.GroupID, payload []byte, target MemberID) ([]byte, error) {
	req, err := cpclient.DecodeRequest(payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.dispatch(ctx, gid, req, target)
	if err != nil {
		return nil, err
	}
	return cpclient.EncodeResponse(resp)
}

func (c *Cluster) dispatch(ctx context.Context, gid cpclient.GroupID, req *cpclient.Request, target MemberID) (*cpclient.Response, error) {
	c.mut.Lock()
	if c.halt.ReqStop.IsClosed() {
		c.mut.Unlock()
		return nil, cpclient.NewRemoteError(cpclient.CodeShutDown, "cluster closed")
	}
	c.opCount[req.Op]++
	if q := c.faults[req.Op]; len(q) > 0 {
		fault := q[0]
		c.faults[req.Op] = q[1:]
		c.mut.Unlock()
		return nil, fault
	}
	if target != "" && !c.alive[target] {
		c.mut.Unlock()
		return nil, fmt.Errorf("%w: member '%v' unreachable", cpclient.ErrTransport, target)
	}
	if gid.Name == cpclient.MetadataGroupName {
		resp, err := c.metadataLocked(req)
		c.mut.Unlock()
		return resp, err
	}
	g := c.groups[gid.Name]
	if g == nil || g.id != gid {
		c.mut.Unlock()
		return nil, cpclient.NewRemoteError(cpclient.CodeGroupUnknown, "no CP group %v", gid)
	}
	leader := g.leader
	c.mut.Unlock()

	if target != "" && target != leader {
		re := cpclient.NewRemoteError(cpclient.CodeNotLeader, "'%v' does not lead group '%v'", target, gid.Name)
		if c.cfg.HintLeader {
			re.Leader = leader
		}
		return nil, re
	}
	return g.apply(ctx, req)
}

func (c *Cluster) metadataLocked(req *cpclient.Request) (*cpclient.Response, error) {
	if req.Op != cpclient.OpGetGroupID {
		return nil, cpclient.NewRemoteError(cpclient.CodeNotSupported, "%v is not served by the METADATA group", req.Op)
	}
	if req.Name == "" || req.Name == cpclient.MetadataGroupName {
		return nil, cpclient.NewRemoteError(cpclient.CodeInvalidArgument, "bad group name '%v'", req.Name)
	}
	g, _ := c.getOrCreateGroupLocked(req.Name)
	if g.isDestroyed() {
		return nil, cpclient.NewRemoteError(cpclient.CodeGroupDestroyed, "CP group '%v' was destroyed", req.Name)
	}
	return &cpclient.Response{Group: g.id}, nil
}

// SubscribeToCPTopology makes the Cluster a cpclient.Topology.
// The current snapshot is delivered first. A slow subscriber
// loses older snapshots, never the newest one.
func (c *Cluster) SubscribeToCPTopology() (<-chan *cpclient.TopologySnapshot, func()) {
	ch := make(chan *cpclient.TopologySnapshot, 8)
	c.mut.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = ch
	ch <- c.snapshotLocked()
	c.mut.Unlock()

	unsubscribe := func() {
		c.mut.Lock()
		delete(c.subs, id)
		c.mut.Unlock()
	}
	return ch, unsubscribe
}

// CurrentMembers lists the members that are up.
func (c *Cluster) CurrentMembers() (r []MemberID) {
	c.mut.Lock()
	defer c.mut.Unlock()
	for _, m := range c.members {
		if c.alive[m] {
			r = append(r, m)
		}
	}
	return
}

// TopologySnapshot returns the current leader map.
func (c *Cluster) TopologySnapshot() *cpclient.TopologySnapshot {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.snapshotLocked()
}

func (c *Cluster) snapshotLocked() *cpclient.TopologySnapshot {
	leaders := make(map[cpclient.GroupID]MemberID)
	for _, g := range c.groups {
		if !g.isDestroyed() {
			leaders[g.id] = g.leader
		}
	}
	return cpclient.NewTopologySnapshot(c.topoVersion, leaders)
}

func (c *Cluster) publishLocked() {
	c.topoVersion++
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		for {
			select {
			case ch <- snap:
			default:
				// full: drop the oldest and try again.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Members lists every member, up or down.
func (c *Cluster) Members() []MemberID {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([]MemberID(nil), c.members...)
}

// Leader of the named group, or "" if there is no such group.
func (c *Cluster) Leader(groupName string) MemberID {
	c.mut.Lock()
	defer c.mut.Unlock()
	g := c.groups[groupName]
	if g == nil {
		return ""
	}
	return g.leader
}

// GroupID of the named group, creating it if need be.
func (c *Cluster) GroupID(groupName string) cpclient.GroupID {
	c.mut.Lock()
	defer c.mut.Unlock()
	g, _ := c.getOrCreateGroupLocked(groupName)
	return g.id
}

// SetLeader moves leadership of groupName to m. With
// announce false the topology subscribers are not told,
// so clients keep routing to the old leader until it
// turns them away.
func (c *Cluster) SetLeader(groupName string, m MemberID, announce bool) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	g := c.groups[groupName]
	if g == nil {
		return fmt.Errorf("%w: no group '%v'", cpclient.ErrGroupUnknown, groupName)
	}
	found := false
	for _, x := range c.members {
		if x == m {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: no member '%v'", cpclient.ErrInvalidArgument, m)
	}
	g.leader = m
	if announce {
		c.publishLocked()
	}
	return nil
}

// NextMember returns a member other than the current
// leader of groupName.
func (c *Cluster) NextMember(groupName string) MemberID {
	c.mut.Lock()
	defer c.mut.Unlock()
	g := c.groups[groupName]
	for i, m := range c.members {
		if g == nil || m == g.leader {
			return c.members[(i+1)%len(c.members)]
		}
	}
	return c.members[0]
}

// SetMemberAlive takes a member down or brings it back.
func (c *Cluster) SetMemberAlive(m MemberID, alive bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.alive[m] = alive
	c.publishLocked()
}

// InjectFault makes the next times requests of op fail with
// a RemoteError carrying code, before reaching any group.
func (c *Cluster) InjectFault(op cpclient.Op, times int, code cpclient.ErrorCode) {
	c.mut.Lock()
	defer c.mut.Unlock()
	for i := 0; i < times; i++ {
		c.faults[op] = append(c.faults[op], cpclient.NewRemoteError(code, "injected fault on %v", op))
	}
}

// OpCount reports how many requests of op reached the cluster.
func (c *Cluster) OpCount(op cpclient.Op) int64 {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.opCount[op]
}

func (c *Cluster) group(groupName string) *group {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.groups[groupName]
}

// ExpireSession ends a session server side as if its lease
// ran out: its locks are freed, its permits returned, and
// its waiters cancelled.
func (c *Cluster) ExpireSession(groupName string, sessionID int64) bool {
	g := c.group(groupName)
	if g == nil {
		return false
	}
	return g.closeSession(sessionID)
}

// SessionIDs lists the live sessions of a group.
func (c *Cluster) SessionIDs(groupName string) []int64 {
	g := c.group(groupName)
	if g == nil {
		return nil
	}
	ids := g.sessionIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DestroyGroup destroys a whole CP group; every later
// request for it fails with GROUP_DESTROYED.
func (c *Cluster) DestroyGroup(groupName string) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	g := c.groups[groupName]
	if g == nil {
		return fmt.Errorf("%w: no group '%v'", cpclient.ErrGroupUnknown, groupName)
	}
	g.destroy()
	c.publishLocked()
	return nil
}

func (c *Cluster) lockReentrancyLimit(name string) int64 {
	if lim, ok := c.cfg.LockReentrancyLimits[name]; ok {
		return lim
	}
	return c.cfg.LockReentrancyLimit
}

func (c *Cluster) semaphoreJDKCompatible(name string) bool {
	return c.cfg.AllSemaphoresJDKCompatible || c.cfg.JDKCompatibleSemaphores[name]
}

func (c *Cluster) expiryLoop() {
	defer c.halt.Done.Close()
	ticker := time.NewTicker(c.cfg.ExpiryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.mut.Lock()
			var gs []*group
			for _, g := range c.groups {
				gs = append(gs, g)
			}
			c.mut.Unlock()
			for _, g := range gs {
				g.expireSessions(now)
			}
		case <-c.halt.ReqStop.Chan:
			return
		}
	}
}
