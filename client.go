package cpclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/glycerine/idem"
)

// CPSubsystemClient is the CP side of one client connection.
// It owns its SessionManager, LeaderRoutingTable and
// InvocationRouter; nothing is shared between clients.
// Call Shutdown when done.
type CPSubsystemClient struct {
	cfg  *Config
	msgr Messenger
	topo Topology

	table  *LeaderRoutingTable
	router *InvocationRouter
	sm     *SessionManager

	// group name -> resolved GroupID
	groupIDs *Mutexmap[string, GroupID]

	shutdownOnce sync.Once
	halt         *idem.Halter
}

// NewCPSubsystemClient wires a client to msgr for requests and
// topo for leadership news. topo may be nil, in which case
// direct-to-leader routing has nothing to go on and the
// Messenger always picks the member.
func NewCPSubsystemClient(cfg *Config, msgr Messenger, topo Topology) (*CPSubsystemClient, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if msgr == nil {
		return nil, fmt.Errorf("%w: Messenger is required", ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Verbose {
		verbose = true
	}
	var members func() []MemberID
	if topo != nil {
		members = topo.CurrentMembers
	}
	c := &CPSubsystemClient{
		cfg:      cfg,
		msgr:     msgr,
		topo:     topo,
		table:    NewLeaderRoutingTable(members),
		groupIDs: NewMutexmap[string, GroupID](),
		halt:     idem.NewHalterNamed(fmt.Sprintf("CPSubsystemClient(%v)", cfg.ClientName)),
	}
	c.router = NewInvocationRouter(cfg, msgr, c.table)
	c.sm = NewSessionManager(cfg, c.router)
	c.router.setSessionManager(c.sm)
	c.sm.Start()

	if topo != nil {
		snaps, unsubscribe := topo.SubscribeToCPTopology()
		go c.topologyLoop(snaps, unsubscribe)
	} else {
		c.halt.Done.Close()
	}
	return c, nil
}

func (c *CPSubsystemClient) topologyLoop(snaps <-chan *TopologySnapshot, unsubscribe func()) {
	defer func() {
		unsubscribe()
		c.halt.Done.Close()
	}()
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			pp("%v: topology snapshot version %v with %v leaders", c.cfg.ClientName, snap.Version, len(snap.Leaders))
			c.table.Refresh(snap)
		case <-c.halt.ReqStop.Chan:
			return
		}
	}
}

// Config returns the (validated) configuration in use.
func (c *CPSubsystemClient) Config() *Config { return c.cfg }

func (c *CPSubsystemClient) SessionManager() *SessionManager { return c.sm }

func (c *CPSubsystemClient) LeaderRoutingTable() *LeaderRoutingTable { return c.table }

func (c *CPSubsystemClient) Stats() *RouterStats { return c.router.Stats() }

// groupID resolves a group name through the METADATA group,
// once per name.
func (c *CPSubsystemClient) groupID(ctx context.Context, groupName string) (GroupID, error) {
	if g, ok := c.groupIDs.Get(groupName); ok {
		return g, nil
	}
	resp, err := c.router.Invoke(ctx, metadataGroupAddr, &Request{
		Op:        OpGetGroupID,
		Name:      groupName,
		SessionID: NoSessionID,
	}, InvokeOpts{})
	if err != nil {
		return GroupID{}, err
	}
	if resp.Group.IsZero() {
		return GroupID{}, fmt.Errorf("%w: no group id for CP group '%v'", ErrTransport, groupName)
	}
	g, _ := c.groupIDs.GetOrSet(groupName, resp.Group)
	return g, nil
}

func (c *CPSubsystemClient) checkUp() error {
	if c.halt.ReqStop.IsClosed() {
		return ErrShutDown
	}
	return nil
}

// GetLock returns a new owner handle on the named FencedLock.
func (c *CPSubsystemClient) GetLock(ctx context.Context, name string) (*FencedLock, error) {
	if err := c.checkUp(); err != nil {
		return nil, err
	}
	base, err := newProxyBase(ctx, c, ServiceLock, name)
	if err != nil {
		return nil, err
	}
	return newFencedLock(base), nil
}

// GetSemaphore returns a handle on the named semaphore, of
// whichever variant the group is configured to serve.
func (c *CPSubsystemClient) GetSemaphore(ctx context.Context, name string) (Semaphore, error) {
	if err := c.checkUp(); err != nil {
		return nil, err
	}
	base, err := newProxyBase(ctx, c, ServiceSemaphore, name)
	if err != nil {
		return nil, err
	}
	resp, err := base.invokeNoSession(ctx, &Request{Op: OpSemGetConfig})
	if err != nil {
		return nil, err
	}
	return newSemaphore(base, resp.JDKCompatible), nil
}

func (c *CPSubsystemClient) GetAtomicLong(ctx context.Context, name string) (*AtomicLong, error) {
	if err := c.checkUp(); err != nil {
		return nil, err
	}
	base, err := newProxyBase(ctx, c, ServiceAtomicLong, name)
	if err != nil {
		return nil, err
	}
	return &AtomicLong{proxyBase: base}, nil
}

func (c *CPSubsystemClient) GetAtomicReference(ctx context.Context, name string) (*AtomicReference, error) {
	if err := c.checkUp(); err != nil {
		return nil, err
	}
	base, err := newProxyBase(ctx, c, ServiceAtomicRef, name)
	if err != nil {
		return nil, err
	}
	return &AtomicReference{proxyBase: base}, nil
}

func (c *CPSubsystemClient) GetCountDownLatch(ctx context.Context, name string) (*CountDownLatch, error) {
	if err := c.checkUp(); err != nil {
		return nil, err
	}
	base, err := newProxyBase(ctx, c, ServiceLatch, name)
	if err != nil {
		return nil, err
	}
	return &CountDownLatch{proxyBase: base}, nil
}

func (c *CPSubsystemClient) GetMap(ctx context.Context, name string) (*CPMap, error) {
	if err := c.checkUp(); err != nil {
		return nil, err
	}
	base, err := newProxyBase(ctx, c, ServiceMap, name)
	if err != nil {
		return nil, err
	}
	return &CPMap{proxyBase: base}, nil
}

// Shutdown stops the topology feed, heartbeats and sweeper,
// closes our sessions best effort, and fails every later
// operation with ErrShutDown. Safe to call more than once.
func (c *CPSubsystemClient) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		c.halt.ReqStop.Close()
		c.sm.Shutdown(ctx)
		c.router.Shutdown()
		select {
		case <-c.halt.Done.Chan:
		case <-ctx.Done():
		}
	})
}
