package cpsim

import (
	"context"
	"sync"
	"time"

	"github.com/glycerine/cpclient"
	"github.com/glycerine/loquet"
)

type (
	Request  = cpclient.Request
	Response = cpclient.Response
)

var remote = cpclient.NewRemoteError

type objKey struct {
	service string
	name    string
}

type simLock struct {
	fence     int64
	count     int64
	sessionID int64
	threadID  int64
}

type simSem struct {
	initialized bool
	jdk         bool
	available   int64

	// session id -> permits it holds; session-aware only.
	held map[int64]int64
}

type simLatch struct {
	round int64
	count int64
	// invocation uids already counted this round.
	counted map[string]bool
}

// group is one CP group: its sessions and the state
// machines of every object it holds.
type group struct {
	cl *Cluster
	id cpclient.GroupID

	// guarded by cl.mut
	leader MemberID

	mut       sync.Mutex
	destroyed bool

	// closed and replaced after every state change, so
	// blocked operations re-check their condition.
	changed *loquet.Chan[int64]

	sessions      map[int64]*simSession
	byExpiry      *sessTableByExpiry
	nextSessionID int64
	nextThreadID  int64

	// fences come from one counter per group, so they only
	// ever grow, across every lock of the group.
	fenceCounter int64

	locks   map[string]*simLock
	sems    map[string]*simSem
	longs   map[string]int64
	refs    map[string][]byte
	latches map[string]*simLatch
	maps    map[string]map[string][]byte

	destroyedObjs map[objKey]bool

	// replies to mutating calls, by invocation uid, so a
	// resent call is answered without being applied twice.
	replies map[string]*Response
}

func newGroup(cl *Cluster, id cpclient.GroupID) *group {
	return &group{
		cl:            cl,
		id:            id,
		changed:       loquet.NewChan[int64](nil),
		sessions:      make(map[int64]*simSession),
		byExpiry:      newSessTableByExpiry(),
		locks:         make(map[string]*simLock),
		sems:          make(map[string]*simSem),
		longs:         make(map[string]int64),
		refs:          make(map[string][]byte),
		latches:       make(map[string]*simLatch),
		maps:          make(map[string]map[string][]byte),
		destroyedObjs: make(map[objKey]bool),
		replies:       make(map[string]*Response),
	}
}

func (g *group) notifyLocked() {
	old := g.changed
	g.changed = loquet.NewChan[int64](nil)
	old.Close()
}

func (g *group) isDestroyed() bool {
	g.mut.Lock()
	defer g.mut.Unlock()
	return g.destroyed
}

func (g *group) destroy() {
	g.mut.Lock()
	defer g.mut.Unlock()
	g.destroyed = true
	for id := range g.sessions {
		g.closeSessionLocked(id)
	}
	g.byExpiry.Clear()
	g.notifyLocked()
}

// await runs try under g.mut until it is done, waiting for
// state changes in between. After timeoutMillis (negative
// means never) try gets one last, final, chance and must
// then be done.
func (g *group) await(ctx context.Context, timeoutMillis int64, try func(final bool) (*Response, bool, error)) (*Response, error) {
	var timerC <-chan time.Time
	if timeoutMillis > 0 {
		timer := time.NewTimer(time.Duration(timeoutMillis) * time.Millisecond)
		defer timer.Stop()
		timerC = timer.C
	}
	final := timeoutMillis == 0
	for {
		g.mut.Lock()
		resp, done, err := try(final)
		changed := g.changed
		g.mut.Unlock()
		if done || final {
			return resp, err
		}
		select {
		case <-changed.WhenClosed():
		case <-timerC:
			final = true
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.cl.halt.ReqStop.Chan:
			return nil, remote(cpclient.CodeShutDown, "cluster closed")
		}
	}
}

// once runs f under g.mut.
func (g *group) once(f func() (*Response, error)) (*Response, error) {
	g.mut.Lock()
	defer g.mut.Unlock()
	return f()
}

// checkLocked rejects requests to a destroyed group or object.
func (g *group) checkLocked(req *Request) error {
	if g.destroyed {
		return remote(cpclient.CodeGroupDestroyed, "CP group '%v' was destroyed", g.id.Name)
	}
	if req.Service != "" && g.destroyedObjs[objKey{req.Service, req.Name}] {
		return remote(cpclient.CodeObjectDestroyed, "%v '%v' was destroyed", req.Service, req.Name)
	}
	return nil
}

// sessionLocked verifies req's session. A waiter whose
// session vanished while it waited is cancelled instead.
func (g *group) sessionLocked(req *Request, waited bool) error {
	if _, ok := g.sessions[req.SessionID]; ok {
		return nil
	}
	if waited {
		return remote(cpclient.CodeWaitKeyCancelled, "session %v closed while waiting on '%v'", req.SessionID, req.Name)
	}
	return remote(cpclient.CodeSessionExpired, "session %v unknown to group '%v'", req.SessionID, g.id.Name)
}

func (g *group) remember(invUID string, resp *Response) {
	if invUID != "" {
		g.replies[invUID] = resp
	}
}

func (g *group) apply(ctx context.Context, req *Request) (*Response, error) {
	switch req.Op {
	case cpclient.OpCreateSession, cpclient.OpHeartbeat, cpclient.OpCloseSession, cpclient.OpGenerateThreadID:
		return g.once(func() (*Response, error) { return g.sessionOpLocked(req) })

	case cpclient.OpDestroyObject:
		return g.once(func() (*Response, error) { return g.destroyObjectLocked(req) })

	case cpclient.OpLock, cpclient.OpTryLock:
		return g.lock(ctx, req)
	case cpclient.OpUnlock, cpclient.OpGetLockOwnership:
		return g.once(func() (*Response, error) { return g.lockOpLocked(req) })

	case cpclient.OpSemAcquire:
		return g.semAcquire(ctx, req)
	case cpclient.OpSemInit, cpclient.OpSemRelease, cpclient.OpSemDrain,
		cpclient.OpSemChange, cpclient.OpSemAvailable, cpclient.OpSemGetConfig:
		return g.once(func() (*Response, error) { return g.semOpLocked(req) })

	case cpclient.OpLongGet, cpclient.OpLongAddAndGet, cpclient.OpLongGetAndAdd,
		cpclient.OpLongGetAndSet, cpclient.OpLongCAS:
		return g.once(func() (*Response, error) { return g.longOpLocked(req) })

	case cpclient.OpRefGet, cpclient.OpRefSet, cpclient.OpRefCAS, cpclient.OpRefContains:
		return g.once(func() (*Response, error) { return g.refOpLocked(req) })

	case cpclient.OpLatchAwait:
		return g.latchAwait(ctx, req)
	case cpclient.OpLatchTrySetCount, cpclient.OpLatchGetCount, cpclient.OpLatchGetRound, cpclient.OpLatchCountDown:
		return g.once(func() (*Response, error) { return g.latchOpLocked(req) })

	case cpclient.OpMapGet, cpclient.OpMapPut, cpclient.OpMapSet, cpclient.OpMapRemove,
		cpclient.OpMapDelete, cpclient.OpMapPutIfAbsent, cpclient.OpMapCAS:
		return g.once(func() (*Response, error) { return g.mapOpLocked(req) })
	}
	return nil, remote(cpclient.CodeNotSupported, "unknown op '%v'", req.Op)
}

// sessions

func (g *group) sessionOpLocked(req *Request) (*Response, error) {
	if err := g.checkLocked(req); err != nil {
		return nil, err
	}
	now := time.Now()
	ttl := g.cl.cfg.SessionTTL
	switch req.Op {
	case cpclient.OpCreateSession:
		g.nextSessionID++
		ss := &simSession{id: g.nextSessionID, clientName: req.Name}
		g.sessions[ss.id] = ss
		g.byExpiry.Upsert(ss, now.Add(ttl))
		pp("cpsim: group '%v' granted session %v to '%v'", g.id.Name, ss.id, req.Name)
		return &Response{Session: &cpclient.SessionGrant{
			ID:              ss.id,
			TTLMillis:       ttl.Milliseconds(),
			HeartbeatMillis: g.cl.cfg.HeartbeatInterval.Milliseconds(),
		}}, nil

	case cpclient.OpHeartbeat:
		ss, ok := g.sessions[req.SessionID]
		if !ok {
			return nil, remote(cpclient.CodeSessionExpired, "session %v unknown to group '%v'", req.SessionID, g.id.Name)
		}
		g.byExpiry.Upsert(ss, now.Add(ttl))
		return &Response{}, nil

	case cpclient.OpCloseSession:
		return &Response{Bool: g.closeSessionLocked(req.SessionID)}, nil

	case cpclient.OpGenerateThreadID:
		g.nextThreadID++
		return &Response{Long: g.nextThreadID}, nil
	}
	panicf("not a session op: %v", req.Op)
	return nil, nil
}

func (g *group) closeSession(id int64) bool {
	g.mut.Lock()
	defer g.mut.Unlock()
	return g.closeSessionLocked(id)
}

// closeSessionLocked frees everything the session held.
func (g *group) closeSessionLocked(id int64) bool {
	ss, ok := g.sessions[id]
	if !ok {
		return false
	}
	delete(g.sessions, id)
	g.byExpiry.Delete(ss)
	for _, lk := range g.locks {
		if lk.count > 0 && lk.sessionID == id {
			*lk = simLock{}
		}
	}
	for _, s := range g.sems {
		if n := s.held[id]; n > 0 {
			s.available += n
		}
		delete(s.held, id)
	}
	g.notifyLocked()
	pp("cpsim: group '%v' closed session %v", g.id.Name, id)
	return true
}

func (g *group) expireSessions(now time.Time) {
	g.mut.Lock()
	defer g.mut.Unlock()
	for _, ss := range g.byExpiry.Expired(now) {
		g.closeSessionLocked(ss.id)
	}
}

func (g *group) sessionIDs() (r []int64) {
	g.mut.Lock()
	defer g.mut.Unlock()
	for id := range g.sessions {
		r = append(r, id)
	}
	return
}

func (g *group) destroyObjectLocked(req *Request) (*Response, error) {
	if g.destroyed {
		return nil, remote(cpclient.CodeGroupDestroyed, "CP group '%v' was destroyed", g.id.Name)
	}
	k := objKey{req.Service, req.Name}
	if g.destroyedObjs[k] {
		return &Response{}, nil
	}
	switch req.Service {
	case cpclient.ServiceLock:
		delete(g.locks, req.Name)
	case cpclient.ServiceSemaphore:
		delete(g.sems, req.Name)
	case cpclient.ServiceAtomicLong:
		delete(g.longs, req.Name)
	case cpclient.ServiceAtomicRef:
		delete(g.refs, req.Name)
	case cpclient.ServiceLatch:
		delete(g.latches, req.Name)
	case cpclient.ServiceMap:
		delete(g.maps, req.Name)
	default:
		return nil, remote(cpclient.CodeInvalidArgument, "unknown service '%v'", req.Service)
	}
	g.destroyedObjs[k] = true
	g.notifyLocked()
	return &Response{}, nil
}
