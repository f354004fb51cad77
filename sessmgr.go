package cpclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
)

// invoker is the slice of InvocationRouter the
// SessionManager needs to talk to the groups.
type invoker interface {
	Invoke(ctx context.Context, g GroupID, req *Request, opts InvokeOpts) (*Response, error)
}

// SessionManager owns, per CP group, at most one live
// session for this client. It creates sessions lazily,
// keeps them alive with one heartbeat goroutine each,
// counts the references held against them, and drops
// them when the cluster says they are gone or when they
// sit unused past their ttl.
type SessionManager struct {
	cfg *Config
	inv invoker

	mut      sync.Mutex
	sessions map[GroupID]*Session
	creating map[GroupID]*sessCreateTicket
	byExpiry *sessByExpiry
	shutdown bool

	// counts CREATE_SESSION requests sent, for tests
	// and Stats.
	created int64

	halt *idem.Halter
}

// sessCreateTicket lets concurrent callers for one group
// wait on the single in-flight CREATE_SESSION.
type sessCreateTicket struct {
	sess *Session
	err  error
	Done *idem.IdemCloseChan
}

func NewSessionManager(cfg *Config, inv invoker) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		inv:      inv,
		sessions: make(map[GroupID]*Session),
		creating: make(map[GroupID]*sessCreateTicket),
		byExpiry: newSessByExpiry(),
		halt:     idem.NewHalterNamed("SessionManager"),
	}
}

// Start launches the idle session sweeper.
func (m *SessionManager) Start() {
	go m.sweeper()
}

// GetOrCreateSession returns the id of our valid session
// for g, asking the group for a new one when we have none.
// Callers racing on one group share a single request.
func (m *SessionManager) GetOrCreateSession(ctx context.Context, g GroupID) (sessionID int64, err error) {
	for {
		m.mut.Lock()
		if m.shutdown {
			m.mut.Unlock()
			return NoSessionID, ErrShutDown
		}
		s := m.sessions[g]
		if s != nil {
			if s.IsValid(time.Now()) {
				m.mut.Unlock()
				return s.ID, nil
			}
			m.removeLocked(s)
		}
		tkt, inflight := m.creating[g]
		if !inflight {
			tkt = &sessCreateTicket{Done: idem.NewIdemCloseChan()}
			m.creating[g] = tkt
		}
		m.mut.Unlock()

		if !inflight {
			m.createSession(ctx, g, tkt)
			if tkt.err != nil {
				return NoSessionID, tkt.err
			}
			return tkt.sess.ID, nil
		}

		select {
		case <-tkt.Done.Chan:
		case <-ctx.Done():
			return NoSessionID, ctx.Err()
		case <-m.halt.ReqStop.Chan:
			return NoSessionID, ErrShutDown
		}
		if tkt.err == nil {
			return tkt.sess.ID, nil
		}
		if isCtxErr(tkt.err) && ctx.Err() == nil {
			// the creator's context gave up, not ours. Try again.
			continue
		}
		return NoSessionID, tkt.err
	}
}

func (m *SessionManager) createSession(ctx context.Context, g GroupID, tkt *sessCreateTicket) {
	defer tkt.Done.Close()

	atomic.AddInt64(&m.created, 1)
	sentAt := time.Now()
	resp, err := m.inv.Invoke(ctx, g, &Request{
		Op:        OpCreateSession,
		Group:     g,
		Name:      m.cfg.ClientName,
		SessionID: NoSessionID,
	}, InvokeOpts{})
	if err == nil && (resp.Session == nil || resp.Session.TTLMillis <= 0) {
		err = fmt.Errorf("%w: CREATE_SESSION reply for group '%v' carried no usable session", ErrTransport, g.Name)
	}

	m.mut.Lock()
	delete(m.creating, g)
	if err != nil {
		m.mut.Unlock()
		tkt.err = err
		return
	}
	grant := resp.Session
	s := NewSession(g, grant.ID, time.Duration(grant.TTLMillis)*time.Millisecond, sentAt)
	s.heartbeatEvery = time.Duration(grant.HeartbeatMillis) * time.Millisecond
	if m.shutdown {
		m.mut.Unlock()
		// too late to keep it; let the group know.
		m.closeRemote(g, s.ID)
		tkt.err = ErrShutDown
		return
	}
	m.sessions[g] = s
	m.byExpiry.upsert(s)
	m.mut.Unlock()

	pp("created session %v in group '%v' ttl=%v", s.ID, g.Name, s.TTL)
	go m.heartbeatLoop(s)
	tkt.sess = s
}

// AcquireSession gets or creates the session for g and
// takes count references on it.
func (m *SessionManager) AcquireSession(ctx context.Context, g GroupID, count int64) (sessionID int64, err error) {
	for {
		sessionID, err = m.GetOrCreateSession(ctx, g)
		if err != nil {
			return
		}
		err = m.Acquire(g, sessionID, count)
		if err == nil {
			return
		}
		// lost a race with invalidation; get the next session.
		if ctx.Err() != nil {
			return NoSessionID, ctx.Err()
		}
	}
}

// Acquire takes count references on sessionID, which must
// still be our current session for g.
func (m *SessionManager) Acquire(g GroupID, sessionID int64, count int64) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	s := m.sessions[g]
	if s == nil || s.ID != sessionID {
		return fmt.Errorf("%w: session %v of group '%v' is no longer current", ErrOwnershipLost, sessionID, g.Name)
	}
	s.Acquire(count)
	return nil
}

// ReleaseSession drops count references. References held
// against a session we already dropped are simply forgotten.
func (m *SessionManager) ReleaseSession(g GroupID, sessionID int64, count int64) {
	m.mut.Lock()
	defer m.mut.Unlock()
	s := m.sessions[g]
	if s != nil && s.ID == sessionID {
		s.Release(count)
	}
}

// GetSession returns our current valid session id for g,
// or NoSessionID. It never talks to the cluster.
func (m *SessionManager) GetSession(g GroupID) int64 {
	m.mut.Lock()
	defer m.mut.Unlock()
	s := m.sessions[g]
	if s == nil || !s.IsValid(time.Now()) {
		return NoSessionID
	}
	return s.ID
}

// SessionAcquireCount reports the references held on
// sessionID, or 0 if it is not our current session for g.
func (m *SessionManager) SessionAcquireCount(g GroupID, sessionID int64) int64 {
	m.mut.Lock()
	defer m.mut.Unlock()
	s := m.sessions[g]
	if s == nil || s.ID != sessionID {
		return 0
	}
	return s.AcquireCount()
}

// CreatedCount is how many CREATE_SESSION requests we have sent.
func (m *SessionManager) CreatedCount() int64 {
	return atomic.LoadInt64(&m.created)
}

// InvalidateSession forgets sessionID if it is still our
// session for g. The next GetOrCreateSession makes a new one.
func (m *SessionManager) InvalidateSession(g GroupID, sessionID int64) {
	m.mut.Lock()
	defer m.mut.Unlock()
	s := m.sessions[g]
	if s != nil && s.ID == sessionID {
		if m.cfg.Verbose {
			alwaysPrintf("invalidating session %v of group '%v'", sessionID, g.Name)
		}
		m.removeLocked(s)
	}
}

// removeLocked must be called with m.mut held.
func (m *SessionManager) removeLocked(s *Session) {
	s.invalidate()
	if cur := m.sessions[s.Group]; cur == s {
		delete(m.sessions, s.Group)
	}
	m.byExpiry.delete(s)
	s.halt.ReqStop.Close()
}

// CloseSession tells the group we are done with sessionID,
// best effort. The local entry goes away whatever the
// network says.
func (m *SessionManager) CloseSession(ctx context.Context, g GroupID, sessionID int64) error {
	m.mut.Lock()
	s := m.sessions[g]
	if s != nil && s.ID == sessionID {
		m.removeLocked(s)
	}
	m.mut.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CloseSessionTimeout)
	defer cancel()
	_, err := m.inv.Invoke(ctx, g, &Request{
		Op:        OpCloseSession,
		Group:     g,
		SessionID: sessionID,
	}, InvokeOpts{})
	return err
}

func (m *SessionManager) closeRemote(g GroupID, sessionID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CloseSessionTimeout)
	defer cancel()
	_, err := m.inv.Invoke(ctx, g, &Request{Op: OpCloseSession, Group: g, SessionID: sessionID}, InvokeOpts{})
	if err != nil {
		pp("best effort close of session %v in '%v': %v", sessionID, g.Name, err)
	}
}

// GenerateThreadID asks g for an owner id that no other
// caller anywhere in the cluster will be given.
func (m *SessionManager) GenerateThreadID(ctx context.Context, g GroupID) (int64, error) {
	resp, err := m.inv.Invoke(ctx, g, &Request{
		Op:        OpGenerateThreadID,
		Group:     g,
		SessionID: NoSessionID,
	}, InvokeOpts{})
	if err != nil {
		return 0, err
	}
	return resp.Long, nil
}

func (m *SessionManager) heartbeatInterval(s *Session) time.Duration {
	every := m.cfg.HeartbeatInterval
	if s.heartbeatEvery > 0 && s.heartbeatEvery < every {
		every = s.heartbeatEvery
	}
	if third := s.TTL / 3; third < every {
		every = third
	}
	if every < time.Millisecond {
		every = time.Millisecond
	}
	return every
}

// heartbeatLoop runs until s is removed or we shut down.
func (m *SessionManager) heartbeatLoop(s *Session) {
	defer s.halt.Done.Close()

	every := m.heartbeatInterval(s)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.halt.ReqStop.Chan:
			return
		case <-m.halt.ReqStop.Chan:
			return
		}
		now := time.Now()
		if !s.wantsHeartbeat(now) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		_, err := m.inv.Invoke(ctx, s.Group, &Request{
			Op:        OpHeartbeat,
			Group:     s.Group,
			SessionID: s.ID,
		}, InvokeOpts{})
		cancel()

		switch {
		case err == nil:
			s.heartbeatOK(now)
			m.mut.Lock()
			if m.sessions[s.Group] == s {
				m.byExpiry.upsert(s)
			}
			m.mut.Unlock()
		case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrGroupDestroyed):
			m.InvalidateSession(s.Group, s.ID)
			return
		default:
			// transient; try again next tick.
			pp("heartbeat for session %v in '%v' failed: %v", s.ID, s.Group.Name, err)
		}
	}
}

func (m *SessionManager) sweeper() {
	defer m.halt.Done.Close()

	ticker := time.NewTicker(m.cfg.SessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.halt.ReqStop.Chan:
			return
		}
	}
}

// sweep drops expired sessions that nobody references.
// Returns how many it dropped.
func (m *SessionManager) sweep(now time.Time) (dropped int) {
	m.mut.Lock()
	defer m.mut.Unlock()
	for _, s := range m.byExpiry.expiredBy(now) {
		if !s.IsExpired(now) {
			// a heartbeat got there first.
			m.byExpiry.upsert(s)
			continue
		}
		if s.IsInUse() {
			// the group decides; heartbeats will tell us.
			continue
		}
		if m.cfg.Verbose {
			alwaysPrintf("dropping idle expired session %v of group '%v'", s.ID, s.Group.Name)
		}
		m.removeLocked(s)
		dropped++
	}
	return
}

// Shutdown stops the sweeper and every heartbeat, waits
// for them, then closes each session with the group, best effort.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mut.Lock()
	if m.shutdown {
		m.mut.Unlock()
		return
	}
	m.shutdown = true
	var live []*Session
	for _, s := range m.sessions {
		live = append(live, s)
	}
	for _, s := range live {
		m.removeLocked(s)
	}
	m.byExpiry.Clear()
	m.mut.Unlock()

	m.halt.ReqStop.Close()
	for _, s := range live {
		<-s.halt.Done.Chan
	}

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.cfg.CloseSessionTimeout)
			defer cancel()
			_, err := m.inv.Invoke(cctx, s.Group, &Request{Op: OpCloseSession, Group: s.Group, SessionID: s.ID}, InvokeOpts{})
			if err != nil {
				pp("shutdown: close of session %v in '%v': %v", s.ID, s.Group.Name, err)
			}
		}(s)
	}
	wg.Wait()
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeOut)
}
