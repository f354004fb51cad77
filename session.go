package cpclient

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	rb "github.com/glycerine/rbtree"
)

// Session is our local picture of a session lease the
// cluster granted to this client for one CP group.
//
// The lease is good until lastHeartbeat + TTL; each
// successful heartbeat pushes that out. acquireCount
// counts the lock holds, permits, and in-flight calls
// currently depending on the session.
type Session struct {
	ID           int64
	Group        GroupID
	TTL          time.Duration
	CreationTime time.Time

	// suggested by the cluster
	heartbeatEvery time.Duration

	acquireCount int64 // atomic
	invalidated  atomic.Bool

	mut           sync.Mutex
	lastHeartbeat time.Time
	lastUsed      time.Time

	// sweeper index entry; guarded by SessionManager.mut
	byExpiryIter rb.Iterator
	indexedEndx  time.Time
	indexed      bool

	// halts our heartbeat task.
	halt *idem.Halter
}

// NewSession makes a Session as if the cluster had just
// granted it at now.
func NewSession(g GroupID, id int64, ttl time.Duration, now time.Time) *Session {
	return &Session{
		ID:            id,
		Group:         g,
		TTL:           ttl,
		CreationTime:  now,
		lastHeartbeat: now,
		lastUsed:      now,
		halt:          idem.NewHalterNamed(fmt.Sprintf("heartbeat(%v, session %v)", g.Name, id)),
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("Session{ID:%v, Group:%v, TTL:%v, acquireCount:%v, invalidated:%v, created:%v, endx:%v}",
		s.ID, s.Group.Name, s.TTL, s.AcquireCount(), s.invalidated.Load(), nice(s.CreationTime), nice(s.Endx()))
}

// Endx is the first instant the lease is no longer good.
func (s *Session) Endx() time.Time {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.lastHeartbeat.Add(s.TTL)
}

// IsExpired is true once now is past the last
// heartbeat (or the creation) plus the ttl.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.Endx())
}

func (s *Session) IsValid(now time.Time) bool {
	return !s.invalidated.Load() && !s.IsExpired(now)
}

func (s *Session) IsInUse() bool {
	return atomic.LoadInt64(&s.acquireCount) > 0
}

func (s *Session) AcquireCount() int64 {
	return atomic.LoadInt64(&s.acquireCount)
}

// Acquire adds count references.
func (s *Session) Acquire(count int64) int64 {
	if count <= 0 {
		panicf("Session.Acquire count must be positive, not %v", count)
	}
	s.touch(time.Now())
	return atomic.AddInt64(&s.acquireCount, count)
}

// Release drops count references. Going below zero
// means a caller released what it never acquired; that
// is a bug in this package, not a user error, so we panic.
func (s *Session) Release(count int64) int64 {
	if count <= 0 {
		panicf("Session.Release count must be positive, not %v", count)
	}
	n := atomic.AddInt64(&s.acquireCount, -count)
	if n < 0 {
		panicf("Session.Release below zero: session %v acquireCount=%v after releasing %v", s.ID, n, count)
	}
	s.touch(time.Now())
	return n
}

func (s *Session) touch(now time.Time) {
	s.mut.Lock()
	if now.After(s.lastUsed) {
		s.lastUsed = now
	}
	s.mut.Unlock()
}

// heartbeatOK records a successful heartbeat sent at sentAt.
func (s *Session) heartbeatOK(sentAt time.Time) {
	s.mut.Lock()
	if sentAt.After(s.lastHeartbeat) {
		s.lastHeartbeat = sentAt
	}
	s.mut.Unlock()
}

// wantsHeartbeat: heartbeat while in use, or while used
// within the last ttl. Idle sessions are left to lapse.
func (s *Session) wantsHeartbeat(now time.Time) bool {
	if s.invalidated.Load() {
		return false
	}
	if s.IsInUse() {
		return true
	}
	s.mut.Lock()
	lastUsed := s.lastUsed
	s.mut.Unlock()
	return now.Sub(lastUsed) < s.TTL
}

func (s *Session) invalidate() (first bool) {
	return s.invalidated.CompareAndSwap(false, true)
}
