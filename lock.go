package cpclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// FencedLock is a reentrant lock held by a CP session.
//
// Every acquisition that moves the lock from unlocked to
// locked returns a fence strictly larger than any fence
// issued for this lock before. Hand the fence to the
// resources you protect so they can turn away stale holders.
//
// Each handle from CPSubsystemClient.GetLock is its own
// owner. Goroutines that share a handle share ownership;
// goroutines wanting mutual exclusion need separate handles.
type FencedLock struct {
	*proxyBase
	sm    *SessionManager
	owner lazyOwner

	mut sync.Mutex
	// session under which this owner currently
	// holds the lock, or NoSessionID.
	lockedSessionID int64
}

func newFencedLock(base *proxyBase) *FencedLock {
	return &FencedLock{
		proxyBase:       base,
		sm:              base.client.sm,
		owner:           lazyOwner{group: base.group, sm: base.client.sm},
		lockedSessionID: NoSessionID,
	}
}

// lazyOwner fetches a cluster-unique owner id on first use.
// Owner ids start at 1; 0 means not fetched yet.
type lazyOwner struct {
	group GroupID
	sm    *SessionManager

	id atomic.Int64
}

// get does not hold a lock across the network call.
// Racing first callers each fetch an id; the first one
// stored wins and the others are simply never used.
func (o *lazyOwner) get(ctx context.Context) (int64, error) {
	if id := o.id.Load(); id != 0 {
		return id, nil
	}
	id, err := o.sm.GenerateThreadID(ctx, o.group)
	if err != nil {
		return 0, err
	}
	if o.id.CompareAndSwap(0, id) {
		return id, nil
	}
	return o.id.Load(), nil
}

func (l *FencedLock) getLockedSessionID() int64 {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.lockedSessionID
}

func (l *FencedLock) setLockedSessionID(sid int64) {
	l.mut.Lock()
	l.lockedSessionID = sid
	l.mut.Unlock()
}

func (l *FencedLock) ownershipLost(sid int64) error {
	return fmt.Errorf("%w: %v held under session %v", ErrOwnershipLost, l, sid)
}

// verifyLockedSessionIDIfPresent fails if we hold the lock
// under a session other than sid; that older session
// must have been lost.
func (l *FencedLock) verifyLockedSessionIDIfPresent(sid int64, releaseSession bool) error {
	l.mut.Lock()
	locked := l.lockedSessionID
	if locked == NoSessionID || locked == sid {
		l.mut.Unlock()
		return nil
	}
	l.lockedSessionID = NoSessionID
	l.mut.Unlock()

	if releaseSession {
		l.sm.ReleaseSession(l.group, sid, 1)
	}
	return l.ownershipLost(locked)
}

// verifyNoLockedSessionIDPresent fails if we believed we
// held the lock; used once our session is known to be gone.
func (l *FencedLock) verifyNoLockedSessionIDPresent() error {
	l.mut.Lock()
	locked := l.lockedSessionID
	l.lockedSessionID = NoSessionID
	l.mut.Unlock()
	if locked != NoSessionID {
		return l.ownershipLost(locked)
	}
	return nil
}

// Lock blocks until this owner holds the lock.
func (l *FencedLock) Lock(ctx context.Context) error {
	_, err := l.LockAndGetFence(ctx)
	return err
}

// LockAndGetFence blocks until this owner holds the lock,
// and returns the fence. Reentrant acquisitions return
// the fence of the first one. ErrLockAcquireLimitReached
// means the group's reentrancy limit stopped us.
func (l *FencedLock) LockAndGetFence(ctx context.Context) (fence int64, err error) {
	owner, err := l.owner.get(ctx)
	if err != nil {
		return InvalidFence, err
	}
	invUID := NewInvocationUID()
	for {
		sid, err := l.sm.AcquireSession(ctx, l.group, 1)
		if err != nil {
			return InvalidFence, err
		}
		if err = l.verifyLockedSessionIDIfPresent(sid, true); err != nil {
			return InvalidFence, err
		}
		resp, err := l.invoke(ctx, &Request{
			Op:            OpLock,
			SessionID:     sid,
			ThreadID:      owner,
			InvocationUID: invUID,
		}, InvokeOpts{RequiresSession: true})
		if err == nil {
			if resp.Fence == InvalidFence {
				l.sm.ReleaseSession(l.group, sid, 1)
				return InvalidFence, fmt.Errorf("%w: %v", ErrLockAcquireLimitReached, l)
			}
			l.setLockedSessionID(sid)
			return resp.Fence, nil
		}
		l.sm.ReleaseSession(l.group, sid, 1)
		if errors.Is(err, ErrSessionExpired) {
			if lost := l.verifyNoLockedSessionIDPresent(); lost != nil {
				return InvalidFence, lost
			}
			// we held nothing on that session; take a new one.
			continue
		}
		return InvalidFence, err
	}
}

// TryLock makes one attempt, waiting up to timeout for the
// lock to come free. A denial is false, not an error.
func (l *FencedLock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	fence, err := l.TryLockAndGetFence(ctx, timeout)
	return fence != InvalidFence, err
}

// TryLockAndGetFence returns InvalidFence when the lock
// stayed busy for the whole timeout, or when the group's
// reentrancy limit would be exceeded.
func (l *FencedLock) TryLockAndGetFence(ctx context.Context, timeout time.Duration) (fence int64, err error) {
	if timeout < 0 {
		timeout = 0
	}
	owner, err := l.owner.get(ctx)
	if err != nil {
		return InvalidFence, err
	}
	invUID := NewInvocationUID()
	deadline := time.Now().Add(timeout)
	for {
		sid, err := l.sm.AcquireSession(ctx, l.group, 1)
		if err != nil {
			return InvalidFence, err
		}
		if err = l.verifyLockedSessionIDIfPresent(sid, true); err != nil {
			return InvalidFence, err
		}
		resp, err := l.invoke(ctx, &Request{
			Op:            OpTryLock,
			SessionID:     sid,
			ThreadID:      owner,
			InvocationUID: invUID,
			TimeoutMillis: timeout.Milliseconds(),
		}, InvokeOpts{RequiresSession: true})
		if err == nil {
			if resp.Fence == InvalidFence {
				l.sm.ReleaseSession(l.group, sid, 1)
				return InvalidFence, nil
			}
			l.setLockedSessionID(sid)
			return resp.Fence, nil
		}
		l.sm.ReleaseSession(l.group, sid, 1)
		switch {
		case errors.Is(err, ErrSessionExpired):
			if lost := l.verifyNoLockedSessionIDPresent(); lost != nil {
				return InvalidFence, lost
			}
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return InvalidFence, nil
			}
			continue
		case errors.Is(err, ErrWaitKeyCancelled):
			return InvalidFence, nil
		}
		return InvalidFence, err
	}
}

// Unlock undoes one acquisition. At a lock count of zero
// the lock is free. ErrIllegalState means this owner did not
// hold the lock; ErrOwnershipLost means it did, but its
// session is gone and the group has already released it.
func (l *FencedLock) Unlock(ctx context.Context) error {
	if l.destroyed.Load() {
		return fmt.Errorf("%w: %v", ErrDistributedObjectDestroyed, l)
	}
	owner, err := l.owner.get(ctx)
	if err != nil {
		return err
	}
	sid := l.sm.GetSession(l.group)
	if err = l.verifyLockedSessionIDIfPresent(sid, false); err != nil {
		return err
	}
	if sid == NoSessionID {
		if err = l.verifyNoLockedSessionIDPresent(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %v is not held by this owner", ErrIllegalState, l)
	}
	resp, err := l.invoke(ctx, &Request{
		Op:            OpUnlock,
		SessionID:     sid,
		ThreadID:      owner,
		InvocationUID: NewInvocationUID(),
	}, InvokeOpts{RequiresSession: true})
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionExpired):
			// the router invalidated sid already.
			if lost := l.verifyNoLockedSessionIDPresent(); lost != nil {
				return lost
			}
			return err
		case errors.Is(err, ErrIllegalMonitorState):
			l.setLockedSessionID(NoSessionID)
			return fmt.Errorf("%w: %v is not held by this owner: %w", ErrIllegalState, l, err)
		}
		return err
	}
	if !resp.Bool {
		// lock count reached zero.
		l.setLockedSessionID(NoSessionID)
	}
	l.sm.ReleaseSession(l.group, sid, 1)
	return nil
}

// GetFence returns the fence of the current hold.
func (l *FencedLock) GetFence(ctx context.Context) (int64, error) {
	owner, err := l.owner.get(ctx)
	if err != nil {
		return InvalidFence, err
	}
	sid := l.sm.GetSession(l.group)
	if err = l.verifyLockedSessionIDIfPresent(sid, false); err != nil {
		return InvalidFence, err
	}
	if l.getLockedSessionID() == NoSessionID {
		return InvalidFence, fmt.Errorf("%w: %v is not held by this owner", ErrIllegalState, l)
	}
	own, err := l.ownership(ctx)
	if err != nil {
		return InvalidFence, err
	}
	if own.IsLockedBy(sid, owner) {
		return own.Fence, nil
	}
	return InvalidFence, l.verifyNoLockedSessionIDPresent()
}

// IsLocked asks whether anyone holds the lock.
func (l *FencedLock) IsLocked(ctx context.Context) (bool, error) {
	own, err := l.ownership(ctx)
	if err != nil {
		return false, err
	}
	return own.IsLocked(), nil
}

// IsLockedByCurrentOwner asks whether this handle holds the lock.
func (l *FencedLock) IsLockedByCurrentOwner(ctx context.Context) (bool, error) {
	own, sid, owner, err := l.checkedOwnership(ctx)
	if err != nil {
		return false, err
	}
	return own.IsLockedBy(sid, owner), nil
}

// GetLockCount returns how many times the holder, whoever
// it is, has acquired the lock.
func (l *FencedLock) GetLockCount(ctx context.Context) (int64, error) {
	own, _, _, err := l.checkedOwnership(ctx)
	if err != nil {
		return 0, err
	}
	return own.LockCount, nil
}

// checkedOwnership fetches the lock's state and reconciles
// our belief about holding it with the group's.
func (l *FencedLock) checkedOwnership(ctx context.Context) (own *LockOwnership, sid, owner int64, err error) {
	owner, err = l.owner.get(ctx)
	if err != nil {
		return
	}
	sid = l.sm.GetSession(l.group)
	if err = l.verifyLockedSessionIDIfPresent(sid, false); err != nil {
		return
	}
	own, err = l.ownership(ctx)
	if err != nil {
		return
	}
	if own.IsLockedBy(sid, owner) {
		l.setLockedSessionID(sid)
		return
	}
	err = l.verifyNoLockedSessionIDPresent()
	return
}

func (l *FencedLock) ownership(ctx context.Context) (*LockOwnership, error) {
	resp, err := l.invokeNoSession(ctx, &Request{Op: OpGetLockOwnership})
	if err != nil {
		return nil, err
	}
	if resp.Ownership == nil {
		return &LockOwnership{Fence: InvalidFence, SessionID: NoSessionID}, nil
	}
	return resp.Ownership, nil
}

// Destroy the lock cluster wide. A holder loses it.
func (l *FencedLock) Destroy(ctx context.Context) error {
	err := l.proxyBase.Destroy(ctx)
	if err == nil {
		l.setLockedSessionID(NoSessionID)
	}
	return err
}
