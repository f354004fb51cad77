package cpclient

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Semaphore is a permit counter living in a CP group.
//
// Which variant you get is decided once, when the handle is
// made, from the group's configuration for that semaphore:
//
//   - session-aware: acquired permits belong to our CP session.
//     If the session is lost the group takes them back, and
//     we cannot release them afterwards. Releasing permits
//     this session never acquired fails.
//
//   - session-less (JDK compatible): no session involved;
//     anyone may release any number of permits.
type Semaphore interface {
	GroupID() GroupID
	Name() string
	Destroy(ctx context.Context) error

	// JDKCompatible is true for the session-less variant.
	JDKCompatible() bool

	// Init sets the permit count if the semaphore was never
	// initialized before, and reports whether it did.
	Init(ctx context.Context, permits int64) (bool, error)

	// Acquire blocks until permits are ours.
	Acquire(ctx context.Context, permits int64) error

	// TryAcquire waits up to timeout; false means we got none.
	TryAcquire(ctx context.Context, permits int64, timeout time.Duration) (bool, error)

	Release(ctx context.Context, permits int64) error

	// IncreasePermits adds permits without a prior acquire.
	IncreasePermits(ctx context.Context, increase int64) error

	// ReducePermits removes permits without acquiring them;
	// the count can go negative.
	ReducePermits(ctx context.Context, reduction int64) error

	// DrainPermits takes whatever is available, possibly
	// zero, without waiting.
	DrainPermits(ctx context.Context) (int64, error)

	AvailablePermits(ctx context.Context) (int64, error)
}

// drainSessionAcquireCount is how many session references a
// drain reserves up front; those not matched by drained
// permits are given back right after, and a larger drain
// takes the rest once it knows the count.
const drainSessionAcquireCount = 1024

// semBase holds what both variants do the same way.
type semBase struct {
	*proxyBase
	owner lazyOwner
}

func (s *semBase) Init(ctx context.Context, permits int64) (bool, error) {
	if err := checkNotNegative("permits", permits); err != nil {
		return false, err
	}
	resp, err := s.invokeNoSession(ctx, &Request{Op: OpSemInit, Permits: permits})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}

func (s *semBase) AvailablePermits(ctx context.Context) (int64, error) {
	resp, err := s.invokeNoSession(ctx, &Request{Op: OpSemAvailable})
	if err != nil {
		return 0, err
	}
	return resp.Long, nil
}

// sessionAwareSemaphore binds permits to our CP session.
type sessionAwareSemaphore struct {
	semBase
	sm *SessionManager
}

// sessionlessSemaphore ignores sessions entirely.
type sessionlessSemaphore struct {
	semBase
}

func newSemaphore(base *proxyBase, jdkCompatible bool) Semaphore {
	if jdkCompatible {
		return &sessionlessSemaphore{semBase: semBase{
			proxyBase: base,
			owner:     lazyOwner{group: base.group, sm: base.client.sm},
		}}
	}
	return &sessionAwareSemaphore{
		semBase: semBase{
			proxyBase: base,
			owner:     lazyOwner{group: base.group, sm: base.client.sm},
		},
		sm: base.client.sm,
	}
}

func (s *sessionAwareSemaphore) JDKCompatible() bool { return false }

func (s *sessionAwareSemaphore) Acquire(ctx context.Context, permits int64) error {
	if err := checkPositive("permits", permits); err != nil {
		return err
	}
	owner, err := s.owner.get(ctx)
	if err != nil {
		return err
	}
	invUID := NewInvocationUID()
	for {
		sid, err := s.sm.AcquireSession(ctx, s.group, permits)
		if err != nil {
			return err
		}
		_, err = s.invoke(ctx, &Request{
			Op:            OpSemAcquire,
			SessionID:     sid,
			ThreadID:      owner,
			InvocationUID: invUID,
			Permits:       permits,
			TimeoutMillis: WaitForever,
		}, InvokeOpts{RequiresSession: true})
		if err == nil {
			return nil
		}
		s.sm.ReleaseSession(s.group, sid, permits)
		switch {
		case errors.Is(err, ErrSessionExpired):
			// nothing was held on that session yet.
			continue
		case errors.Is(err, ErrWaitKeyCancelled):
			return fmt.Errorf("%w: acquire of %v permits from %v was cancelled: %w", ErrIllegalState, permits, s, err)
		}
		return err
	}
}

func (s *sessionAwareSemaphore) TryAcquire(ctx context.Context, permits int64, timeout time.Duration) (bool, error) {
	if err := checkPositive("permits", permits); err != nil {
		return false, err
	}
	if timeout < 0 {
		timeout = 0
	}
	owner, err := s.owner.get(ctx)
	if err != nil {
		return false, err
	}
	invUID := NewInvocationUID()
	deadline := time.Now().Add(timeout)
	for {
		sid, err := s.sm.AcquireSession(ctx, s.group, permits)
		if err != nil {
			return false, err
		}
		resp, err := s.invoke(ctx, &Request{
			Op:            OpSemAcquire,
			SessionID:     sid,
			ThreadID:      owner,
			InvocationUID: invUID,
			Permits:       permits,
			TimeoutMillis: timeout.Milliseconds(),
		}, InvokeOpts{RequiresSession: true})
		if err == nil {
			if !resp.Bool {
				s.sm.ReleaseSession(s.group, sid, permits)
			}
			return resp.Bool, nil
		}
		s.sm.ReleaseSession(s.group, sid, permits)
		switch {
		case errors.Is(err, ErrSessionExpired):
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return false, nil
			}
			continue
		case errors.Is(err, ErrWaitKeyCancelled):
			return false, nil
		}
		return false, err
	}
}

func (s *sessionAwareSemaphore) Release(ctx context.Context, permits int64) error {
	if err := checkPositive("permits", permits); err != nil {
		return err
	}
	if s.destroyed.Load() {
		return fmt.Errorf("%w: %v", ErrDistributedObjectDestroyed, s)
	}
	owner, err := s.owner.get(ctx)
	if err != nil {
		return err
	}
	sid := s.sm.GetSession(s.group)
	if sid == NoSessionID {
		return fmt.Errorf("%w: no live session holds permits of %v", ErrIllegalState, s)
	}
	_, err = s.invoke(ctx, &Request{
		Op:            OpSemRelease,
		SessionID:     sid,
		ThreadID:      owner,
		InvocationUID: NewInvocationUID(),
		Permits:       permits,
	}, InvokeOpts{RequiresSession: true})
	if err != nil {
		return err
	}
	s.sm.ReleaseSession(s.group, sid, permits)
	return nil
}

func (s *sessionAwareSemaphore) DrainPermits(ctx context.Context) (int64, error) {
	owner, err := s.owner.get(ctx)
	if err != nil {
		return 0, err
	}
	invUID := NewInvocationUID()
	for {
		sid, err := s.sm.AcquireSession(ctx, s.group, drainSessionAcquireCount)
		if err != nil {
			return 0, err
		}
		resp, err := s.invoke(ctx, &Request{
			Op:            OpSemDrain,
			SessionID:     sid,
			ThreadID:      owner,
			InvocationUID: invUID,
		}, InvokeOpts{RequiresSession: true})
		if err == nil {
			drained := resp.Long
			if keep := drainSessionAcquireCount - drained; keep > 0 {
				s.sm.ReleaseSession(s.group, sid, keep)
			} else if more := drained - drainSessionAcquireCount; more > 0 {
				// every drained permit holds one session reference.
				if err := s.sm.Acquire(s.group, sid, more); err != nil {
					s.sm.ReleaseSession(s.group, sid, drainSessionAcquireCount)
					return 0, err
				}
			}
			return drained, nil
		}
		s.sm.ReleaseSession(s.group, sid, drainSessionAcquireCount)
		if errors.Is(err, ErrSessionExpired) {
			continue
		}
		return 0, err
	}
}

func (s *sessionAwareSemaphore) IncreasePermits(ctx context.Context, increase int64) error {
	if err := checkNotNegative("increase", increase); err != nil {
		return err
	}
	if increase == 0 {
		return nil
	}
	return s.change(ctx, increase)
}

func (s *sessionAwareSemaphore) ReducePermits(ctx context.Context, reduction int64) error {
	if err := checkNotNegative("reduction", reduction); err != nil {
		return err
	}
	if reduction == 0 {
		return nil
	}
	return s.change(ctx, -reduction)
}

func (s *sessionAwareSemaphore) change(ctx context.Context, delta int64) error {
	owner, err := s.owner.get(ctx)
	if err != nil {
		return err
	}
	sid, err := s.sm.AcquireSession(ctx, s.group, 1)
	if err != nil {
		return err
	}
	defer s.sm.ReleaseSession(s.group, sid, 1)
	_, err = s.invoke(ctx, &Request{
		Op:            OpSemChange,
		SessionID:     sid,
		ThreadID:      owner,
		InvocationUID: NewInvocationUID(),
		Delta:         delta,
	}, InvokeOpts{RequiresSession: true})
	return err
}

func (s *sessionlessSemaphore) JDKCompatible() bool { return true }

func (s *sessionlessSemaphore) Acquire(ctx context.Context, permits int64) error {
	if err := checkPositive("permits", permits); err != nil {
		return err
	}
	_, err := s.acquire(ctx, permits, WaitForever)
	if errors.Is(err, ErrWaitKeyCancelled) {
		return fmt.Errorf("%w: acquire of %v permits from %v was cancelled: %w", ErrIllegalState, permits, s, err)
	}
	return err
}

func (s *sessionlessSemaphore) TryAcquire(ctx context.Context, permits int64, timeout time.Duration) (bool, error) {
	if err := checkPositive("permits", permits); err != nil {
		return false, err
	}
	if timeout < 0 {
		timeout = 0
	}
	ok, err := s.acquire(ctx, permits, timeout.Milliseconds())
	if errors.Is(err, ErrWaitKeyCancelled) {
		return false, nil
	}
	return ok, err
}

func (s *sessionlessSemaphore) acquire(ctx context.Context, permits, timeoutMillis int64) (bool, error) {
	owner, err := s.owner.get(ctx)
	if err != nil {
		return false, err
	}
	resp, err := s.invokeNoSession(ctx, &Request{
		Op:            OpSemAcquire,
		ThreadID:      owner,
		InvocationUID: NewInvocationUID(),
		Permits:       permits,
		TimeoutMillis: timeoutMillis,
	})
	if err != nil {
		return false, err
	}
	return resp.Bool, nil
}

func (s *sessionlessSemaphore) Release(ctx context.Context, permits int64) error {
	if err := checkPositive("permits", permits); err != nil {
		return err
	}
	owner, err := s.owner.get(ctx)
	if err != nil {
		return err
	}
	_, err = s.invokeNoSession(ctx, &Request{
		Op:            OpSemRelease,
		ThreadID:      owner,
		InvocationUID: NewInvocationUID(),
		Permits:       permits,
	})
	return err
}

func (s *sessionlessSemaphore) DrainPermits(ctx context.Context) (int64, error) {
	owner, err := s.owner.get(ctx)
	if err != nil {
		return 0, err
	}
	resp, err := s.invokeNoSession(ctx, &Request{
		Op:            OpSemDrain,
		ThreadID:      owner,
		InvocationUID: NewInvocationUID(),
	})
	if err != nil {
		return 0, err
	}
	return resp.Long, nil
}

func (s *sessionlessSemaphore) IncreasePermits(ctx context.Context, increase int64) error {
	if err := checkNotNegative("increase", increase); err != nil {
		return err
	}
	if increase == 0 {
		return nil
	}
	return s.change(ctx, increase)
}

func (s *sessionlessSemaphore) ReducePermits(ctx context.Context, reduction int64) error {
	if err := checkNotNegative("reduction", reduction); err != nil {
		return err
	}
	if reduction == 0 {
		return nil
	}
	return s.change(ctx, -reduction)
}

func (s *sessionlessSemaphore) change(ctx context.Context, delta int64) error {
	owner, err := s.owner.get(ctx)
	if err != nil {
		return err
	}
	_, err = s.invokeNoSession(ctx, &Request{
		Op:            OpSemChange,
		ThreadID:      owner,
		InvocationUID: NewInvocationUID(),
		Delta:         delta,
	})
	return err
}
