package cpclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glycerine/idem"
)

// InvokeOpts tune a single InvocationRouter.Invoke.
type InvokeOpts struct {

	// RequiresSession marks req.SessionID as the session the
	// operation depends on. When the group says that session
	// is gone we invalidate it locally and return
	// ErrOwnershipLost. If req.SessionID is NoSessionID we
	// get one and hold a reference on it for the call.
	RequiresSession bool
}

// InvocationRouter sends requests to CP groups: it fills in
// sessions, picks the target member, retries once when
// the target turned out not to be the leader, and turns
// remote conditions into our error taxonomy.
type InvocationRouter struct {
	cfg   *Config
	msgr  Messenger
	table *LeaderRoutingTable
	sm    *SessionManager
	stats *invocationStats
	halt  *idem.Halter
}

func NewInvocationRouter(cfg *Config, msgr Messenger, table *LeaderRoutingTable) *InvocationRouter {
	return &InvocationRouter{
		cfg:   cfg,
		msgr:  msgr,
		table: table,
		stats: newInvocationStats(),
		halt:  idem.NewHalterNamed("InvocationRouter"),
	}
}

// setSessionManager closes the loop: sessions are created
// through the router, and the router needs sessions.
func (r *InvocationRouter) setSessionManager(sm *SessionManager) {
	r.sm = sm
}

// Stats reports counters and latency quantiles.
func (r *InvocationRouter) Stats() *RouterStats {
	return r.stats.snapshot()
}

// Invoke sends req to group g and returns its decoded Response.
//
// If ctx is done first, the call is abandoned and an error
// wrapping both ErrTimeOut and ctx.Err() is returned. The
// group may or may not have applied req; we do not know.
func (r *InvocationRouter) Invoke(ctx context.Context, g GroupID, req *Request, opts InvokeOpts) (resp *Response, err error) {
	retried := false
	defer func() {
		r.stats.count(retried, err)
	}()

	if r.halt.ReqStop.IsClosed() {
		return nil, ErrShutDown
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.InvocationTimeout)
	defer cancel()

	req.Group = g
	if opts.RequiresSession && req.SessionID == NoSessionID {
		if r.sm == nil {
			panicf("InvocationRouter has no SessionManager, cannot invoke %v", req)
		}
		var sid int64
		sid, err = r.sm.AcquireSession(ctx, g, 1)
		if err != nil {
			return nil, r.abandoned(ctx, req, err)
		}
		defer r.sm.ReleaseSession(g, sid, 1)
		req.SessionID = sid
	}

	payload, err := EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode %v: %v", ErrInvalidArgument, req, err)
	}

	var reply []byte
	for attempt := 0; ; attempt++ {
		var target MemberID
		if r.cfg.DirectToLeaderRouting {
			wait := time.Duration(0)
			if attempt > 0 {
				wait = r.cfg.LeaderRefreshWait
			}
			target = r.table.Resolve(ctx, g, wait)
		}

		t0 := time.Now()
		reply, err = r.msgr.SendToGroup(ctx, g, payload, target)
		r.stats.sent(time.Since(t0))

		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, r.abandoned(ctx, req, err)
		}
		stale := errors.Is(err, ErrNotLeader) ||
			(target != "" && errors.Is(err, ErrGroupUnknown))
		if stale && attempt == 0 {
			pp("stale routing to '%v' for group '%v', retrying: %v", target, g.Name, err)
			r.table.Invalidate(g)
			r.table.ApplyHint(g, leaderHint(err))
			retried = true
			continue
		}
		if opts.RequiresSession && errors.Is(err, ErrSessionExpired) {
			if r.sm != nil {
				r.sm.InvalidateSession(g, req.SessionID)
			}
			return nil, fmt.Errorf("%w: session %v of group '%v' during %v: %w", ErrOwnershipLost, req.SessionID, g.Name, req.Op, err)
		}
		return nil, err
	}
	return DecodeResponse(reply)
}

func (r *InvocationRouter) abandoned(ctx context.Context, req *Request, err error) error {
	if ctx.Err() == nil || errors.Is(err, ErrTimeOut) {
		return err
	}
	return fmt.Errorf("%w: %v on group '%v' abandoned: %w", ErrTimeOut, req.Op, req.Group.Name, ctx.Err())
}

// Shutdown makes every later Invoke fail with ErrShutDown.
func (r *InvocationRouter) Shutdown() {
	r.halt.ReqStop.Close()
	r.halt.Done.Close()
}
