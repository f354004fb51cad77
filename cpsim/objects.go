package cpsim

import (
	"bytes"
	"context"

	"github.com/glycerine/cpclient"
)

// fenced lock

func (g *group) lockObj(name string) *simLock {
	lk := g.locks[name]
	if lk == nil {
		lk = &simLock{}
		g.locks[name] = lk
	}
	return lk
}

func (g *group) lock(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.TimeoutMillis
	if req.Op == cpclient.OpLock {
		timeout = cpclient.WaitForever
	}
	waited := false
	return g.await(ctx, timeout, func(final bool) (*Response, bool, error) {
		if err := g.checkLocked(req); err != nil {
			return nil, true, err
		}
		if err := g.sessionLocked(req, waited); err != nil {
			return nil, true, err
		}
		if r, ok := g.replies[req.InvocationUID]; ok {
			return r, true, nil
		}
		lk := g.lockObj(req.Name)
		switch {
		case lk.count == 0:
			g.fenceCounter++
			*lk = simLock{
				fence:     g.fenceCounter,
				count:     1,
				sessionID: req.SessionID,
				threadID:  req.ThreadID,
			}
		case lk.sessionID == req.SessionID && lk.threadID == req.ThreadID:
			if limit := g.cl.lockReentrancyLimit(req.Name); limit > 0 && lk.count >= limit {
				return &Response{Fence: cpclient.InvalidFence}, true, nil
			}
			lk.count++
		default:
			if final {
				return &Response{Fence: cpclient.InvalidFence}, true, nil
			}
			waited = true
			return nil, false, nil
		}
		resp := &Response{Fence: lk.fence}
		g.remember(req.InvocationUID, resp)
		return resp, true, nil
	})
}

func (g *group) lockOpLocked(req *Request) (*Response, error) {
	if err := g.checkLocked(req); err != nil {
		return nil, err
	}
	lk := g.lockObj(req.Name)
	switch req.Op {
	case cpclient.OpGetLockOwnership:
		own := &cpclient.LockOwnership{Fence: cpclient.InvalidFence, SessionID: cpclient.NoSessionID}
		if lk.count > 0 {
			own = &cpclient.LockOwnership{
				Fence:     lk.fence,
				LockCount: lk.count,
				SessionID: lk.sessionID,
				ThreadID:  lk.threadID,
			}
		}
		return &Response{Ownership: own}, nil

	case cpclient.OpUnlock:
		if err := g.sessionLocked(req, false); err != nil {
			return nil, err
		}
		if r, ok := g.replies[req.InvocationUID]; ok {
			return r, nil
		}
		if lk.count == 0 || lk.sessionID != req.SessionID || lk.threadID != req.ThreadID {
			return nil, remote(cpclient.CodeIllegalMonitorState, "lock '%v' is not held by session %v thread %v", req.Name, req.SessionID, req.ThreadID)
		}
		lk.count--
		if lk.count == 0 {
			*lk = simLock{}
			g.notifyLocked()
		}
		resp := &Response{Bool: lk.count > 0}
		g.remember(req.InvocationUID, resp)
		return resp, nil
	}
	panicf("not a lock op: %v", req.Op)
	return nil, nil
}

// semaphore

func (g *group) semObj(name string) *simSem {
	s := g.sems[name]
	if s == nil {
		s = &simSem{
			jdk:  g.cl.semaphoreJDKCompatible(name),
			held: make(map[int64]int64),
		}
		g.sems[name] = s
	}
	return s
}

func (g *group) semAcquire(ctx context.Context, req *Request) (*Response, error) {
	waited := false
	return g.await(ctx, req.TimeoutMillis, func(final bool) (*Response, bool, error) {
		if err := g.checkLocked(req); err != nil {
			return nil, true, err
		}
		s := g.semObj(req.Name)
		if !s.jdk {
			if err := g.sessionLocked(req, waited); err != nil {
				return nil, true, err
			}
		}
		if r, ok := g.replies[req.InvocationUID]; ok {
			return r, true, nil
		}
		if s.available >= req.Permits {
			s.available -= req.Permits
			if !s.jdk {
				s.held[req.SessionID] += req.Permits
			}
			resp := &Response{Bool: true}
			g.remember(req.InvocationUID, resp)
			return resp, true, nil
		}
		if final {
			return &Response{Bool: false}, true, nil
		}
		waited = true
		return nil, false, nil
	})
}

func (g *group) semOpLocked(req *Request) (*Response, error) {
	if err := g.checkLocked(req); err != nil {
		return nil, err
	}
	s := g.semObj(req.Name)
	switch req.Op {
	case cpclient.OpSemGetConfig:
		return &Response{JDKCompatible: s.jdk}, nil
	case cpclient.OpSemAvailable:
		return &Response{Long: s.available}, nil
	case cpclient.OpSemInit:
		if s.initialized {
			return &Response{Bool: false}, nil
		}
		s.initialized = true
		s.available = req.Permits
		g.notifyLocked()
		return &Response{Bool: true}, nil
	}

	if !s.jdk {
		if err := g.sessionLocked(req, false); err != nil {
			return nil, err
		}
	}
	if r, ok := g.replies[req.InvocationUID]; ok {
		return r, nil
	}
	var resp *Response
	switch req.Op {
	case cpclient.OpSemRelease:
		if !s.jdk {
			if held := s.held[req.SessionID]; held < req.Permits {
				return nil, remote(cpclient.CodeIllegalState, "session %v holds %v permits of '%v', cannot release %v", req.SessionID, held, req.Name, req.Permits)
			}
			s.held[req.SessionID] -= req.Permits
		}
		s.available += req.Permits
		resp = &Response{}
	case cpclient.OpSemDrain:
		drained := s.available
		if drained < 0 {
			drained = 0
		}
		s.available -= drained
		if !s.jdk && drained > 0 {
			s.held[req.SessionID] += drained
		}
		resp = &Response{Long: drained}
	case cpclient.OpSemChange:
		s.available += req.Delta
		s.initialized = true
		resp = &Response{}
	default:
		panicf("not a semaphore op: %v", req.Op)
	}
	g.remember(req.InvocationUID, resp)
	g.notifyLocked()
	return resp, nil
}

// atomic long

func (g *group) longOpLocked(req *Request) (*Response, error) {
	if err := g.checkLocked(req); err != nil {
		return nil, err
	}
	cur := g.longs[req.Name]
	switch req.Op {
	case cpclient.OpLongGet:
		return &Response{Long: cur}, nil
	case cpclient.OpLongAddAndGet:
		g.longs[req.Name] = cur + req.Delta
		return &Response{Long: cur + req.Delta}, nil
	case cpclient.OpLongGetAndAdd:
		g.longs[req.Name] = cur + req.Delta
		return &Response{Long: cur}, nil
	case cpclient.OpLongGetAndSet:
		g.longs[req.Name] = req.UpdateLong
		return &Response{Long: cur}, nil
	case cpclient.OpLongCAS:
		if cur != req.ExpectLong {
			return &Response{Bool: false}, nil
		}
		g.longs[req.Name] = req.UpdateLong
		return &Response{Bool: true}, nil
	}
	panicf("not an atomic long op: %v", req.Op)
	return nil, nil
}

// atomic reference

func sameValue(a, b []byte) bool {
	if cpclient.IsNilValue(a) || cpclient.IsNilValue(b) {
		return cpclient.IsNilValue(a) && cpclient.IsNilValue(b)
	}
	return bytes.Equal(a, b)
}

func (g *group) refOpLocked(req *Request) (*Response, error) {
	if err := g.checkLocked(req); err != nil {
		return nil, err
	}
	cur := g.refs[req.Name]
	set := func(v []byte) {
		if cpclient.IsNilValue(v) {
			delete(g.refs, req.Name)
		} else {
			g.refs[req.Name] = append([]byte(nil), v...)
		}
	}
	switch req.Op {
	case cpclient.OpRefGet:
		return &Response{Value: cur}, nil
	case cpclient.OpRefSet:
		set(req.Value)
		if req.ReturnOld {
			return &Response{Value: cur}, nil
		}
		return &Response{}, nil
	case cpclient.OpRefCAS:
		if !sameValue(cur, req.Expect) {
			return &Response{Bool: false}, nil
		}
		set(req.Value)
		return &Response{Bool: true}, nil
	case cpclient.OpRefContains:
		return &Response{Bool: sameValue(cur, req.Value)}, nil
	}
	panicf("not an atomic reference op: %v", req.Op)
	return nil, nil
}

// count down latch

func (g *group) latchObj(name string) *simLatch {
	l := g.latches[name]
	if l == nil {
		l = &simLatch{counted: make(map[string]bool)}
		g.latches[name] = l
	}
	return l
}

func (g *group) latchOpLocked(req *Request) (*Response, error) {
	if err := g.checkLocked(req); err != nil {
		return nil, err
	}
	l := g.latchObj(req.Name)
	switch req.Op {
	case cpclient.OpLatchGetCount:
		return &Response{Long: l.count}, nil
	case cpclient.OpLatchGetRound:
		return &Response{Long: l.round}, nil
	case cpclient.OpLatchTrySetCount:
		if req.Permits <= 0 {
			return nil, remote(cpclient.CodeInvalidArgument, "count must be positive, not %v", req.Permits)
		}
		if l.count > 0 {
			return &Response{Bool: false}, nil
		}
		l.round++
		l.count = req.Permits
		l.counted = make(map[string]bool)
		return &Response{Bool: true}, nil
	case cpclient.OpLatchCountDown:
		if req.Round > l.round {
			return nil, remote(cpclient.CodeIllegalState, "round %v of latch '%v' has not started; current round is %v", req.Round, req.Name, l.round)
		}
		if req.Round < l.round || l.count == 0 || l.counted[req.InvocationUID] {
			return &Response{Long: l.count}, nil
		}
		l.counted[req.InvocationUID] = true
		l.count--
		if l.count == 0 {
			g.notifyLocked()
		}
		return &Response{Long: l.count}, nil
	}
	panicf("not a latch op: %v", req.Op)
	return nil, nil
}

func (g *group) latchAwait(ctx context.Context, req *Request) (*Response, error) {
	return g.await(ctx, req.TimeoutMillis, func(final bool) (*Response, bool, error) {
		if err := g.checkLocked(req); err != nil {
			return nil, true, err
		}
		if g.latchObj(req.Name).count == 0 {
			return &Response{Bool: true}, true, nil
		}
		if final {
			return &Response{Bool: false}, true, nil
		}
		return nil, false, nil
	})
}

// CP map

func (g *group) mapOpLocked(req *Request) (*Response, error) {
	if err := g.checkLocked(req); err != nil {
		return nil, err
	}
	m := g.maps[req.Name]
	if m == nil {
		m = make(map[string][]byte)
		g.maps[req.Name] = m
	}
	k := string(req.Key)
	cur, present := m[k]
	switch req.Op {
	case cpclient.OpMapGet:
		return &Response{Value: cur}, nil
	case cpclient.OpMapPut, cpclient.OpMapSet:
		m[k] = append([]byte(nil), req.Value...)
		if req.Op == cpclient.OpMapPut {
			return &Response{Value: cur}, nil
		}
		return &Response{}, nil
	case cpclient.OpMapRemove, cpclient.OpMapDelete:
		delete(m, k)
		if req.Op == cpclient.OpMapRemove {
			return &Response{Value: cur}, nil
		}
		return &Response{}, nil
	case cpclient.OpMapPutIfAbsent:
		if present {
			return &Response{Value: cur}, nil
		}
		m[k] = append([]byte(nil), req.Value...)
		return &Response{}, nil
	case cpclient.OpMapCAS:
		if !present || !bytes.Equal(cur, req.Expect) {
			return &Response{Bool: false}, nil
		}
		m[k] = append([]byte(nil), req.Value...)
		return &Response{Bool: true}, nil
	}
	panicf("not a CP map op: %v", req.Op)
	return nil, nil
}
