package cpclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

// scriptedMessenger fails the first len(fails) sends with the
// given errors, then answers with reply. It records every target.
type scriptedMessenger struct {
	mut     sync.Mutex
	fails   []error
	reply   *Response
	targets []MemberID
	block   bool
}

func (m *scriptedMessenger) SendToGroup(ctx context.Context, g GroupID, payload []byte, target MemberID) ([]byte, error) {
	m.mut.Lock()
	m.targets = append(m.targets, target)
	block := m.block
	var err error
	if len(m.fails) > 0 {
		err = m.fails[0]
		m.fails = m.fails[1:]
	}
	m.mut.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if _, err := DecodeRequest(payload); err != nil {
		return nil, err
	}
	return EncodeResponse(m.reply)
}

func (m *scriptedMessenger) sentTo() []MemberID {
	m.mut.Lock()
	defer m.mut.Unlock()
	return append([]MemberID(nil), m.targets...)
}

func newTestRouter(msgr Messenger, direct bool) (*InvocationRouter, *LeaderRoutingTable) {
	cfg := NewConfig()
	cfg.DirectToLeaderRouting = direct
	cfg.LeaderRefreshWait = 0
	panicOn(cfg.Validate())
	table := NewLeaderRoutingTable(nil)
	return NewInvocationRouter(cfg, msgr, table), table
}

var g1 = GroupID{Name: "g1", Seed: 11, ID: 1}

func Test020_router_retries_stale_routing_exactly_once(t *testing.T) {

	cv.Convey("one NOT_LEADER is retried and the leader hint is followed", t, func() {
		hint := NewRemoteError(CodeNotLeader, "follower")
		hint.Leader = "m2"
		msgr := &scriptedMessenger{fails: []error{hint}, reply: &Response{Long: 5}}
		r, table := newTestRouter(msgr, true)
		table.Refresh(NewTopologySnapshot(1, map[GroupID]MemberID{g1: "m1"}))

		resp, err := r.Invoke(context.Background(), g1, &Request{Op: OpLongGet, SessionID: NoSessionID}, InvokeOpts{})
		cv.So(err, cv.ShouldBeNil)
		cv.So(resp.Long, cv.ShouldEqual, 5)
		cv.So(msgr.sentTo(), cv.ShouldResemble, []MemberID{"m1", "m2"})

		// the hint stays on file for the next call.
		m, ok := table.Leader(g1)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(m, cv.ShouldEqual, MemberID("m2"))

		st := r.Stats()
		cv.So(st.Invocations, cv.ShouldEqual, 1)
		cv.So(st.Retries, cv.ShouldEqual, 1)
		cv.So(st.Failures, cv.ShouldEqual, 0)
	})

	cv.Convey("a second stale error in a row is surfaced, not retried again", t, func() {
		msgr := &scriptedMessenger{
			fails: []error{
				NewRemoteError(CodeNotLeader, "follower"),
				NewRemoteError(CodeNotLeader, "still a follower"),
			},
			reply: &Response{},
		}
		r, table := newTestRouter(msgr, true)
		table.Refresh(NewTopologySnapshot(1, map[GroupID]MemberID{g1: "m1"}))

		_, err := r.Invoke(context.Background(), g1, &Request{Op: OpLongGet, SessionID: NoSessionID}, InvokeOpts{})
		cv.So(errors.Is(err, ErrNotLeader), cv.ShouldBeTrue)
		cv.So(len(msgr.sentTo()), cv.ShouldEqual, 2)
		// no hint, no table entry: the retry let the Messenger pick.
		cv.So(msgr.sentTo()[1], cv.ShouldEqual, MemberID(""))
	})

	cv.Convey("GROUP_UNKNOWN is stale only when we picked the target", t, func() {
		msgr := &scriptedMessenger{fails: []error{NewRemoteError(CodeGroupUnknown, "who?")}, reply: &Response{}}
		r, _ := newTestRouter(msgr, false)
		_, err := r.Invoke(context.Background(), g1, &Request{Op: OpLongGet, SessionID: NoSessionID}, InvokeOpts{})
		cv.So(errors.Is(err, ErrGroupUnknown), cv.ShouldBeTrue)
		cv.So(len(msgr.sentTo()), cv.ShouldEqual, 1)

		msgr = &scriptedMessenger{fails: []error{NewRemoteError(CodeGroupUnknown, "who?")}, reply: &Response{}}
		r, table := newTestRouter(msgr, true)
		table.Refresh(NewTopologySnapshot(1, map[GroupID]MemberID{g1: "m3"}))
		_, err = r.Invoke(context.Background(), g1, &Request{Op: OpLongGet, SessionID: NoSessionID}, InvokeOpts{})
		cv.So(err, cv.ShouldBeNil)
		cv.So(msgr.sentTo(), cv.ShouldResemble, []MemberID{"m3", ""})
	})

	cv.Convey("other remote conditions pass straight through", t, func() {
		msgr := &scriptedMessenger{fails: []error{NewRemoteError(CodeObjectDestroyed, "gone")}, reply: &Response{}}
		r, _ := newTestRouter(msgr, false)
		_, err := r.Invoke(context.Background(), g1, &Request{Op: OpLongGet, SessionID: NoSessionID}, InvokeOpts{})
		cv.So(errors.Is(err, ErrDistributedObjectDestroyed), cv.ShouldBeTrue)
		cv.So(len(msgr.sentTo()), cv.ShouldEqual, 1)
	})
}

func Test021_router_timeouts_and_session_loss(t *testing.T) {

	cv.Convey("an abandoned call reports ErrTimeOut wrapping the context error", t, func() {
		msgr := &scriptedMessenger{block: true}
		r, _ := newTestRouter(msgr, false)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := r.Invoke(ctx, g1, &Request{Op: OpLongGet, SessionID: NoSessionID}, InvokeOpts{})
		cv.So(errors.Is(err, ErrTimeOut), cv.ShouldBeTrue)
		cv.So(errors.Is(err, context.DeadlineExceeded), cv.ShouldBeTrue)
		cv.So(r.Stats().Timeouts, cv.ShouldEqual, 1)
	})

	cv.Convey("SESSION_EXPIRED on a session-bound call invalidates the session and is ownership-lost", t, func() {
		msgr := &scriptedMessenger{
			fails: []error{nil, NewRemoteError(CodeSessionExpired, "unknown session")},
			reply: &Response{Session: &SessionGrant{ID: 9, TTLMillis: 60000}},
		}
		r, _ := newTestRouter(msgr, false)
		sm := NewSessionManager(r.cfg, r)
		r.setSessionManager(sm)
		defer sm.Shutdown(context.Background())

		_, err := r.Invoke(context.Background(), g1, &Request{Op: OpSemChange, SessionID: NoSessionID}, InvokeOpts{RequiresSession: true})
		cv.So(errors.Is(err, ErrOwnershipLost), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrSessionExpired), cv.ShouldBeTrue)
		cv.So(sm.GetSession(g1), cv.ShouldEqual, NoSessionID)
	})

	cv.Convey("after Shutdown every Invoke is ErrShutDown", t, func() {
		r, _ := newTestRouter(&scriptedMessenger{reply: &Response{}}, false)
		r.Shutdown()
		_, err := r.Invoke(context.Background(), g1, &Request{Op: OpLongGet}, InvokeOpts{})
		cv.So(err, cv.ShouldEqual, ErrShutDown)
	})
}

func Test022_leader_table_versions_and_waits(t *testing.T) {

	cv.Convey("older snapshots are ignored; Resolve waits for a newer one", t, func() {
		table := NewLeaderRoutingTable(nil)
		table.Refresh(NewTopologySnapshot(5, map[GroupID]MemberID{g1: "m1"}))
		table.Refresh(NewTopologySnapshot(4, map[GroupID]MemberID{g1: "m9"}))
		cv.So(table.Version(), cv.ShouldEqual, 5)
		cv.So(table.Resolve(context.Background(), g1, 0), cv.ShouldEqual, MemberID("m1"))

		table.Invalidate(g1)
		cv.So(table.Resolve(context.Background(), g1, 0), cv.ShouldEqual, MemberID(""))
		cv.So(table.Resolve(context.Background(), g1, 10*time.Millisecond), cv.ShouldEqual, MemberID(""))

		go func() {
			time.Sleep(20 * time.Millisecond)
			table.Refresh(NewTopologySnapshot(6, map[GroupID]MemberID{g1: "m2"}))
		}()
		cv.So(table.Resolve(context.Background(), g1, 5*time.Second), cv.ShouldEqual, MemberID("m2"))
	})

	cv.Convey("a leader that is not a current member is not used", t, func() {
		var mut sync.Mutex
		members := []MemberID{"m1", "m2"}
		table := NewLeaderRoutingTable(func() []MemberID {
			mut.Lock()
			defer mut.Unlock()
			return members
		})
		table.Refresh(NewTopologySnapshot(1, map[GroupID]MemberID{g1: "m2"}))
		cv.So(table.Resolve(context.Background(), g1, 0), cv.ShouldEqual, MemberID("m2"))

		mut.Lock()
		members = []MemberID{"m1"}
		mut.Unlock()
		_, ok := table.Leader(g1)
		cv.So(ok, cv.ShouldBeFalse)
	})

	cv.Convey("snapshots survive their wire form", t, func() {
		snap := NewTopologySnapshot(3, map[GroupID]MemberID{g1: "m1", {Name: "g2", ID: 2}: "m2"})
		back := &TopologySnapshot{Version: snap.Version, Entries: snap.Entries}
		back.Rehydrate()
		cv.So(back.Leaders, cv.ShouldResemble, snap.Leaders)
	})
}
