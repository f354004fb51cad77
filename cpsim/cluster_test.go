package cpsim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glycerine/cpclient"
	cv "github.com/glycerine/goconvey/convey"
)

var bkg = context.Background()

func send(c *Cluster, gid cpclient.GroupID, target MemberID, req *Request) (*Response, error) {
	req.Group = gid
	by, err := cpclient.EncodeRequest(req)
	panicOn(err)
	out, err := c.SendToGroup(bkg, gid, by, target)
	if err != nil {
		return nil, err
	}
	return cpclient.DecodeResponse(out)
}

func newSession(c *Cluster, gid cpclient.GroupID) int64 {
	resp, err := send(c, gid, "", &Request{Op: cpclient.OpCreateSession, Name: "test", SessionID: cpclient.NoSessionID})
	panicOn(err)
	return resp.Session.ID
}

func Test500_metadata_group_hands_out_stable_ids(t *testing.T) {

	cv.Convey("the METADATA group creates groups on first ask and then answers the same id", t, func() {
		c := NewCluster(nil)
		defer c.Close()

		meta := cpclient.GroupID{Name: cpclient.MetadataGroupName}
		r1, err := send(c, meta, "", &Request{Op: cpclient.OpGetGroupID, Name: "alpha"})
		cv.So(err, cv.ShouldBeNil)
		r2, err := send(c, meta, "", &Request{Op: cpclient.OpGetGroupID, Name: "alpha"})
		cv.So(err, cv.ShouldBeNil)
		cv.So(r2.Group, cv.ShouldResemble, r1.Group)
		cv.So(r1.Group.Name, cv.ShouldEqual, "alpha")
		cv.So(r1.Group.Seed, cv.ShouldEqual, groupSeed("alpha"))
		cv.So(c.GroupID("alpha"), cv.ShouldResemble, r1.Group)

		_, err = send(c, meta, "", &Request{Op: cpclient.OpLongGet, Name: "x"})
		cv.So(errors.Is(err, cpclient.ErrNotSupported), cv.ShouldBeTrue)

		_, err = send(c, meta, "", &Request{Op: cpclient.OpGetGroupID, Name: cpclient.MetadataGroupName})
		cv.So(errors.Is(err, cpclient.ErrInvalidArgument), cv.ShouldBeTrue)

		// a stale id for a known name is unknown.
		stale := r1.Group
		stale.ID += 1000
		_, err = send(c, stale, "", &Request{Op: cpclient.OpLongGet, Service: cpclient.ServiceAtomicLong, Name: "x"})
		cv.So(errors.Is(err, cpclient.ErrGroupUnknown), cv.ShouldBeTrue)

		cv.So(c.DestroyGroup("alpha"), cv.ShouldBeNil)
		_, err = send(c, meta, "", &Request{Op: cpclient.OpGetGroupID, Name: "alpha"})
		cv.So(errors.Is(err, cpclient.ErrGroupDestroyed), cv.ShouldBeTrue)
	})
}

func Test501_not_leader_and_topology(t *testing.T) {

	cv.Convey("a follower turns requests away naming the leader; subscribers see announced moves only", t, func() {
		c := NewCluster(nil)
		defer c.Close()

		snaps, unsub := c.SubscribeToCPTopology()
		defer unsub()
		first := <-snaps
		gid := c.GroupID(cpclient.DefaultGroupName)
		cv.So(first.Leaders[gid], cv.ShouldEqual, c.Leader(cpclient.DefaultGroupName))

		leader := c.Leader(cpclient.DefaultGroupName)
		other := c.NextMember(cpclient.DefaultGroupName)
		cv.So(other, cv.ShouldNotEqual, leader)

		_, err := send(c, gid, other, &Request{Op: cpclient.OpLongGet, Service: cpclient.ServiceAtomicLong, Name: "n"})
		cv.So(errors.Is(err, cpclient.ErrNotLeader), cv.ShouldBeTrue)
		var re *cpclient.RemoteError
		cv.So(errors.As(err, &re), cv.ShouldBeTrue)
		cv.So(re.Leader, cv.ShouldEqual, leader)

		_, err = send(c, gid, leader, &Request{Op: cpclient.OpLongGet, Service: cpclient.ServiceAtomicLong, Name: "n"})
		cv.So(err, cv.ShouldBeNil)

		// silent move: no snapshot.
		panicOn(c.SetLeader(cpclient.DefaultGroupName, other, false))
		select {
		case s := <-snaps:
			t.Fatalf("unexpected snapshot %v after a silent move", s.Version)
		case <-time.After(20 * time.Millisecond):
		}

		// announced move: a newer snapshot.
		panicOn(c.SetLeader(cpclient.DefaultGroupName, leader, true))
		s := <-snaps
		cv.So(s.Version, cv.ShouldBeGreaterThan, first.Version)
		cv.So(s.Leaders[gid], cv.ShouldEqual, leader)

		// a member that is down is unreachable, not a follower.
		c.SetMemberAlive(other, false)
		_, err = send(c, gid, other, &Request{Op: cpclient.OpLongGet, Service: cpclient.ServiceAtomicLong, Name: "n"})
		cv.So(errors.Is(err, cpclient.ErrTransport), cv.ShouldBeTrue)
		cv.So(c.CurrentMembers(), cv.ShouldNotContain, other)
		cv.So(len(c.Members()), cv.ShouldEqual, 3)
	})
}

func Test502_faults_sessions_and_idempotent_replies(t *testing.T) {

	cv.Convey("injected faults fire the given number of times, before any group sees the request", t, func() {
		c := NewCluster(nil)
		defer c.Close()
		gid := c.GroupID(cpclient.DefaultGroupName)

		c.InjectFault(cpclient.OpLongAddAndGet, 2, cpclient.CodeNotLeader)
		req := func() *Request {
			return &Request{Op: cpclient.OpLongAddAndGet, Service: cpclient.ServiceAtomicLong, Name: "f", Delta: 1}
		}
		_, err := send(c, gid, "", req())
		cv.So(errors.Is(err, cpclient.ErrNotLeader), cv.ShouldBeTrue)
		_, err = send(c, gid, "", req())
		cv.So(errors.Is(err, cpclient.ErrNotLeader), cv.ShouldBeTrue)
		r, err := send(c, gid, "", req())
		cv.So(err, cv.ShouldBeNil)
		cv.So(r.Long, cv.ShouldEqual, 1)
		cv.So(c.OpCount(cpclient.OpLongAddAndGet), cv.ShouldEqual, 3)
	})

	cv.Convey("a retried lock with the same invocation uid gets the first reply and does not reenter", t, func() {
		c := NewCluster(nil)
		defer c.Close()
		gid := c.GroupID(cpclient.DefaultGroupName)
		sid := newSession(c, gid)

		lockReq := func() *Request {
			return &Request{Op: cpclient.OpLock, Service: cpclient.ServiceLock, Name: "idem",
				SessionID: sid, ThreadID: 7, InvocationUID: "uid-1"}
		}
		r1, err := send(c, gid, "", lockReq())
		cv.So(err, cv.ShouldBeNil)
		r2, err := send(c, gid, "", lockReq())
		cv.So(err, cv.ShouldBeNil)
		cv.So(r2.Fence, cv.ShouldEqual, r1.Fence)

		own, err := send(c, gid, "", &Request{Op: cpclient.OpGetLockOwnership, Service: cpclient.ServiceLock, Name: "idem", SessionID: cpclient.NoSessionID})
		cv.So(err, cv.ShouldBeNil)
		cv.So(own.Ownership.LockCount, cv.ShouldEqual, 1)
		cv.So(own.Ownership.IsLockedBy(sid, 7), cv.ShouldBeTrue)
	})

	cv.Convey("sessions past their lease are expired and free what they held", t, func() {
		cfg := NewConfig()
		cfg.SessionTTL = 200 * time.Millisecond
		cfg.ExpiryCheckInterval = 5 * time.Millisecond
		c := NewCluster(cfg)
		defer c.Close()
		gid := c.GroupID(cpclient.DefaultGroupName)
		sid := newSession(c, gid)
		cv.So(c.SessionIDs(cpclient.DefaultGroupName), cv.ShouldResemble, []int64{sid})

		_, err := send(c, gid, "", &Request{Op: cpclient.OpLock, Service: cpclient.ServiceLock, Name: "lease",
			SessionID: sid, ThreadID: 1, InvocationUID: "u"})
		panicOn(err)

		deadline := time.Now().Add(5 * time.Second)
		for len(c.SessionIDs(cpclient.DefaultGroupName)) > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		cv.So(c.SessionIDs(cpclient.DefaultGroupName), cv.ShouldBeEmpty)

		own, err := send(c, gid, "", &Request{Op: cpclient.OpGetLockOwnership, Service: cpclient.ServiceLock, Name: "lease", SessionID: cpclient.NoSessionID})
		cv.So(err, cv.ShouldBeNil)
		cv.So(own.Ownership.IsLocked(), cv.ShouldBeFalse)

		_, err = send(c, gid, "", &Request{Op: cpclient.OpHeartbeat, SessionID: sid})
		cv.So(errors.Is(err, cpclient.ErrSessionExpired), cv.ShouldBeTrue)
	})

	cv.Convey("after Close requests fail with SHUTDOWN", t, func() {
		c := NewCluster(nil)
		gid := c.GroupID(cpclient.DefaultGroupName)
		c.Close()
		_, err := send(c, gid, "", &Request{Op: cpclient.OpLongGet, Service: cpclient.ServiceAtomicLong, Name: "x"})
		cv.So(errors.Is(err, cpclient.ErrShutDown), cv.ShouldBeTrue)
	})
}
