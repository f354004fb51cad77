package rpcnet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glycerine/cpclient"
	"github.com/glycerine/cpclient/cpsim"
	cv "github.com/glycerine/goconvey/convey"
)

// startPair serves a fresh simulated cluster on a loopback
// port and dials it.
func startPair(t *testing.T) (*cpsim.Cluster, *Server, *Transport) {
	cluster := cpsim.NewCluster(nil)
	t.Cleanup(cluster.Close)

	srv := NewServer("test_cpsrv", cluster, &ServerConfig{
		ServerAddr:     "127.0.0.1:0",
		TCPonly_no_TLS: true,
	})
	addr, err := srv.Start()
	panicOn(err)
	t.Cleanup(srv.Close)

	tr, err := Dial("test_cpcli", &TransportConfig{
		ServerAddr:     addr.String(),
		TCPonly_no_TLS: true,
		PollInterval:   20 * time.Millisecond,
	})
	panicOn(err)
	t.Cleanup(tr.Close)
	return cluster, srv, tr
}

func Test600_transport_round_trip(t *testing.T) {

	cv.Convey("a Transport learns the topology and carries requests and remote errors", t, func() {
		cluster, srv, tr := startPair(t)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cv.So(tr.WaitForTopology(ctx), cv.ShouldBeNil)
		cv.So(tr.CurrentMembers(), cv.ShouldResemble, cluster.CurrentMembers())

		snaps, unsub := tr.SubscribeToCPTopology()
		defer unsub()
		snap := <-snaps
		gid := cluster.GroupID(cpclient.DefaultGroupName)
		cv.So(snap.Leaders[gid], cv.ShouldEqual, cluster.Leader(cpclient.DefaultGroupName))

		by, err := cpclient.EncodeRequest(&cpclient.Request{
			Op: cpclient.OpLongAddAndGet, Group: gid, Service: cpclient.ServiceAtomicLong,
			Name: "wire", Delta: 3, SessionID: cpclient.NoSessionID,
		})
		panicOn(err)
		out, err := tr.SendToGroup(ctx, gid, by, "")
		cv.So(err, cv.ShouldBeNil)
		resp, err := cpclient.DecodeResponse(out)
		cv.So(err, cv.ShouldBeNil)
		cv.So(resp.Long, cv.ShouldEqual, 3)
		cv.So(srv.Calls(), cv.ShouldEqual, 1)

		// conditions come back in band, hint and all.
		follower := cluster.NextMember(cpclient.DefaultGroupName)
		_, err = tr.SendToGroup(ctx, gid, by, follower)
		cv.So(errors.Is(err, cpclient.ErrNotLeader), cv.ShouldBeTrue)
		var re *cpclient.RemoteError
		cv.So(errors.As(err, &re), cv.ShouldBeTrue)
		cv.So(re.Leader, cv.ShouldEqual, cluster.Leader(cpclient.DefaultGroupName))

		// an announced move reaches the subscriber by polling.
		panicOn(cluster.SetLeader(cpclient.DefaultGroupName, follower, true))
		deadline := time.After(5 * time.Second)
		for {
			var s *cpclient.TopologySnapshot
			select {
			case s = <-snaps:
			case <-deadline:
				t.Fatalf("never saw the leader move to '%v'", follower)
			}
			if s.Leaders[gid] == follower {
				break
			}
		}
	})
}

func Test601_cp_client_over_rpc25519(t *testing.T) {

	cv.Convey("a CPSubsystemClient over the Transport locks and counts like one in process", t, func() {
		_, _, tr := startPair(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		panicOn(tr.WaitForTopology(ctx))

		cfg := cpclient.NewConfig()
		cfg.ClientName = "over_the_wire"
		cfg.DirectToLeaderRouting = true
		cp, err := cpclient.NewCPSubsystemClient(cfg, tr, tr)
		panicOn(err)
		defer cp.Shutdown(ctx)

		lk, err := cp.GetLock(ctx, "wire_lock")
		panicOn(err)
		f1, err := lk.LockAndGetFence(ctx)
		cv.So(err, cv.ShouldBeNil)
		cv.So(f1, cv.ShouldBeGreaterThan, cpclient.InvalidFence)
		cv.So(lk.Unlock(ctx), cv.ShouldBeNil)
		f2, err := lk.LockAndGetFence(ctx)
		cv.So(err, cv.ShouldBeNil)
		cv.So(f2, cv.ShouldBeGreaterThan, f1)
		cv.So(lk.Unlock(ctx), cv.ShouldBeNil)

		n, err := cp.GetAtomicLong(ctx, "wire_counter@other")
		panicOn(err)
		for i := 0; i < 5; i++ {
			_, err = n.IncrementAndGet(ctx)
			panicOn(err)
		}
		v, err := n.Get(ctx)
		cv.So(err, cv.ShouldBeNil)
		cv.So(v, cv.ShouldEqual, 5)

		err = lk.Unlock(ctx)
		cv.So(errors.Is(err, cpclient.ErrIllegalState), cv.ShouldBeTrue)
	})
}
