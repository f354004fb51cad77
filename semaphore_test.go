package cpclient_test

import (
	"errors"
	"testing"
	"time"

	"github.com/glycerine/cpclient"
	"github.com/glycerine/cpclient/cpsim"
	cv "github.com/glycerine/goconvey/convey"
)

func Test200_semaphore_init_is_first_writer_wins(t *testing.T) {

	cv.Convey("Init(12) then Init(3) leaves 12 permits, for both variants", t, func() {
		c := newSimCluster(t, func(cfg *cpsim.Config) {
			cfg.JDKCompatibleSemaphores = map[string]bool{"jdk": true}
		})
		cp := newSimClient(t, c, "A", nil)

		for _, name := range []string{"aware", "jdk"} {
			sem, err := cp.GetSemaphore(bkg, name)
			panicOn(err)
			cv.So(sem.JDKCompatible(), cv.ShouldEqual, name == "jdk")

			ok, err := sem.Init(bkg, 12)
			cv.So(err, cv.ShouldBeNil)
			cv.So(ok, cv.ShouldBeTrue)
			ok, err = sem.Init(bkg, 3)
			cv.So(err, cv.ShouldBeNil)
			cv.So(ok, cv.ShouldBeFalse)

			avail, err := sem.AvailablePermits(bkg)
			cv.So(err, cv.ShouldBeNil)
			cv.So(avail, cv.ShouldEqual, 12)
		}
	})
}

func Test201_semaphore_reduce_can_go_negative(t *testing.T) {

	cv.Convey("Init(12); Acquire(8); ReducePermits(8) gives -4; Release(8) gives 4", t, func() {
		c := newSimCluster(t, func(cfg *cpsim.Config) {
			cfg.JDKCompatibleSemaphores = map[string]bool{"jdk": true}
		})
		cp := newSimClient(t, c, "A", nil)

		for _, name := range []string{"aware", "jdk"} {
			sem, err := cp.GetSemaphore(bkg, name)
			panicOn(err)
			_, err = sem.Init(bkg, 12)
			panicOn(err)

			cv.So(sem.Acquire(bkg, 8), cv.ShouldBeNil)
			cv.So(sem.ReducePermits(bkg, 8), cv.ShouldBeNil)
			avail, err := sem.AvailablePermits(bkg)
			cv.So(err, cv.ShouldBeNil)
			cv.So(avail, cv.ShouldEqual, -4)

			cv.So(sem.Release(bkg, 8), cv.ShouldBeNil)
			avail, err = sem.AvailablePermits(bkg)
			cv.So(err, cv.ShouldBeNil)
			cv.So(avail, cv.ShouldEqual, 4)

			// nothing to drain below zero; 4 to drain here.
			drained, err := sem.DrainPermits(bkg)
			cv.So(err, cv.ShouldBeNil)
			cv.So(drained, cv.ShouldEqual, 4)
			drained, err = sem.DrainPermits(bkg)
			cv.So(err, cv.ShouldBeNil)
			cv.So(drained, cv.ShouldEqual, 0)
		}
	})
}

func Test202_session_aware_release_rules(t *testing.T) {

	cv.Convey("a session-aware semaphore refuses to release what this session never acquired; a session-less one takes anything", t, func() {
		c := newSimCluster(t, func(cfg *cpsim.Config) {
			cfg.JDKCompatibleSemaphores = map[string]bool{"jdk": true}
		})
		cp := newSimClient(t, c, "A", nil)

		aware, err := cp.GetSemaphore(bkg, "aware")
		panicOn(err)
		_, err = aware.Init(bkg, 2)
		panicOn(err)

		// no session yet at all.
		err = aware.Release(bkg, 1)
		cv.So(errors.Is(err, cpclient.ErrIllegalState), cv.ShouldBeTrue)

		cv.So(aware.Acquire(bkg, 1), cv.ShouldBeNil)
		err = aware.Release(bkg, 2)
		cv.So(errors.Is(err, cpclient.ErrIllegalState), cv.ShouldBeTrue)
		cv.So(aware.Release(bkg, 1), cv.ShouldBeNil)

		jdk, err := cp.GetSemaphore(bkg, "jdk")
		panicOn(err)
		_, err = jdk.Init(bkg, 1)
		panicOn(err)
		cv.So(jdk.Release(bkg, 10), cv.ShouldBeNil)
		avail, err := jdk.AvailablePermits(bkg)
		cv.So(err, cv.ShouldBeNil)
		cv.So(avail, cv.ShouldEqual, 11)

		// permits must be positive.
		err = jdk.Release(bkg, 0)
		cv.So(errors.Is(err, cpclient.ErrInvalidArgument), cv.ShouldBeTrue)
		err = aware.ReducePermits(bkg, -1)
		cv.So(errors.Is(err, cpclient.ErrInvalidArgument), cv.ShouldBeTrue)
	})

	cv.Convey("permits held by a session the cluster expired go back to the pool", t, func() {
		c := newSimCluster(t, nil)
		a := newSimClient(t, c, "A", nil)
		sem, err := a.GetSemaphore(bkg, "leased")
		panicOn(err)
		_, err = sem.Init(bkg, 5)
		panicOn(err)
		panicOn(sem.Acquire(bkg, 3))

		avail, err := sem.AvailablePermits(bkg)
		panicOn(err)
		cv.So(avail, cv.ShouldEqual, 2)

		g := sem.GroupID()
		c.ExpireSession(g.Name, a.SessionManager().GetSession(g))
		avail, err = sem.AvailablePermits(bkg)
		panicOn(err)
		cv.So(avail, cv.ShouldEqual, 5)
	})
}

func Test203_try_acquire_is_woken_by_release(t *testing.T) {

	cv.Convey("a TryAcquire waiting on an empty semaphore succeeds once another client releases", t, func() {
		c := newSimCluster(t, nil)
		a := newSimClient(t, c, "A", nil)
		b := newSimClient(t, c, "B", nil)

		sa, err := a.GetSemaphore(bkg, "wake")
		panicOn(err)
		sb, err := b.GetSemaphore(bkg, "wake")
		panicOn(err)
		_, err = sa.Init(bkg, 1)
		panicOn(err)
		panicOn(sa.Acquire(bkg, 1))

		ok, err := sb.TryAcquire(bkg, 1, 0)
		cv.So(err, cv.ShouldBeNil)
		cv.So(ok, cv.ShouldBeFalse)

		type result struct {
			ok  bool
			err error
		}
		got := make(chan result, 1)
		t0 := time.Now()
		go func() {
			ok, err := sb.TryAcquire(bkg, 1, 5*time.Second)
			got <- result{ok, err}
		}()
		time.Sleep(30 * time.Millisecond)
		panicOn(sa.Release(bkg, 1))

		r := <-got
		cv.So(r.err, cv.ShouldBeNil)
		cv.So(r.ok, cv.ShouldBeTrue)
		cv.So(time.Since(t0), cv.ShouldBeLessThan, 5*time.Second)
		panicOn(sb.Release(bkg, 1))
	})

	cv.Convey("IncreasePermits also wakes a waiter", t, func() {
		c := newSimCluster(t, func(cfg *cpsim.Config) {
			cfg.AllSemaphoresJDKCompatible = true
		})
		a := newSimClient(t, c, "A", nil)
		b := newSimClient(t, c, "B", nil)
		sa, err := a.GetSemaphore(bkg, "grow")
		panicOn(err)
		sb, err := b.GetSemaphore(bkg, "grow")
		panicOn(err)
		_, err = sa.Init(bkg, 0)
		panicOn(err)

		got := make(chan bool, 1)
		go func() {
			ok, err := sb.TryAcquire(bkg, 2, 5*time.Second)
			panicOn(err)
			got <- ok
		}()
		time.Sleep(30 * time.Millisecond)
		panicOn(sa.IncreasePermits(bkg, 2))
		cv.So(<-got, cv.ShouldBeTrue)
	})
}

func Test204_drain_more_than_the_reserved_references(t *testing.T) {

	cv.Convey("draining more permits than the session references reserved up front still lets them all be released", t, func() {
		c := newSimCluster(t, nil)
		cp := newSimClient(t, c, "A", nil)
		sem, err := cp.GetSemaphore(bkg, "big")
		panicOn(err)
		_, err = sem.Init(bkg, 2000)
		panicOn(err)

		drained, err := sem.DrainPermits(bkg)
		cv.So(err, cv.ShouldBeNil)
		cv.So(drained, cv.ShouldEqual, 2000)

		g := sem.GroupID()
		sm := cp.SessionManager()
		sid := sm.GetSession(g)
		cv.So(sm.SessionAcquireCount(g, sid), cv.ShouldEqual, 2000)

		cv.So(sem.Release(bkg, 2000), cv.ShouldBeNil)
		cv.So(sm.SessionAcquireCount(g, sid), cv.ShouldEqual, 0)
		avail, err := sem.AvailablePermits(bkg)
		cv.So(err, cv.ShouldBeNil)
		cv.So(avail, cv.ShouldEqual, 2000)
	})
}
