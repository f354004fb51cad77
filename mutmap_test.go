package cpclient

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test004_mutexmap_first_writer_wins(t *testing.T) {

	cv.Convey("GetOrSet keeps the first value stored under a key", t, func() {
		m := NewMutexmap[string, GroupID]()
		_, ok := m.Get("g1")
		cv.So(ok, cv.ShouldBeFalse)

		first := GroupID{Name: "g1", ID: 1}
		got, loaded := m.GetOrSet("g1", first)
		cv.So(loaded, cv.ShouldBeFalse)
		cv.So(got, cv.ShouldResemble, first)

		got, loaded = m.GetOrSet("g1", GroupID{Name: "g1", ID: 2})
		cv.So(loaded, cv.ShouldBeTrue)
		cv.So(got, cv.ShouldResemble, first)

		got, ok = m.Get("g1")
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(got, cv.ShouldResemble, first)
	})
}
