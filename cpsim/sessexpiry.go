package cpsim

import (
	"time"

	rb "github.com/glycerine/rbtree"
)

// simSession is the group's record of a client session.
type simSession struct {
	id         int64
	clientName string
	endx       time.Time

	byExpiryIter rb.Iterator
	indexed      bool
}

type sessTableByExpiry struct {
	tree *rb.Tree
}

func newSessTableByExpiry() *sessTableByExpiry {
	return &sessTableByExpiry{
		tree: rb.NewTree(func(a, b rb.Item) int {
			av := a.(*simSession)
			bv := b.(*simSession)
			if av == bv {
				return 0
			}
			if av == nil || bv == nil {
				panic("no nils")
			}
			// sort soonest expiry first.
			if av.endx.Before(bv.endx) {
				return -1
			}
			if av.endx.After(bv.endx) {
				return 1
			}
			if av.id < bv.id {
				return -1
			}
			if av.id > bv.id {
				return 1
			}
			return 0
		}),
	}
}

func (s *sessTableByExpiry) Len() int {
	return s.tree.Len()
}

func (s *sessTableByExpiry) Clear() {
	s.tree.DeleteAll()
}

func (s *sessTableByExpiry) Delete(ss *simSession) {
	if !ss.indexed {
		return
	}
	byTree := ss.byExpiryIter.Tree()
	if byTree != s.tree {
		alwaysPrintf("yuck! ss.byExpiryIter from wrong rbtree %p vs s.tree=%p", byTree, s.tree)
		return
	}
	s.tree.DeleteWithIterator(ss.byExpiryIter)
	ss.indexed = false
}

// Upsert must be used to change ss.endx, so the tree stays ordered.
func (s *sessTableByExpiry) Upsert(ss *simSession, endx time.Time) {
	s.Delete(ss)
	ss.endx = endx
	_, ss.byExpiryIter = s.tree.InsertGetIt(ss)
	ss.indexed = true
}

// Expired returns the sessions whose lease ended before now.
func (s *sessTableByExpiry) Expired(now time.Time) (r []*simSession) {
	for it := s.tree.Min(); !it.Limit(); it = it.Next() {
		ss := it.Item().(*simSession)
		if !ss.endx.Before(now) {
			break
		}
		r = append(r, ss)
	}
	return
}
