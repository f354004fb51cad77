package cpclient

import (
	"time"

	rb "github.com/glycerine/rbtree"
)

// sessByExpiry orders our local sessions by the
// instant their lease runs out, so the sweeper
// only ever looks at the front of the tree.
// Not goroutine safe; SessionManager.mut protects it.
type sessByExpiry struct {
	tree *rb.Tree
}

func newSessByExpiry() *sessByExpiry {
	return &sessByExpiry{
		tree: rb.NewTree(func(a, b rb.Item) int {
			av := a.(*Session)
			bv := b.(*Session)
			if av == bv {
				return 0
			}
			if av == nil || bv == nil {
				panic("no nils in sessByExpiry")
			}
			// soonest deadline first.
			if av.indexedEndx.Before(bv.indexedEndx) {
				return -1
			}
			if av.indexedEndx.After(bv.indexedEndx) {
				return 1
			}
			// break ties
			if av.ID < bv.ID {
				return -1
			}
			if av.ID > bv.ID {
				return 1
			}
			if av.Group.ID < bv.Group.ID {
				return -1
			}
			if av.Group.ID > bv.Group.ID {
				return 1
			}
			if av.Group.Name < bv.Group.Name {
				return -1
			}
			if av.Group.Name > bv.Group.Name {
				return 1
			}
			return 0
		}),
	}
}

func (s *sessByExpiry) Len() int {
	return s.tree.Len()
}

func (s *sessByExpiry) Clear() {
	s.tree.DeleteAll()
}

// upsert (re)positions sess under its current deadline.
func (s *sessByExpiry) upsert(sess *Session) {
	endx := sess.Endx()
	if sess.indexed {
		if sess.indexedEndx.Equal(endx) {
			return
		}
		s.delete(sess)
	}
	sess.indexedEndx = endx
	_, sess.byExpiryIter = s.tree.InsertGetIt(sess)
	sess.indexed = true
}

func (s *sessByExpiry) delete(sess *Session) {
	if !sess.indexed {
		return
	}
	if sess.byExpiryIter.Tree() != s.tree {
		alwaysPrintf("yuck! sess.byExpiryIter from wrong rbtree %p vs s.tree=%p", sess.byExpiryIter.Tree(), s.tree)
		return
	}
	s.tree.DeleteWithIterator(sess.byExpiryIter)
	sess.indexed = false
}

// expiredBy returns, soonest first, every session whose
// indexed deadline is not after now. The index can lag
// a heartbeat, so callers re-check with sess.IsExpired.
func (s *sessByExpiry) expiredBy(now time.Time) (r []*Session) {
	for it := s.tree.Min(); !it.Limit(); it = it.Next() {
		sess := it.Item().(*Session)
		if sess.indexedEndx.After(now) {
			break
		}
		r = append(r, sess)
	}
	return
}
