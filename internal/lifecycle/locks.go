package lifecycle

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedLocks serializes mutations per report id. Two ids may share a
// stripe; ordered acquisition below keeps that deadlock-free.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func stripeFor(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32() % lockStripes
}

func (l *stripedLocks) lock(id string) func() {
	s := stripeFor(id)
	l.stripes[s].Lock()
	return l.stripes[s].Unlock
}

// lockPair acquires the stripes for both ids in ascending order.
func (l *stripedLocks) lockPair(a, b string) func() {
	sa, sb := stripeFor(a), stripeFor(b)
	if sa == sb {
		l.stripes[sa].Lock()
		return l.stripes[sa].Unlock
	}
	if sa > sb {
		sa, sb = sb, sa
	}
	l.stripes[sa].Lock()
	l.stripes[sb].Lock()
	return func() {
		l.stripes[sb].Unlock()
		l.stripes[sa].Unlock()
	}
}
