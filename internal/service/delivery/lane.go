package delivery

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const laneShards = 64

type (
	// lanes holds one expiry lane per recipient with pending acks. A lane
	// lists its entries in the order they were tracked; expired entries leave
	// it only from the head, so a recipient's queue receives them in that
	// order no matter which deadline goroutine runs first.
	lanes struct {
		shards [laneShards]laneShard
	}

	laneShard struct {
		mu          sync.Mutex
		byRecipient map[string]*lane
	}

	lane struct {
		mu      sync.Mutex
		entries []*pendingAck
	}
)

func newLanes() *lanes {
	ls := &lanes{}
	for i := range ls.shards {
		ls.shards[i].byRecipient = make(map[string]*lane)
	}
	return ls
}

func (ls *lanes) shard(recipient string) *laneShard {
	return &ls.shards[xxhash.Sum64String(recipient)%laneShards]
}

// enlist appends p to its recipient's lane and returns the lane.
func (ls *lanes) enlist(p *pendingAck) *lane {
	sh := ls.shard(p.to)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	l := sh.byRecipient[p.to]
	if l == nil {
		l = &lane{}
		sh.byRecipient[p.to] = l
	}
	l.mu.Lock()
	l.entries = append(l.entries, p)
	l.mu.Unlock()
	return l
}

// release drops l if it is still the recipient's lane and still empty.
// enlist holds the shard lock, so nothing can join a lane being dropped.
func (ls *lanes) release(recipient string, l *lane) {
	sh := ls.shard(recipient)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.byRecipient[recipient] != l {
		return
	}
	l.mu.Lock()
	if len(l.entries) == 0 {
		delete(sh.byRecipient, recipient)
	}
	l.mu.Unlock()
}

func (ls *lanes) len() int {
	n := 0
	for i := range ls.shards {
		sh := &ls.shards[i]
		sh.mu.Lock()
		n += len(sh.byRecipient)
		sh.mu.Unlock()
	}
	return n
}
