package scheduler

import (
	"sync"

	"github.com/jward/lectern/internal/vfs"
)

// subscriber is a mailbox holding at most one pending publication per file.
// A newer publication replaces a pending older one, so a slow reader skips
// stale results instead of stalling compiles.
type subscriber struct {
	out  chan Publication
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending map[vfs.FileID]Publication
	order   []vfs.FileID
	last    map[vfs.FileID]vfs.Revision
}

func newSubscriber() *subscriber {
	sub := &subscriber{
		out:     make(chan Publication),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[vfs.FileID]Publication),
		last:    make(map[vfs.FileID]vfs.Revision),
	}
	go sub.loop()
	return sub
}

// deliver queues p without blocking. Publications older than one already
// queued or sent for the same file are dropped.
func (sub *subscriber) deliver(p Publication) {
	sub.mu.Lock()
	if rev, ok := sub.last[p.File]; ok && p.Revision < rev {
		sub.mu.Unlock()
		return
	}
	sub.last[p.File] = p.Revision
	if _, ok := sub.pending[p.File]; !ok {
		sub.order = append(sub.order, p.File)
	}
	sub.pending[p.File] = p
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) next() (Publication, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.order) == 0 {
		return Publication{}, false
	}
	id := sub.order[0]
	sub.order = sub.order[1:]
	p := sub.pending[id]
	delete(sub.pending, id)
	return p, true
}

func (sub *subscriber) loop() {
	defer close(sub.out)
	for {
		select {
		case <-sub.wake:
		case <-sub.done:
			return
		}
		for {
			p, ok := sub.next()
			if !ok {
				break
			}
			select {
			case sub.out <- p:
			case <-sub.done:
				return
			}
		}
	}
}

func (sub *subscriber) close() {
	sub.once.Do(func() { close(sub.done) })
}

// Subscribe returns a channel of publications and a function ending the
// subscription. The channel is closed when the subscription ends or the
// scheduler stops.
func (s *Scheduler) Subscribe() (<-chan Publication, func()) {
	sub := newSubscriber()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		sub.close()
		return sub.out, func() {}
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub.out, func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.close()
	}
}
