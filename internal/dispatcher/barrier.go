package dispatcher

import "sync"

// barrier is a reusable (cyclic) rendezvous point for a fixed number of
// parties (§4.8: "workers rendezvous at two barriers: before-flash and
// before-test"). No third-party cyclic-barrier primitive exists among the
// examples' dependencies, and the generation-counter pattern below is the
// standard hand-rolled idiom for one built on sync.Mutex and a
// close-to-broadcast channel — there's nothing here a library would buy
// over about a dozen lines of stdlib.
type barrier struct {
	n int

	mu    sync.Mutex
	count int
	ch    chan struct{}
}

func newBarrier(parties int) *barrier {
	return &barrier{n: parties, ch: make(chan struct{})}
}

// wait blocks until n parties have called wait, then releases all of them
// and resets for the next round.
func (b *barrier) wait() {
	b.mu.Lock()
	ch := b.ch
	b.count++
	if b.count == b.n {
		b.count = 0
		b.ch = make(chan struct{})
		b.mu.Unlock()
		close(ch)
		return
	}
	b.mu.Unlock()
	<-ch
}
