package qptrie

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// reclaimable is implemented by Multi: the one thing the QSBR oracle needs
// from a trie awaiting reclamation is the ability to retry freeing its
// phase-tagged chunks, and to report whether it still has work pending
// for a later phase.
type reclaimable interface {
	reclaimPhase(phase uint64) (more bool)
}

// ReclamationCoordinator abstracts the process-wide QSBR phase oracle the
// transactional layer defers chunk reclamation through. A real deployment
// typically has exactly one, shared by every Multi in the process; tests
// can use a synchronous coordinator such as QSBR, whose Advance and
// DrainSync run reclamation deterministically instead of waiting on real
// thread quiescence.
type ReclamationCoordinator interface {
	// CurrentPhase returns the phase that a chunk freed right now would
	// be tagged with.
	CurrentPhase() uint64

	// Enqueue registers r as having chunks tagged with phase awaiting
	// reclamation. The coordinator calls r.reclaimPhase(phase) once it
	// has established that every worker has left phase.
	Enqueue(r reclaimable, phase uint64)
}

// QSBR is the package's built-in, process-wide reclamation coordinator: a
// monotonic phase counter plus a worklist of (reclaimable, phase) pairs,
// drained synchronously, either directly (DrainSync) or as part of moving
// to a new phase (Advance). No background goroutine drains it.
//
// The worklist drain fans each pending trie's reclaim attempt out over an
// errgroup, since reclaiming chunks for independent tries is embarrassingly
// parallel.
type QSBR struct {
	mu      sync.Mutex
	phase   uint64
	pending []pendingReclaim
}

type pendingReclaim struct {
	r     reclaimable
	phase uint64
}

// defaultQSBR is the package-level instance used when a Policy doesn't
// supply its own ReclamationCoordinator.
var defaultQSBR = NewQSBR()

// NewQSBR constructs a standalone reclamation coordinator starting at
// phase 1 (phase 0 is reserved to mean "not scheduled", see chunkUsage).
func NewQSBR() *QSBR {
	return &QSBR{phase: 1}
}

// Close drops every pending reclaim entry without running it. It does not
// free anything; it gives tests and short-lived processes a teardown call
// symmetric with NewQSBR.
func (q *QSBR) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

func (q *QSBR) CurrentPhase() uint64 {
	return atomic.LoadUint64(&q.phase)
}

func (q *QSBR) Enqueue(r reclaimable, phase uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, pendingReclaim{r: r, phase: phase})
}

// Advance moves the coordinator to a new phase, representing every
// worker thread having passed through a quiescent point, and drains the
// worklist for all phases older than the new one.
func (q *QSBR) Advance() {
	atomic.AddUint64(&q.phase, 1)
	q.DrainSync()
}

// DrainSync runs every pending reclaim attempt to completion, in
// parallel, and keeps only the entries that report more work pending for
// a later phase. Safe to call directly in tests that want reclamation to
// happen deterministically rather than waiting on a real scheduler.
func (q *QSBR) DrainSync() {
	q.mu.Lock()
	work := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(work) == 0 {
		return
	}

	still := make([]pendingReclaim, len(work))
	var g errgroup.Group
	for i, item := range work {
		i, item := i, item
		g.Go(func() error {
			if item.r.reclaimPhase(item.phase) {
				still[i] = item
			}
			return nil
		})
	}
	_ = g.Wait()

	q.mu.Lock()
	for _, item := range still {
		if item.r != nil {
			q.pending = append(q.pending, item)
		}
	}
	q.mu.Unlock()
}
