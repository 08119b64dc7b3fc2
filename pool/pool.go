// Package pool moves fixed size sample buffers between the receive and the
// stacking goroutines without allocating per acquisition.
//
// Buffers live in an arena of slots and are addressed by a Handle carrying the
// slot index and a generation. Releasing a buffer bumps its generation, so a
// handle kept after release is detected on its next use instead of silently
// aliasing a buffer that now belongs to someone else.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Handle is the move-only reference to one sample buffer. Whoever holds a
// handle owns the buffer until it pushes the handle to a queue or releases it.
type Handle struct {
	slot uint32
	gen  uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("buffer#%d/%d", h.slot, h.gen)
}

type slot struct {
	samples []int16
	time    time.Duration
	gen     uint32
}

// Pool is the arena plus the free and full queues of the pooled pipeline.
type Pool struct {
	spb int

	mu    sync.RWMutex // guards slots and grown
	slots []*slot
	grown int

	Free *Queue
	Full *Queue
}

// New preallocates n buffers of spb samples, all of them on the free queue.
func New(n, spb int) *Pool {
	p := &Pool{
		spb:   spb,
		slots: make([]*slot, 0, n),
		Free:  NewQueue(n),
		Full:  NewQueue(n),
	}
	for i := 0; i < n; i++ {
		p.Free.Push(p.newSlot())
	}
	return p
}

func (p *Pool) newSlot() Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = append(p.slots, &slot{samples: make([]int16, p.spb)})
	return Handle{slot: uint32(len(p.slots) - 1)}
}

// SamplesPerBuffer returns the length of every buffer in the pool.
func (p *Pool) SamplesPerBuffer() int {
	return p.spb
}

// Len returns the number of buffers in the arena.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.slots)
}

// Acquire takes a buffer from the free queue. It never blocks: when the free
// queue is exhausted a new buffer is added to the arena.
func (p *Pool) Acquire() Handle {
	if h, ok := p.Free.TryPop(); ok {
		return h
	}
	h := p.newSlot()
	p.mu.Lock()
	p.grown++
	n, grown := len(p.slots), p.grown
	p.mu.Unlock()
	glog.Warningf("free buffer queue empty, grew pool to %d buffers (%d grown so far)", n, grown)
	return h
}

func (p *Pool) get(h Handle) *slot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(h.slot) >= len(p.slots) {
		panic(fmt.Sprintf("pool: %s out of range", h))
	}
	s := p.slots[h.slot]
	if s.gen != h.gen {
		panic(fmt.Sprintf("pool: stale handle %s (current generation %d)", h, s.gen))
	}
	return s
}

// Samples returns the sample storage of the buffer behind h.
func (p *Pool) Samples(h Handle) []int16 {
	return p.get(h).samples
}

// Time returns the hardware time of the first sample in the buffer.
func (p *Pool) Time(h Handle) time.Duration {
	return p.get(h).time
}

// SetTime records the hardware time of the first sample in the buffer.
func (p *Pool) SetTime(h Handle, t time.Duration) {
	p.get(h).time = t
}

// Release invalidates h and returns its buffer to the free queue.
func (p *Pool) Release(h Handle) {
	s := p.get(h)
	s.gen++
	s.time = 0
	p.Free.Push(Handle{slot: h.slot, gen: s.gen})
}

// Close drains both queues and drops the arena. It returns the number of
// buffers that were neither free nor full, i.e. still held by a goroutine.
func (p *Pool) Close() int {
	n := 0
	for _, q := range []*Queue{p.Free, p.Full} {
		for {
			if _, ok := q.TryPop(); !ok {
				break
			}
			n++
		}
	}
	p.mu.Lock()
	inFlight := len(p.slots) - n
	p.slots = nil
	p.mu.Unlock()
	if inFlight != 0 {
		glog.Warningf("pool closed with %d buffers still in flight", inFlight)
	}
	return inFlight
}
