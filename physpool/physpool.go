// Package physpool simulates the physical page allocator ("user pool")
// that the virtual-memory core consumes as an external collaborator. It
// produces and reclaims page-aligned frames and has no knowledge of who
// owns a frame or whether it is pinned — that bookkeeping belongs to the
// frame table.
//
// Adapted from biscuit/src/mem/mem.go's Physmem_t: a preallocated array of
// pages with a singly-linked free list threaded through a parallel index
// array, the same shape as Physmem_t.Pgs/freei/nexti. Refcounting, per-CPU
// free lists, and the direct-map/unsafe-pointer plumbing of the original
// are dropped — this core has no COW pages to refcount (an explicit
// Non-goal) and no hardware address space to directly map into (the
// hardware page directory is itself an external collaborator, see
// ../pagedir).
package physpool

import "sync"

// PageSize is the size in bytes of a single page. It mirrors Biscuit's
// mem.PGSIZE (1 << mem.PGSHIFT).
const PageSize = 4096

// Page is one page-sized frame of physical memory. A *Page is the
// "kernel virtual address" (kpage) the rest of the core uses to name a
// frame.
type Page [PageSize]byte

// Flags mirrors the palloc_flags argument the external user-pool
// interface accepts (alloc(flags)). This simulation has exactly one
// allocation behaviour, so Flags carries no weight today; it exists so
// Allocate's signature matches the expected collaborator contract.
type Flags uint8

// User is the only flag value this teaching core needs.
const User Flags = 0

const noFree = ^uint32(0)

// Pool is a fixed-capacity set of physical frames.
type Pool struct {
	mu       sync.Mutex
	pages    []Page
	next     []uint32
	inUse    []bool
	index    map[*Page]uint32
	freeHead uint32
	freeLen  int
}

// NewPool allocates a pool of the given number of frames, all initially
// free.
func NewPool(capacity int) *Pool {
	p := &Pool{
		pages:   make([]Page, capacity),
		next:    make([]uint32, capacity),
		inUse:   make([]bool, capacity),
		index:   make(map[*Page]uint32, capacity),
		freeLen: capacity,
	}
	for i := 0; i < capacity; i++ {
		if i == capacity-1 {
			p.next[i] = noFree
		} else {
			p.next[i] = uint32(i + 1)
		}
		p.index[&p.pages[i]] = uint32(i)
	}
	if capacity == 0 {
		p.freeHead = noFree
	}
	return p
}

// Capacity reports the total number of frames the pool was created with.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pages)
}

// Available reports how many frames are currently unallocated.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeLen
}

// Alloc returns a fresh frame, or (nil, false) if the pool is exhausted.
// The frame's previous contents are not cleared — callers that need a
// zero-filled page (an ALL_ZERO supplemental page table entry) zero it
// themselves, the way biscuit's Refpg_new_nozero leaves zeroing to its
// caller.
func (p *Pool) Alloc(flags Flags) (*Page, bool) {
	_ = flags
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freeHead == noFree {
		return nil, false
	}
	idx := p.freeHead
	p.freeHead = p.next[idx]
	p.freeLen--
	p.inUse[idx] = true
	return &p.pages[idx], true
}

// Free returns a frame to the pool. It panics if the frame was never
// allocated from this pool or has already been freed — a double free here
// is a kernel bug, not a runtime condition, matching biscuit's
// "XXXPANIC"-guarded refcount invariants in mem/mem.go.
func (p *Pool) Free(pg *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.index[pg]
	if !ok {
		panic("physpool: free of a frame this pool never allocated")
	}
	if !p.inUse[idx] {
		panic("physpool: double free of frame")
	}
	p.inUse[idx] = false
	p.next[idx] = p.freeHead
	p.freeHead = idx
	p.freeLen++
}
