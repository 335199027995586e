// Package frame implements the Frame Table: the registry of
// every physical frame currently backing a user page, plus the clock
// (second-chance) algorithm that picks a victim to evict when the user
// pool is exhausted.
//
// Ported from original_source/src/vm/frame.c (frame_init/frame_allocate/
// frame_free/frame_remove_entry/frame_pin/frame_unpin and its
// frame_pick_one_to_evict clock walk), restructured around a
// container/list ring the way a Go port of Pintos's circular
// frame_eviction_candidates list naturally falls out, and guarded by a
// single sync.Mutex standing in for frame_lock the same way biscuit's
// Vm_t guards its own page tables with one embedded sync.Mutex.
package frame

import (
	"container/list"
	"fmt"
	"sync"

	"vmcore/pagedir"
	"vmcore/physpool"
)

// SPTUpdater is the narrow slice of a process's supplemental page table
// that eviction needs to update: where a page went when it was swapped
// out, and whether it was dirty. Frame depends only on this interface, not
// on package spt, avoiding the import cycle that would otherwise arise
// from spt depending on frame to satisfy page faults (the same
// interface-based decoupling biscuit uses for mem.Page_i and
// fs.Block_cb_i/fs.Disk_i).
type SPTUpdater interface {
	SetSwap(upage uintptr, slot int)
	SetDirty(upage uintptr, dirty bool)
}

// Swapper is the subset of the swap area's API eviction needs.
type Swapper interface {
	Out(page *physpool.Page) int
}

// Owner identifies the process (and its collaborators) a frame belongs
// to. Eviction consults Dir and SPT to clear the mapping and record where
// the page went; RemoveAllOwnedBy groups frames by the ID of the Owner a
// caller passes to Allocate.
type Owner struct {
	ID  string
	Dir *pagedir.Dir
	SPT SPTUpdater
}

// fte is one frame table entry: the kernel page it backs, the user page
// it is mapped at, who owns it, and whether it may currently be evicted.
type fte struct {
	kpage  *physpool.Page
	upage  uintptr
	owner  Owner
	pinned bool
	elem   *list.Element // this entry's node in the clock ring
}

// Table is the frame table: every live frame, indexed for O(1) lookup and
// threaded into a clock ring for eviction.
type Table struct {
	mu    sync.Mutex
	pool  *physpool.Pool
	swap  Swapper
	byKey map[*physpool.Page]*fte
	ring  *list.List
	hand  *list.Element

	// Debug gates diagnostic printf output, matching the
	// original's #ifdef MY_DEBUG trace lines and biscuit's own
	// printf-behind-a-bool-flag idiom rather than a logging
	// framework.
	Debug bool
}

// New creates an empty frame table drawing frames from pool and evicting
// to swap.
func New(pool *physpool.Pool, swap Swapper) *Table {
	return &Table{
		pool:  pool,
		swap:  swap,
		byKey: make(map[*physpool.Page]*fte),
		ring:  list.New(),
	}
}

// Allocate obtains a frame for upage, evicting a victim if the pool is
// exhausted, and records it in the frame table pinned (so it cannot be
// picked as its own victim before the caller finishes installing it into
// the page directory and SPT). The caller must Unpin it once installed.
func (t *Table) Allocate(flags physpool.Flags, upage uintptr, owner Owner) *physpool.Page {
	t.mu.Lock()
	defer t.mu.Unlock()

	kpage, ok := t.pool.Alloc(flags)
	if !ok {
		kpage = t.evictAndAllocateLocked(flags)
	}

	e := &fte{kpage: kpage, upage: upage, owner: owner, pinned: true}
	e.elem = t.ring.PushBack(e)
	t.byKey[kpage] = e

	if t.Debug {
		fmt.Printf("frame: allocate kpage=%p upage=%#x owner=%s\n", kpage, upage, owner.ID)
	}
	return kpage
}

// Free removes kpage's frame table entry and returns the frame to the
// pool. Freeing a kpage this table never allocated, or has already freed,
// is a kernel bug and panics.
func (t *Table) Free(kpage *physpool.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(kpage, true)
}

// RemoveEntry removes kpage's frame table entry without returning the
// frame to the pool — used when a process's SPT entry is torn down while
// still ON_FRAME: ownership of the physical frame passes to the hardware
// page directory destructor run by the caller.
func (t *Table) RemoveEntry(kpage *physpool.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(kpage, false)
}

func (t *Table) removeLocked(kpage *physpool.Page, freeToPool bool) {
	e, ok := t.byKey[kpage]
	if !ok {
		panic("frame: operation on a kpage not present in the frame table")
	}
	if t.hand == e.elem {
		t.hand = t.hand.Next()
	}
	t.ring.Remove(e.elem)
	delete(t.byKey, kpage)
	if freeToPool {
		if t.Debug {
			fmt.Printf("frame: free kpage=%p\n", kpage)
		}
		t.pool.Free(kpage)
	}
}

// Pin marks kpage as ineligible for eviction.
func (t *Table) Pin(kpage *physpool.Page) {
	t.setPinned(kpage, true)
}

// Unpin marks kpage as eligible for eviction again.
func (t *Table) Unpin(kpage *physpool.Page) {
	t.setPinned(kpage, false)
}

func (t *Table) setPinned(kpage *physpool.Page, pinned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byKey[kpage]
	if !ok {
		panic("frame: pin/unpin of a kpage not present in the frame table")
	}
	e.pinned = pinned
}

// RemoveAllOwnedBy removes, without freeing to the pool, every frame
// table entry belonging to owner, and returns their kernel pages so the
// caller (the hardware page directory destructor) can reclaim them.
//
// This holds frame_lock for the whole scan-and-remove, so an eviction scan
// started concurrently can never land on a frame whose owner's SPT is
// about to be torn down: either the eviction completes first (recording
// the page as ON_SWAP in the SPT before this runs) or this runs first and
// the frame is gone before eviction's clock walk ever reaches it.
func (t *Table) RemoveAllOwnedBy(ownerID string) []*physpool.Page {
	t.mu.Lock()
	defer t.mu.Unlock()

	var kpages []*physpool.Page
	for elem := t.ring.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*fte)
		if e.owner.ID == ownerID {
			if t.hand == elem {
				t.hand = next
			}
			t.ring.Remove(elem)
			delete(t.byKey, e.kpage)
			kpages = append(kpages, e.kpage)
		}
		elem = next
	}
	return kpages
}

// evictAndAllocateLocked picks a victim with the clock algorithm, swaps
// it out, frees its frame, and allocates a fresh one. Must be called with
// t.mu held.
func (t *Table) evictAndAllocateLocked(flags physpool.Flags) *physpool.Page {
	victim := t.pickVictimLocked()

	victim.owner.Dir.ClearPage(victim.upage)

	dirty := victim.owner.Dir.IsDirty(pagedir.UserAddr(victim.upage))
	dirty = dirty || victim.owner.Dir.IsDirty(pagedir.KernelAddr(victim.kpage))

	slot := t.swap.Out(victim.kpage)
	victim.owner.SPT.SetSwap(victim.upage, slot)
	victim.owner.SPT.SetDirty(victim.upage, dirty)

	if t.Debug {
		fmt.Printf("frame: evict kpage=%p upage=%#x owner=%s slot=%d dirty=%v\n",
			victim.kpage, victim.upage, victim.owner.ID, slot, dirty)
	}

	t.removeLocked(victim.kpage, true)

	kpage, ok := t.pool.Alloc(flags)
	if !ok {
		panic("frame: pool still exhausted immediately after eviction")
	}
	return kpage
}

// pickVictimLocked walks the clock ring looking for an unpinned,
// unaccessed frame, giving accessed frames a second chance by clearing
// their accessed bit and moving on. Must be called with t.mu held.
func (t *Table) pickVictimLocked() *fte {
	if t.ring.Len() == 0 {
		panic("frame: frame table is empty, which is impossible - there must be some leaks somewhere")
	}

	limit := 2 * t.ring.Len()
	for i := 0; i < limit; i++ {
		e := t.advanceHandLocked()

		if e.pinned {
			continue
		}
		if e.owner.Dir.IsAccessed(e.upage) {
			e.owner.Dir.SetAccessed(e.upage, false)
			continue
		}
		return e
	}
	panic("frame: cannot evict any frame -- not enough memory")
}

// advanceHandLocked returns the next entry in clockwise order, wrapping
// around the ring. Must be called with t.mu held.
func (t *Table) advanceHandLocked() *fte {
	if t.hand == nil {
		t.hand = t.ring.Front()
	} else {
		next := t.hand.Next()
		if next == nil {
			next = t.ring.Front()
		}
		t.hand = next
	}
	return t.hand.Value.(*fte)
}
