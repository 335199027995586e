// Package swap implements the Swap Area: a fixed-size, page-granular
// region of a block device that backs evicted anonymous pages, managed by
// a bitmap of free slots.
//
// Ported from original_source/src/vm/swap.c (swap_init/swap_out/swap_in/
// swap_free); the per-sector write/read loop mirrors the idiom
// biscuit/src/fs/blk.go uses for its own synchronous Read()/Write()
// helpers. Swap operations are expected to be serialised by the caller,
// except for the bitmap scan itself, which must not race with itself when
// multiple callers share one Area — the frame table calls Out while
// holding its own lock, but the supplemental page table calls In and Free
// without it, so the bitmap is guarded here rather than relying on that
// external discipline.
package swap

import (
	"sync"

	"vmcore/blockdev"
	"vmcore/physpool"
)

// Area is the page-granular swap region.
type Area struct {
	sync.Mutex
	dev            blockdev.Device
	sectorsPerPage int
	slots          int
	available      []bool

	// Debug mirrors the Debug flag of frame.Table and spt.Table, matching
	// biscuit's fs/blk.go bdev_debug flag idiom. No Area method prints
	// trace output, so setting it has no effect.
	Debug bool
}

// Init acquires the swap device and sizes the slot bitmap from it: dev
// when non-nil, otherwise the device registered under blockdev.RoleSwap.
// It must be called exactly once, before any Out/In/Free call, and fails
// fatally (panics) if no swap device is registered.
func Init(dev blockdev.Device) *Area {
	if dev == nil {
		dev, _ = blockdev.GetRole(blockdev.RoleSwap)
	}
	if dev == nil {
		panic("swap: no swap device registered")
	}
	sectorsPerPage := physpool.PageSize / blockdev.SectorSize
	if sectorsPerPage <= 0 {
		panic("swap: page size is not a multiple of sector size")
	}
	slots := dev.Size() / sectorsPerPage
	a := &Area{
		dev:            dev,
		sectorsPerPage: sectorsPerPage,
		slots:          slots,
		available:      make([]bool, slots),
	}
	for i := range a.available {
		a.available[i] = true
	}
	return a
}

// Capacity reports the total number of swap slots.
func (a *Area) Capacity() int { return a.slots }

// Out scans for the first free slot, writes page's contents into it, and
// returns the slot index. It panics if swap is full — resource exhaustion
// with no way for this teaching kernel to recover.
func (a *Area) Out(page *physpool.Page) int {
	a.Lock()
	defer a.Unlock()

	slot := -1
	for i, free := range a.available {
		if free {
			slot = i
			break
		}
	}
	if slot == -1 {
		panic("swap: out of swap slots")
	}

	buf := page[:]
	for i := 0; i < a.sectorsPerPage; i++ {
		sector := slot*a.sectorsPerPage + i
		a.dev.WriteSector(sector, buf[i*blockdev.SectorSize:(i+1)*blockdev.SectorSize])
	}
	a.available[slot] = false
	return slot
}

// In reads slot's contents back into page and releases the slot. Reading
// a slot that is not currently occupied is a kernel bug — a double
// swap-in or a use-after-free — and panics.
func (a *Area) In(slot int, page *physpool.Page) {
	a.Lock()
	defer a.Unlock()

	a.checkSlotLocked(slot)
	if a.available[slot] {
		panic("swap: swap-in of an available (unassigned) slot")
	}

	buf := page[:]
	for i := 0; i < a.sectorsPerPage; i++ {
		sector := slot*a.sectorsPerPage + i
		a.dev.ReadSector(sector, buf[i*blockdev.SectorSize:(i+1)*blockdev.SectorSize])
	}
	a.available[slot] = true
}

// Free releases slot without reading it back, used when an SPTE whose
// status is ON_SWAP is being torn down during SPT destruction.
func (a *Area) Free(slot int) {
	a.Lock()
	defer a.Unlock()

	a.checkSlotLocked(slot)
	if a.available[slot] {
		panic("swap: double free of swap slot")
	}
	a.available[slot] = true
}

func (a *Area) checkSlotLocked(slot int) {
	if slot < 0 || slot >= a.slots {
		panic("swap: slot index out of range")
	}
}
