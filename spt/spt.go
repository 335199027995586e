// Package spt implements the Supplemental Page Table: the per-process map
// from user virtual page to the page's current status and the metadata
// needed to bring it back into memory — zero-fill, swap slot, or
// file-backed descriptor.
//
// Ported from original_source/src/vm/page.c (vm_supt_create/destroy/
// lookup/install_frame/set_swap/has_entry/load_page), extended with
// install_filesys, install_zeropage, set_dirty, and pin_page/unpin_page
// operations beyond that reference implementation's narrower page.c.
package spt

import (
	"fmt"
	"io"
	"sync"

	"vmcore/filesys"
	"vmcore/frame"
	"vmcore/pagedir"
	"vmcore/physpool"
	"vmcore/swap"
)

// Status is the tag identifying an SPTE's authoritative source of
// contents.
type Status int

const (
	// AllZero pages are implicitly zero-filled; no backing storage.
	AllZero Status = iota
	// OnFrame pages are resident; kpage holds their current contents.
	OnFrame
	// OnSwap pages live in swap at SwapIndex.
	OnSwap
	// FromFilesys pages have never been modified and are materialized by
	// reading from a file.
	FromFilesys
)

func (s Status) String() string {
	switch s {
	case AllZero:
		return "ALL_ZERO"
	case OnFrame:
		return "ON_FRAME"
	case OnSwap:
		return "ON_SWAP"
	case FromFilesys:
		return "FROM_FILESYS"
	default:
		return "UNKNOWN"
	}
}

// entry is one supplemental page table entry.
type entry struct {
	status Status
	dirty  bool // sticky OR of the hardware dirty bit observed so far

	kpage *physpool.Page // valid when status == OnFrame

	swapIndex int // valid when status == OnSwap

	file       filesys.File // valid when status == FromFilesys
	fileOffset int64
	readBytes  int
	zeroBytes  int
	writable   bool
}

// Entry is a read-only snapshot of an SPTE, returned by Lookup.
type Entry struct {
	Status Status
	Dirty  bool
	Kpage  *physpool.Page
}

// Table is one process's supplemental page table.
type Table struct {
	mu      sync.Mutex
	entries map[uintptr]*entry

	ownerID string
	dir     *pagedir.Dir
	frames  *frame.Table
	swap    *swap.Area

	// Debug gates diagnostic printf output, the same gated-printf idiom
	// used throughout this core in place of a logging framework.
	Debug bool
}

// New creates an empty supplemental page table for a process named
// ownerID, whose hardware mappings live in dir and who shares the given
// frame table and swap area with the rest of the core.
func New(ownerID string, dir *pagedir.Dir, frames *frame.Table, sw *swap.Area) *Table {
	return &Table{
		entries: make(map[uintptr]*entry),
		ownerID: ownerID,
		dir:     dir,
		frames:  frames,
		swap:    sw,
	}
}

// asOwner builds the frame.Owner value this table presents to the frame
// table so eviction can call back into SetSwap/SetDirty.
func (t *Table) asOwner() frame.Owner {
	return frame.Owner{ID: t.ownerID, Dir: t.dir, SPT: t}
}

// InstallFrame registers an already-resident page: status ON_FRAME,
// backed by kpage. Used after the loader or stack-growth path has
// produced a frame directly (bypassing LoadPage).
func (t *Table) InstallFrame(upage uintptr, kpage *physpool.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustBeAbsentLocked(upage)
	t.entries[upage] = &entry{status: OnFrame, kpage: kpage}
}

// InstallFilesys registers a file-backed page: status FROM_FILESYS,
// materialized on first fault by reading readBytes bytes from file at
// fileOffset and zero-padding the remaining zeroBytes of the page.
func (t *Table) InstallFilesys(upage uintptr, file filesys.File, fileOffset int64, readBytes, zeroBytes int, writable bool) {
	if readBytes+zeroBytes != physpool.PageSize {
		panic("spt: read_bytes + zero_bytes must equal the page size")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustBeAbsentLocked(upage)
	t.entries[upage] = &entry{
		status:     FromFilesys,
		file:       file,
		fileOffset: fileOffset,
		readBytes:  readBytes,
		zeroBytes:  zeroBytes,
		writable:   writable,
	}
}

// InstallZeropage registers a zero-fill page: status ALL_ZERO. Used for
// freshly grown stack pages.
func (t *Table) InstallZeropage(upage uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustBeAbsentLocked(upage)
	t.entries[upage] = &entry{status: AllZero}
}

func (t *Table) mustBeAbsentLocked(upage uintptr) {
	if _, ok := t.entries[upage]; ok {
		panic("spt: duplicate install of an already-registered page")
	}
}

// HasEntry reports whether upage has a supplemental page table entry.
func (t *Table) HasEntry(upage uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[upage]
	return ok
}

// Lookup returns a snapshot of upage's SPTE, or (Entry{}, false) if none
// exists.
func (t *Table) Lookup(upage uintptr) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[upage]
	if !ok {
		return Entry{}, false
	}
	return Entry{Status: e.status, Dirty: e.dirty, Kpage: e.kpage}, true
}

// SetSwap transitions upage to ON_SWAP, clearing kpage and recording
// slot. Called by the frame table during eviction; this is the SPTUpdater
// interface frame.Owner carries.
func (t *Table) SetSwap(upage uintptr, slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.mustLookupLocked(upage)
	e.status = OnSwap
	e.kpage = nil
	e.swapIndex = slot
}

// SetDirty ORs dirty into upage's sticky dirty flag. Fatal if the SPTE is
// absent.
func (t *Table) SetDirty(upage uintptr, dirty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.mustLookupLocked(upage)
	e.dirty = e.dirty || dirty
}

func (t *Table) mustLookupLocked(upage uintptr) *entry {
	e, ok := t.entries[upage]
	if !ok {
		panic("spt: operation against a page with no supplemental page table entry")
	}
	return e
}

// PinPage pins upage's frame against eviction. A missing SPTE is silently
// a no-op (covers addresses in the stack-growth region); otherwise the
// page must already be ON_FRAME.
func (t *Table) PinPage(upage uintptr) {
	t.mu.Lock()
	e, ok := t.entries[upage]
	if !ok {
		t.mu.Unlock()
		return
	}
	if e.status != OnFrame {
		t.mu.Unlock()
		panic("spt: pin of a page that is not resident")
	}
	kpage := e.kpage
	t.mu.Unlock()
	t.frames.Pin(kpage)
}

// UnpinPage unpins upage's frame. The page must be ON_FRAME.
func (t *Table) UnpinPage(upage uintptr) {
	t.mu.Lock()
	e, ok := t.entries[upage]
	if !ok || e.status != OnFrame {
		t.mu.Unlock()
		panic("spt: unpin of a page that is not resident")
	}
	kpage := e.kpage
	t.mu.Unlock()
	t.frames.Unpin(kpage)
}

// LoadPage brings upage into memory if it is not already resident,
// installing the hardware mapping and updating the SPTE to ON_FRAME. It
// reports whether the load succeeded.
//
// This releases the table's own lock before calling into the frame table
// (which takes the frame lock and may call back into SetSwap/SetDirty on
// a *different* process's table during eviction) — frame_lock must always
// be the outer lock, a table's own lock the inner one, never the reverse,
// to avoid an AB-BA deadlock against Destroy.
func (t *Table) LoadPage(upage uintptr) bool {
	t.mu.Lock()
	e, ok := t.entries[upage]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if e.status == OnFrame {
		t.mu.Unlock()
		return true
	}
	status := e.status
	t.mu.Unlock()

	kpage := t.frames.Allocate(physpool.User, upage, t.asOwner())

	switch status {
	case AllZero:
		for i := range kpage {
			kpage[i] = 0
		}
	case OnSwap:
		t.mu.Lock()
		slot := t.entries[upage].swapIndex
		t.mu.Unlock()
		t.swap.In(slot, kpage)
	case FromFilesys:
		t.mu.Lock()
		e := t.entries[upage]
		file, offset, readBytes, zeroBytes := e.file, e.fileOffset, e.readBytes, e.zeroBytes
		t.mu.Unlock()

		n, err := file.ReadAt(kpage[:readBytes], offset)
		if n != readBytes || (err != nil && err != io.EOF) {
			t.frames.Free(kpage)
			return false
		}
		for i := 0; i < zeroBytes; i++ {
			kpage[readBytes+i] = 0
		}
	case OnFrame:
		panic("spt: load_page found status ON_FRAME after releasing the lock - impossible")
	default:
		panic("spt: load_page encountered an undefined status tag")
	}

	t.mu.Lock()
	writable := true
	if status == FromFilesys {
		writable = t.entries[upage].writable
	}
	t.mu.Unlock()

	if !t.dir.SetPage(upage, kpage, writable) {
		t.frames.Free(kpage)
		return false
	}

	t.mu.Lock()
	e2 := t.entries[upage]
	e2.status = OnFrame
	e2.kpage = kpage
	e2.swapIndex = 0
	e2.file = nil
	t.mu.Unlock()

	t.dir.SetDirty(pagedir.KernelAddr(kpage), false)
	t.frames.Unpin(kpage)

	if t.Debug {
		fmt.Printf("spt: loaded upage=%#x owner=%s from=%s\n", upage, t.ownerID, status)
	}
	return true
}

// Destroy tears down every SPTE: ON_SWAP entries release their swap slot;
// ON_FRAME entries are detached from the frame table (without returning
// their physical frame to the pool — that release belongs to the
// hardware page directory destructor, run by the caller, which is why the
// detached kpages are returned). ALL_ZERO and FROM_FILESYS entries need no
// cleanup.
//
// This removes every ON_FRAME entry's frame table record in a single
// locked pass via frame.Table.RemoveAllOwnedBy, rather than one
// removeEntry call per SPTE while holding this table's own lock — so a
// concurrent eviction scan can never observe a frame whose owning table
// has only partially torn down.
func (t *Table) Destroy() []*physpool.Page {
	kpages := t.frames.RemoveAllOwnedBy(t.ownerID)

	t.mu.Lock()
	for upage, e := range t.entries {
		if e.status == OnSwap {
			t.swap.Free(e.swapIndex)
		}
		delete(t.entries, upage)
	}
	t.mu.Unlock()

	return kpages
}
