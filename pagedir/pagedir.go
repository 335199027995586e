// Package pagedir simulates the hardware page directory — the
// architectural mapping from a user virtual page to the kernel virtual
// address of the frame backing it, along with accessed/dirty bits. It is
// an external collaborator the core consumes; no MMU or TLB is modeled,
// only the bookkeeping surface the frame table and SPT actually touch.
//
// Adapted from biscuit/src/vm/as.go's Page_insert/Page_remove and the
// PTE_* bit constants in biscuit/src/mem/mem.go, reduced to the
// accessed/dirty/mapping operations this core needs. COW bits and TLB
// shootdown are dropped — both are out of this core's scope (copy-on-write
// is an explicit Non-goal; TLB consistency is a hardware concern
// delegated entirely to this collaborator).
package pagedir

import "sync"

type entry struct {
	kpage       any
	writable    bool
	accessed    bool
	dirtyUser   bool
	dirtyKernel bool

	// present is false once ClearPage has torn down the mapping. The
	// entry itself stays in byUpage/byKpage after that so its dirty bits
	// remain queryable by eviction (which clears the mapping, then reads
	// the dirty bits, exactly as pagedir_clear_page followed by
	// pagedir_is_dirty does in original_source/src/vm/frame.c) — only
	// translation-dependent queries (accessed bit, writability) start
	// treating the page as unmapped.
	present bool
}

// Dir is one process's hardware page directory.
type Dir struct {
	mu      sync.Mutex
	byUpage map[uintptr]*entry
	byKpage map[any]*entry
}

// New returns an empty page directory.
func New() *Dir {
	return &Dir{
		byUpage: make(map[uintptr]*entry),
		byKpage: make(map[any]*entry),
	}
}

// SetPage installs a mapping from upage to kpage with the given
// writability. It always succeeds for this simulated MMU (a real MMU can
// fail for lack of page-table memory; this core has no such resource to
// exhaust, so its `set_page(pd, upage, kpage, writable) → ok` shape never
// actually returns false).
func (d *Dir) SetPage(upage uintptr, kpage any, writable bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := &entry{kpage: kpage, writable: writable, present: true}
	d.byUpage[upage] = e
	d.byKpage[kpage] = e
	return true
}

// ClearPage tears down the translation for upage, if any: further
// accessed-bit and writability queries against it act as though it were
// never mapped, so a subsequent user access would fault. Clearing an
// already-cleared or never-mapped page is a no-op, matching
// pagedir_clear_page's tolerance of a page that was never, or is no
// longer, mapped.
//
// The entry itself is left in place (under both its upage and kpage
// aliases) rather than deleted, because eviction calls ClearPage and then
// immediately reads the dirty bit through IsDirty for both aliases — the
// hardware dirty bit survives the PTE being cleared, it just isn't
// reachable via a fresh translation anymore. The entry stays under its
// upage until a later SetPage maps that upage again, and under its kpage
// until a later SetPage in this directory maps that kpage again.
func (d *Dir) ClearPage(upage uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byUpage[upage]
	if !ok || !e.present {
		return
	}
	e.present = false
}

// IsAccessed reports the hardware accessed bit for upage. Querying an
// unmapped page is a kernel bug: the caller (frame-table eviction) only
// ever asks about pages it already knows are mapped.
func (d *Dir) IsAccessed(upage uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.mustUpage(upage)
	return e.accessed
}

// SetAccessed sets the hardware accessed bit for upage.
func (d *Dir) SetAccessed(upage uintptr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.mustUpage(upage)
	e.accessed = v
}

// Addr names one alias — user or kernel — of a mapped page, for dirty-bit
// queries. The hardware may record a write against either alias depending
// on which one the CPU used to perform it, so the two are tracked
// independently and the caller must consult both.
type Addr struct {
	upage  uintptr
	kpage  any
	isUser bool
}

// UserAddr names the user-virtual-address alias of a mapped page.
func UserAddr(upage uintptr) Addr { return Addr{upage: upage, isUser: true} }

// KernelAddr names the kernel-virtual-address alias of a mapped page.
func KernelAddr(kpage any) Addr { return Addr{kpage: kpage, isUser: false} }

// IsDirty reports the hardware dirty bit recorded against the given
// alias.
func (d *Dir) IsDirty(a Addr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.mustAlias(a)
	if a.isUser {
		return e.dirtyUser
	}
	return e.dirtyKernel
}

// SetDirty sets the hardware dirty bit recorded against the given alias.
func (d *Dir) SetDirty(a Addr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.mustAlias(a)
	if a.isUser {
		e.dirtyUser = v
	} else {
		e.dirtyKernel = v
	}
}

// Writable reports the protection bit installed for upage.
func (d *Dir) Writable(upage uintptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mustUpage(upage).writable
}

func (d *Dir) mustUpage(upage uintptr) *entry {
	e, ok := d.byUpage[upage]
	if !ok || !e.present {
		panic("pagedir: query against an unmapped user page")
	}
	return e
}

// mustAlias deliberately does not consult entry.present: it backs the
// dirty-bit queries eviction makes right after ClearPage, which must
// still see the bits recorded before the mapping was torn down.
func (d *Dir) mustAlias(a Addr) *entry {
	var e *entry
	var ok bool
	if a.isUser {
		e, ok = d.byUpage[a.upage]
	} else {
		e, ok = d.byKpage[a.kpage]
	}
	if !ok {
		panic("pagedir: dirty-bit query against an unmapped alias")
	}
	return e
}
