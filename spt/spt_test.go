package spt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/blockdev"
	"vmcore/filesys"
	"vmcore/frame"
	"vmcore/pagedir"
	"vmcore/physpool"
	"vmcore/swap"
)

func newRig(t *testing.T, poolCap int) (*physpool.Pool, *swap.Area, *frame.Table) {
	t.Helper()
	pool := physpool.NewPool(poolCap)
	dev := blockdev.NewMemDevice(poolCap * 2 * (physpool.PageSize / blockdev.SectorSize))
	area := swap.Init(dev)
	frames := frame.New(pool, area)
	return pool, area, frames
}

func TestLoadZeroPage(t *testing.T) {
	_, _, frames := newRig(t, 2)
	dir := pagedir.New()
	tbl := New("p1", dir, frames, nil)

	tbl.InstallZeropage(0x1000)
	require.True(t, tbl.HasEntry(0x1000))

	ok := tbl.LoadPage(0x1000)
	require.True(t, ok)

	e, found := tbl.Lookup(0x1000)
	require.True(t, found)
	require.Equal(t, OnFrame, e.Status)
	for _, b := range e.Kpage {
		require.Equal(t, byte(0), b)
	}
}

func TestLoadFilesysPageIsWritableFalseForCleanSource(t *testing.T) {
	_, _, frames := newRig(t, 2)
	dir := pagedir.New()
	tbl := New("p1", dir, frames, nil)

	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i)
	}
	file := filesys.NewMemFile("prog", content)
	tbl.InstallFilesys(0x2000, file, 0, 100, physpool.PageSize-100, false)

	ok := tbl.LoadPage(0x2000)
	require.True(t, ok)
	require.False(t, dir.Writable(0x2000))

	e, _ := tbl.Lookup(0x2000)
	require.Equal(t, content, e.Kpage[:100])
	for _, b := range e.Kpage[100:] {
		require.Equal(t, byte(0), b)
	}
}

func TestLoadPageAlreadyResidentIsNoop(t *testing.T) {
	_, _, frames := newRig(t, 2)
	dir := pagedir.New()
	tbl := New("p1", dir, frames, nil)

	tbl.InstallZeropage(0x1000)
	require.True(t, tbl.LoadPage(0x1000))
	require.True(t, tbl.LoadPage(0x1000), "loading an already ON_FRAME page is a successful no-op")
}

func TestSwapRoundTripAfterForcedEviction(t *testing.T) {
	pool, area, frames := newRig(t, 1)
	_ = pool

	dirA := pagedir.New()
	tblA := New("a", dirA, frames, area)
	tblA.InstallZeropage(0x1000)
	require.True(t, tblA.LoadPage(0x1000))

	e, _ := tblA.Lookup(0x1000)
	for i := range e.Kpage {
		e.Kpage[i] = 0xAB
	}

	dirB := pagedir.New()
	tblB := New("b", dirB, frames, area)
	tblB.InstallZeropage(0x2000)
	require.True(t, tblB.LoadPage(0x2000), "pool of capacity 1 forces eviction of A's page")

	eA, _ := tblA.Lookup(0x1000)
	require.Equal(t, OnSwap, eA.Status)

	require.True(t, tblA.LoadPage(0x1000), "faulting A's page back in must succeed")
	eA2, _ := tblA.Lookup(0x1000)
	require.Equal(t, OnFrame, eA2.Status)
	for _, b := range eA2.Kpage {
		require.Equal(t, byte(0xAB), b)
	}
}

func TestDestroyReclaimsSwap(t *testing.T) {
	pool, area, frames := newRig(t, 1)

	dir := pagedir.New()
	tbl := New("p1", dir, frames, area)
	tbl.InstallZeropage(0x1000)
	require.True(t, tbl.LoadPage(0x1000))

	// Force this page out to swap by allocating from a second owner that
	// exhausts the one-frame pool.
	dir2 := pagedir.New()
	tbl2 := New("p2", dir2, frames, area)
	tbl2.InstallZeropage(0x2000)
	require.True(t, tbl2.LoadPage(0x2000))

	e, _ := tbl.Lookup(0x1000)
	require.Equal(t, OnSwap, e.Status)
	slot := -1
	tbl.mu.Lock()
	slot = tbl.entries[0x1000].swapIndex
	tbl.mu.Unlock()

	removed := tbl.Destroy()
	require.Empty(t, removed, "an ON_SWAP-only table has nothing ON_FRAME to return")

	// The slot must now be free: swapping something else into it must
	// not panic as a double-use.
	require.NotPanics(t, func() {
		var scratch physpool.Page
		s2 := area.Out(&scratch)
		require.Equal(t, slot, s2, "freed slot must be the first one reused")
	})
	_ = pool
}

func TestDestroyReturnsOnFrameKpagesWithoutFreeingToPool(t *testing.T) {
	pool, _, frames := newRig(t, 2)

	dir := pagedir.New()
	tbl := New("p1", dir, frames, nil)
	tbl.InstallZeropage(0x1000)
	require.True(t, tbl.LoadPage(0x1000))

	require.Equal(t, 1, pool.Available())

	removed := tbl.Destroy()
	require.Len(t, removed, 1)
	require.Equal(t, 1, pool.Available(), "destroy must not itself return the frame to the pool")
}

func TestPinPageNoopWithoutEntry(t *testing.T) {
	_, _, frames := newRig(t, 1)
	dir := pagedir.New()
	tbl := New("p1", dir, frames, nil)
	require.NotPanics(t, func() { tbl.PinPage(0xdead) })
}

func TestPinPageRequiresResident(t *testing.T) {
	_, _, frames := newRig(t, 1)
	dir := pagedir.New()
	tbl := New("p1", dir, frames, nil)
	tbl.InstallZeropage(0x1000)
	require.Panics(t, func() { tbl.PinPage(0x1000) }, "page has not been loaded yet")
}

func TestSetDirtyIsMonotonic(t *testing.T) {
	_, _, frames := newRig(t, 1)
	dir := pagedir.New()
	tbl := New("p1", dir, frames, nil)
	tbl.InstallZeropage(0x1000)
	require.True(t, tbl.LoadPage(0x1000))

	tbl.SetDirty(0x1000, true)
	e, _ := tbl.Lookup(0x1000)
	require.True(t, e.Dirty)

	tbl.SetDirty(0x1000, false)
	e2, _ := tbl.Lookup(0x1000)
	require.True(t, e2.Dirty, "dirty bit is sticky and must never clear via SetDirty")
}

func TestSetDirtyOfAbsentEntryPanics(t *testing.T) {
	_, _, frames := newRig(t, 1)
	dir := pagedir.New()
	tbl := New("p1", dir, frames, nil)
	require.Panics(t, func() { tbl.SetDirty(0xdead, true) })
}

func TestDuplicateInstallPanics(t *testing.T) {
	_, _, frames := newRig(t, 1)
	dir := pagedir.New()
	tbl := New("p1", dir, frames, nil)
	tbl.InstallZeropage(0x1000)
	require.Panics(t, func() { tbl.InstallZeropage(0x1000) })
}
