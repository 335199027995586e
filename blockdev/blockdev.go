// Package blockdev simulates the block device collaborator: get_role
// (SWAP), size(dev), read(dev, sector, buf), write(dev, sector, buf). It
// is the external disk abstraction the swap area is built on.
//
// Adapted from biscuit/src/fs/blk.go's Disk_i interface (Start/Stats) and
// its BDEV_READ/BDEV_WRITE command shape, collapsed to a synchronous
// read/write contract — there is no request-queue/channel-ack plumbing to
// port because swap I/O here always blocks the calling thread on the
// device, never issuing an async request.
package blockdev

import "sync"

// SectorSize is the platform's disk sector size in bytes.
const SectorSize = 512

// Device is a block device: a fixed number of fixed-size sectors.
type Device interface {
	// Size reports the device's capacity in sectors.
	Size() int
	// ReadSector reads exactly SectorSize bytes from the given sector
	// into buf.
	ReadSector(sector int, buf []byte)
	// WriteSector writes exactly SectorSize bytes from buf into the
	// given sector.
	WriteSector(sector int, buf []byte)
}

// MemDevice is an in-memory stand-in for a physical disk, used so the
// swap area can be exercised without real hardware.
type MemDevice struct {
	mu      sync.Mutex
	sectors [][SectorSize]byte
}

// NewMemDevice creates a device with the given number of sectors.
func NewMemDevice(sectorCount int) *MemDevice {
	return &MemDevice{sectors: make([][SectorSize]byte, sectorCount)}
}

// Size reports the device's capacity in sectors.
func (d *MemDevice) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sectors)
}

// ReadSector reads sector n into buf, which must be at least SectorSize
// bytes long.
func (d *MemDevice) ReadSector(sector int, buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= len(d.sectors) {
		panic("blockdev: read of out-of-range sector")
	}
	copy(buf, d.sectors[sector][:])
}

// WriteSector writes buf (at least SectorSize bytes) into sector n.
func (d *MemDevice) WriteSector(sector int, buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= len(d.sectors) {
		panic("blockdev: write of out-of-range sector")
	}
	copy(d.sectors[sector][:], buf)
}

// Role identifies the purpose a block device is registered under, mirroring
// Pintos's BLOCK_SWAP role enum (original_source/src/vm/swap.c's
// block_get_role(BLOCK_SWAP)).
type Role int

// RoleSwap is the role the swap area looks its backing device up under.
const RoleSwap Role = 1

var (
	registryMu sync.Mutex
	registry   = map[Role]Device{}
)

// Register associates a device with a role, the way a teaching kernel's
// boot sequence probes for disks and assigns them roles.
func Register(role Role, dev Device) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[role] = dev
}

// GetRole returns the device registered for role, or (nil, false) if none
// has been registered yet.
func GetRole(role Role) (Device, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	dev, ok := registry[role]
	return dev, ok
}
