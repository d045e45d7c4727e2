// Package shmem computes and initializes the fixed layout of the region
// shared with the firmware processor: a control block holding one cursor
// descriptor per queue, followed by the four queue data areas, closed by a
// trailing magic sentinel used to detect layout corruption.
package shmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-sap-host/internal/ring"
)

// Direction selects who writes a queue pair.
type Direction int

const (
	HostToFw Direction = iota
	FwToHost
	directionCount
)

// Channel selects the queue within a direction.
type Channel int

const (
	Notif Channel = iota
	Data
	channelCount
)

// Queue capacities are asymmetric by direction and channel: the host mostly
// pushes bulk data down and the firmware mostly pushes notifications up.
const (
	HostToFwDataQueueSize  = 48256
	HostToFwNotifQueueSize = 2240
	FwToHostDataQueueSize  = 24128
	FwToHostNotifQueueSize = 62720
)

const (
	magicOff    = 0
	ctrlSizeOff = 4
	dirBlock    = 4 + int(channelCount)*ring.DescSize // reserved word + descriptors
	ctrlSize    = 8 + int(directionCount)*dirBlock
)

// Sentinel errors.
var (
	// ErrAllocFailed wraps a platform refusal to provide the shared mapping.
	ErrAllocFailed = errors.New("shmem: allocation failed")
	// ErrLayout means a magic or size check failed; the region is unusable.
	ErrLayout = errors.New("shmem: layout corrupted")
)

// Sizes carries the four queue capacities. The zero value is invalid; use
// DefaultSizes outside of tests.
type Sizes struct {
	HostToFwData  uint32
	HostToFwNotif uint32
	FwToHostData  uint32
	FwToHostNotif uint32
}

// DefaultSizes returns the production queue capacities.
func DefaultSizes() Sizes {
	return Sizes{
		HostToFwData:  HostToFwDataQueueSize,
		HostToFwNotif: HostToFwNotifQueueSize,
		FwToHostData:  FwToHostDataQueueSize,
		FwToHostNotif: FwToHostNotifQueueSize,
	}
}

func (s Sizes) get(d Direction, c Channel) uint32 {
	switch {
	case d == HostToFw && c == Data:
		return s.HostToFwData
	case d == HostToFw && c == Notif:
		return s.HostToFwNotif
	case d == FwToHost && c == Data:
		return s.FwToHostData
	default:
		return s.FwToHostNotif
	}
}

// total returns the unrounded region size: control block, queues, sentinel.
func (s Sizes) total() int {
	return ctrlSize + int(s.HostToFwData+s.HostToFwNotif+s.FwToHostData+s.FwToHostNotif) + 4
}

// Region is a zero-initialized page-aligned block mapped shared so both
// execution contexts can touch it.
type Region struct {
	mem    []byte
	mapped bool
}

// Alloc maps a zeroed shared region large enough for the given sizes,
// rounded up to the page size.
func Alloc(sizes Sizes) (*Region, error) {
	pg := os.Getpagesize()
	sz := (sizes.total() + pg - 1) / pg * pg
	mem, err := unix.Mmap(-1, 0, sz,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocFailed, sz, err)
	}
	return &Region{mem: mem, mapped: true}, nil
}

// Bytes exposes the raw arena. Used by the far side (tests, simulators)
// that attaches to the same region.
func (r *Region) Bytes() []byte { return r.mem }

// Release unmaps the region. The session layer must have sent its
// going-down notification first so the far side stops touching the memory.
func (r *Region) Release() error {
	if !r.mapped {
		return nil
	}
	r.mapped = false
	if err := unix.Munmap(r.mem); err != nil {
		return fmt.Errorf("shmem: munmap: %w", err)
	}
	r.mem = nil
	return nil
}

// Layout binds queue views over an initialized region.
type Layout struct {
	region *Region
	sizes  Sizes
	queues [directionCount][channelCount]*ring.Queue
}

func descOff(d Direction, c Channel) int {
	return 8 + int(d)*dirBlock + 4 + int(c)*ring.DescSize
}

// Init writes the control block into a freshly allocated region: magic,
// control block size, per-queue capacities, zeroed cursors, and the
// trailing sentinel after the last queue. It returns the bound layout.
func Init(r *Region, sizes Sizes) (*Layout, error) {
	arena := r.mem
	if len(arena) < sizes.total() {
		return nil, fmt.Errorf("%w: region of %d bytes, layout needs %d", ErrLayout, len(arena), sizes.total())
	}

	binary.LittleEndian.PutUint32(arena[magicOff:], ControlBlockID)
	binary.LittleEndian.PutUint32(arena[ctrlSizeOff:], uint32(ctrlSize))

	dataOff := ctrlSize
	l := &Layout{region: r, sizes: sizes}
	for d := Direction(0); d < directionCount; d++ {
		for c := Channel(0); c < channelCount; c++ {
			off := descOff(d, c)
			binary.LittleEndian.PutUint32(arena[off:], 0)                 // wr
			binary.LittleEndian.PutUint32(arena[off+4:], 0)               // rd
			binary.LittleEndian.PutUint32(arena[off+8:], sizes.get(d, c)) // capacity

			q, err := ring.New(arena, off, dataOff)
			if err != nil {
				return nil, fmt.Errorf("shmem: queue %d/%d: %w", d, c, err)
			}
			l.queues[d][c] = q
			dataOff += int(sizes.get(d, c))
		}
	}

	binary.LittleEndian.PutUint32(arena[dataOff:], ControlBlockID)
	return l, nil
}

// Attach binds queue views over a region initialized by the other side,
// verifying the layout first.
func Attach(r *Region, sizes Sizes) (*Layout, error) {
	l := &Layout{region: r, sizes: sizes}
	if err := l.verifyArena(r.mem); err != nil {
		return nil, err
	}
	dataOff := ctrlSize
	for d := Direction(0); d < directionCount; d++ {
		for c := Channel(0); c < channelCount; c++ {
			q, err := ring.New(r.mem, descOff(d, c), dataOff)
			if err != nil {
				return nil, fmt.Errorf("shmem: queue %d/%d: %w", d, c, err)
			}
			l.queues[d][c] = q
			dataOff += int(sizes.get(d, c))
		}
	}
	return l, nil
}

// ControlBlockID mirrors the protocol magic so this package does not depend
// on the wire package.
const ControlBlockID = 0x21504153

// Queue returns the view for one direction and channel.
func (l *Layout) Queue(d Direction, c Channel) *ring.Queue { return l.queues[d][c] }

// Verify re-checks both magics; a mismatch means the far side scribbled
// over the layout.
func (l *Layout) Verify() error { return l.verifyArena(l.region.mem) }

func (l *Layout) verifyArena(arena []byte) error {
	if len(arena) < l.sizes.total() {
		return fmt.Errorf("%w: region too small", ErrLayout)
	}
	if got := binary.LittleEndian.Uint32(arena[magicOff:]); got != ControlBlockID {
		return fmt.Errorf("%w: head magic 0x%08x", ErrLayout, got)
	}
	sentinelOff := l.sizes.total() - 4
	if got := binary.LittleEndian.Uint32(arena[sentinelOff:]); got != ControlBlockID {
		return fmt.Errorf("%w: tail sentinel 0x%08x", ErrLayout, got)
	}
	return nil
}

// HostDataPending reports whether either host-to-firmware queue still holds
// bytes the firmware has not consumed. Used by the teardown drain poll.
func (l *Layout) HostDataPending() bool {
	return l.queues[HostToFw][Data].Pending() || l.queues[HostToFw][Notif].Pending()
}
