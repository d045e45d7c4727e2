// Package ring implements the cyclic frame queues living inside the shared
// region. Each queue is a byte ring with a {write, read, capacity}
// descriptor stored in the shared arena itself. The writer side exclusively
// advances the write cursor and the reader side the read cursor, so no
// locking happens here; callers serialize concurrent writers externally.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/kstaniek/go-sap-host/internal/sap"
)

// Sentinel errors, classified with errors.Is by callers.
var (
	// ErrOverflow means the frame does not fit in the current free space.
	// Cursors are left untouched; the sender retries later or drops.
	ErrOverflow = errors.New("ring: overflow")
	// ErrCorruption means a cursor or a decoded length violated the queue
	// invariants. The current pass is aborted and the tail discarded.
	ErrCorruption = errors.New("ring: corruption")
	// ErrInvalidState means the queue view is unusable (bad offsets).
	ErrInvalidState = errors.New("ring: invalid state")
)

// Descriptor word offsets, in the order they sit in the control block.
const (
	descWr   = 0
	descRd   = 4
	descSize = 8

	// DescSize is the byte size of one queue descriptor.
	DescSize = 12
)

// Queue is a view over one cyclic queue: its descriptor words and its data
// area, both inside the shared arena. Cursor accesses are single 32-bit
// atomics so the far side never observes a torn pointer update.
type Queue struct {
	arena   []byte
	descOff int
	dataOff int
}

// New binds a queue view to the arena. The descriptor must be 32-bit
// aligned and descriptor plus data area must fall inside the arena.
func New(arena []byte, descOff, dataOff int) (*Queue, error) {
	if descOff%4 != 0 {
		return nil, fmt.Errorf("%w: descriptor offset %d not 32-bit aligned", ErrInvalidState, descOff)
	}
	if descOff < 0 || descOff+DescSize > len(arena) || dataOff < 0 || dataOff > len(arena) {
		return nil, fmt.Errorf("%w: descriptor %d / data %d outside arena of %d bytes", ErrInvalidState, descOff, dataOff, len(arena))
	}
	q := &Queue{arena: arena, descOff: descOff, dataOff: dataOff}
	if dataOff+int(q.Capacity()) > len(arena) {
		return nil, fmt.Errorf("%w: data area exceeds arena", ErrInvalidState)
	}
	return q, nil
}

func (q *Queue) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&q.arena[q.descOff+off]))
}

func (q *Queue) loadWr() uint32   { return atomic.LoadUint32(q.word(descWr)) }
func (q *Queue) loadRd() uint32   { return atomic.LoadUint32(q.word(descRd)) }
func (q *Queue) storeWr(v uint32) { atomic.StoreUint32(q.word(descWr), v) }
func (q *Queue) storeRd(v uint32) { atomic.StoreUint32(q.word(descRd), v) }

// Capacity returns the queue capacity recorded in the descriptor.
func (q *Queue) Capacity() uint32 { return atomic.LoadUint32(q.word(descSize)) }

// SetCapacity records the queue capacity. Called once during layout init.
func (q *Queue) SetCapacity(v uint32) { atomic.StoreUint32(q.word(descSize), v) }

// Pending reports whether unread bytes sit in the queue.
func (q *Queue) Pending() bool { return q.loadWr() != q.loadRd() }

// Free returns the number of bytes available to the writer.
func (q *Queue) Free() (uint32, error) {
	size := q.Capacity()
	wr, rd := q.loadWr(), q.loadRd()
	if wr > size || rd > size {
		return 0, fmt.Errorf("%w: cursors wr=%d rd=%d capacity=%d", ErrCorruption, wr, rd, size)
	}
	if wr >= rd {
		return size - wr + rd, nil
	}
	return rd - wr, nil
}

// Write frames hdr plus the given payload parts into the queue, wrapping
// across the capacity boundary when needed. The write cursor advances only
// after all bytes are in place, so a concurrent reader never sees a frame
// boundary ahead of its data.
//
// A frame consuming every free byte is accepted, but it lands the write
// cursor back on the read cursor and wr == rd reads as empty, so that frame
// is lost to the reader: the usable round-trip capacity is one byte short of
// the declared capacity. Writers that must not lose frames should size their
// queues with headroom rather than fill them exactly.
func (q *Queue) Write(hdr sap.Header, parts ...[]byte) error {
	size := q.Capacity()
	wr, rd := q.loadWr(), q.loadRd()
	if wr > size || rd > size {
		return fmt.Errorf("%w: cursors wr=%d rd=%d capacity=%d", ErrCorruption, wr, rd, size)
	}

	txSz := uint32(sap.HeaderSize)
	for _, p := range parts {
		txSz += uint32(len(p))
	}

	var room uint32
	if wr >= rd {
		room = size - wr + rd
	} else {
		room = rd - wr
	}
	if room < txSz {
		return fmt.Errorf("%w: frame of %d bytes, %d free", ErrOverflow, txSz, room)
	}

	var hb [sap.HeaderSize]byte
	sap.PutHeader(hb[:], hdr)

	pos := q.copyIn(wr, hb[:])
	for _, p := range parts {
		pos = q.copyIn(pos, p)
	}

	q.storeWr((wr + txSz) % size)
	return nil
}

// copyIn copies b into the data area starting at cursor pos, splitting the
// copy at the capacity boundary, and returns the advanced cursor.
func (q *Queue) copyIn(pos uint32, b []byte) uint32 {
	size := q.Capacity()
	data := q.arena[q.dataOff : q.dataOff+int(size)]
	n := uint32(len(b))
	if pos+n <= size {
		copy(data[pos:], b)
	} else {
		head := size - pos
		copy(data[pos:], b[:head])
		copy(data, b[head:])
	}
	return (pos + n) % size
}

// copyOut copies len(b) bytes out of the data area starting at cursor pos,
// splitting at the capacity boundary, and returns the advanced cursor.
func (q *Queue) copyOut(pos uint32, b []byte) uint32 {
	size := q.Capacity()
	data := q.arena[q.dataOff : q.dataOff+int(size)]
	n := uint32(len(b))
	if pos+n <= size {
		copy(b, data[pos:])
	} else {
		head := size - pos
		copy(b[:head], data[pos:])
		copy(b[head:], data)
	}
	return (pos + n) % size
}

// ReadPass decodes every complete frame available at call time and hands
// each to fn. Frame payloads alias a scratch buffer reused across frames;
// fn must copy anything it retains.
//
// The read cursor is advanced to the write cursor even when the pass aborts
// on a corrupted tail: corrupted bytes are discarded, not retried, so the
// queue resynchronizes for future passes. Returns the number of frames
// delivered and ErrCorruption if a declared length exceeded the bytes the
// queue reported valid.
func (q *Queue) ReadPass(fn func(sap.Frame)) (int, error) {
	size := q.Capacity()
	wr, rd := q.loadWr(), q.loadRd()
	if wr > size || rd > size {
		return 0, fmt.Errorf("%w: cursors wr=%d rd=%d capacity=%d", ErrCorruption, wr, rd, size)
	}
	if wr == rd {
		return 0, nil
	}

	var valid uint32
	if wr > rd {
		valid = wr - rd
	} else {
		valid = size - rd + wr
	}

	// Resynchronize unconditionally: whatever this pass could not decode
	// is discarded.
	defer q.storeRd(wr)

	var scratch []byte
	n := 0
	for valid >= sap.HeaderSize {
		var hb [sap.HeaderSize]byte
		rd = q.copyOut(rd, hb[:])
		valid -= sap.HeaderSize

		hdr, _ := sap.ParseHeader(hb[:])
		if uint32(hdr.Len) > valid {
			return n, fmt.Errorf("%w: frame declares %d payload bytes, %d valid", ErrCorruption, hdr.Len, valid)
		}

		if int(hdr.Len) > len(scratch) {
			scratch = make([]byte, hdr.Len)
		}
		payload := scratch[:hdr.Len]
		rd = q.copyOut(rd, payload)
		valid -= uint32(hdr.Len)

		fn(sap.Frame{Header: hdr, Payload: payload})
		n++
	}
	return n, nil
}
