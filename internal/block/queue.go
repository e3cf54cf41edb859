// Package block implements the split-ring virtio block driver (§4.I): a
// descriptor free list, avail/used ring publication with the documented
// write-entry-then-bump-index-then-ring-doorbell ordering, and in-flight
// request tracking keyed by descriptor-chain head.
//
// Grounded on internal/devices/virtio/{queue.go,blk.go}'s descriptor/ring
// byte layout and descriptor-chain walk, inverted from the device side
// those files implement (answering requests) to the driver side (issuing
// them and waiting on the used ring).
package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Descriptor flags, same bit assignment as the virtio spec and the teacher.
const (
	descFNext  = uint16(1) << 0
	descFWrite = uint16(1) << 1
)

var (
	ErrQueueFull   = errors.New("block: queue full")
	ErrRingCorrupt = errors.New("block: ring corrupt")
	ErrIOError     = errors.New("block: io error")
)

// Bus is the DMA-addressable memory backing the descriptor table and the
// avail/used rings — shared between the driver and whatever answers its
// requests, mirroring the teacher's GuestMemory abstraction.
type Bus interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// MMIO is the doorbell/ISR control surface (§4.I: "writes the queue-notify
// MMIO doorbell"; "interrupt status is cleared by reading the ISR
// register").
type MMIO interface {
	Write32(offset uint32, value uint32)
	Read32(offset uint32) uint32
}

// Well-known virtio MMIO transport register offsets used by this driver.
const (
	RegQueueNotify      = 0x50
	RegInterruptStatus  = 0x60
	RegInterruptACK     = 0x64
	InterruptUsedBuffer = 0x1
)

type descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Queue is a single split-ring virtqueue as seen from the driver side.
type Queue struct {
	mu sync.Mutex

	bus  Bus
	mmio MMIO

	descTableAddr uint64
	availRingAddr uint64
	usedRingAddr  uint64
	queueIndex    uint32

	size uint16

	freeHead  uint16
	freeCount uint16

	availIdx    uint16
	lastUsedIdx uint16
}

// NewQueue lays out a queue of the given size at the three given bus
// addresses and threads the descriptor table into a free list (desc[i].Next
// = i+1), matching a real driver's O(1) wrap-around-safe allocator
// invariant.
func NewQueue(bus Bus, mmio MMIO, queueIndex uint32, descTableAddr, availRingAddr, usedRingAddr uint64, size uint16) (*Queue, error) {
	if size == 0 {
		return nil, fmt.Errorf("block: NewQueue: size must be nonzero")
	}
	q := &Queue{
		bus:           bus,
		mmio:          mmio,
		descTableAddr: descTableAddr,
		availRingAddr: availRingAddr,
		usedRingAddr:  usedRingAddr,
		queueIndex:    queueIndex,
		size:          size,
		freeHead:      0,
		freeCount:     size,
	}
	for i := uint16(0); i < size; i++ {
		d := descriptor{}
		if i+1 < size {
			d.Next = i + 1
		}
		if err := q.writeDescriptor(i, d); err != nil {
			return nil, err
		}
	}
	if err := q.writeGuestUint16(availRingAddr+2, 0); err != nil {
		return nil, err
	}
	if err := q.writeGuestUint16(usedRingAddr+2, 0); err != nil {
		return nil, err
	}
	return q, nil
}

// allocChain pulls n descriptors off the free list and chains them with
// descFNext set on every entry but the last.
func (q *Queue) allocChain(n int) ([]uint16, error) {
	if uint16(n) > q.freeCount {
		return nil, ErrQueueFull
	}
	indices := make([]uint16, n)
	cur := q.freeHead
	for i := 0; i < n; i++ {
		indices[i] = cur
		d, err := q.readDescriptor(cur)
		if err != nil {
			return nil, err
		}
		cur = d.Next
	}
	q.freeHead = cur
	q.freeCount -= uint16(n)
	return indices, nil
}

// freeChain returns a descriptor chain headed at head back onto the free
// list, walking it the same way the used-ring consumer does.
func (q *Queue) freeChain(head uint16) error {
	d, err := q.readDescriptor(head)
	if err != nil {
		return err
	}
	tail := head
	for d.Flags&descFNext != 0 {
		tail = d.Next
		d, err = q.readDescriptor(tail)
		if err != nil {
			return err
		}
	}
	if err := q.writeDescriptor(tail, descriptor{Next: q.freeHead}); err != nil {
		return err
	}
	q.freeHead = head
	n, err := q.chainLength(head)
	if err != nil {
		return err
	}
	q.freeCount += uint16(n)
	return nil
}

func (q *Queue) chainLength(head uint16) (int, error) {
	n := 0
	idx := head
	for {
		n++
		d, err := q.readDescriptor(idx)
		if err != nil {
			return 0, err
		}
		if d.Flags&descFNext == 0 {
			return n, nil
		}
		idx = d.Next
	}
}

// Buffer describes one segment of a descriptor chain to submit.
type Buffer struct {
	Addr    uint64
	Length  uint32
	IsWrite bool // true if the device writes into this buffer
}

// Submit allocates a descriptor chain for bufs, writes the descriptors,
// publishes the head in the available ring, bumps the avail index, and
// rings the queue-notify doorbell — in that order (§4.I step 3).
func (q *Queue) Submit(bufs []Buffer) (head uint16, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	indices, err := q.allocChain(len(bufs))
	if err != nil {
		return 0, err
	}
	for i, idx := range indices {
		flags := uint16(0)
		if bufs[i].IsWrite {
			flags |= descFWrite
		}
		if i+1 < len(indices) {
			flags |= descFNext
		}
		next := uint16(0)
		if i+1 < len(indices) {
			next = indices[i+1]
		}
		d := descriptor{Addr: bufs[i].Addr, Length: bufs[i].Length, Flags: flags, Next: next}
		if err := q.writeDescriptor(idx, d); err != nil {
			return 0, err
		}
	}

	head = indices[0]
	if err := q.publishAvailable(head); err != nil {
		return 0, err
	}
	if q.mmio != nil {
		q.mmio.Write32(RegQueueNotify, q.queueIndex)
	}
	return head, nil
}

func (q *Queue) publishAvailable(head uint16) error {
	ringIndex := q.availIdx % q.size
	entryOff := q.availRingAddr + 4 + uint64(ringIndex)*2
	if err := q.writeGuestUint16(entryOff, head); err != nil {
		return err
	}
	q.availIdx++
	return q.writeGuestUint16(q.availRingAddr+2, q.availIdx)
}

// UsedEntry is one popped used-ring completion.
type UsedEntry struct {
	Head   uint16
	Length uint32
}

// PopUsed returns the next completed chain from the used ring, if any
// (§4.I step 4/5).
func (q *Queue) PopUsed() (UsedEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var header [4]byte
	if err := q.readGuestInto(q.usedRingAddr, header[:]); err != nil {
		return UsedEntry{}, false, err
	}
	usedIdx := binary.LittleEndian.Uint16(header[2:4])
	if q.lastUsedIdx == usedIdx {
		return UsedEntry{}, false, nil
	}
	ringIndex := q.lastUsedIdx % q.size
	base := q.usedRingAddr + 4 + uint64(ringIndex)*8
	var entry [8]byte
	if err := q.readGuestInto(base, entry[:]); err != nil {
		return UsedEntry{}, false, err
	}
	head := uint16(binary.LittleEndian.Uint32(entry[0:4]))
	length := binary.LittleEndian.Uint32(entry[4:8])
	q.lastUsedIdx++

	if err := q.freeChain(head); err != nil {
		return UsedEntry{}, false, err
	}
	return UsedEntry{Head: head, Length: length}, true, nil
}

// AckInterrupt reads the ISR register (clearing it) and writes it back as
// the acknowledgement, per §4.I: "Interrupt status is cleared by reading
// the ISR register."
func (q *Queue) AckInterrupt() uint32 {
	if q.mmio == nil {
		return 0
	}
	status := q.mmio.Read32(RegInterruptStatus)
	q.mmio.Write32(RegInterruptACK, status)
	return status
}

func (q *Queue) readDescriptor(idx uint16) (descriptor, error) {
	if idx >= q.size {
		return descriptor{}, fmt.Errorf("block: descriptor index %d out of bounds (size %d): %w", idx, q.size, ErrRingCorrupt)
	}
	var buf [16]byte
	if err := q.readGuestInto(q.descTableAddr+uint64(idx)*16, buf[:]); err != nil {
		return descriptor{}, err
	}
	return descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) writeDescriptor(idx uint16, d descriptor) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], d.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], d.Length)
	binary.LittleEndian.PutUint16(buf[12:14], d.Flags)
	binary.LittleEndian.PutUint16(buf[14:16], d.Next)
	return q.writeGuestFrom(q.descTableAddr+uint64(idx)*16, buf[:])
}

func (q *Queue) readGuestInto(addr uint64, buf []byte) error {
	n, err := q.bus.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("block: short bus read (want %d, got %d): %w", len(buf), n, ErrIOError)
	}
	return nil
}

func (q *Queue) writeGuestFrom(addr uint64, data []byte) error {
	n, err := q.bus.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("block: short bus write (want %d, got %d): %w", len(data), n, ErrIOError)
	}
	return nil
}

func (q *Queue) writeGuestUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}
