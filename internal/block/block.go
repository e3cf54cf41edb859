package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// SectorSize is the virtio-blk request unit (§4.I).
const SectorSize = 512

// Request types, matching the virtio-blk wire constants.
const (
	ReqTypeIn    = 0 // read
	ReqTypeOut   = 1 // write
	ReqTypeFlush = 4
)

// Status byte values the device writes into the trailing status descriptor.
const (
	StatusOK          = 0
	StatusIOErr       = 1
	StatusUnsupported = 2
)

var ErrLinkDown = errors.New("block: device not ready")

type reqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

func (h reqHeader) marshal() [16]byte {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Type)
	binary.LittleEndian.PutUint32(buf[4:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.Sector)
	return buf
}

// inflightRequest tracks one outstanding descriptor chain's bus addresses so
// PopUsed's completion can be matched back to the caller's buffer and
// status byte.
type inflightRequest struct {
	dataAddr   uint64
	dataLen    uint32
	statusAddr uint64
	isRead     bool
	done       chan error
	readBuf    []byte
}

// Driver is the block-device personality built on top of a split-ring
// Queue: it owns a private scratch region of the Bus for request headers,
// data staging, and status bytes, and exposes synchronous ReadBlock/
// WriteBlock calls a filesystem backend issues (§4.I).
type Driver struct {
	mu       sync.Mutex
	queue    *Queue
	bus      Bus
	log      *slog.Logger
	scratch  uint64 // base bus address of this driver's private scratch region
	scratchN uint64 // bytes allocated so far, wrapping back to 0

	inflight map[uint16]*inflightRequest
}

// scratchRegionSize is large enough to hold several in-flight requests'
// header+data+status triples without the wraparound tracker catching up to
// an unacknowledged allocation in any test or lab scenario exercised here.
const scratchRegionSize = 1 << 20

// NewDriver wires a Queue to a private scratch region of bus starting at
// scratchBase.
func NewDriver(queue *Queue, bus Bus, scratchBase uint64, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		queue:    queue,
		bus:      bus,
		log:      log.With("subsystem", "block"),
		scratch:  scratchBase,
		inflight: make(map[uint16]*inflightRequest),
	}
}

func (d *Driver) allocScratch(n uint64) uint64 {
	if d.scratchN+n > scratchRegionSize {
		d.scratchN = 0
	}
	addr := d.scratch + d.scratchN
	d.scratchN += n
	return addr
}

// submit builds the classic three-descriptor virtio-blk chain (header,
// data, status) and issues it.
func (d *Driver) submit(reqType uint32, sector uint64, data []byte, isRead bool) (uint16, error) {
	hdr := reqHeader{Type: reqType, Sector: sector}.marshal()
	hdrAddr := d.allocScratch(16)
	if err := d.bus.WriteAt(hdr[:], int64(hdrAddr)); err != nil {
		return 0, fmt.Errorf("block: write header: %w", err)
	}

	dataAddr := d.allocScratch(uint64(len(data)))
	if !isRead {
		if _, err := d.bus.WriteAt(data, int64(dataAddr)); err != nil {
			return 0, fmt.Errorf("block: stage write data: %w", err)
		}
	}

	statusAddr := d.allocScratch(1)
	if _, err := d.bus.WriteAt([]byte{0xff}, int64(statusAddr)); err != nil {
		return 0, fmt.Errorf("block: reset status byte: %w", err)
	}

	bufs := []Buffer{
		{Addr: hdrAddr, Length: 16, IsWrite: false},
		{Addr: dataAddr, Length: uint32(len(data)), IsWrite: isRead},
		{Addr: statusAddr, Length: 1, IsWrite: true},
	}
	head, err := d.queue.Submit(bufs)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.inflight[head] = &inflightRequest{
		dataAddr:   dataAddr,
		dataLen:    uint32(len(data)),
		statusAddr: statusAddr,
		isRead:     isRead,
		readBuf:    data,
	}
	d.mu.Unlock()
	return head, nil
}

// PollCompletions drains the used ring, copying completed read data back
// into each request's caller-owned buffer and checking the status byte.
// Returns the number of requests it completed.
func (d *Driver) PollCompletions() (int, error) {
	completed := 0
	for {
		entry, ok, err := d.queue.PopUsed()
		if err != nil {
			return completed, err
		}
		if !ok {
			return completed, nil
		}
		d.mu.Lock()
		req, known := d.inflight[entry.Head]
		if known {
			delete(d.inflight, entry.Head)
		}
		d.mu.Unlock()
		if !known {
			d.log.Warn("used entry for unknown descriptor head", "head", entry.Head)
			continue
		}

		var status [1]byte
		if _, err := d.bus.ReadAt(status[:], int64(req.statusAddr)); err != nil {
			return completed, fmt.Errorf("block: read status: %w", err)
		}
		if status[0] != StatusOK {
			d.log.Error("block request failed", "head", entry.Head, "status", status[0])
			continue
		}
		if req.isRead {
			if _, err := d.bus.ReadAt(req.readBuf, int64(req.dataAddr)); err != nil {
				return completed, fmt.Errorf("block: copy read data: %w", err)
			}
		}
		completed++
	}
}

// ReadBlock issues a synchronous read of one sector into buf, submitting
// the request then polling the used ring and interrupt-status register
// until the completion carrying this request's head appears (§4.I steps
// 3-5).
func (d *Driver) ReadBlock(sector uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("block: ReadBlock: buffer must be %d bytes", SectorSize)
	}
	head, err := d.submit(ReqTypeIn, sector, buf, true)
	if err != nil {
		return err
	}
	return d.waitFor(head)
}

// WriteBlock issues a synchronous write of one sector from buf.
func (d *Driver) WriteBlock(sector uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("block: WriteBlock: buffer must be %d bytes", SectorSize)
	}
	head, err := d.submit(ReqTypeOut, sector, buf, false)
	if err != nil {
		return err
	}
	return d.waitFor(head)
}

// waitFor polls until head is no longer tracked as in-flight, meaning
// PollCompletions (driven by the interrupt handler or an explicit poll
// loop in tests) has retired it.
func (d *Driver) waitFor(head uint16) error {
	for i := 0; i < 1<<20; i++ {
		d.mu.Lock()
		_, stillPending := d.inflight[head]
		d.mu.Unlock()
		if !stillPending {
			d.queue.AckInterrupt()
			return nil
		}
		if _, err := d.PollCompletions(); err != nil {
			return err
		}
	}
	return fmt.Errorf("block: ReadBlock/WriteBlock: request %d never completed: %w", head, ErrLinkDown)
}
