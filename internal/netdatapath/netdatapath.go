// Package netdatapath implements the virtio-net personality (§4.J): the
// same split-ring machinery §4.I uses, with queue-0 as the receive ring
// (device writes) and queue-1 as transmit (device reads), each buffer
// prefixed by a 10-byte virtio-net header.
//
// Grounded on internal/devices/virtio/net.go's virtioNetHeader layout and
// TX/RX descriptor-chain handling, inverted to the driver side and rebuilt
// on top of internal/block's Queue rather than duplicating the ring
// machinery — the same free-list/avail/used mechanics §4.I documents apply
// unchanged to a net device's rings.
package netdatapath

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/trustos/trustos/internal/block"
)

// netHeaderSize is the classic 10-byte virtio-net header (no
// VIRTIO_NET_F_MRG_RXBUF num_buffers trailer — §4.J specifies exactly 10
// bytes).
const netHeaderSize = 10

const rxBufferSize = 2048

type netHeader struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	ChecksumStart  uint16
	ChecksumOffset uint16
}

func (h netHeader) marshal() [netHeaderSize]byte {
	var buf [netHeaderSize]byte
	buf[0] = h.Flags
	buf[1] = h.GSOType
	binary.LittleEndian.PutUint16(buf[2:4], h.HdrLen)
	binary.LittleEndian.PutUint16(buf[4:6], h.GSOSize)
	binary.LittleEndian.PutUint16(buf[6:8], h.ChecksumStart)
	binary.LittleEndian.PutUint16(buf[8:10], h.ChecksumOffset)
	return buf
}

// Feature bits the driver may acknowledge, a small subset of the device's
// offered feature bitmap (§4.J: "driver acknowledges a subset of
// device-offered features").
const (
	FeatureMAC        = uint64(1) << 5
	FeatureStatus     = uint64(1) << 16
	FeatureCsum       = uint64(1) << 0
	virtioNetStatusLinkUp = 1
)

// ConfigRegion is the virtio-net config space the driver reads MAC/status
// bits from on init.
type ConfigRegion interface {
	Read32(offset uint32) uint32
}

const (
	configOffsetMACLow   = 0x00
	configOffsetMACHigh  = 0x04
	configOffsetStatus   = 0x08
)

// NetDevice is the driver side of a virtio-net device: two Queues (RX at
// index 0, TX at index 1) sharing one Bus, plus config-region feature
// negotiation.
type NetDevice struct {
	mu sync.Mutex

	rx, tx *block.Queue
	bus    block.Bus
	cfg    ConfigRegion
	log    *slog.Logger

	negotiatedFeatures uint64
	mac                net.HardwareAddr
	linkUp             bool

	rxScratch     uint64
	rxScratchNext uint64
	txScratch     uint64
	txScratchNext uint64

	rxPending map[uint16]uint64 // descriptor head -> data buffer bus addr, for completed-frame extraction
	txPending map[uint16][]byte // descriptor head -> owned buffer, freed lazily on next Send

	Inbound chan []byte // frames completed off the RX ring land here for higher-level stacks to drain
}

const scratchWindow = 1 << 20

// NewNetDevice wires rx/tx queues (already constructed over the same Bus)
// into a driver, reading MAC and link-up from cfg and acknowledging
// offeredFeatures & supported.
func NewNetDevice(rx, tx *block.Queue, bus block.Bus, cfg ConfigRegion, offeredFeatures uint64, log *slog.Logger) *NetDevice {
	if log == nil {
		log = slog.Default()
	}
	dev := &NetDevice{
		rx:        rx,
		tx:        tx,
		bus:       bus,
		cfg:       cfg,
		log:       log.With("subsystem", "netdatapath"),
		rxScratch: 0,
		txScratch: scratchWindow,
		rxPending: make(map[uint16]uint64),
		txPending: make(map[uint16][]byte),
		Inbound:   make(chan []byte, 256),
	}
	dev.negotiatedFeatures = offeredFeatures & (FeatureMAC | FeatureStatus | FeatureCsum)
	dev.readConfig()
	return dev
}

func (d *NetDevice) readConfig() {
	if d.cfg == nil {
		return
	}
	if d.negotiatedFeatures&FeatureMAC != 0 {
		lo := d.cfg.Read32(configOffsetMACLow)
		hi := d.cfg.Read32(configOffsetMACHigh)
		d.mac = net.HardwareAddr{
			byte(lo), byte(lo >> 8), byte(lo >> 16), byte(lo >> 24),
			byte(hi), byte(hi >> 8),
		}
	}
	if d.negotiatedFeatures&FeatureStatus != 0 {
		d.linkUp = d.cfg.Read32(configOffsetStatus)&virtioNetStatusLinkUp != 0
	} else {
		d.linkUp = true
	}
}

// MAC returns the device's negotiated hardware address.
func (d *NetDevice) MAC() net.HardwareAddr { return d.mac }

// LinkUp reports the link status read from the config region on init.
func (d *NetDevice) LinkUp() bool { return d.linkUp }

func (d *NetDevice) allocRxScratch(n uint64) uint64 {
	if d.rxScratchNext+n > scratchWindow {
		d.rxScratchNext = 0
	}
	addr := d.rxScratch + d.rxScratchNext
	d.rxScratchNext += n
	return addr
}

func (d *NetDevice) allocTxScratch(n uint64) uint64 {
	if d.txScratchNext+n > scratchWindow {
		d.txScratchNext = 0
	}
	addr := d.txScratch + d.txScratchNext
	d.txScratchNext += n
	return addr
}

// PostRxBuffer pre-populates the RX ring with one write-destination buffer
// (§4.J: "the driver pre-populates queue-0 with write-destination
// buffers").
func (d *NetDevice) PostRxBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	hdrAddr := d.allocRxScratch(netHeaderSize)
	dataAddr := d.allocRxScratch(rxBufferSize)
	head, err := d.rx.Submit([]block.Buffer{
		{Addr: hdrAddr, Length: netHeaderSize, IsWrite: true},
		{Addr: dataAddr, Length: rxBufferSize, IsWrite: true},
	})
	if err != nil {
		return fmt.Errorf("netdatapath: PostRxBuffer: %w", err)
	}
	d.rxPending[head] = dataAddr
	return nil
}

// PollReceive drains the RX used ring. Each completed entry yields one
// received frame (header stripped) which is pushed onto Inbound, and a
// fresh buffer is posted to replace the consumed one.
func (d *NetDevice) PollReceive() (int, error) {
	received := 0
	for {
		entry, ok, err := d.rx.PopUsed()
		if err != nil {
			return received, err
		}
		if !ok {
			return received, nil
		}
		d.mu.Lock()
		dataAddr, known := d.rxPending[entry.Head]
		delete(d.rxPending, entry.Head)
		d.mu.Unlock()
		if !known {
			d.log.Warn("rx completion for unknown descriptor head", "head", entry.Head)
			continue
		}
		frameLen := entry.Length
		if frameLen > rxBufferSize {
			frameLen = rxBufferSize
		}
		frame := make([]byte, frameLen)
		if _, err := d.bus.ReadAt(frame, int64(dataAddr)); err != nil {
			return received, fmt.Errorf("netdatapath: read rx frame: %w", err)
		}
		select {
		case d.Inbound <- frame:
		default:
			d.log.Warn("inbound queue full, dropping frame")
		}
		received++
		if err := d.PostRxBuffer(); err != nil {
			return received, err
		}
	}
}

// reclaimTx walks the TX used ring and frees completed buffers, the lazy
// cleanup §4.J specifies happens "on subsequent TX".
func (d *NetDevice) reclaimTx() error {
	for {
		entry, ok, err := d.tx.PopUsed()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		d.mu.Lock()
		delete(d.txPending, entry.Head)
		d.mu.Unlock()
	}
}

// Send copies frame into an owned buffer, attaches the virtio-net header,
// and submits it on the TX ring (§4.J).
func (d *NetDevice) Send(frame []byte) error {
	if err := d.reclaimTx(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	owned := make([]byte, len(frame))
	copy(owned, frame)

	hdr := netHeader{HdrLen: netHeaderSize}.marshal()
	hdrAddr := d.allocTxScratch(netHeaderSize)
	if _, err := d.bus.WriteAt(hdr[:], int64(hdrAddr)); err != nil {
		return fmt.Errorf("netdatapath: write tx header: %w", err)
	}
	dataAddr := d.allocTxScratch(uint64(len(owned)))
	if _, err := d.bus.WriteAt(owned, int64(dataAddr)); err != nil {
		return fmt.Errorf("netdatapath: write tx data: %w", err)
	}

	head, err := d.tx.Submit([]block.Buffer{
		{Addr: hdrAddr, Length: netHeaderSize, IsWrite: false},
		{Addr: dataAddr, Length: uint32(len(owned)), IsWrite: false},
	})
	if err != nil {
		return fmt.Errorf("netdatapath: Send: %w", err)
	}
	d.txPending[head] = owned
	return nil
}
