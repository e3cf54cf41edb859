package netdatapath

import (
	"context"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// nicID is the single NIC every HostStack creates to represent the guest's
// virtio-net interface (§4.J host-side termination).
const nicID = tcpip.NICID(1)

const defaultMTU = 1500

// HostStack terminates the Ethernet frames NetDevice's TX ring emits into a
// real userspace TCP/IP stack (DOMAIN STACK: gvisor.dev/gvisor replaces the
// teacher's hand-rolled internal/netstack for this component), giving the
// net personality loopback/NAT behaviour a lab harness can dial into
// instead of talking to a raw socket.
type HostStack struct {
	stack *stack.Stack
	link  *channel.Endpoint
	log   *slog.Logger

	srcMAC, dstMAC tcpip.LinkAddress
}

// NewHostStack brings up an IPv4+TCP+UDP+ICMP stack with one address bound
// to a channel link endpoint.
func NewHostStack(addr tcpip.Address, prefixLen int, guestMAC tcpip.LinkAddress, log *slog.Logger) (*HostStack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})
	link := channel.New(256, defaultMTU, "")
	if err := s.CreateNIC(nicID, link); err != nil {
		return nil, fmt.Errorf("netdatapath: CreateNIC: %v", err)
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{Address: addr, PrefixLen: prefixLen},
	}
	if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("netdatapath: AddProtocolAddress: %v", err)
	}
	s.SetRouteTable([]tcpip.Route{{Destination: header.IPv4EmptySubnet, NIC: nicID}})

	if log == nil {
		log = slog.Default()
	}
	return &HostStack{
		stack:  s,
		link:   link,
		log:    log.With("subsystem", "netdatapath.host"),
		dstMAC: guestMAC,
	}, nil
}

// Stack exposes the underlying gvisor stack for dialing/listening from a
// lab harness (gonet.DialTCP, gonet.ListenUDP, ...).
func (h *HostStack) Stack() *stack.Stack { return h.stack }

// InjectEthernetFrame delivers one Ethernet frame received from the
// guest's TX virtqueue into the host stack, stripping the Ethernet header
// since the underlying link endpoint operates at the network-protocol
// layer.
func (h *HostStack) InjectEthernetFrame(frame []byte) error {
	if len(frame) < header.EthernetMinimumSize {
		return fmt.Errorf("netdatapath: ethernet frame too short (%d bytes)", len(frame))
	}
	eth := header.Ethernet(frame)
	proto := eth.Type()
	payload := frame[header.EthernetMinimumSize:]

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), payload...)),
	})
	defer pkt.DecRef()
	h.link.InjectInbound(proto, pkt)
	return nil
}

// PumpOutbound drains frames the host stack wants to deliver to the guest,
// re-framing each as Ethernet, until ctx is cancelled. Call this from a
// dedicated goroutine; each produced frame should be handed to
// NetDevice.Send.
func (h *HostStack) PumpOutbound(ctx context.Context, deliver func(frame []byte) error) error {
	for {
		pkt := h.link.ReadContext(ctx)
		if pkt == nil {
			return ctx.Err()
		}
		view := pkt.ToView()
		payload := view.AsSlice()
		frame := make([]byte, header.EthernetMinimumSize+len(payload))
		eth := header.Ethernet(frame)
		eth.Encode(&header.EthernetFields{
			SrcAddr: h.srcMAC,
			DstAddr: h.dstMAC,
			Type:    pkt.NetworkProtocolNumber,
		})
		copy(frame[header.EthernetMinimumSize:], payload)
		pkt.DecRef()
		if err := deliver(frame); err != nil {
			h.log.Error("deliver outbound frame", "err", err)
		}
	}
}

// SetSourceMAC records the MAC used to frame outbound packets toward the
// guest (normally the host-side virtual NIC's address).
func (h *HostStack) SetSourceMAC(mac tcpip.LinkAddress) { h.srcMAC = mac }

// Close tears the stack down.
func (h *HostStack) Close() {
	h.link.Close()
	h.stack.Close()
}
