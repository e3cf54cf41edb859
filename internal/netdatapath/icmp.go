package netdatapath

import (
	"fmt"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// BuildEchoRequest constructs an ICMPv4 echo request with the given
// identifier/sequence/payload — the net personality's link-up diagnostic
// (§4.J: "ICMP echo support for the net personality's link-up
// diagnostics").
func BuildEchoRequest(id, seq int, payload []byte) ([]byte, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: payload,
		},
	}
	return msg.Marshal(nil)
}

// protoICMP is IANA protocol number 1, ICMP's value within an IPv4 packet.
const protoICMP = 1

// ParseEchoReply parses an ICMPv4 message and reports whether it is an
// echo reply matching id, returning the sequence number and payload.
func ParseEchoReply(data []byte, wantID int) (seq int, payload []byte, ok bool, err error) {
	msg, err := icmp.ParseMessage(protoICMP, data)
	if err != nil {
		return 0, nil, false, fmt.Errorf("netdatapath: parse icmp: %w", err)
	}
	if msg.Type != ipv4.ICMPTypeEchoReply {
		return 0, nil, false, nil
	}
	echo, isEcho := msg.Body.(*icmp.Echo)
	if !isEcho || echo.ID != wantID {
		return 0, nil, false, nil
	}
	return echo.Seq, echo.Data, true, nil
}
