package netdatapath

import (
	"log/slog"
	"net"
	"sync"

	"github.com/miekg/dns"
)

// DNSTable answers queries arriving on the net datapath from a small
// authoritative table, falling back to a forwarding resolver when
// configured — a narrowed stand-in for internal/netstack's dnsServer,
// which served the same role for the teacher's guest-facing resolver.
type DNSTable struct {
	mu      sync.RWMutex
	records map[string]net.IP
	forward func(name string) (net.IP, error)
	log     *slog.Logger
}

// NewDNSTable creates an empty authoritative table. Use Forward to install
// a fallback resolver for names the table doesn't answer.
func NewDNSTable(log *slog.Logger) *DNSTable {
	if log == nil {
		log = slog.Default()
	}
	return &DNSTable{
		records: make(map[string]net.IP),
		log:     log.With("subsystem", "netdatapath.dns"),
	}
}

// Set adds or replaces an authoritative A record. name is stored
// case-foldable and with a trailing dot, matching miekg/dns's canonical
// question-name form.
func (t *DNSTable) Set(name string, ip net.IP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[dns.CanonicalName(name)] = ip
}

// Forward installs a fallback resolver consulted when name has no
// authoritative record.
func (t *DNSTable) Forward(fn func(name string) (net.IP, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forward = fn
}

func (t *DNSTable) lookup(name string) (net.IP, bool, error) {
	t.mu.RLock()
	ip, ok := t.records[dns.CanonicalName(name)]
	forward := t.forward
	t.mu.RUnlock()
	if ok {
		return ip, true, nil
	}
	if forward == nil {
		return nil, false, nil
	}
	ip, err := forward(name)
	if err != nil {
		return nil, false, err
	}
	return ip, ip != nil, nil
}

// ServeDNS implements dns.Handler, answering A queries from the table and
// leaving every other question type/class to NXDOMAIN — the net datapath
// has no interest in AAAA/MX/etc lookups.
func (t *DNSTable) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		ip, found, err := t.lookup(q.Name)
		if err != nil || !found {
			t.log.Debug("dns: no answer", "name", q.Name, "err", err)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		rr := &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   ip.To4(),
		}
		m.Answer = append(m.Answer, rr)
	}
	_ = w.WriteMsg(m)
}

// NewServer binds a dns.Server to packetConn — typically a
// gonet.ListenUDP-backed conn sourced from a HostStack — and serves from
// the table.
func (t *DNSTable) NewServer(packetConn net.PacketConn) *dns.Server {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", t.ServeDNS)
	return &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: packetConn,
	}
}
