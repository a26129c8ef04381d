// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"encoding/binary"
	"log/slog"
	"net/netip"

	"github.com/miekg/dns"
)

const (
	// DNSDefaultPort is the standard DNS port.
	DNSDefaultPort = 53

	// DNSDefaultTTL is the TTL of synthesized answers, in seconds.
	DNSDefaultTTL = 60

	// DNSWildcardDomain makes a [*DNSServer] answer every query.
	DNSWildcardDomain = "*"
)

// DNSServer is a captive DNS server answering A queries for one domain
// (or for every domain, see [DNSWildcardDomain]) with a fixed address.
//
// Queries for other names get a header-only reply carrying the error code
// set by [*DNSServer.SetErrorReplyCode]. Responses and malformed datagrams
// get no reply at all.
//
// Like [*UDPConnection], a DNSServer is owned by the [*EventLoop].
type DNSServer struct {
	addr      netip.Addr
	cfg       *Config
	domain    string
	errorCode uint8
	logger    SLogger
	ttl       uint32
	udp       *UDPConnection
}

// NewDNSServer returns a stopped [*DNSServer].
func NewDNSServer(loop *EventLoop, cfg *Config, logger SLogger) *DNSServer {
	s := &DNSServer{
		cfg:       cfg,
		errorCode: dns.RcodeNameError,
		logger:    logger,
		ttl:       DNSDefaultTTL,
	}
	s.udp = NewUDPConnection(loop, cfg, UDPReceiverFunc(s.onReceive), logger)
	return s
}

// Start listens on port, answering queries for domain with addr, which must
// be an IPv4 address. Returns false if addr is not IPv4 or binding fails.
func (s *DNSServer) Start(port uint16, domain string, addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.Is4() {
		s.logger.Warn("dnsServerStart", slog.String("err", "not an IPv4 address"), slog.String("addr", addr.String()))
		return false
	}
	s.domain = dnsNormalizeDomain(domain)
	s.addr = addr
	if err := s.udp.Listen(port); err != nil {
		return false
	}
	s.logger.Info(
		"dnsServerStart",
		slog.String("addr", addr.String()),
		slog.String("domain", s.domain),
		slog.String("localAddr", s.udp.LocalAddr().String()),
		slog.Time("t", s.cfg.TimeNow()),
	)
	return true
}

// Stop stops listening. The server may be started again.
func (s *DNSServer) Stop() {
	s.udp.Close()
	s.logger.Info("dnsServerStop", slog.Time("t", s.cfg.TimeNow()))
}

// Close stops the server and releases its UDP endpoint. The server
// cannot be started again.
func (s *DNSServer) Close() error {
	s.Stop()
	s.udp.Destroy()
	return nil
}

// SetTTL sets the TTL of the synthesized answers.
func (s *DNSServer) SetTTL(seconds uint32) {
	s.ttl = seconds
}

// SetErrorReplyCode sets the RCODE of replies to non-matching queries.
// The default is NXDOMAIN.
func (s *DNSServer) SetErrorReplyCode(code uint8) {
	s.errorCode = code & 0x0F
}

// Domain returns the normalized domain being answered.
func (s *DNSServer) Domain() string {
	return s.domain
}

// LocalAddr returns the address the server is bound to.
func (s *DNSServer) LocalAddr() netip.AddrPort {
	return s.udp.LocalAddr()
}

func (s *DNSServer) onReceive(c *UDPConnection, data []byte, remote netip.AddrPort) {
	query := data[:len(data)-1]
	s.logger.Info(
		"dnsQuery",
		slog.Any("dnsRawQuery", query),
		slog.String("remoteAddr", remote.String()),
		slog.String("serverProtocol", "udp"),
		slog.Time("t", s.cfg.TimeNow()),
	)
	reply := s.process(query)
	if reply == nil {
		return
	}
	err := c.SendTo(remote, reply)
	s.logger.Info(
		"dnsResponse",
		slog.Any("dnsRawQuery", query),
		slog.Any("dnsRawResponse", reply),
		slog.Any("err", err),
		slog.String("errClass", s.cfg.ErrClassifier.Classify(err)),
		slog.String("remoteAddr", remote.String()),
		slog.String("serverProtocol", "udp"),
		slog.Time("t", s.cfg.TimeNow()),
	)
}

// process returns the reply to query, or nil when no reply is due.
func (s *DNSServer) process(query []byte) []byte {
	header, ok := decodeDNSHeader(query)
	if !ok {
		s.logger.Warn("dnsDrop", slog.String("reason", "short header"), slog.Int("size", len(query)))
		return nil
	}
	if header.QR {
		s.logger.Warn("dnsDrop", slog.String("reason", "not a query"), slog.Int("size", len(query)))
		return nil
	}

	if header.Opcode == dns.OpcodeQuery && header.QDCount == 1 &&
		header.ANCount == 0 && header.NSCount == 0 && header.ARCount == 0 {
		name, end, ok := parseDNSQuestion(query)
		if !ok {
			s.logger.Warn("dnsDrop", slog.String("reason", "malformed question"), slog.Int("size", len(query)))
			return nil
		}
		name = dnsNormalizeDomain(name)
		if s.domain == DNSWildcardDomain || name == s.domain {
			return s.replyWithAddr(header, query[:end])
		}
	}
	return s.replyWithCode(header)
}

func (s *DNSServer) replyWithAddr(header dnsHeader, question []byte) []byte {
	reply := make([]byte, len(question)+dnsAnswerSize)
	copy(reply, question)
	header.QR = true
	header.ANCount = header.QDCount
	header.encode(reply)

	answer := reply[len(question):]
	answer[0], answer[1] = 0xC0, dnsHeaderSize
	binary.BigEndian.PutUint16(answer[2:], dns.TypeA)
	binary.BigEndian.PutUint16(answer[4:], dns.ClassINET)
	binary.BigEndian.PutUint32(answer[6:], s.ttl)
	binary.BigEndian.PutUint16(answer[10:], 4)
	ip := s.addr.As4()
	copy(answer[12:], ip[:])
	return reply
}

func (s *DNSServer) replyWithCode(header dnsHeader) []byte {
	reply := make([]byte, dnsHeaderSize)
	header.QR = true
	header.RCode = s.errorCode
	header.QDCount, header.ANCount, header.NSCount, header.ARCount = 0, 0, 0, 0
	header.encode(reply)
	return reply
}
