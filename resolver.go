// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
	"github.com/miekg/dns"
	"golang.org/x/net/http2"
)

// Resolver resolves host names. The [*net.Resolver] type satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// resolveAsync resolves host to an IPv4 address.
//
// IP literals resolve synchronously and the address is returned. Otherwise
// the lookup runs in the background and [ErrPending] is returned: done then
// runs on loop with the outcome. Any other error means failure.
func resolveAsync(ctx context.Context, loop *EventLoop,
	resolver Resolver, host string, done func(addr netip.Addr, err error)) (netip.Addr, error) {
	if host == "" {
		return netip.Addr{}, ErrNoAddress
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}
	go func() {
		addr, err := lookupFirstIPv4(ctx, resolver, host)
		loop.Post(func() { done(addr, err) })
	}()
	return netip.Addr{}, ErrPending
}

func lookupFirstIPv4(ctx context.Context, resolver Resolver, host string) (netip.Addr, error) {
	addrs, err := resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, addr := range addrs {
		if addr = addr.Unmap(); addr.Is4() {
			return addr, nil
		}
	}
	return netip.Addr{}, ErrNoAddress
}

// DNSProtocol selects the transport of a [*DNSResolver].
type DNSProtocol string

const (
	DNSProtocolUDP   DNSProtocol = "udp"
	DNSProtocolTCP   DNSProtocol = "tcp"
	DNSProtocolTLS   DNSProtocol = "dot"
	DNSProtocolHTTPS DNSProtocol = "doh"
)

// DefaultDNSResolverTimeout bounds a single [*DNSResolver] lookup.
const DefaultDNSResolverTimeout = 5 * time.Second

// NewDNSResolver returns a [*DNSResolver] querying endpoint with protocol.
//
// For [DNSProtocolHTTPS] also set [DNSResolver.URL]; for the TLS based
// protocols [DNSResolver.ServerName] defaults to the endpoint address.
func NewDNSResolver(cfg *Config, protocol DNSProtocol, endpoint netip.AddrPort, logger SLogger) *DNSResolver {
	return &DNSResolver{
		Config:     cfg,
		Endpoint:   endpoint,
		Logger:     logger,
		Protocol:   protocol,
		ServerName: endpoint.Addr().String(),
		Timeout:    DefaultDNSResolverTimeout,
	}
}

// DNSResolver is a [Resolver] performing A queries against a single DNS
// server, using a fresh connection for each lookup.
type DNSResolver struct {
	// Config provides the dialer, TLS engine, and logging dependencies.
	//
	// Set by [NewDNSResolver] to the user-provided value.
	Config *Config

	// Endpoint is the server address.
	//
	// Set by [NewDNSResolver] to the user-provided value.
	Endpoint netip.AddrPort

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDNSResolver] to the user-provided logger.
	Logger SLogger

	// Protocol is the DNS transport.
	//
	// Set by [NewDNSResolver] to the user-provided value.
	Protocol DNSProtocol

	// ServerName is the TLS server name.
	//
	// Set by [NewDNSResolver] to the endpoint address.
	ServerName string

	// TLSConfig is the base configuration of the TLS based protocols. An
	// empty ServerName is replaced by [DNSResolver.ServerName].
	//
	// Set by [NewDNSResolver] to nil.
	TLSConfig *tls.Config

	// Timeout bounds each lookup.
	//
	// Set by [NewDNSResolver] to [DefaultDNSResolverTimeout].
	Timeout time.Duration

	// URL is the DNS-over-HTTPS endpoint URL.
	URL string
}

var _ Resolver = &DNSResolver{}

// LookupNetIP implements [Resolver]. Only IPv4 addresses are returned,
// whatever network is.
func (r *DNSResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	spanID := NewSpanID()
	query := dnscodec.NewQuery(host, dns.TypeA)
	resp, err := r.exchange(ctx, spanID, query)
	if err != nil {
		return nil, err
	}
	records, err := resp.RecordsA()
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, record := range records {
		if addr, err := netip.ParseAddr(record); err == nil {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) <= 0 {
		return nil, ErrNoAddress
	}
	return addrs, nil
}

func (r *DNSResolver) exchange(ctx context.Context, spanID string, query *dnscodec.Query) (*dnscodec.Response, error) {
	network := "tcp"
	if r.Protocol == DNSProtocolUDP {
		network = "udp"
	}
	dial := Compose3(
		NewConnectFunc(r.Config, network, spanID, r.Logger),
		Func[net.Conn, net.Conn](NewCancelWatchFunc(r.Config, spanID, r.Logger)),
		Func[net.Conn, net.Conn](NewObserveConnFunc(r.Config, spanID, r.Logger)),
	)
	conn, err := dial.Call(ctx, r.Endpoint)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	lc := &dnsExchangeLog{
		ErrClassifier:  r.Config.ErrClassifier,
		LocalAddr:      safeconn.LocalAddr(conn),
		Logger:         r.Logger,
		Protocol:       network,
		RemoteAddr:     safeconn.RemoteAddr(conn),
		ServerProtocol: string(r.Protocol),
		SpanID:         spanID,
		TimeNow:        r.Config.TimeNow,
	}

	switch r.Protocol {
	case DNSProtocolUDP:
		return r.exchangeUDP(ctx, lc, conn, query)
	case DNSProtocolTCP:
		return r.exchangeStream(ctx, lc, conn, query)
	}

	tlsConfig := &tls.Config{}
	if r.TLSConfig != nil {
		tlsConfig = r.TLSConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = r.ServerName
	}
	if r.Protocol == DNSProtocolHTTPS && len(tlsConfig.NextProtos) <= 0 {
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
	}
	tconn, err := NewTLSHandshakeFunc(r.Config, tlsConfig, spanID, r.Logger).Call(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer tconn.Close()

	switch r.Protocol {
	case DNSProtocolTLS:
		return r.exchangeStream(ctx, lc, tconn, query)
	case DNSProtocolHTTPS:
		return r.exchangeHTTPS(ctx, lc, tconn, query)
	default:
		return nil, ErrNoAddress
	}
}

func (r *DNSResolver) exchangeUDP(ctx context.Context,
	lc *dnsExchangeLog, conn net.Conn, query *dnscodec.Query) (*dnscodec.Response, error) {
	t0 := lc.TimeNow()
	var rqr []byte
	txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	txp.ObserveRawQuery = lc.queryObserver(t0, &rqr)
	txp.ObserveRawResponse = lc.responseObserver(t0, &rqr)
	lc.start(ctx, t0)
	resp, err := txp.ExchangeWithConn(ctx, conn, query)
	lc.done(ctx, t0, err)
	return resp, err
}

// exchangeStream exchanges over TCP, or over TLS when conn is a [TLSConn].
func (r *DNSResolver) exchangeStream(ctx context.Context,
	lc *dnsExchangeLog, conn net.Conn, query *dnscodec.Query) (*dnscodec.Response, error) {
	t0 := lc.TimeNow()
	var rqr []byte
	streamDialer := dnsoverstream.NewStreamOpenerDialerTCP(dnsUnusedDialer{})
	txp := dnsoverstream.NewTransport(streamDialer, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	txp.ObserveRawQuery = lc.queryObserver(t0, &rqr)
	txp.ObserveRawResponse = lc.responseObserver(t0, &rqr)
	lc.start(ctx, t0)
	var (
		resp *dnscodec.Response
		err  error
	)
	if tconn, ok := conn.(TLSConn); ok {
		resp, err = txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTLSStreamOpener(tconn), query)
	} else {
		resp, err = txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTCPStreamOpener(conn), query)
	}
	lc.done(ctx, t0, err)
	return resp, err
}

func (r *DNSResolver) exchangeHTTPS(ctx context.Context,
	lc *dnsExchangeLog, conn TLSConn, query *dnscodec.Query) (*dnscodec.Response, error) {
	runtimex.Assert(r.URL != "")
	dialer := sud.NewSingleUseDialer(conn)
	var txp http.RoundTripper
	switch conn.ConnectionState().NegotiatedProtocol {
	case "h2":
		h2txp := &http2.Transport{DialTLSContext: dialer.DialTLSContext}
		defer h2txp.CloseIdleConnections()
		txp = h2txp
	default:
		h1txp := &http.Transport{
			DialContext:       dialer.DialContext,
			DialTLSContext:    dialer.DialContext,
			DisableKeepAlives: true,
		}
		defer h1txp.CloseIdleConnections()
		txp = h1txp
	}

	t0 := lc.TimeNow()
	var rqr []byte
	lc.start(ctx, t0)
	httpReq, queryMsg, err := dnsoverhttps.NewRequestWithHook(ctx, query, r.URL, lc.queryObserver(t0, &rqr))
	if err != nil {
		lc.done(ctx, t0, err)
		return nil, err
	}
	httpResp, err := txp.RoundTrip(httpReq)
	if err != nil {
		lc.done(ctx, t0, err)
		return nil, err
	}
	defer httpResp.Body.Close()
	resp, err := dnsoverhttps.ReadResponseWithHook(ctx, httpResp, queryMsg, lc.responseObserver(t0, &rqr))
	lc.done(ctx, t0, err)
	return resp, err
}

// dnsUnusedDialer is a [Dialer] that panics if DialContext is called.
//
// The DNS transports above only exchange over connections dialed by the
// resolver itself.
type dnsUnusedDialer struct{}

var _ Dialer = dnsUnusedDialer{}

// DialContext implements [Dialer] and always panics.
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("evnet: DNS transport must not dial")
}

// dnsExchangeLog emits the events of a single DNS exchange.
type dnsExchangeLog struct {
	ErrClassifier  ErrClassifier
	LocalAddr      string
	Logger         SLogger
	Protocol       string
	RemoteAddr     string
	ServerProtocol string
	SpanID         string
	TimeNow        func() time.Time
}

func (lc *dnsExchangeLog) attrs(extra ...any) []any {
	return append([]any{
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.String("serverProtocol", lc.ServerProtocol),
		slog.String("spanID", lc.SpanID),
	}, extra...)
}

func (lc *dnsExchangeLog) start(ctx context.Context, t0 time.Time) {
	deadline, _ := ctx.Deadline()
	lc.Logger.Info("dnsExchangeStart", lc.attrs(
		slog.Time("deadline", deadline),
		slog.Time("t", t0),
	)...)
}

func (lc *dnsExchangeLog) done(ctx context.Context, t0 time.Time, err error) {
	deadline, _ := ctx.Deadline()
	lc.Logger.Info("dnsExchangeDone", lc.attrs(
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", lc.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", lc.TimeNow()),
	)...)
}

func (lc *dnsExchangeLog) queryObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawQuery []byte) {
		lc.Logger.Info("dnsQuery", lc.attrs(
			slog.Any("dnsRawQuery", rawQuery),
			slog.Time("t", t0),
		)...)
		*rqr = rawQuery
	}
}

func (lc *dnsExchangeLog) responseObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawResp []byte) {
		lc.Logger.Info("dnsResponse", lc.attrs(
			slog.Any("dnsRawQuery", *rqr),
			slog.Any("dnsRawResponse", rawResp),
			slog.Time("t0", t0),
			slog.Time("t", lc.TimeNow()),
		)...)
	}
}
