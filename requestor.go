/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// IoFailureError marks an attempt as having failed at the transport
// level (as opposed to a protocol-level Fail/Reset from a consumer);
// on IoFailure the requestor gives up rather than retrying on the same
// connection.
type IoFailureError struct {
	Err error
}

func (e *IoFailureError) Error() string { return fmt.Sprintf("requestor: I/O failure: %v", e.Err) }
func (e *IoFailureError) Unwrap() error { return e.Err }

// quicTicketCache keeps one TLS client config, with its own session
// ticket cache, per remote address, so a later QUIC connection to the
// same remote can resume the TLS session instead of running a full
// handshake. The key is the remote address alone; the local address is
// not part of it.
type quicTicketCache struct {
	mu      sync.Mutex
	configs map[string]*tls.Config
}

var quicTickets = &quicTicketCache{configs: make(map[string]*tls.Config)}

func (c *quicTicketCache) configFor(key string, base *tls.Config) *tls.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg, ok := c.configs[key]; ok {
		return cfg
	}
	cfg := base.Clone()
	cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	c.configs[key] = cfg
	return cfg
}

// Requestor owns exactly one logical exchange with one remote. A
// requestor instance must not be reused across attempts.
type Requestor struct {
	Remote  *Remote
	Timeout time.Duration

	tlsConfig *tls.Config
}

func NewRequestor(remote *Remote, timeout time.Duration) *Requestor {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Requestor{Remote: remote, Timeout: timeout}
}

// pickAddress returns the first address in the remote's list; callers
// wanting peer-fallback iterate Remotes themselves and construct a new
// Requestor per peer, per the one-requestor-per-attempt contract.
func (r *Requestor) pickAddress() (string, error) {
	if len(r.Remote.Addresses) == 0 {
		return "", fmt.Errorf("requestor: remote has no addresses")
	}
	return r.Remote.Addresses[0], nil
}

// ensurePort appends defPort unless addr already carries a port.
func ensurePort(addr, defPort string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defPort)
}

// tsigSecrets builds the key-name keyed secret map miekg/dns wants, or
// nil when the remote has no TSIG key configured.
func (r *Requestor) tsigSecrets() map[string]string {
	if r.Remote.TsigKeyName == "" {
		return nil
	}
	return map[string]string{dns.Fqdn(r.Remote.TsigKeyName): r.Remote.TsigSecret}
}

// Exchange performs a single-message request/response (used for the
// SOA probe). It selects the transport from the remote's policy.
func (r *Requestor) Exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	addr, err := r.pickAddress()
	if err != nil {
		return nil, err
	}

	client := &dns.Client{Timeout: r.Timeout, TsigSecret: r.tsigSecrets()}
	switch r.Remote.Transport {
	case TransportDo53:
		resp, _, err := client.ExchangeContext(ctx, m, ensurePort(addr, "53"))
		if err != nil {
			return nil, &IoFailureError{Err: err}
		}
		if resp.Truncated {
			client.Net = "tcp"
			resp, _, err = client.ExchangeContext(ctx, m, ensurePort(addr, "53"))
			if err != nil {
				return nil, &IoFailureError{Err: err}
			}
		}
		return resp, nil

	case TransportTCP:
		client.Net = "tcp"
		resp, _, err := client.ExchangeContext(ctx, m, ensurePort(addr, "53"))
		if err != nil {
			return nil, &IoFailureError{Err: err}
		}
		return resp, nil

	case TransportDoT:
		client.Net = "tcp-tls"
		client.TLSConfig = r.tlsConfigFor(addr)
		resp, _, err := client.ExchangeContext(ctx, m, ensurePort(addr, "853"))
		if err != nil {
			return nil, &IoFailureError{Err: err}
		}
		return resp, nil

	case TransportDoQ:
		return r.exchangeDoQ(ctx, ensurePort(addr, "853"), m)

	default:
		return nil, fmt.Errorf("requestor: unsupported transport %d", r.Remote.Transport)
	}
}

func (r *Requestor) tlsConfigFor(addr string) *tls.Config {
	if r.tlsConfig == nil {
		r.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return r.tlsConfig
}

func (r *Requestor) exchangeDoQ(ctx context.Context, addr string, m *dns.Msg) (*dns.Msg, error) {
	tlsCfg := quicTickets.configFor(addr, &tls.Config{NextProtos: []string{"doq"}, MinVersion: tls.VersionTLS13})
	quicCfg := &quic.Config{MaxIdleTimeout: r.Timeout}

	conn, err := quic.DialAddr(ctx, addr, tlsCfg, quicCfg)
	if err != nil {
		return nil, &IoFailureError{Err: err}
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, &IoFailureError{Err: err}
	}
	defer stream.Close()

	if err := writeLengthPrefixed(stream, m); err != nil {
		return nil, &IoFailureError{Err: err}
	}
	resp, err := readLengthPrefixed(stream)
	if err != nil {
		return nil, &IoFailureError{Err: err}
	}
	return resp, nil
}

func writeLengthPrefixed(w io.Writer, m *dns.Msg) error {
	packed, err := m.Pack()
	if err != nil {
		return err
	}
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(packed)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err = w.Write(packed)
	return err
}

func readLengthPrefixed(rd io.Reader) (*dns.Msg, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(rd, lenBuf); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf)
	buf := make([]byte, n)
	if _, err := io.ReadFull(rd, buf); err != nil {
		return nil, err
	}
	resp := new(dns.Msg)
	if err := resp.Unpack(buf); err != nil {
		return nil, err
	}
	return resp, nil
}

// TransferEnvelope is one message's worth of records from a streaming
// AXFR/IXFR exchange, mirroring dns.Envelope.
type TransferEnvelope struct {
	RR    []dns.RR
	Error error
}

// StreamTransfer performs an AXFR or IXFR exchange and returns a
// channel of envelopes, one per response message, matching the
// semantics of dns.Transfer.In. The caller drives a consumer (AXFR or
// IXFR) by ranging over the channel; closing is signaled by channel
// close.
func (r *Requestor) StreamTransfer(ctx context.Context, m *dns.Msg) (chan TransferEnvelope, error) {
	addr, err := r.pickAddress()
	if err != nil {
		return nil, err
	}

	switch r.Remote.Transport {
	case TransportDoQ:
		return r.streamTransferDoQ(ctx, ensurePort(addr, "853"), m)
	default:
		return r.streamTransferTCP(ctx, ensurePort(addr, "53"), m)
	}
}

func (r *Requestor) streamTransferTCP(ctx context.Context, addr string, m *dns.Msg) (chan TransferEnvelope, error) {
	tr := &dns.Transfer{TsigSecret: r.tsigSecrets()}
	if deadline, ok := ctx.Deadline(); ok {
		tr.ReadTimeout = time.Until(deadline)
	} else {
		tr.ReadTimeout = r.Timeout
	}

	env, err := tr.In(m, addr)
	if err != nil {
		return nil, &IoFailureError{Err: err}
	}

	out := make(chan TransferEnvelope, 1)
	go func() {
		defer close(out)
		for e := range env {
			if e.Error != nil {
				out <- TransferEnvelope{Error: e.Error}
				return
			}
			out <- TransferEnvelope{RR: e.RR}
		}
	}()
	return out, nil
}

// streamTransferDoQ drives a zone transfer over a single QUIC stream,
// one length-prefixed dns.Msg at a time, since IXFR/AXFR over DoQ has
// no native envelope framing in quic-go.
func (r *Requestor) streamTransferDoQ(ctx context.Context, addr string, m *dns.Msg) (chan TransferEnvelope, error) {
	tlsCfg := quicTickets.configFor(addr, &tls.Config{NextProtos: []string{"doq"}, MinVersion: tls.VersionTLS13})
	conn, err := quic.DialAddr(ctx, addr, tlsCfg, &quic.Config{MaxIdleTimeout: r.Timeout})
	if err != nil {
		return nil, &IoFailureError{Err: err}
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, &IoFailureError{Err: err}
	}
	if err := writeLengthPrefixed(stream, m); err != nil {
		conn.CloseWithError(0, "")
		return nil, &IoFailureError{Err: err}
	}

	out := make(chan TransferEnvelope, 1)
	go func() {
		defer close(out)
		defer conn.CloseWithError(0, "")
		for {
			resp, err := readLengthPrefixed(stream)
			if err == io.EOF {
				return
			}
			if err != nil {
				out <- TransferEnvelope{Error: err}
				return
			}
			out <- TransferEnvelope{RR: resp.Answer}
		}
	}()
	return out, nil
}
