// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/amqp1"
	"github.com/absmach/fluxamqp/amqp1/frames"
	"github.com/absmach/fluxamqp/amqp1/performatives"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/absmach/fluxamqp/amqp1/types"
)

// PeerScript describes how a Peer answers the client. The zero value runs
// a cooperative SASL ANONYMOUS peer that opens and answers Close.
type PeerScript struct {
	// TLS secures the listener when set.
	TLS *tls.Config

	// Mechanisms offered in sasl-mechanisms. Defaults to ANONYMOUS.
	Mechanisms []string
	// Challenges are sent one by one after sasl-init, each answered by a
	// sasl-response.
	Challenges  [][]byte
	Outcome     sasl.Code
	OutcomeData []byte

	// SASLHeader and AMQPHeader replace the headers the peer answers with.
	SASLHeader *frames.ProtocolHeader
	AMQPHeader *frames.ProtocolHeader

	// Open is sent in reply to the client Open. Defaults to a minimal Open.
	Open *performatives.Open
	// WithholdOpen never answers the client Open.
	WithholdOpen bool
	// RefuseOpen answers the client Open with Close carrying CloseError.
	RefuseOpen bool

	// AfterOpen frames are sent right after the peer Open.
	AfterOpen []performatives.Performative
	// RawAfterOpen bytes are written verbatim after the peer Open.
	RawAfterOpen []byte
	// CloseAfter sends a Close carrying CloseError this long after Open.
	CloseAfter time.Duration
	CloseError *performatives.Error

	// IgnoreClose leaves the client Close unanswered.
	IgnoreClose bool
	// Heartbeat sends empty frames at this interval while open.
	Heartbeat time.Duration
}

// Peer is a scripted AMQP 1.0 server for client tests, listening on a
// loopback port. It records everything the client sends.
type Peer struct {
	ln     net.Listener
	script PeerScript

	mu       sync.Mutex
	received []string
	init     *sasl.Init
	open     *performatives.Open
	trailing int
	accepted int

	served     chan struct{}
	servedOnce sync.Once
	stop       chan struct{}
}

// NewPeer starts a peer that serves every accepted connection with script.
func NewPeer(t *testing.T, script PeerScript) *Peer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	if script.TLS != nil {
		ln = tls.NewListener(ln, script.TLS)
	}

	p := &Peer{
		ln:     ln,
		script: script,
		served: make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go p.acceptLoop()
	t.Cleanup(p.Close)
	return p
}

// Port returns the listening port.
func (p *Peer) Port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the listener and all peer goroutines.
func (p *Peer) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.ln.Close()
}

// Served is closed when the first connection has been served.
func (p *Peer) Served() <-chan struct{} {
	return p.served
}

// Received returns what the client sent, in order: "header:<header>",
// SASL frame names, performative names and "heartbeat".
func (p *Peer) Received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

// Count returns how many times name was received.
func (p *Peer) Count(name string) int {
	n := 0
	for _, r := range p.Received() {
		if r == name {
			n++
		}
	}
	return n
}

// SASLInit returns the sasl-init the client sent, if any.
func (p *Peer) SASLInit() *sasl.Init {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.init
}

// ClientOpen returns the Open the client sent, if any.
func (p *Peer) ClientOpen() *performatives.Open {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Trailing returns how many bytes the client sent after a failed SASL
// outcome or a rejected header.
func (p *Peer) Trailing() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trailing
}

// Accepted returns the number of accepted connections.
func (p *Peer) Accepted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

func (p *Peer) record(s string) {
	p.mu.Lock()
	p.received = append(p.received, s)
	p.mu.Unlock()
}

func (p *Peer) acceptLoop() {
	for {
		raw, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.accepted++
		p.mu.Unlock()
		go func() {
			defer p.servedOnce.Do(func() { close(p.served) })
			defer raw.Close()
			p.serve(raw)
		}()
	}
}

// serve runs the server side of the lifecycle: header, SASL, header, Open,
// frame loop.
func (p *Peer) serve(raw net.Conn) {
	s := p.script
	conn := amqp1.NewConnection(raw)
	conn.SetPeerMaxFrameSize(0)

	h, err := conn.ReadHeader()
	if err != nil {
		return
	}
	p.record("header:" + h.String())

	if h == frames.SASLHeader {
		if s.SASLHeader != nil {
			conn.WriteHeader(*s.SASLHeader)
			p.drain(raw)
			return
		}
		if !p.serveSASL(conn, raw) {
			return
		}
		if h, err = conn.ReadHeader(); err != nil {
			return
		}
		p.record("header:" + h.String())
	}

	if s.AMQPHeader != nil {
		conn.WriteHeader(*s.AMQPHeader)
		p.drain(raw)
		return
	}
	if err := conn.WriteHeader(frames.AMQPHeader); err != nil {
		return
	}

	opened := false
	for {
		_, perf, err := conn.ReadPerformative()
		if err != nil {
			return
		}
		switch perf := perf.(type) {
		case nil:
			p.record("heartbeat")
		case *performatives.Open:
			p.record("open")
			p.mu.Lock()
			p.open = perf
			p.mu.Unlock()
			if !opened {
				opened = true
				p.answerOpen(conn)
			}
		case *performatives.Close:
			p.record("close")
			if !s.IgnoreClose {
				conn.WritePerformative(0, &performatives.Close{})
			}
			if s.IgnoreClose {
				continue
			}
			return
		default:
			p.record(performatives.Name(perf.Descriptor()))
		}
	}
}

func (p *Peer) serveSASL(conn *amqp1.Connection, raw net.Conn) bool {
	s := p.script
	if err := conn.WriteHeader(frames.SASLHeader); err != nil {
		return false
	}

	mechs := s.Mechanisms
	if len(mechs) == 0 {
		mechs = []string{sasl.MechANONYMOUS}
	}
	if err := conn.WriteSASL(&sasl.Mechanisms{Mechanisms: types.Symbols(mechs)}); err != nil {
		return false
	}

	f, err := conn.ReadSASL()
	if err != nil {
		return false
	}
	p.record(sasl.Name(f.Descriptor()))
	init, ok := f.(*sasl.Init)
	if !ok {
		return false
	}
	p.mu.Lock()
	p.init = init
	p.mu.Unlock()

	for _, ch := range s.Challenges {
		if err := conn.WriteSASL(&sasl.Challenge{Challenge: ch}); err != nil {
			return false
		}
		f, err := conn.ReadSASL()
		if err != nil {
			return false
		}
		p.record(sasl.Name(f.Descriptor()))
	}

	if err := conn.WriteSASL(&sasl.Outcome{Code: s.Outcome, AdditionalData: s.OutcomeData}); err != nil {
		return false
	}
	if s.Outcome != sasl.CodeOK {
		p.drain(raw)
		return false
	}
	return true
}

func (p *Peer) answerOpen(conn *amqp1.Connection) {
	s := p.script
	if s.WithholdOpen {
		return
	}
	if s.RefuseOpen {
		conn.WritePerformative(0, &performatives.Close{Error: s.CloseError})
		return
	}

	open := s.Open
	if open == nil {
		open = performatives.NewOpen("test-peer")
		open.MaxFrameSize = frames.DefaultMaxFrameSize
	}
	if err := conn.WritePerformative(0, open); err != nil {
		return
	}
	for _, perf := range s.AfterOpen {
		conn.WritePerformative(0, perf)
	}
	if len(s.RawAfterOpen) > 0 {
		conn.WriteFrame(&frames.Frame{Type: frames.FrameTypeAMQP, Body: s.RawAfterOpen})
	}
	if s.CloseAfter > 0 {
		go func() {
			select {
			case <-time.After(s.CloseAfter):
				conn.WritePerformative(0, &performatives.Close{Error: s.CloseError})
			case <-p.stop:
			}
		}()
	}
	if s.Heartbeat > 0 {
		go func() {
			ticker := time.NewTicker(s.Heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := conn.SendHeartbeat(); err != nil {
						return
					}
				case <-p.stop:
					return
				}
			}
		}()
	}
}

// drain counts bytes until the client goes away.
func (p *Peer) drain(r io.Reader) {
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		p.mu.Lock()
		p.trailing += n
		p.mu.Unlock()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.record("error:" + err.Error())
			}
			return
		}
	}
}
