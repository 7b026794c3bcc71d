// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relayproxy

import (
	cryptorand "crypto/rand"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

// side discriminates the two legs of a connection pair.
type side uint8

const (
	sideClient side = iota
	sideServer
)

func (s side) String() string {
	if s == sideClient {
		return "client"
	}
	return "server"
}

// leg is one socket of a connection pair (spec §3): a descriptor, whether
// it is wrapped in the framing codec, and the codec state when it is.
type leg struct {
	fd        int
	encrypted bool
	codec     *codec
}

// pair is the connection engine's per-connection unit (spec §3): two legs,
// one forward buffer per direction, the engine-wide config, and a
// liveness counter that defers finalization until both legs have
// detached.
type pair struct {
	id     xid.ID
	engine *Engine
	cfg    *Config

	client leg
	server leg

	// toServer carries client->server bytes; toClient carries
	// server->client bytes.
	toServer forwardBuffer
	toClient forwardBuffer

	refs int32 // atomic: number of legs still open (0, 1, or 2)
}

func (p *pair) legFor(s side) *leg {
	if s == sideClient {
		return &p.client
	}
	return &p.server
}

func (p *pair) peerSide(s side) side {
	if s == sideClient {
		return sideServer
	}
	return sideClient
}

// outboundBufferFor returns the buffer that side s fills by receiving.
func (p *pair) outboundBufferFor(s side) *forwardBuffer {
	if s == sideClient {
		return &p.toServer
	}
	return &p.toClient
}

// inboundBufferFor returns the buffer that side s drains by sending.
func (p *pair) inboundBufferFor(s side) *forwardBuffer {
	if s == sideClient {
		return &p.toClient
	}
	return &p.toServer
}

func (p *pair) encryptedFor(s side) bool {
	if s == sideClient {
		return p.cfg.EncryptClientLeg
	}
	return p.cfg.EncryptServerLeg
}

func (p *pair) transportFor(s side) transport {
	leg := p.legFor(s)
	if leg.encrypted {
		return leg.codec
	}
	return rawLeg{leg.fd}
}

// closeLeg removes side s from the event loop, closes its fd, and releases
// its codec. Idempotent: closing an already-closed leg is a no-op, which
// is what lets the forward path and destroy call it without coordination
// (spec §4.4/§4.5).
func (p *pair) closeLeg(s side) {
	l := p.legFor(s)
	if l.fd == -1 {
		return
	}
	p.engine.loop.Remove(l.fd)
	unix.Close(l.fd)
	l.fd = -1
	l.codec = nil
	if atomic.AddInt32(&p.refs, -1) == 0 {
		p.finalize()
	}
}

// forceDetach marks side s as gone without closing its fd, for use only
// from the engine-wide Teardown path where the event loop has already
// closed every live fd itself (spec §4.4: "teardown... closes its fd and,
// if provided, applies custom_free"). custom_free's job here is only the
// reference-count release, not a second close.
func (p *pair) forceDetach(s side) {
	l := p.legFor(s)
	if l.fd == -1 {
		return
	}
	l.fd = -1
	l.codec = nil
	if atomic.AddInt32(&p.refs, -1) == 0 {
		p.finalize()
	}
}

// destroy tears down both legs immediately, discarding any buffered data
// (spec §4.5 "Pair destruction").
func (p *pair) destroy() {
	p.closeLeg(sideClient)
	p.closeLeg(sideServer)
}

func (p *pair) finalize() {
	atomic.AddInt32(&p.engine.activePairs, -1)
	p.engine.metrics.PairClosed()
	p.engine.log.Debug("pair closed", "id", p.id.String())
}

// proceedAfterConnect registers both legs once the server leg's connect
// has completed (immediately, or after pending-connect writable
// readiness), directing each into handshake or forward per its encrypted
// flag (spec §4.5).
func (p *pair) proceedAfterConnect() {
	for _, s := range [2]side{sideClient, sideServer} {
		l := p.legFor(s)
		var h Handler
		var interest Interest
		if p.encryptedFor(s) {
			l.encrypted = true
			l.codec = newCodec(rawLeg{l.fd}, p.cfg.Rand)
			h = handshakeHandler{p, s}
			interest = Writable
		} else {
			h = forwardHandler{p, s}
			interest = Readable
		}
		if err := p.engine.loop.Add(l.fd, interest, h); err != nil {
			p.engine.log.Warn("event table full, dropping pair", "id", p.id.String())
			p.destroy()
			return
		}
	}
}

// handleReceive implements spec §4.5's "Handle receive" routine. It
// returns false when the receive path reported an error or disconnect
// (including the partial-data-then-disconnect case, which it resolves by
// itself), signaling the caller (forwardHandler) not to also attempt a
// send this wake.
func (p *pair) handleReceive(s side) bool {
	l := p.legFor(s)
	if l.fd == -1 {
		return false
	}
	peer := p.peerSide(s)
	out := p.outboundBufferFor(s)
	if out.pending() {
		// Backpressure: the peer hasn't drained the previous chunk yet.
		return true
	}

	err := out.recv(p.transportFor(s))
	switch err {
	case nil:
		peerLeg := p.legFor(peer)
		if peerLeg.fd != -1 {
			p.engine.loop.Modify(peerLeg.fd, ReadWrite)
		}
		p.engine.metrics.BytesForwarded(s.String(), out.size)
		return true
	case ErrWouldBlock:
		return true
	case ErrDisconnect:
		if out.pending() {
			peerLeg := p.legFor(peer)
			if peerLeg.fd != -1 {
				p.engine.loop.Modify(peerLeg.fd, ReadWrite)
			}
			p.closeLeg(s)
			return false
		}
		p.destroy()
		return false
	default:
		p.destroy()
		return false
	}
}

// handleSend implements spec §4.5's "Handle send" routine.
func (p *pair) handleSend(s side) {
	l := p.legFor(s)
	if l.fd == -1 {
		return
	}
	in := p.inboundBufferFor(s)
	if !in.pending() {
		return
	}

	err := in.send(p.transportFor(s))
	switch err {
	case nil:
		peer := p.peerSide(s)
		peerLeg := p.legFor(peer)
		if peerLeg.fd == -1 {
			// Peer already half-closed and we just flushed the final
			// payload: nothing left to salvage.
			p.destroy()
			return
		}
		p.engine.loop.Modify(l.fd, Readable)
	case ErrWouldBlock:
		// Keep the buffer, retry on next writable readiness.
	default:
		p.destroy()
	}
}

// acceptHandler is bound to the listener fd (spec §4.5 state 1).
type acceptHandler struct{ engine *Engine }

func (h acceptHandler) HandleEvent(fd int, ready Interest) error {
	if ready&Interest(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		return ErrFatalListener
	}
	clientFd, err := acceptNonblocking(fd)
	if err != nil {
		// Per spec §9's correction, transient accept errors (and indeed any
		// failure to create/connect a pair) are logged and dropped; only a
		// hard error event on the listener fd itself is fatal. The expected,
		// well-known transient conditions (ECONNABORTED/EAGAIN/EWOULDBLOCK)
		// are logged at Debug; anything else still doesn't take the listener
		// down, but is surfaced louder since it wasn't anticipated.
		if isTransientAcceptErr(err) {
			h.engine.log.Debug("accept failed", "err", err)
		} else {
			h.engine.log.Warn("accept failed", "err", err)
		}
		return nil
	}
	h.engine.onAccepted(clientFd)
	return nil
}

// pendingConnectHandler is bound to the server leg's fd while its
// non-blocking connect is outstanding (spec §4.5 state 2).
type pendingConnectHandler struct{ p *pair }

func (h pendingConnectHandler) HandleEvent(fd int, ready Interest) error {
	p := h.p
	if err := connectError(fd); err != nil {
		p.engine.log.Debug("upstream connect failed", "id", p.id.String(), "err", err)
		p.destroy()
		return nil
	}
	p.engine.loop.Remove(fd)
	p.proceedAfterConnect()
	return nil
}

// handshakeHandler is bound to a leg performing the framing codec's
// Curve25519 handshake (spec §4.5 state 3).
type handshakeHandler struct {
	p *pair
	s side
}

func (h handshakeHandler) HandleEvent(fd int, ready Interest) error {
	p := h.p
	l := p.legFor(h.s)
	if l.codec == nil {
		return nil
	}
	switch err := l.codec.handshake(); err {
	case nil:
		p.engine.loop.Remove(fd)
		interest := Readable
		if p.inboundBufferFor(h.s).pending() {
			interest = ReadWrite
		}
		if aerr := p.engine.loop.Add(fd, interest, forwardHandler{p, h.s}); aerr != nil {
			p.engine.log.Warn("event table full, dropping pair", "id", p.id.String())
			p.destroy()
		}
	case ErrWantRead:
		p.engine.loop.Modify(fd, Readable)
	case ErrWantWrite:
		p.engine.loop.Modify(fd, Writable)
	default:
		p.engine.metrics.HandshakeFailed()
		p.engine.log.Debug("handshake failed", "id", p.id.String(), "side", h.s.String(), "err", err)
		p.destroy()
	}
	return nil
}

// forwardHandler is bound to a leg in steady-state forwarding (spec §4.5
// state 4, "conn_cb").
type forwardHandler struct {
	p *pair
	s side
}

func (h forwardHandler) HandleEvent(fd int, ready Interest) error {
	p := h.p
	if ready&Interest(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		p.destroy()
		return nil
	}
	ok := true
	if ready&Readable != 0 {
		ok = p.handleReceive(h.s)
	}
	if ok && ready&Writable != 0 {
		p.handleSend(h.s)
	}
	return nil
}

// Engine drives the single-threaded connection engine of spec §4.5.
type Engine struct {
	cfg      *Config
	loop     *Loop
	listenFd int
	log      Logger
	metrics  MetricsSink

	draining    int32
	activePairs int32
}

// ErrFatalListener is returned from Run when the listener fd itself
// reports a hangup or error, per spec §7's propagation policy.
var ErrFatalListener = errors.New("relayproxy: listener fd error")

// NewEngine builds the listener socket and event loop described by cfg,
// but does not yet start accepting; call Run.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg.Rand == nil {
		cfg.Rand = cryptorand.Reader
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}

	loop, err := NewLoop()
	if err != nil {
		return nil, err
	}
	listenFd, err := newListenSocket(cfg.BindAddr, cfg.BindPort)
	if err != nil {
		loop.Teardown(nil)
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		loop:     loop,
		listenFd: listenFd,
		log:      cfg.logger(),
		metrics:  cfg.metrics(),
	}
	if err := loop.Add(listenFd, Readable, acceptHandler{e}); err != nil {
		unix.Close(listenFd)
		loop.Teardown(nil)
		return nil, err
	}
	return e, nil
}

func (e *Engine) newPair(clientFd, serverFd int) *pair {
	p := &pair{id: xid.New(), engine: e, cfg: e.cfg, refs: 2}
	p.client.fd = clientFd
	p.server.fd = serverFd
	atomic.AddInt32(&e.activePairs, 1)
	e.metrics.PairAccepted()
	return p
}

func (e *Engine) onAccepted(clientFd int) {
	if atomic.LoadInt32(&e.draining) == 1 {
		unix.Close(clientFd)
		return
	}
	candidates, err := resolveCandidates(e.cfg.ServerAddr)
	if err != nil {
		e.log.Warn("resolve upstream failed", "err", err)
		unix.Close(clientFd)
		return
	}
	serverFd, immediate, err := dialNonblocking(candidates, e.cfg.ServerPort)
	if err != nil {
		e.log.Warn("dial upstream failed", "err", err)
		unix.Close(clientFd)
		return
	}
	p := e.newPair(clientFd, serverFd)
	if immediate {
		p.proceedAfterConnect()
		return
	}
	if err := e.loop.Add(serverFd, Writable, pendingConnectHandler{p}); err != nil {
		e.log.Warn("event table full, dropping pair", "id", p.id.String())
		p.destroy()
	}
}

// Run drives the event loop until Stop is called (typically from a signal
// handler via BeginShutdown) or a fatal error occurs, then tears down all
// remaining state.
func (e *Engine) Run() error {
	err := e.loop.Run(e.cfg.PollTimeout)
	e.loop.Teardown(func(h Handler) {
		switch v := h.(type) {
		case pendingConnectHandler:
			v.p.forceDetach(sideServer)
			// The client leg is not registered until the connect completes,
			// so the loop did not close it.
			v.p.closeLeg(sideClient)
		case handshakeHandler:
			v.p.forceDetach(v.s)
		case forwardHandler:
			v.p.forceDetach(v.s)
		}
	})
	return err
}

// Stop requests an immediate loop exit at the next iteration boundary.
func (e *Engine) Stop() {
	e.loop.Stop()
}

// BeginShutdown stops accepting new pairs immediately and requests the
// loop exit once every in-flight pair has closed, or grace has elapsed,
// whichever comes first (SPEC_FULL §12). This is the
// only place the engine spawns a goroutine; the connection-servicing path
// itself remains single-threaded and cooperative.
func (e *Engine) BeginShutdown(grace time.Duration) {
	atomic.StoreInt32(&e.draining, 1)
	if grace <= 0 {
		e.Stop()
		return
	}
	go func() {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) && atomic.LoadInt32(&e.activePairs) != 0 {
			time.Sleep(20 * time.Millisecond)
		}
		e.Stop()
	}()
}
