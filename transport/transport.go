// Package transport is the Go-native substrate the core node package runs
// on: an authenticated, multiplexed, NAT-traversing datagram transport built
// from go-libp2p, standing in for the iroh endpoint the original design was
// written against. It implements exactly the capability set spec.md §6 names
// as "Substrate (consumed)" — Endpoint{bind, accept, connect, close},
// Connection{open_uni, accept_uni, close, closed}, Stream{write_all,
// read_exact, finish, stopped, stop} — plus the LocalPeerID/Addrs/LearnAddrs
// helpers used to exchange addresses out-of-band.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/event"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-libp2p-core/routing"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	noise "github.com/libp2p/go-libp2p-noise"
	libp2pquic "github.com/libp2p/go-libp2p-quic-transport"
	tcp "github.com/libp2p/go-tcp-transport"
	ws "github.com/libp2p/go-ws-transport"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// ALPN is the application protocol identifier negotiated on every connection,
// fixed by spec §6 to the ASCII bytes "hello-world".
const ALPN = protocol.ID("hello-world")

// pendingStreamBacklog bounds how many not-yet-accepted inbound streams the
// endpoint buffers; once it is full, handleStream blocks until Accept or
// AcceptUni takes one or the endpoint closes. Generous relative to any
// realistic N.
const pendingStreamBacklog = 256

// Config controls how Bind constructs the underlying libp2p host. The zero
// value is a reasonable default for a single-peer node reachable behind NAT.
type Config struct {
	// ListenAddrs are the multiaddrs to listen on. Defaults to an ephemeral
	// QUIC and TCP port on all interfaces.
	ListenAddrs []string
	// BootstrapPeers seed the DHT used for default discovery.
	BootstrapPeers []peer.AddrInfo
	// ConnMgrLow/ConnMgrHigh/ConnMgrGrace configure the connection manager's
	// trimming behavior, same knobs the teacher repo exposes.
	ConnMgrLow, ConnMgrHigh int
	ConnMgrGrace            time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = []string{
			"/ip4/0.0.0.0/udp/0/quic",
			"/ip4/0.0.0.0/tcp/0",
		}
	}
	if c.ConnMgrLow == 0 {
		c.ConnMgrLow = 2
	}
	if c.ConnMgrHigh == 0 {
		c.ConnMgrHigh = 8
	}
	if c.ConnMgrGrace == 0 {
		c.ConnMgrGrace = 20 * time.Second
	}
	return c
}

// Endpoint is the bound, listening side of the substrate: one per Node, its
// lifetime equal to the Node's lifetime.
type Endpoint struct {
	host host.Host
	dht  *dht.IpfsDHT

	mu        sync.Mutex
	closed    bool
	closeCh   chan struct{}
	firstPeer peer.ID
	hasFirst  bool
	incoming  chan network.Stream
}

// Bind constructs and starts listening on a libp2p host under the fixed
// hello-world ALPN, wired for QUIC-primary connectivity with TCP/WebSocket
// fallback, Noise security, NAT port mapping, circuit-relay assisted
// hole-punching, and DHT-based default discovery.
func Bind(ctx context.Context, id NodeIdentity, cfg Config) (*Endpoint, error) {
	cfg = cfg.withDefaults()

	ep := &Endpoint{
		closeCh:  make(chan struct{}),
		incoming: make(chan network.Stream, pendingStreamBacklog),
	}

	var kad *dht.IpfsDHT
	h, err := libp2p.New(
		ctx,
		libp2p.Identity(id.priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(ws.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connmgr.NewConnManager(cfg.ConnMgrLow, cfg.ConnMgrHigh, cfg.ConnMgrGrace)),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
		libp2p.EnableRelay(),
		libp2p.EnableAutoRelay(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			d, err := dht.New(ctx, h, dht.BootstrapPeers(cfg.BootstrapPeers...))
			if err != nil {
				return nil, err
			}
			kad = d
			return d, nil
		}),
	)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrBindFailed, err)
	}
	ep.host = h
	ep.dht = kad

	h.SetStreamHandler(ALPN, ep.handleStream)

	if err := kad.Bootstrap(ctx); err != nil {
		log.Warn().Err(err).Msg("dht bootstrap returned an error; continuing with an unbootstrapped table")
	}
	for _, pi := range cfg.BootstrapPeers {
		pi := pi
		go func() {
			bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.Connect(bctx, pi); err != nil {
				log.Debug().Err(err).Str("peer", pi.ID.String()).Msg("bootstrap peer connect failed")
			}
		}()
	}

	return ep, nil
}

// handleStream is the ALPN protocol handler. It enforces "a Node services at
// most one inbound peer for the lifetime of the Endpoint" (spec §3 Invariants):
// the first peer to open a stream is pinned, and any stream from a different
// remote peer is reset immediately.
func (ep *Endpoint) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer()

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		_ = s.Reset()
		return
	}
	if !ep.hasFirst {
		ep.hasFirst = true
		ep.firstPeer = remote
	} else if ep.firstPeer != remote {
		ep.mu.Unlock()
		log.Warn().Str("peer", remote.String()).Msg("rejecting stream from second inbound peer")
		_ = s.Reset()
		return
	}
	ep.mu.Unlock()

	select {
	case ep.incoming <- s:
	case <-ep.closeCh:
		_ = s.Reset()
	}
}

// Accept blocks until the first inbound stream arrives under our ALPN,
// returning a Connection seeded with it. It is the substrate equivalent of
// iroh's endpoint.accept().await.
func (ep *Endpoint) Accept(ctx context.Context) (*Connection, error) {
	select {
	case s := <-ep.incoming:
		pid := s.Conn().RemotePeer()
		st := newStream(s)
		return &Connection{ep: ep, peer: pid, streams: []*Stream{st}, seed: st}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ep.closeCh:
		return nil, ErrClosed
	}
}

// Connect dials a peer and returns an (initially stream-less) Connection; the
// caller opens however many unidirectional streams it needs via OpenUni.
func (ep *Endpoint) Connect(ctx context.Context, pid peer.ID) (*Connection, error) {
	ep.mu.Lock()
	closed := ep.closed
	ep.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := ep.host.Connect(ctx, peer.AddrInfo{ID: pid}); err != nil {
		return nil, xerrors.Errorf("dial %s: %w", pid, err)
	}
	return &Connection{ep: ep, peer: pid}, nil
}

// LocalPeerID returns the libp2p peer ID of this endpoint, for logging and for
// handing to a peer's LearnAddrs — Node keeps its own copy of NodeIdentity for
// node_id().
func (ep *Endpoint) LocalPeerID() peer.ID {
	return ep.host.ID()
}

// Addrs returns the multiaddrs this endpoint is reachable on, for handing to
// a peer out-of-band before it has learned them through the DHT.
func (ep *Endpoint) Addrs() []ma.Multiaddr {
	return ep.host.Addrs()
}

// LearnAddrs records addrs as dialable for pid, bypassing discovery. Used
// when a peer's address is exchanged out-of-band rather than resolved
// through the DHT.
func (ep *Endpoint) LearnAddrs(pid peer.ID, addrs []ma.Multiaddr, ttl time.Duration) {
	ep.host.Peerstore().AddAddrs(pid, addrs, ttl)
}

// Close tears down the DHT and the libp2p host. Safe to call once; a second
// call is a no-op.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()
	close(ep.closeCh)

	var errs []error
	if ep.dht != nil {
		if err := ep.dht.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ep.host.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return xerrors.Errorf("endpoint close: %v", errs)
	}
	return nil
}

// Connection is one directional relationship with the single peer a Node
// talks to — either the inbound side the protocol handler assembled, or the
// outbound side Connect created. A Node holds at most two at a time.
type Connection struct {
	ep   *Endpoint
	peer peer.ID

	mu      sync.Mutex
	streams []*Stream
	seed    *Stream // stream Accept received, not yet handed out by AcceptUni
}

// RemotePeer returns the peer this connection is with.
func (c *Connection) RemotePeer() peer.ID { return c.peer }

// OpenUni opens one new unidirectional (write-only, by convention) stream to
// the peer. Successive calls preserve submission order on the wire, which is
// what gives tag pairing its correspondence with the listener's accept order.
func (c *Connection) OpenUni(ctx context.Context) (*Stream, error) {
	c.ep.mu.Lock()
	closed := c.ep.closed
	c.ep.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	s, err := c.ep.host.NewStream(ctx, c.peer, ALPN)
	if err != nil {
		return nil, xerrors.Errorf("open stream to %s: %w", c.peer, err)
	}
	st := newStream(s)
	c.mu.Lock()
	c.streams = append(c.streams, st)
	c.mu.Unlock()
	return st, nil
}

// AcceptUni returns the next stream the peer opened to us. On a Connection
// from Accept, the first call returns the stream Accept received; later calls
// wait for the next one, rejecting (and returning ErrDuplicateInbound for)
// anything from a peer other than the one this Connection was opened with.
func (c *Connection) AcceptUni(ctx context.Context) (*Stream, error) {
	c.mu.Lock()
	seed := c.seed
	c.seed = nil
	c.mu.Unlock()
	if seed != nil {
		return seed, nil
	}

	select {
	case <-c.ep.closeCh:
		return nil, ErrClosed
	case s := <-c.ep.incoming:
		if s.Conn().RemotePeer() != c.peer {
			_ = s.Reset()
			return nil, ErrDuplicateInbound
		}
		st := newStream(s)
		c.mu.Lock()
		c.streams = append(c.streams, st)
		c.mu.Unlock()
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the connection to the peer with an application close code and
// reason, mirroring QUIC's connection.close(code, reason). libp2p has no
// per-connection close code of its own, so the code/reason are folded into
// the log line and the connection is dropped via the Swarm.
func (c *Connection) Close(code uint32, reason string) error {
	log.Debug().Str("peer", c.peer.String()).Uint32("code", code).Str("reason", reason).Msg("closing connection")
	if err := c.ep.host.Network().ClosePeer(c.peer); err != nil {
		return xerrors.Errorf("close connection to %s: %w", c.peer, err)
	}
	return nil
}

// Closed blocks until the peer disconnects, or ctx is done. It is built on
// the host's own connectedness event bus, the same bus the teacher repo
// subscribes to for peer-region membership changes.
func (c *Connection) Closed(ctx context.Context) error {
	sub, err := c.ep.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return xerrors.Errorf("subscribe to connectedness events: %w", err)
	}
	defer sub.Close()

	if c.ep.host.Network().Connectedness(c.peer) != network.Connected {
		return nil
	}

	for {
		select {
		case raw, ok := <-sub.Out():
			if !ok {
				return nil
			}
			evt := raw.(event.EvtPeerConnectednessChanged)
			if evt.Peer == c.peer && evt.Connectedness != network.Connected {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
