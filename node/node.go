// Package node implements the P2P tagged message-passing core: a Node pairs
// one outbound Sender connection with one inbound Receiver connection to a
// single remote peer, exposing MPI-style non-blocking isend/irecv over
// num_streams independent tag-indexed unidirectional streams per direction.
package node

import (
	"context"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/rs/zerolog/log"

	"github.com/ringlink-io/ringlink/transport"
)

// Config controls how a Node binds its substrate endpoint and paces its
// connect retries.
type Config struct {
	// NumStreams is the number of tag-indexed streams opened per direction.
	NumStreams uint32
	// MaxPayloadSize caps a single message's payload; defaults to 64 MiB.
	MaxPayloadSize uint32
	// Transport configures the underlying substrate endpoint.
	Transport transport.Config
	// Connect configures the outbound backoff retry schedule.
	Connect ConnectOptions
	// Seed, if non-zero, derives a reproducible node identity for tests
	// instead of generating one from secure randomness.
	Seed uint64
}

func (c Config) withDefaults() Config {
	if c.NumStreams == 0 {
		c.NumStreams = 1
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = defaultMaxPayloadSize
	}
	if c.Connect == (ConnectOptions{}) {
		c.Connect = DefaultConnectOptions
	}
	return c
}

// Node is one participant in a pipeline-parallel rank topology: it binds a
// listening endpoint under its own identity, then pairs an outbound Sender
// to a configured peer with an inbound Receiver accepting that peer's
// connection back, per spec §3's "exactly one inbound, one outbound"
// invariant.
type Node struct {
	cfg Config
	id  transport.NodeIdentity
	ep  *transport.Endpoint

	snd *sender
	rcv *receiver
}

// New binds a fresh Node under a freshly generated (or seeded) identity.
func New(ctx context.Context, cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()

	var id transport.NodeIdentity
	var err error
	if cfg.Seed != 0 {
		id, err = transport.NewSeededIdentity(cfg.Seed)
	} else {
		id, err = transport.NewIdentity()
	}
	if err != nil {
		return nil, wrapf(KindTransportInit, err, "generating node identity")
	}

	ep, err := transport.Bind(ctx, id, cfg.Transport)
	if err != nil {
		return nil, wrapf(KindTransportInit, err, "binding endpoint")
	}

	n := &Node{
		cfg: cfg,
		id:  id,
		ep:  ep,
		snd: newSender(cfg.NumStreams, cfg.Connect),
		rcv: newReceiver(cfg.NumStreams, cfg.MaxPayloadSize),
	}

	go func() {
		if err := n.rcv.acceptFrom(ctx, n.ep); err != nil {
			log.Warn().Err(err).Msg("accepting inbound peer connection failed")
		}
	}()

	return n, nil
}

// NodeID returns this node's wire-format identity: 64 lowercase hex chars of
// its Ed25519 public key.
func (n *Node) NodeID() string { return n.id.Hex() }

// Connect dials the peer identified by nodeID (the same hex wire form
// NodeID returns) with capped-doubling backoff, then opens and handshakes
// all of this Node's outbound streams. Blocking; call once per Node.
func (n *Node) Connect(ctx context.Context, nodeID string) error {
	pid, err := transport.PeerIDFromHex(nodeID)
	if err != nil {
		return wrapf(KindBadPeerID, err, "parsing peer id %q", nodeID)
	}
	return n.snd.connect(ctx, n.ep, pid)
}

// ConnectPeer is the same as Connect but takes an already-resolved libp2p
// peer ID, for callers that discovered the peer through the DHT rather than
// an out-of-band exchange of the hex node id.
func (n *Node) ConnectPeer(ctx context.Context, pid peer.ID) error {
	return n.snd.connect(ctx, n.ep, pid)
}

// CanSend reports whether every outbound stream has been opened and
// handshaked — the sending half's whole-connection readiness predicate.
func (n *Node) CanSend() bool { return n.snd.canSend() }

// CanRecv reports whether every inbound stream has been accepted — the
// receiving half's whole-connection readiness predicate.
func (n *Node) CanRecv() bool { return n.rcv.canRecv() }

// IsReady reports whether both halves of the node are ready: CanSend() &&
// CanRecv().
func (n *Node) IsReady() bool {
	return n.CanSend() && n.CanRecv()
}

// Isend issues a non-blocking send of payload on the given tag's outbound
// stream, returning a handle to await completion. latencyMs, if non-zero,
// sleeps that many milliseconds before writing, emulating backpressure.
func (n *Node) Isend(tag uint32, payload []byte, latencyMs uint32) (*SendWork, error) {
	return n.snd.isend(tag, payload, latencyMs)
}

// Irecv issues a non-blocking receive on the given tag's inbound stream,
// returning a handle to await the payload.
func (n *Node) Irecv(tag uint32) (*RecvWork, error) {
	return n.rcv.irecv(tag)
}

// Close tears down both connections and the underlying endpoint. Best
// effort: outstanding sends are not cancelled, but no new work is started.
// Teardown failures are logged at Warn level and Close still returns nil.
func (n *Node) Close() error {
	if err := n.snd.close(); err != nil {
		log.Warn().Err(err).Msg("closing outbound connection failed")
	}
	if err := n.rcv.close(); err != nil {
		log.Warn().Err(err).Msg("closing inbound connection failed")
	}
	if err := n.ep.Close(); err != nil {
		log.Warn().Err(err).Msg("closing endpoint failed")
	}
	return nil
}
