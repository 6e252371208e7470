package transport

import (
	crand "crypto/rand"
	"encoding/hex"
	"io"
	"math/rand"

	ic "github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	"golang.org/x/xerrors"
)

// NodeIdentity is the Ed25519 keypair a Node binds its Endpoint to. The hex
// string is the wire encoding named in spec §6 (lowercase hex of the 32-byte
// public key) — it is distinct from, and longer than, the libp2p peer.ID's
// own base58-multihash string form, which we keep around only to drive the
// libp2p host.
type NodeIdentity struct {
	priv ic.PrivKey
	pub  ic.PubKey
	pid  peer.ID
	hex  string
}

// Hex returns the 64 lowercase hex character node id.
func (n NodeIdentity) Hex() string { return n.hex }

// PeerID returns the libp2p peer ID derived from the same keypair, used
// internally to drive host.Connect / host.NewStream.
func (n NodeIdentity) PeerID() peer.ID { return n.pid }

// NewIdentity generates a fresh identity from cryptographically secure
// randomness.
func NewIdentity() (NodeIdentity, error) {
	return identityFromReader(crand.Reader)
}

// NewSeededIdentity derives a reproducible identity from a uint64 seed, for
// tests that need a stable node id across runs (spec §4.1 "seed deterministically
// derives the secret key for tests").
func NewSeededIdentity(seed uint64) (NodeIdentity, error) {
	src := rand.NewSource(int64(seed))
	return identityFromReader(rand.New(src))
}

func identityFromReader(r io.Reader) (NodeIdentity, error) {
	priv, pub, err := ic.GenerateEd25519Key(r)
	if err != nil {
		return NodeIdentity{}, xerrors.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := pub.Raw()
	if err != nil {
		return NodeIdentity{}, xerrors.Errorf("marshal public key: %w", err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return NodeIdentity{}, xerrors.Errorf("derive peer id: %w", err)
	}
	return NodeIdentity{
		priv: priv,
		pub:  pub,
		pid:  pid,
		hex:  hex.EncodeToString(raw),
	}, nil
}

// PeerIDFromHex decodes the wire-format node id back into a libp2p peer ID,
// for use as the destination of Connect.
func PeerIDFromHex(s string) (peer.ID, error) {
	if len(s) != 64 {
		return "", xerrors.Errorf("%w: want 64 hex chars, got %d", ErrBadPeerID, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", ErrBadPeerID, err)
	}
	pub, err := ic.UnmarshalEd25519PublicKey(raw)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", ErrBadPeerID, err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", ErrBadPeerID, err)
	}
	return pid, nil
}
