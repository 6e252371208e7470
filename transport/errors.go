package transport

import "golang.org/x/xerrors"

// Sentinel causes returned by the substrate adapter. The node package wraps
// these into its own *node.Error kinds; callers of this package alone can
// still match on them with errors.Is.
var (
	// ErrBindFailed is returned when the libp2p host could not be constructed.
	ErrBindFailed = xerrors.New("transport: bind failed")

	// ErrDuplicateInbound is returned when a stream arrives from a peer other
	// than the one we are already accumulating streams from.
	ErrDuplicateInbound = xerrors.New("transport: duplicate inbound peer rejected")

	// ErrBadPeerID is returned when a hex string does not decode to a valid
	// Ed25519 public key.
	ErrBadPeerID = xerrors.New("transport: invalid peer id")

	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = xerrors.New("transport: endpoint closed")
)
