package transport

import (
	"io"

	"github.com/libp2p/go-libp2p-core/network"
	"golang.org/x/xerrors"
)

// Stream is the substrate capability named in spec §6: write_all, read_exact,
// finish, stopped, stop. It wraps a single libp2p network.Stream used
// unidirectionally — a Stream returned to the Sender is only ever written to,
// one returned to the Receiver is only ever read from, even though the
// underlying libp2p stream is technically bidirectional.
type Stream struct {
	raw network.Stream
}

func newStream(raw network.Stream) *Stream {
	return &Stream{raw: raw}
}

// WriteAll writes every byte of p to the stream in one Write call; under the
// io.Writer contract a short write comes back as an error.
func (s *Stream) WriteAll(p []byte) error {
	_, err := s.raw.Write(p)
	if err != nil {
		return xerrors.Errorf("stream write: %w", err)
	}
	return nil
}

// ReadExact reads exactly len(p) bytes into p, retrying short reads until the
// buffer is full or the stream ends.
func (s *Stream) ReadExact(p []byte) error {
	_, err := io.ReadFull(s.raw, p)
	if err != nil {
		return xerrors.Errorf("stream read: %w", err)
	}
	return nil
}

// Finish half-closes the write side, signaling the peer that no more bytes
// are coming on this stream.
func (s *Stream) Finish() error {
	if err := s.raw.CloseWrite(); err != nil {
		return xerrors.Errorf("stream finish: %w", err)
	}
	return nil
}

// Stopped blocks until the next Read on the stream returns EOF (the peer has
// closed its write side or the whole stream), or the stream errors out.
// libp2p streams have no explicit signal like QUIC's STOP_SENDING.
func (s *Stream) Stopped() error {
	buf := make([]byte, 1)
	_, err := s.raw.Read(buf)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return xerrors.Errorf("stream stopped: %w", err)
	}
	// Peer sent unexpected bytes on what should be a finished stream; this is
	// a protocol violation from the substrate's point of view but not fatal
	// to close, so we don't error.
	return nil
}

// Stop resets the stream, telling the peer we are no longer reading from it.
func (s *Stream) Stop() error {
	if err := s.raw.Reset(); err != nil {
		return xerrors.Errorf("stream stop: %w", err)
	}
	return nil
}

// Close closes both directions of the stream immediately.
func (s *Stream) Close() error {
	if err := s.raw.Close(); err != nil {
		return xerrors.Errorf("stream close: %w", err)
	}
	return nil
}
