package node

import "encoding/binary"

// lengthPrefixSize is the size in bytes of the u32-LE length prefix that
// precedes every payload on a stream, per spec §4.5.
const lengthPrefixSize = 4

// defaultMaxPayloadSize bounds an individual message's payload. Not part of
// the original spec (which left this as an implementer's choice, §9 Open
// Questions), but a 64 MiB default keeps a single malformed length prefix
// from causing an unbounded allocation.
const defaultMaxPayloadSize = 64 << 20

// handshakeWord is the four zero bytes a sender writes to each outbound
// stream immediately after opening it, and a receiver reads and discards
// before the stream is usable — see spec §9 "lazy-stream problem".
var handshakeWord = [lengthPrefixSize]byte{}

type rawStream interface {
	WriteAll(p []byte) error
	ReadExact(p []byte) error
}

// writeMessage writes the length-prefixed frame for msg to s.
func writeMessage(s rawStream, msg []byte) error {
	var hdr [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(msg)))
	if err := s.WriteAll(hdr[:]); err != nil {
		return err
	}
	if len(msg) == 0 {
		return nil
	}
	return s.WriteAll(msg)
}

// readMessage reads one length-prefixed frame from s, enforcing maxPayload.
func readMessage(s rawStream, maxPayload uint32) ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if err := s.ReadExact(hdr[:]); err != nil {
		return nil, newErr(KindStreamClosed, "reading length prefix", err)
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size > maxPayload {
		return nil, newErr(KindTruncated, "payload exceeds configured maximum", nil)
	}
	if size == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	if err := s.ReadExact(buf); err != nil {
		return nil, newErr(KindTruncated, "reading payload", err)
	}
	return buf, nil
}

// writeHandshake writes the dummy handshake word to s.
func writeHandshake(s rawStream) error {
	return s.WriteAll(handshakeWord[:])
}

// readHandshake reads and discards the dummy handshake word from s.
func readHandshake(s rawStream) error {
	var buf [lengthPrefixSize]byte
	return s.ReadExact(buf[:])
}
