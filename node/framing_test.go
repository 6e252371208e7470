package node

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// pipeStream adapts an in-memory byte buffer pair to the rawStream interface
// framing.go needs, without pulling in the transport package's libp2p stack.
type pipeStream struct {
	w *bytes.Buffer
	r *bytes.Buffer
}

func (p *pipeStream) WriteAll(b []byte) error {
	_, err := p.w.Write(b)
	return err
}

func (p *pipeStream) ReadExact(b []byte) error {
	_, err := io.ReadFull(p.r, b)
	return err
}

func newLoopStream() *pipeStream {
	buf := &bytes.Buffer{}
	return &pipeStream{w: buf, r: buf}
}

func TestWriteReadMessageRoundTrip(t *testing.T) {
	s := newLoopStream()
	require.NoError(t, writeMessage(s, []byte("hello")))

	got, err := readMessage(s, defaultMaxPayloadSize)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestWriteReadMessageEmptyPayload(t *testing.T) {
	s := newLoopStream()
	require.NoError(t, writeMessage(s, nil))

	got, err := readMessage(s, defaultMaxPayloadSize)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	s := newLoopStream()
	require.NoError(t, writeMessage(s, make([]byte, 128)))

	_, err := readMessage(s, 64)
	require.Error(t, err)
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, KindTruncated, nerr.Kind)
}

func TestReadMessageTruncatedStream(t *testing.T) {
	s := newLoopStream()
	// Claim a payload of 10 bytes but only ever write 3.
	require.NoError(t, s.WriteAll([]byte{10, 0, 0, 0}))
	require.NoError(t, s.WriteAll([]byte{1, 2, 3}))

	_, err := readMessage(s, defaultMaxPayloadSize)
	require.Error(t, err)
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, KindTruncated, nerr.Kind)
}

func TestHandshakeRoundTrip(t *testing.T) {
	s := newLoopStream()
	require.NoError(t, writeHandshake(s))
	require.NoError(t, readHandshake(s))
}
