package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// loopbackConfig binds on TCP-only loopback addresses, skipping QUIC and DHT
// bootstrap so tests stay fast and deterministic.
func loopbackConfig() Config {
	return Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}}
}

func TestBindAndConnectRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	idA, err := NewSeededIdentity(1)
	require.NoError(t, err)
	idB, err := NewSeededIdentity(2)
	require.NoError(t, err)

	epA, err := Bind(ctx, idA, loopbackConfig())
	require.NoError(t, err)
	defer epA.Close()

	epB, err := Bind(ctx, idB, loopbackConfig())
	require.NoError(t, err)
	defer epB.Close()

	epA.host.Peerstore().AddAddrs(epB.host.ID(), epB.host.Addrs(), time.Hour)

	connCh := make(chan *Connection, 1)
	go func() {
		c, err := epB.Accept(ctx)
		require.NoError(t, err)
		connCh <- c
	}()

	outConn, err := epA.Connect(ctx, epB.host.ID())
	require.NoError(t, err)

	st, err := outConn.OpenUni(ctx)
	require.NoError(t, err)
	require.NoError(t, st.WriteAll([]byte("hello")))
	require.NoError(t, st.Finish())

	inConn := <-connCh
	require.Equal(t, epA.host.ID(), inConn.RemotePeer())

	acceptedStream, err := inConn.AcceptUni(ctx)
	require.NoError(t, err)

	buf := make([]byte, 5)
	require.NoError(t, acceptedStream.ReadExact(buf))
	require.Equal(t, []byte("hello"), buf)
	require.NoError(t, acceptedStream.Stopped())
}

func TestSecondInboundPeerRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	idA, err := NewSeededIdentity(10)
	require.NoError(t, err)
	idB, err := NewSeededIdentity(11)
	require.NoError(t, err)
	idC, err := NewSeededIdentity(12)
	require.NoError(t, err)

	epA, err := Bind(ctx, idA, loopbackConfig())
	require.NoError(t, err)
	defer epA.Close()
	epB, err := Bind(ctx, idB, loopbackConfig())
	require.NoError(t, err)
	defer epB.Close()
	epC, err := Bind(ctx, idC, loopbackConfig())
	require.NoError(t, err)
	defer epC.Close()

	epA.host.Peerstore().AddAddrs(epB.host.ID(), epB.host.Addrs(), time.Hour)
	epC.host.Peerstore().AddAddrs(epB.host.ID(), epB.host.Addrs(), time.Hour)

	connB, err := epA.Connect(ctx, epB.host.ID())
	require.NoError(t, err)
	st, err := connB.OpenUni(ctx)
	require.NoError(t, err)
	require.NoError(t, st.WriteAll([]byte("first")))

	_, err = epB.Accept(ctx)
	require.NoError(t, err)

	connC, err := epC.Connect(ctx, epB.host.ID())
	require.NoError(t, err)
	stC, err := connC.OpenUni(ctx)
	require.NoError(t, err)
	// The peer should reset this stream rather than hand it to anyone; a
	// write can still succeed locally since libp2p buffers, so we only
	// assert that B never surfaces it as a second accepted connection.
	_ = stC.WriteAll([]byte("second"))

	shortCtx, shortCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer shortCancel()
	_, err = epB.Accept(shortCtx)
	require.Error(t, err)
}

func TestPeerIDFromHexRoundTrip(t *testing.T) {
	id, err := NewSeededIdentity(42)
	require.NoError(t, err)

	pid, err := PeerIDFromHex(id.Hex())
	require.NoError(t, err)
	require.Equal(t, id.PeerID(), pid)
}

func TestPeerIDFromHexRejectsBadInput(t *testing.T) {
	_, err := PeerIDFromHex("not-hex")
	require.Error(t, err)
}
