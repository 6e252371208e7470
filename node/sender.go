package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/rs/zerolog/log"

	"github.com/ringlink-io/ringlink/transport"
)

// ConnectOptions parameterizes the capped-doubling backoff connect retries,
// the same shape the teacher repo uses for its dispatch retries.
type ConnectOptions struct {
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	BackoffAttemps int
}

// DefaultConnectOptions gives up after 6 attempts, doubling the wait between
// them from 200ms, with each wait capped at 30s.
var DefaultConnectOptions = ConnectOptions{
	BackoffMin:     200 * time.Millisecond,
	BackoffMax:     30 * time.Second,
	BackoffAttemps: 6,
}

// sendSlot pairs an outbound stream with the exclusive lock that serializes
// every isend issued against it, so two concurrent sends on the same tag
// can't interleave their length-prefix and payload writes on the wire.
type sendSlot struct {
	mu sync.Mutex
	st *transport.Stream
}

// sender is the outbound half of a Node: it dials the configured peer with
// retry, opens numStreams unidirectional streams, writes the handshake word
// on each, and serves isend against them.
type sender struct {
	numStreams uint32
	opt        ConnectOptions

	mu      sync.Mutex
	conn    *transport.Connection
	streams []*sendSlot
	ready   bool
	closed  bool
}

func newSender(numStreams uint32, opt ConnectOptions) *sender {
	return &sender{
		numStreams: numStreams,
		opt:        opt,
		streams:    make([]*sendSlot, numStreams),
	}
}

// connect dials peer with capped-doubling backoff, per spec §4.3, then opens
// and handshakes all N outbound streams.
func (s *sender) connect(ctx context.Context, ep *transport.Endpoint, remote peer.ID) error {
	b := &backoff.Backoff{
		Min: s.opt.BackoffMin,
		Max: s.opt.BackoffMax,
	}

	var conn *transport.Connection
	for {
		c, err := ep.Connect(ctx, remote)
		if err == nil {
			conn = c
			break
		}
		if int(b.Attempt())+1 >= s.opt.BackoffAttemps {
			return wrapf(KindConnectExhausted, err, "connect to %s exhausted after %d attempts", remote, s.opt.BackoffAttemps)
		}
		wait := b.Duration()
		log.Debug().Err(err).Str("peer", remote.String()).Dur("backoff", wait).Msg("connect attempt failed, retrying")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return wrapf(KindConnectExhausted, ctx.Err(), "connect to %s cancelled", remote)
		}
	}

	streams := make([]*sendSlot, s.numStreams)
	for tag := uint32(0); tag < s.numStreams; tag++ {
		st, err := conn.OpenUni(ctx)
		if err != nil {
			return wrapf(KindStreamClosed, err, "opening stream for tag %d", tag)
		}
		if err := writeHandshake(st); err != nil {
			return wrapf(KindStreamClosed, err, "writing handshake for tag %d", tag)
		}
		streams[tag] = &sendSlot{st: st}
	}

	s.mu.Lock()
	s.conn = conn
	s.streams = streams
	s.ready = true
	s.mu.Unlock()

	return nil
}

// canSend reports whether every outbound stream has been opened and
// handshaked, matching spec §6's whole-half can_send() predicate.
func (s *sender) canSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closed
}

// isend issues a non-blocking send of payload on tag, optionally sleeping
// latencyMs before writing to emulate backpressure (spec §4.1/§4.3/§6); a
// latencyMs of 0 sends immediately. The send is serialized against any other
// isend on the same tag by the tag's sendSlot mutex, so two in-flight sends
// on one tag cannot interleave their frames on the wire.
func (s *sender) isend(tag uint32, payload []byte, latencyMs uint32) (*SendWork, error) {
	if tag >= s.numStreams {
		return nil, newErr(KindTagOutOfRange, fmt.Sprintf("tag %d >= %d streams", tag, s.numStreams), nil)
	}

	s.mu.Lock()
	ready := s.ready && !s.closed
	var slot *sendSlot
	if ready {
		slot = s.streams[tag]
	}
	s.mu.Unlock()

	if !ready {
		return nil, newErr(KindNotReady, "sender not yet connected, or already closed", nil)
	}

	w := newSendWork(tag)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				w.complete(newErr(KindTaskPanicked, fmt.Sprintf("send task panicked: %v", rec), nil))
			}
		}()
		if latencyMs > 0 {
			time.Sleep(time.Duration(latencyMs) * time.Millisecond)
		}
		slot.mu.Lock()
		defer slot.mu.Unlock()
		err := writeMessage(slot.st, payload)
		if err == nil {
			log.Debug().Uint32("tag", tag).Str("id", w.id.String()).Str("size", humanize.Bytes(uint64(len(payload)))).Msg("sent message")
			w.complete(nil)
			return
		}
		w.complete(wrapf(KindStreamClosed, err, "writing message on tag %d", tag))
	}()
	return w, nil
}

// close tears down the outbound connection. Idempotent: a second call is a
// no-op, and any isend after either call returns NotReady rather than
// attempting a write against a torn-down stream.
func (s *sender) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(0, "node closed")
}
