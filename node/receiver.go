package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/ringlink-io/ringlink/transport"
)

// recvSlot pairs an inbound stream with the exclusive lock that serializes
// every irecv issued against it, so two concurrent receives on the same tag
// can't interleave their length-prefix and payload reads off the wire.
type recvSlot struct {
	mu sync.Mutex
	st *transport.Stream
}

// receiver is the inbound half of a Node: it accepts exactly one peer
// connection and, from it, numStreams unidirectional streams — one per tag,
// in open order — and serves irecv against whichever of those has arrived.
type receiver struct {
	numStreams uint32
	maxPayload uint32

	mu       sync.Mutex
	conn     *transport.Connection
	streams  []*recvSlot // indexed by tag once accepted
	pending  []*RecvWork // an outstanding irecv waiting on streams[tag], nil if none
	accepted bool
	filled   uint32 // count of streams[i] != nil, for the whole-half can_recv() predicate
	closed   bool
}

func newReceiver(numStreams, maxPayload uint32) *receiver {
	return &receiver{
		numStreams: numStreams,
		maxPayload: maxPayload,
		streams:    make([]*recvSlot, numStreams),
		pending:    make([]*RecvWork, numStreams),
	}
}

// acceptFrom blocks accepting the peer's connection and its N streams,
// stripping the handshake word off each before the receiver will serve it.
// Called once, from the Node's accept-loop goroutine.
func (r *receiver) acceptFrom(ctx context.Context, ep *transport.Endpoint) error {
	conn, err := ep.Accept(ctx)
	if err != nil {
		return wrapf(KindStreamClosed, err, "accepting inbound connection")
	}

	r.mu.Lock()
	r.conn = conn
	r.accepted = true
	r.mu.Unlock()

	for tag := uint32(0); tag < r.numStreams; tag++ {
		st, err := conn.AcceptUni(ctx)
		if err != nil {
			return wrapf(KindStreamClosed, err, "accepting stream for tag %d", tag)
		}
		if err := readHandshake(st); err != nil {
			return wrapf(KindStreamClosed, err, "reading handshake for tag %d", tag)
		}

		slot := &recvSlot{st: st}

		r.mu.Lock()
		r.streams[tag] = slot
		r.filled++
		waiter := r.pending[tag]
		r.pending[tag] = nil
		r.mu.Unlock()

		log.Debug().Uint32("tag", tag).Msg("inbound stream ready")

		if waiter != nil {
			go r.serve(tag, slot, waiter)
		}
	}
	return nil
}

// canRecv reports whether every inbound stream has been accepted, matching
// spec §6's whole-half can_recv() predicate.
func (r *receiver) canRecv() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted && r.filled == r.numStreams && !r.closed
}

// irecv issues a non-blocking receive on tag. If the underlying stream
// hasn't arrived yet, the returned work completes once it does. The receive
// is serialized against any other irecv on the same tag by the tag's
// recvSlot mutex, so two in-flight receives on one tag cannot interleave
// their frames off the wire.
func (r *receiver) irecv(tag uint32) (*RecvWork, error) {
	if tag >= r.numStreams {
		return nil, newErr(KindTagOutOfRange, fmt.Sprintf("tag %d >= %d streams", tag, r.numStreams), nil)
	}

	w := newRecvWork(tag)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, newErr(KindNotReady, "receiver already closed", nil)
	}
	slot := r.streams[tag]
	if slot == nil {
		if r.pending[tag] != nil {
			r.mu.Unlock()
			return nil, newErr(KindNotReady, fmt.Sprintf("tag %d already has an outstanding recv", tag), nil)
		}
		r.pending[tag] = w
		r.mu.Unlock()
		return w, nil
	}
	r.mu.Unlock()

	go r.serve(tag, slot, w)
	return w, nil
}

func (r *receiver) serve(tag uint32, slot *recvSlot, w *RecvWork) {
	defer func() {
		if rec := recover(); rec != nil {
			w.complete(nil, newErr(KindTaskPanicked, fmt.Sprintf("recv task panicked: %v", rec), nil))
		}
	}()
	slot.mu.Lock()
	defer slot.mu.Unlock()
	payload, err := readMessage(slot.st, r.maxPayload)
	if err == nil {
		log.Debug().Uint32("tag", tag).Str("id", w.id.String()).Str("size", humanize.Bytes(uint64(len(payload)))).Msg("received message")
	}
	w.complete(payload, err)
}

// close tears down the inbound connection. Idempotent: a second call is a
// no-op, and any irecv after either call returns NotReady rather than
// attempting a read against a torn-down stream.
func (r *receiver) close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(0, "node closed")
}
