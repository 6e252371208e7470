package node

import (
	"sync"

	"github.com/google/uuid"
)

// SendWork is the handle isend returns: a promise-like token for a single
// outstanding send, completed exactly once by the sender's stream goroutine.
// Mirrors spec §4.4's work handle — non-blocking submission, blocking wait.
type SendWork struct {
	id   uuid.UUID
	tag  uint32
	done chan error

	mu       sync.Mutex
	consumed bool
}

func newSendWork(tag uint32) *SendWork {
	return &SendWork{
		id:   uuid.New(),
		tag:  tag,
		done: make(chan error, 1),
	}
}

func (w *SendWork) complete(err error) {
	w.done <- err
}

// Wait blocks until the send completes, returning its outcome. A second call
// returns KindAlreadyConsumed, matching spec §4.4's single-use wait()
// semantics.
func (w *SendWork) Wait() error {
	w.mu.Lock()
	if w.consumed {
		w.mu.Unlock()
		return newErr(KindAlreadyConsumed, "send work already waited on", nil)
	}
	w.consumed = true
	w.mu.Unlock()
	return <-w.done
}

// RecvWork is the handle irecv returns, completed with the received payload
// (or an error) by the receiver's stream goroutine.
type RecvWork struct {
	id   uuid.UUID
	tag  uint32
	done chan recvResult

	mu       sync.Mutex
	consumed bool
}

type recvResult struct {
	payload []byte
	err     error
}

func newRecvWork(tag uint32) *RecvWork {
	return &RecvWork{
		id:   uuid.New(),
		tag:  tag,
		done: make(chan recvResult, 1),
	}
}

func (w *RecvWork) complete(payload []byte, err error) {
	w.done <- recvResult{payload: payload, err: err}
}

// Wait blocks until the receive completes, returning the payload or an error.
// A second call returns KindAlreadyConsumed.
func (w *RecvWork) Wait() ([]byte, error) {
	w.mu.Lock()
	if w.consumed {
		w.mu.Unlock()
		return nil, newErr(KindAlreadyConsumed, "recv work already waited on", nil)
	}
	w.consumed = true
	w.mu.Unlock()
	res := <-w.done
	return res.payload, res.err
}
