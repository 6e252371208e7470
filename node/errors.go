package node

import "fmt"

// Kind classifies a core-level failure, per spec §7's error taxonomy. Callers
// should switch on Kind rather than match error strings.
type Kind int

const (
	// KindUnknown is never returned; it is the zero value of Kind.
	KindUnknown Kind = iota
	// KindTransportInit covers endpoint bind or identity generation failures.
	KindTransportInit
	// KindBadPeerID covers a peer hex string that isn't 64 hex chars or a
	// valid key.
	KindBadPeerID
	// KindConnectExhausted covers retry exhaustion during connect.
	KindConnectExhausted
	// KindNotReady covers isend/irecv called before the relevant half is
	// populated.
	KindNotReady
	// KindTagOutOfRange covers tag >= num_streams.
	KindTagOutOfRange
	// KindStreamClosed covers the peer stopping the stream, or the
	// connection closing, mid-operation.
	KindStreamClosed
	// KindTruncated covers a stream ending between the length prefix and the
	// end of the payload.
	KindTruncated
	// KindAlreadyConsumed covers wait() called twice on a work handle.
	KindAlreadyConsumed
	// KindTaskPanicked covers a background task aborting abnormally.
	KindTaskPanicked
)

func (k Kind) String() string {
	switch k {
	case KindTransportInit:
		return "TransportInit"
	case KindBadPeerID:
		return "BadPeerId"
	case KindConnectExhausted:
		return "ConnectExhausted"
	case KindNotReady:
		return "NotReady"
	case KindTagOutOfRange:
		return "TagOutOfRange"
	case KindStreamClosed:
		return "StreamClosed"
	case KindTruncated:
		return "Truncated"
	case KindAlreadyConsumed:
		return "AlreadyConsumed"
	case KindTaskPanicked:
		return "TaskPanicked"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type every public operation in this package
// returns. It always carries a Kind and, where one exists, the wrapped cause
// that triggered it, so the full causal chain survives %w unwrapping.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}
