// Package wire carries lock protocol messages between an owner context and
// requester contexts. Transports must deliver messages from one sender in
// order; the in-memory transport additionally orders all senders through a
// single channel. Each transport also provides a liveness signal for
// requesters holding a grant, which the exit monitor uses to free locks held
// by dead requesters. How quickly termination is observed depends on the
// transport: the in-memory transport sees a context cancel immediately, the
// NATS transport waits for a heartbeat window to lapse, and the WebSocket
// transport reacts to a read failure or a missed pong.
package wire

import (
	"context"

	"github.com/google/uuid"
)

// Kind identifies a request message type.
type Kind byte

const (
	// KindAcquire asks for the next turn on the owner's queue.
	KindAcquire Kind = iota + 1
	// KindClose asks the owner to stop; only honored from the owning context.
	KindClose
)

// Request is one inbound message on a Listener.
type Request interface {
	Kind() Kind
	// Identity is the opaque identity of the requesting context. It is used
	// only to validate close requests, never for locking decisions.
	Identity() string
	// Grant sends a release token to the requester and returns the owner's
	// view of it. Valid for acquire requests once they reach the head of the
	// queue.
	Grant() (Released, error)
	// Ack confirms a close request.
	Ack() error
	// Deny rejects a close request with err.
	Deny(err error) error
	// Lifeline returns a channel that closes when the requesting context
	// terminates abnormally. Transports that only monitor holders report nil
	// until Grant has been called.
	Lifeline() <-chan struct{}
}

// Released tracks fulfillment of a release token on the owner side.
type Released interface {
	// Done closes when the token has been fulfilled.
	Done() <-chan struct{}
	// Force fulfills the token on behalf of a dead requester. Idempotent
	// with an explicit release racing it.
	Force()
}

// Listener is the owner side of a transport: an ordered stream of requests.
type Listener interface {
	Requests() <-chan Request
	Close() error
}

// Grant is the requester side of a granted acquisition.
type Grant interface {
	// Release fulfills the release token, letting the owner's queue advance.
	// It is idempotent and must be called on every exit path.
	Release()
}

// Conn is the requester side of a transport connection to one lock owner.
type Conn interface {
	// Acquire sends an acquire request. The returned channel delivers the
	// grant once the request reaches the head of the owner's queue. The
	// grant still arrives if the caller has stopped waiting, so a timed-out
	// caller can release it unused.
	Acquire(ctx context.Context) (<-chan Grant, error)
	// SendClose performs a close round trip carrying the conn's identity.
	SendClose(ctx context.Context) error
	Identity() string
	Close() error
}

// NewIdentity mints an opaque identity for an execution context.
func NewIdentity() string {
	return uuid.NewString()
}
