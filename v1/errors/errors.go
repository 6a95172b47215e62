// Package errors defines the sentinel errors shared across turnstile packages.
package errors

import "errors"

var (
	// ErrRecursive is returned when a callback running under a lock tries to
	// acquire the same lock again through its own call chain.
	ErrRecursive = errors.New("turnstile: recursive lock acquisition")
	// ErrTimeout is returned when an acquisition does not reach the head of
	// the queue within its timeout. The queue itself is unaffected.
	ErrTimeout = errors.New("turnstile: lock acquisition timed out")
	// ErrIllegalClose is returned when a shared lock is closed from a context
	// other than the one that created it.
	ErrIllegalClose = errors.New("turnstile: shared lock may only be closed from its owning context")
	// ErrClosed is returned when operating on a lock after Close.
	ErrClosed = errors.New("turnstile: lock closed")
	// ErrConnectionClosed is returned when a transport connection is no
	// longer usable.
	ErrConnectionClosed = errors.New("turnstile: connection closed")
)
