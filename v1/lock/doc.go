// Package lock provides a FIFO mutual-exclusion primitive for callback-style
// critical sections. Callbacks submitted through Do run one at a time, in
// strict submission order, with optional acquisition timeouts. Recursive
// acquisition from inside a running callback is detected through the
// callback's context and rejected.
package lock
