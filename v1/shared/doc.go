// Package shared extends the FIFO lock across execution contexts that do
// not share memory. The context that creates the lock runs an Owner: a
// message loop that serializes acquire requests from any context through one
// in-process queue. A requester holds the lock exactly between receiving a
// grant and releasing it; if the requester dies while holding, an exit
// monitor releases on its behalf. Only the owning context may close the
// lock.
package shared
