// Package registry
// Author: momentics <momentics@gmail.com>
//
// In-memory store of connected WebSocket clients.
// Each Client maps to one upgraded transport connection and carries its
// identity, connection timestamp and subscribed topics.
//
// All mutations are serialized by one lock. Iteration works on a snapshot
// taken under the read lock, so slow writes never run while the lock is held
// and clients registering mid-broadcast simply wait for the next one.

package registry
