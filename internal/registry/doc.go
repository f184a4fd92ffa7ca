// Package registry tracks live client connections per user.
//
// # Overview
//
// A user may be connected from several devices at once. The registry maps
// each user to the set of their live connections and each connection handle
// back to its owner, so that fan-out reaches every device and a disconnect
// can be attributed without the caller knowing the user.
//
// # Concurrency
//
// All methods are safe for concurrent use. A single RWMutex guards both
// maps; Register and Unregister update them together so a reader never
// observes a connection in one map but not the other.
//
// # Fan-out
//
// PushToUsers snapshots the target connections under the read lock and
// sends outside it. Sends are non-blocking at the connection level: a slow
// connection drops events rather than stalling the registry.
//
// # Usage
//
//	reg := registry.New(logger)
//	reg.Register(userID, conn)
//	reg.PushToUsers([]string{userID}, "receive-message", msg)
//	owner, ok := reg.Unregister(conn.ID())
package registry
