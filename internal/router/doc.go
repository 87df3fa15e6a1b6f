// Package router is the single arbiter of the editor and backend
// connections.
//
// Every frame read from either side is posted to one event loop goroutine,
// which owns the document table, both pending-call tables and the session
// manager. Nothing else mutates that state, so no locks are needed. Frames are
// written through unbounded outboxes; the loop never blocks on a peer.
//
// Requests crossing the proxy in either direction get a router-local id so
// the proxy can originate its own requests on the same connections. The
// original id is restored on the response. Messages are otherwise forwarded
// byte for byte.
package router
