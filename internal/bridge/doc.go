// Package bridge relays bytes between a browser WebSocket and the raw TCP
// socket of a VNC server.
//
// [Proxy.Establish] dials the upstream first, with a bounded timeout, and
// only then completes the WebSocket handshake, so a client is never left
// holding an open socket with no peer: an unreachable host is answered
// with 502 on the upgrade request itself.
//
// [Session.Pump] runs one goroutine per direction. The client→upstream
// loop owns reads from the WebSocket and writes to TCP; the
// upstream→client loop owns the reverse. Whichever finishes first closes
// both sockets, which unblocks the other. Payloads are opaque: binary
// frames by default, or base64 text frames when the client negotiates the
// "base64" subprotocol used by older noVNC builds.
package bridge
