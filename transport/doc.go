// Package transport provides the physical channels used to reach a
// signing agent: plain and TLS stream sockets with newline-delimited
// framing, and WebSocket in both plain and TLS flavors with one
// message per frame. All four normalize to the Conn interface so the
// bridge and the emulation server share one message path regardless
// of how the peer is configured.
package transport
