// Package emulation impersonates the local signing agent so callers
// built against the agent's protocol can be transparently redirected
// to the upstream signing service.
//
// The server listens on up to four bindings at once: plain stream
// sockets with newline-delimited framing, the same over TLS, and
// WebSocket in plain and TLS flavors with one message per frame. All
// bindings feed a single dispatch path keyed by (module, operation);
// recognized operations are served against the upstream service and
// anything else is forwarded verbatim, with the reply normalized to a
// {success, result|error} shape. A bad request produces a structured
// failure reply and never tears down the connection.
package emulation
