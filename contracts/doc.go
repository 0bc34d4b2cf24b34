// Package contracts defines the wire message model shared by the
// bridge, the emulation server and the agent client.
//
// The signing-agent protocol is loosely typed: frames are bare JSON
// objects whose populated fields vary by operation and by agent
// version. Rather than passing untyped maps around, Parse classifies
// every inbound frame into a tagged variant (handshake, request,
// response, error, opaque) so that correlation and dispatch logic can
// be exhaustive over message kinds.
package contracts
