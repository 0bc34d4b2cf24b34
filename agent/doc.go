// Package agent drives a real signing agent directly, for deployments
// where the emulation path is bypassed. It runs the version handshake
// (Initial, AwaitingVersion, Ready) before admitting functional
// traffic and serves one sign call at a time with no queueing; a
// second call displaces the first. The package never reconnects on
// its own.
package agent
