// Package reliability provides the retry policies behind the bridge's
// reconnect schedule and the circuit breaker guarding calls to the
// upstream signing service.
package reliability
