// Package bridge provides the asynchronous RPC correlation bridge to
// the signing agent.
//
// The agent's wire protocol carries no reliable request identifier, so
// request/reply matching is a heuristic rather than a lookup: numeric
// id when the agent echoes one, then oldest pending request with the
// same function tag, then plain arrival order. Operations whose final
// result arrives as a later unsolicited broadcast are served by a
// single-slot continuation registry consulted for frames that direct
// matching could not claim.
//
// The client queues outbound requests while disconnected, reconnects
// with an incremental backoff schedule, and flushes the queue in
// enqueue order once the connection opens:
//
//	client, err := bridge.NewClient(func() transport.Conn {
//		return transport.DialWS("wss://127.0.0.1:13579", nil)
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	resp, err := client.Call(ctx, "signXml", "", params, 30*time.Second)
//
// Two concurrently in-flight requests sharing one function name are
// disambiguated only by submission order; serialize same-function
// calls when exact correlation matters.
package bridge
