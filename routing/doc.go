// Package routing moves opaque messages between named handlers.
//
// A Node owns a set of addresses. Each address is served by one goroutine
// draining a FIFO mailbox, so a handler sees its deliveries one at a time
// and in order. Messages carry an onward route, consumed hop by hop, and a
// return route that the receiver uses to reply.
//
// Addresses with a scheme, such as "nats#node-b", are handed to the
// transport registered under that scheme. NATSTransport publishes them to
// the named subject and prepends "nats#<sender>" to the return route of
// everything it receives, so replies find their way back.
//
//	node := routing.NewNode("a")
//	node.Register("echo", routing.HandlerFunc(func(ctx context.Context, d routing.Delivery) error {
//		return node.SendFrom(ctx, "echo", d.Message.ReturnRoute, d.Message.Payload)
//	}))
package routing
