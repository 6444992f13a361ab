// Package channel models the broadcast transport between the sender and receiver
// contexts.
//
// A Channel gives no guarantees beyond best-effort delivery: any participant may
// publish, any participant may listen, and nothing identifies the publisher.
// Receivers must authenticate every message themselves.
package channel

import "context"

// Handler is invoked once per delivered message. The slice belongs to the handler.
type Handler func(msg []byte)

// Publisher is the sending half of a Channel.
type Publisher interface {
	Publish(ctx context.Context, msg []byte) error
}

// Channel is a publish/subscribe broadcast. Handlers registered after a publish do
// not see that message; there is no buffering or replay.
type Channel interface {
	Publisher
	// Subscribe registers h and returns a function that removes it. The returned
	// function is safe to call more than once.
	Subscribe(h Handler) (unsubscribe func(), err error)
}
