package contentcore

import "context"

// Subscription is returned by PubSub.Subscribe. Unsubscribe stops delivery
// to the handler passed to Subscribe; it is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// PubSub is the cross-process (or in-process) fan-out collaborator:
// subscribe a channel to a handler, publish a payload to every subscriber
// of a channel, unsubscribe. Go has no stable notion of function-value
// identity, so unsubscribe is modeled as a method on the Subscription
// handle Subscribe returns, rather than by re-passing the original
// callback.
//
// Delivery is at-least-once within a process; OperationStream's versionNext
// gate (see stream.go) tolerates the resulting duplicates.
type PubSub interface {
	// Subscribe registers handler to be invoked, in an unspecified
	// goroutine, for every message published to channel after
	// subscription. It returns a Subscription used to stop delivery.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error)

	// Publish delivers payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Close releases any resources held by the bus and stops all
	// outstanding subscriptions.
	Close() error
}
