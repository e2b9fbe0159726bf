package comms

import (
	"context"
	"errors"
)

var (
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("bus is closed")

	// ErrSubscriptionClosed is returned when unsubscribing twice.
	ErrSubscriptionClosed = errors.New("subscription is closed")

	// ErrBackendUnavailable indicates the durability layer could not be
	// reached. Publish still delivers in-memory when this is returned;
	// callers should treat it as a retryable warning, not a failed send.
	ErrBackendUnavailable = errors.New("history backend unavailable")
)

// Recorder is the durable log the bus appends to before delivering.
// Readers must never observe a delivered message that was not also recorded.
type Recorder interface {
	Append(ctx context.Context, msg *Message) error
}

// Bus is the inter-agent communication backbone. Agents subscribe to receive
// messages addressed to them and publish messages to other agents or to their
// whole squad.
type Bus interface {
	// Publish records msg and delivers it. Direct messages go to every
	// subscription for msg.RecipientID; broadcasts go to every subscriber
	// in msg.SquadID. A full inbox evicts its oldest unread message rather
	// than blocking.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe opens a message stream for an agent within a squad.
	// Closing the subscription unsubscribes without affecting history.
	Subscribe(agentID, squadID string) (*Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}
