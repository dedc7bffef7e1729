package ports

import (
	"context"

	"github.com/mikey-austin/pubsub/internal/broker"
	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

// Broker sends requests to a broker node and reads presence.
type Broker interface {
	ReplyTopic() string
	Request(ctx context.Context, nodeID string, msg pubsub.Message) (pubsub.Rep, error)
	ListPresence(ctx context.Context) ([]pubsub.Presence, error)
}

// Clock returns the current unix time in seconds.
type Clock interface {
	NowUnix() int64
}

// IDGen returns unique correlation IDs.
type IDGen interface {
	NewID() string
}

// Mirror persists the sequence numbers a client presents next, per topic.
// Topics lists subscribed topics only; Forget keeps the PUT counter.
type Mirror interface {
	NextGet(topic string) (uint64, error)
	SetNextGet(topic string, seq uint64) error
	NextPut(topic string) (uint64, error)
	SetNextPut(topic string, seq uint64) error
	Reset(topic string) error
	Forget(topic string) error
	Topics() (map[string]uint64, error)
}

// StateStore persists the broker directory between restarts.
type StateStore interface {
	Load(ctx context.Context) (broker.State, bool, error)
	Save(ctx context.Context, state broker.State) error
	Close() error
}
