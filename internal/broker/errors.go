package broker

import "errors"

var (
	// ErrUnknownTopic is returned when an operation names a topic that was never created.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrNotSubscribed is returned when the subscriber has no subscription on the topic.
	ErrNotSubscribed = errors.New("not subscribed")
	// ErrAlreadySubscribed is returned by Subscribe for an existing subscription.
	ErrAlreadySubscribed = errors.New("already subscribed")
)
