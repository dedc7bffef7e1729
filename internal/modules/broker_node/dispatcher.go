package brokernode

import (
	"errors"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/mikey-austin/pubsub/internal/broker"
	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

// Dispatcher maps one request onto the directory and builds its reply.
type Dispatcher struct {
	dir *broker.Directory
	log *zap.Logger
}

// NewDispatcher returns a dispatcher over dir.
func NewDispatcher(dir *broker.Directory, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{dir: dir, log: log}
}

// Handle applies msg on behalf of clientID. It reports whether the directory
// changed and needs saving.
func (d *Dispatcher) Handle(clientID string, msg pubsub.Message) (pubsub.Rep, bool) {
	switch m := msg.(type) {
	case pubsub.Get:
		d.trace(m.Kind(), m.Subscriber, m.Topic, m.Seq)
		delivery, err := d.dir.GetNext(m.Topic, m.Subscriber, m.Seq)
		if err != nil {
			return d.failure(m.Subscriber, m.Topic, err), false
		}
		d.logAck(m.Topic, m.Subscriber, m.Seq, delivery.Outcome)
		return pubsub.DeliveryReply(m.Subscriber, delivery.Content, delivery.Seq), delivery.Outcome.Mutated()

	case pubsub.Put:
		d.trace(m.Kind(), m.Subscriber, m.Topic, m.Seq)
		created := !d.dir.Exists(m.Topic)
		d.dir.GetOrCreate(m.Topic)
		appended, err := d.dir.Publish(m.Topic, m.Subscriber, m.Seq, m.Payload)
		if err != nil {
			return d.failure(m.Subscriber, m.Topic, err), created
		}
		if !appended {
			d.log.Debug("repeated put dropped", zap.String("topic", m.Topic), zap.String("publisher", m.Subscriber), zap.Uint64("seq", m.Seq))
		}
		return pubsub.AckReply(m.Subscriber), created || appended

	case pubsub.Sub:
		d.trace(m.Kind(), m.Subscriber, m.Topic, 0)
		if err := d.dir.Subscribe(m.Topic, m.Subscriber); err != nil {
			return d.failure(m.Subscriber, m.Topic, err), false
		}
		return pubsub.AckReply(m.Subscriber), true

	case pubsub.Unsub:
		d.trace(m.Kind(), m.Subscriber, m.Topic, 0)
		if err := d.dir.Unsubscribe(m.Topic, m.Subscriber); err != nil {
			return d.failure(m.Subscriber, m.Topic, err), false
		}
		return pubsub.AckReply(m.Subscriber), true

	case pubsub.Up:
		return d.sync(m)

	case pubsub.Rep:
		return d.unreadable(clientID, "replies are not requests"), false

	case pubsub.Unreadable:
		return d.unreadable(clientID, m.Reason), false

	default:
		return d.unreadable(clientID, "unsupported message"), false
	}
}

// sync applies every topic of an UP and reports the first failure.
func (d *Dispatcher) sync(m pubsub.Up) (pubsub.Rep, bool) {
	topics := make([]string, 0, len(m.Seqs))
	for topic := range m.Seqs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var (
		mutated  bool
		firstErr error
		errTopic string
	)
	for _, topic := range topics {
		seq := m.Seqs[topic]
		d.trace(m.Kind(), m.Subscriber, topic, seq)
		outcome, err := d.dir.Sync(topic, m.Subscriber, seq)
		if err != nil {
			if firstErr == nil {
				firstErr, errTopic = err, topic
			}
			continue
		}
		d.logAck(topic, m.Subscriber, seq, outcome)
		mutated = mutated || outcome.Mutated()
	}
	if firstErr != nil {
		return d.failure(m.Subscriber, errTopic, firstErr), mutated
	}
	return pubsub.AckReply(m.Subscriber), mutated
}

func (d *Dispatcher) trace(kind pubsub.Kind, subscriber string, topic string, seq uint64) {
	d.log.Debug("request",
		zap.String("kind", string(kind)),
		zap.String("subscriber", subscriber),
		zap.String("topic", topic),
		zap.Uint64("seq", seq),
	)
}

func (d *Dispatcher) logAck(topic string, subscriber string, seq uint64, outcome broker.AckOutcome) {
	switch outcome {
	case broker.AckRepeat, broker.AckAhead:
		fields := []zap.Field{
			zap.String("topic", topic),
			zap.String("subscriber", subscriber),
			zap.Uint64("seq", seq),
			zap.Stringer("outcome", outcome),
		}
		if sub, ok := d.dir.Subscription(topic, subscriber); ok && sub.LastAcked != nil && *sub.LastAcked != math.MaxUint64 {
			fields = append(fields, zap.Uint64("expected", *sub.LastAcked+1))
		}
		if outcome == broker.AckAhead {
			d.log.Warn("sequence number ahead of broker", fields...)
			return
		}
		d.log.Debug("sequence number already acknowledged", fields...)
	}
}

func (d *Dispatcher) failure(subscriber string, topic string, err error) pubsub.Rep {
	code := pubsub.CodeUnreadableRequest
	switch {
	case errors.Is(err, broker.ErrUnknownTopic):
		code = pubsub.CodeUnknownTopic
	case errors.Is(err, broker.ErrNotSubscribed):
		code = pubsub.CodeNotSubscribed
	case errors.Is(err, broker.ErrAlreadySubscribed):
		code = pubsub.CodeAlreadySubscribed
	}
	d.log.Warn("request failed", zap.String("subscriber", subscriber), zap.String("topic", topic), zap.String("code", string(code)))
	return pubsub.ErrorReply(subscriber, code, topic+": "+err.Error())
}

func (d *Dispatcher) unreadable(clientID string, reason string) pubsub.Rep {
	d.log.Warn("unreadable request", zap.String("client", clientID), zap.String("reason", reason))
	return pubsub.ErrorReply(clientID, pubsub.CodeUnreadableRequest, reason)
}
