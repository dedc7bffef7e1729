package broker

import (
	"sort"
	"sync"
)

// Delivery is the result of a GET: the content at the subscriber's cursor, if
// any, and the echoed sequence number.
type Delivery struct {
	Content *string
	Seq     uint64
	Outcome AckOutcome
}

// Directory owns every topic of a broker. Mutations are expected from a single
// goroutine; the lock lets observers read consistent snapshots.
type Directory struct {
	mu     sync.RWMutex
	topics map[string]*Topic
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{topics: map[string]*Topic{}}
}

// GetOrCreate returns the named topic, creating it if needed.
func (d *Directory) GetOrCreate(name string) *Topic {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.getOrCreate(name)
}

func (d *Directory) getOrCreate(name string) *Topic {
	topic, ok := d.topics[name]
	if !ok {
		topic = newTopic(name)
		d.topics[name] = topic
	}
	return topic
}

// Exists reports whether the topic has been created.
func (d *Directory) Exists(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.topics[name]
	return ok
}

// Subscribe adds a subscription, creating the topic on demand.
func (d *Directory) Subscribe(topic string, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.getOrCreate(topic).subscribe(id)
}

// Unsubscribe removes a subscription and releases everything it still owed.
func (d *Directory) Unsubscribe(topic string, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.topics[topic]
	if !ok {
		return ErrUnknownTopic
	}
	return t.unsubscribe(id)
}

// Publish appends content to an existing topic. It reports false when the
// publisher repeated its previous sequence number and nothing was appended.
func (d *Directory) Publish(topic string, publisher string, seq uint64, content string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.topics[topic]
	if !ok {
		return false, ErrUnknownTopic
	}
	return t.publish(publisher, seq, content), nil
}

// Advance runs the acknowledgment protocol for a subscriber and returns its cursor.
func (d *Directory) Advance(topic string, id string, claimed uint64) (*int, AckOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.topics[topic]
	if !ok {
		return nil, 0, ErrUnknownTopic
	}
	return t.advance(id, claimed)
}

// GetNext acknowledges claimed and returns the update the subscriber should consume next.
func (d *Directory) GetNext(topic string, id string, claimed uint64) (Delivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.topics[topic]
	if !ok {
		return Delivery{}, ErrUnknownTopic
	}
	cursor, outcome, err := t.advance(id, claimed)
	if err != nil {
		return Delivery{}, err
	}

	delivery := Delivery{Seq: claimed, Outcome: outcome}
	if cursor != nil {
		if update, ok := t.ledger.At(*cursor); ok {
			content := update.Content
			delivery.Content = &content
		}
	}
	return delivery, nil
}

// Sync reconciles a subscriber's ack state without delivering content.
func (d *Directory) Sync(topic string, id string, claimed uint64) (AckOutcome, error) {
	_, outcome, err := d.Advance(topic, id, claimed)
	return outcome, err
}

// TopicStats summarises a topic.
type TopicStats struct {
	Name        string `json:"name"`
	Updates     int    `json:"updates"`
	Subscribers int    `json:"subscribers"`
	Publishers  int    `json:"publishers"`
}

// Stats returns a summary of every topic sorted by name.
func (d *Directory) Stats() []TopicStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]TopicStats, 0, len(d.topics))
	for name, t := range d.topics {
		out = append(out, TopicStats{
			Name:        name,
			Updates:     t.ledger.Len(),
			Subscribers: len(t.subs),
			Publishers:  len(t.publishers),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Inspect returns a copy of one topic's state.
func (d *Directory) Inspect(name string) (TopicState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.topics[name]
	if !ok {
		return TopicState{}, false
	}
	return t.state(), true
}

// Subscription returns a copy of one subscriber's position.
func (d *Directory) Subscription(topic string, id string) (Subscription, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.topics[topic]
	if !ok {
		return Subscription{}, false
	}
	return t.Subscription(id)
}
