package broker

import (
	"fmt"
	"math"
	"sort"
)

// Subscription is a subscriber's position in a topic ledger.
// A nil LastAcked means no sequence number has been seen yet. A nil Cursor
// means the subscriber is caught up.
type Subscription struct {
	LastAcked *uint64 `json:"lastAcked,omitempty"`
	Cursor    *int    `json:"cursor,omitempty"`
}

func (s Subscription) clone() Subscription {
	out := Subscription{}
	if s.LastAcked != nil {
		v := *s.LastAcked
		out.LastAcked = &v
	}
	if s.Cursor != nil {
		v := *s.Cursor
		out.Cursor = &v
	}
	return out
}

// AckOutcome classifies how a claimed sequence number was handled.
type AckOutcome int

const (
	// AckHandshake records the first sequence number seen from a subscriber.
	AckHandshake AckOutcome = iota
	// AckInOrder acknowledges the update the subscriber was last handed.
	AckInOrder
	// AckRepeat is a claim at or behind the last acked value, typically a
	// retried request. Sequence numbers never wrap, so nothing follows MaxUint64.
	AckRepeat
	// AckAhead is a claim more than one past the last acked value.
	AckAhead
)

func (o AckOutcome) String() string {
	switch o {
	case AckHandshake:
		return "handshake"
	case AckInOrder:
		return "in_order"
	case AckRepeat:
		return "repeat"
	case AckAhead:
		return "ahead"
	default:
		return "unknown"
	}
}

// Mutated reports whether the ack changed subscription state.
func (o AckOutcome) Mutated() bool {
	return o == AckHandshake || o == AckInOrder
}

// Topic pairs a ledger with the subscriptions reading from it.
type Topic struct {
	name       string
	ledger     Ledger
	subs       map[string]*Subscription
	publishers map[string]uint64
}

func newTopic(name string) *Topic {
	return &Topic{
		name:       name,
		subs:       map[string]*Subscription{},
		publishers: map[string]uint64{},
	}
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Ledger returns the topic ledger.
func (t *Topic) Ledger() *Ledger {
	return &t.ledger
}

// Subscription returns a copy of the subscription for id.
func (t *Topic) Subscription(id string) (Subscription, bool) {
	sub, ok := t.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return sub.clone(), true
}

// Subscribers returns subscriber ids in sorted order.
func (t *Topic) Subscribers() []string {
	out := make([]string, 0, len(t.subs))
	for id := range t.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *Topic) subscribe(id string) error {
	if _, ok := t.subs[id]; ok {
		return ErrAlreadySubscribed
	}
	// No cursor until the next publish: backlog is not delivered to late joiners.
	t.subs[id] = &Subscription{}
	return nil
}

func (t *Topic) unsubscribe(id string) error {
	sub, ok := t.subs[id]
	if !ok {
		return ErrNotSubscribed
	}
	delete(t.subs, id)
	if sub.Cursor == nil {
		return nil
	}
	t.ledger.releaseFrom(*sub.Cursor)
	t.collect()
	return nil
}

// publish appends content unless it repeats the publisher's last sequence number.
func (t *Topic) publish(publisher string, seq uint64, content string) bool {
	if last, ok := t.publishers[publisher]; ok && last == seq {
		return false
	}
	t.publishers[publisher] = seq

	idx := t.ledger.append(Update{Content: content, Pending: len(t.subs)})
	for _, sub := range t.subs {
		if sub.Cursor == nil {
			sub.Cursor = intPtr(idx)
		}
	}
	t.collect()
	return true
}

func (t *Topic) advance(id string, claimed uint64) (*int, AckOutcome, error) {
	sub, ok := t.subs[id]
	if !ok {
		return nil, 0, ErrNotSubscribed
	}

	if sub.LastAcked == nil {
		sub.LastAcked = uint64Ptr(claimed)
		return cloneInt(sub.Cursor), AckHandshake, nil
	}

	last := *sub.LastAcked
	switch {
	case last != math.MaxUint64 && claimed == last+1:
	case claimed <= last:
		return cloneInt(sub.Cursor), AckRepeat, nil
	default:
		return cloneInt(sub.Cursor), AckAhead, nil
	}

	sub.LastAcked = uint64Ptr(claimed)
	if sub.Cursor == nil {
		return nil, AckInOrder, nil
	}

	idx := *sub.Cursor
	t.ledger.release(idx)
	if idx+1 == t.ledger.Len() {
		sub.Cursor = nil
	} else {
		sub.Cursor = intPtr(idx + 1)
	}
	t.collect()
	return cloneInt(sub.Cursor), AckInOrder, nil
}

// collect pops every head update owed by nobody and shifts live cursors so
// they keep pointing at the same logical update.
func (t *Topic) collect() {
	for t.ledger.headDone() {
		t.ledger.popHead()
		for _, sub := range t.subs {
			if sub.Cursor == nil {
				continue
			}
			if *sub.Cursor == 0 {
				panic(fmt.Sprintf("broker: topic %q collected update 0 still under a cursor", t.name))
			}
			sub.Cursor = intPtr(*sub.Cursor - 1)
		}
	}
}

func intPtr(v int) *int {
	return &v
}

func uint64Ptr(v uint64) *uint64 {
	return &v
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	return intPtr(*v)
}
