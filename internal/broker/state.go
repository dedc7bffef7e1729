package broker

import "fmt"

// State is the persisted form of a Directory.
type State struct {
	Topics map[string]TopicState `json:"topics"`
}

// TopicState is the persisted form of a Topic.
type TopicState struct {
	Updates       []Update                `json:"updates"`
	Subscriptions map[string]Subscription `json:"subscriptions"`
	Publishers    map[string]uint64       `json:"publishers"`
}

func (t *Topic) state() TopicState {
	out := TopicState{
		Updates:       t.ledger.snapshot(),
		Subscriptions: make(map[string]Subscription, len(t.subs)),
		Publishers:    make(map[string]uint64, len(t.publishers)),
	}
	for id, sub := range t.subs {
		out.Subscriptions[id] = sub.clone()
	}
	for id, seq := range t.publishers {
		out.Publishers[id] = seq
	}
	return out
}

// Snapshot returns a deep copy of the directory state.
func (d *Directory) Snapshot() State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := State{Topics: make(map[string]TopicState, len(d.topics))}
	for name, t := range d.topics {
		out.Topics[name] = t.state()
	}
	return out
}

// Restore builds a directory from persisted state. It rejects cursors that do
// not point into their ledger and pending counts that disagree with the cursors.
func Restore(state State) (*Directory, error) {
	dir := NewDirectory()
	for name, ts := range state.Topics {
		t := newTopic(name)
		for i, u := range ts.Updates {
			if u.Pending < 0 {
				return nil, fmt.Errorf("topic %q: update %d has negative pending count", name, i)
			}
			t.ledger.append(u)
		}
		for id, sub := range ts.Subscriptions {
			if sub.Cursor != nil && (*sub.Cursor < 0 || *sub.Cursor >= t.ledger.Len()) {
				return nil, fmt.Errorf("topic %q: subscriber %q cursor %d outside ledger of %d", name, id, *sub.Cursor, t.ledger.Len())
			}
			restored := sub.clone()
			t.subs[id] = &restored
		}
		if err := t.checkPending(); err != nil {
			return nil, fmt.Errorf("topic %q: %w", name, err)
		}
		for id, seq := range ts.Publishers {
			t.publishers[id] = seq
		}
		t.collect()
		dir.topics[name] = t
	}
	return dir, nil
}

// checkPending verifies that every update is owed by exactly the subscribers
// whose cursor is at or before it.
func (t *Topic) checkPending() error {
	owed := make([]int, t.ledger.Len())
	for _, sub := range t.subs {
		if sub.Cursor == nil {
			continue
		}
		for i := *sub.Cursor; i < len(owed); i++ {
			owed[i]++
		}
	}
	for i, want := range owed {
		if got := t.ledger.updates[i].Pending; got != want {
			return fmt.Errorf("update %d has pending count %d, %d subscribers owe it", i, got, want)
		}
	}
	return nil
}
