package broker

import "fmt"

// Update is a published item and the number of subscribers that still owe an ack for it.
type Update struct {
	Content string `json:"content"`
	Pending int    `json:"pending"`
}

// Ledger is the ordered update queue of a topic. Updates are appended at the
// tail and only ever removed from the head.
type Ledger struct {
	updates []Update
}

// Len returns the number of queued updates.
func (l *Ledger) Len() int {
	return len(l.updates)
}

// At returns the update at idx.
func (l *Ledger) At(idx int) (Update, bool) {
	if idx < 0 || idx >= len(l.updates) {
		return Update{}, false
	}
	return l.updates[idx], true
}

func (l *Ledger) append(u Update) int {
	l.updates = append(l.updates, u)
	return len(l.updates) - 1
}

// release drops one pending consumer from the update at idx and returns what
// is left. Releasing an update nobody owes is a bookkeeping bug and panics.
func (l *Ledger) release(idx int) int {
	u := &l.updates[idx]
	if u.Pending == 0 {
		panic(fmt.Sprintf("broker: release of update %d with no pending consumers", idx))
	}
	u.Pending--
	return u.Pending
}

func (l *Ledger) releaseFrom(idx int) {
	for i := idx; i < len(l.updates); i++ {
		l.release(i)
	}
}

func (l *Ledger) headDone() bool {
	return len(l.updates) > 0 && l.updates[0].Pending == 0
}

func (l *Ledger) popHead() {
	l.updates[0] = Update{}
	l.updates = l.updates[1:]
	if len(l.updates) == 0 {
		l.updates = nil
	}
}

func (l *Ledger) snapshot() []Update {
	out := make([]Update, len(l.updates))
	copy(out, l.updates)
	return out
}
