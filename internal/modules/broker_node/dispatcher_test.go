package brokernode

import (
	"math"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikey-austin/pubsub/internal/broker"
	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(broker.NewDirectory(), zap.NewNop())
}

func mustAck(t *testing.T, d *Dispatcher, msg pubsub.Message) {
	t.Helper()
	rep, _ := d.Handle("client", msg)
	if !rep.OK || rep.Err != nil {
		t.Fatalf("%s: expected ack, got %+v", msg.Kind(), rep.Err)
	}
}

func get(t *testing.T, d *Dispatcher, subscriber string, topic string, seq uint64) *string {
	t.Helper()
	rep, _ := d.Handle(subscriber, pubsub.Get{Subscriber: subscriber, Topic: topic, Seq: seq})
	if !rep.OK || rep.Delivery == nil {
		t.Fatalf("get %s/%s@%d: expected delivery, got %+v", topic, subscriber, seq, rep.Err)
	}
	if rep.Delivery.Seq != seq {
		t.Fatalf("expected echoed seq %d, got %d", seq, rep.Delivery.Seq)
	}
	if rep.Subscriber != subscriber {
		t.Fatalf("reply tagged %q, want %q", rep.Subscriber, subscriber)
	}
	return rep.Delivery.Content
}

func expectContent(t *testing.T, got *string, want string) {
	t.Helper()
	if got == nil || *got != want {
		t.Fatalf("expected %q, got %v", want, got)
	}
}

func expectEmpty(t *testing.T, got *string) {
	t.Helper()
	if got != nil {
		t.Fatalf("expected no content, got %q", *got)
	}
}

func TestRetriedGetRedelivers(t *testing.T) {
	d := newTestDispatcher()
	mustAck(t, d, pubsub.Sub{Subscriber: "c1", Topic: "news"})
	mustAck(t, d, pubsub.Put{Subscriber: "p", Topic: "news", Seq: 0, Payload: "x"})

	expectContent(t, get(t, d, "c1", "news", 0), "x")
	expectContent(t, get(t, d, "c1", "news", 0), "x")
	expectEmpty(t, get(t, d, "c1", "news", 1))

	stats := d.dir.Stats()
	if len(stats) != 1 || stats[0].Updates != 0 {
		t.Fatalf("expected acknowledged update collected, got %+v", stats)
	}
}

func TestSharedUpdateWaitsForEverySubscriber(t *testing.T) {
	d := newTestDispatcher()
	mustAck(t, d, pubsub.Sub{Subscriber: "c1", Topic: "news"})
	mustAck(t, d, pubsub.Sub{Subscriber: "c2", Topic: "news"})
	mustAck(t, d, pubsub.Put{Subscriber: "p", Topic: "news", Seq: 0, Payload: "x"})

	expectContent(t, get(t, d, "c1", "news", 0), "x")
	expectEmpty(t, get(t, d, "c1", "news", 1))
	if d.dir.Stats()[0].Updates != 1 {
		t.Fatalf("update collected before c2 acknowledged it")
	}

	expectContent(t, get(t, d, "c2", "news", 5), "x")
	expectEmpty(t, get(t, d, "c2", "news", 6))
	if d.dir.Stats()[0].Updates != 0 {
		t.Fatalf("expected update collected after both acks")
	}
}

func TestUnsubscribeReleasesBacklog(t *testing.T) {
	d := newTestDispatcher()
	mustAck(t, d, pubsub.Sub{Subscriber: "c1", Topic: "news"})
	mustAck(t, d, pubsub.Put{Subscriber: "p", Topic: "news", Seq: 0, Payload: "x"})
	mustAck(t, d, pubsub.Put{Subscriber: "p", Topic: "news", Seq: 1, Payload: "y"})
	mustAck(t, d, pubsub.Unsub{Subscriber: "c1", Topic: "news"})

	if d.dir.Stats()[0].Updates != 0 {
		t.Fatalf("expected backlog collected after unsubscribe")
	}
	rep, _ := d.Handle("c1", pubsub.Get{Subscriber: "c1", Topic: "news", Seq: 0})
	if rep.Err == nil || rep.Err.Code != pubsub.CodeNotSubscribed {
		t.Fatalf("expected NOT_SUBSCRIBED, got %+v", rep)
	}
}

func TestSyncResumesAfterRestart(t *testing.T) {
	d := newTestDispatcher()
	mustAck(t, d, pubsub.Sub{Subscriber: "c1", Topic: "news"})
	mustAck(t, d, pubsub.Put{Subscriber: "p", Topic: "news", Seq: 0, Payload: "x"})
	mustAck(t, d, pubsub.Put{Subscriber: "p", Topic: "news", Seq: 1, Payload: "y"})

	rep, mutated := d.Handle("c1", pubsub.Up{Subscriber: "c1", Seqs: map[string]uint64{"news": 10}})
	if !rep.OK || !mutated {
		t.Fatalf("expected handshake to be acked and saved, got %+v", rep)
	}
	expectContent(t, get(t, d, "c1", "news", 10), "x")
	expectContent(t, get(t, d, "c1", "news", 11), "y")
	expectEmpty(t, get(t, d, "c1", "news", 12))
}

func TestSyncReportsFirstErrorAndAppliesRest(t *testing.T) {
	d := newTestDispatcher()
	mustAck(t, d, pubsub.Sub{Subscriber: "c1", Topic: "b"})

	rep, mutated := d.Handle("c1", pubsub.Up{Subscriber: "c1", Seqs: map[string]uint64{"a": 1, "b": 3, "c": 2}})
	if rep.Err == nil || rep.Err.Code != pubsub.CodeUnknownTopic {
		t.Fatalf("expected UNKNOWN_TOPIC, got %+v", rep)
	}
	if !mutated {
		t.Fatalf("expected handshake on b to count as a change")
	}
	sub, ok := d.dir.Subscription("b", "c1")
	if !ok || sub.LastAcked == nil || *sub.LastAcked != 3 {
		t.Fatalf("expected b handshake at 3, got %+v", sub)
	}
}

func TestDispatchErrors(t *testing.T) {
	d := newTestDispatcher()
	cases := []struct {
		name string
		msg  pubsub.Message
		code pubsub.ErrorCode
	}{
		{"get unknown topic", pubsub.Get{Subscriber: "c1", Topic: "nope"}, pubsub.CodeUnknownTopic},
		{"unsub unknown topic", pubsub.Unsub{Subscriber: "c1", Topic: "nope"}, pubsub.CodeUnknownTopic},
		{"reply as request", pubsub.AckReply("c1"), pubsub.CodeUnreadableRequest},
		{"unreadable", pubsub.Unreadable{Reason: "bad json"}, pubsub.CodeUnreadableRequest},
	}
	for _, tc := range cases {
		rep, mutated := d.Handle("c1", tc.msg)
		if rep.OK || rep.Err == nil || rep.Err.Code != tc.code {
			t.Fatalf("%s: expected %s, got %+v", tc.name, tc.code, rep)
		}
		if mutated {
			t.Fatalf("%s: failure reported a change", tc.name)
		}
	}

	mustAck(t, d, pubsub.Sub{Subscriber: "c1", Topic: "news"})
	rep, _ := d.Handle("c1", pubsub.Sub{Subscriber: "c1", Topic: "news"})
	if rep.Err == nil || rep.Err.Code != pubsub.CodeAlreadySubscribed {
		t.Fatalf("expected ALREADY_SUBSCRIBED, got %+v", rep)
	}
	rep, _ = d.Handle("c2", pubsub.Unsub{Subscriber: "c2", Topic: "news"})
	if rep.Err == nil || rep.Err.Code != pubsub.CodeNotSubscribed {
		t.Fatalf("expected NOT_SUBSCRIBED, got %+v", rep)
	}
}

func TestPutCreatesTopicAndDropsRepeat(t *testing.T) {
	d := newTestDispatcher()
	rep, mutated := d.Handle("p", pubsub.Put{Subscriber: "p", Topic: "fresh", Seq: 4, Payload: "x"})
	if !rep.OK || !mutated {
		t.Fatalf("expected first put to create topic")
	}
	if !d.dir.Exists("fresh") {
		t.Fatalf("expected topic created")
	}

	mustAck(t, d, pubsub.Sub{Subscriber: "c1", Topic: "fresh"})
	mustAck(t, d, pubsub.Put{Subscriber: "p", Topic: "fresh", Seq: 5, Payload: "y"})
	rep, mutated = d.Handle("p", pubsub.Put{Subscriber: "p", Topic: "fresh", Seq: 5, Payload: "y"})
	if !rep.OK || mutated {
		t.Fatalf("expected repeated put acked without change, got %+v mutated=%t", rep, mutated)
	}
	if d.dir.Stats()[0].Updates != 1 {
		t.Fatalf("expected a single update, got %+v", d.dir.Stats())
	}
}

func TestAckLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	d := NewDispatcher(broker.NewDirectory(), zap.New(core))
	mustAck(t, d, pubsub.Sub{Subscriber: "c1", Topic: "news"})
	get(t, d, "c1", "news", 3)
	get(t, d, "c1", "news", 9)
	get(t, d, "c1", "news", 2)

	ahead := logs.FilterMessage("sequence number ahead of broker").All()
	if len(ahead) != 1 || ahead[0].ContextMap()["expected"] != uint64(4) {
		t.Fatalf("expected one ahead warning with expected=4, got %+v", ahead)
	}
	if logs.FilterMessage("sequence number already acknowledged").Len() != 1 {
		t.Fatalf("expected one repeat entry")
	}
}

func TestGetAfterMaxSequenceIsRepeat(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	d := NewDispatcher(broker.NewDirectory(), zap.New(core))
	mustAck(t, d, pubsub.Sub{Subscriber: "c1", Topic: "news"})
	mustAck(t, d, pubsub.Put{Subscriber: "p", Topic: "news", Seq: 0, Payload: "x"})
	mustAck(t, d, pubsub.Put{Subscriber: "p", Topic: "news", Seq: 1, Payload: "y"})

	expectContent(t, get(t, d, "c1", "news", math.MaxUint64), "x")
	expectContent(t, get(t, d, "c1", "news", 0), "x")

	repeats := logs.FilterMessage("sequence number already acknowledged").All()
	if len(repeats) != 1 {
		t.Fatalf("expected one repeat log, got %d", len(repeats))
	}
	if _, ok := repeats[0].ContextMap()["expected"]; ok {
		t.Fatalf("no sequence number follows MaxUint64, got %v", repeats[0].ContextMap())
	}
}
