package core

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/mikey-austin/pubsub/internal/adapters/clock"
	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

type stubIDGen struct{}

func (stubIDGen) NewID() string { return "id-1" }

type memoryMirror struct {
	gets map[string]uint64 // subscribed topics only
	puts map[string]uint64
}

func newMemoryMirror() *memoryMirror {
	return &memoryMirror{gets: map[string]uint64{}, puts: map[string]uint64{}}
}

func (m *memoryMirror) NextGet(topic string) (uint64, error) { return m.gets[topic], nil }

func (m *memoryMirror) SetNextGet(topic string, seq uint64) error {
	m.gets[topic] = seq
	return nil
}

func (m *memoryMirror) NextPut(topic string) (uint64, error) { return m.puts[topic], nil }

func (m *memoryMirror) SetNextPut(topic string, seq uint64) error {
	m.puts[topic] = seq
	return nil
}

func (m *memoryMirror) Reset(topic string) error {
	m.gets[topic] = 0
	return nil
}

func (m *memoryMirror) Forget(topic string) error {
	delete(m.gets, topic)
	return nil
}

func (m *memoryMirror) Topics() (map[string]uint64, error) {
	out := make(map[string]uint64, len(m.gets))
	for k, v := range m.gets {
		out[k] = v
	}
	return out, nil
}

type stubBroker struct {
	presence []pubsub.Presence
	replies  []pubsub.Rep
	err      error
	lastNode string
	sent     []pubsub.Message
}

func (s *stubBroker) ReplyTopic() string { return "pubsub/v1/reply/test" }

func (s *stubBroker) Request(ctx context.Context, nodeID string, msg pubsub.Message) (pubsub.Rep, error) {
	s.lastNode = nodeID
	s.sent = append(s.sent, msg)
	if s.err != nil {
		return pubsub.Rep{}, s.err
	}
	if len(s.replies) == 0 {
		return pubsub.AckReply("c1"), nil
	}
	rep := s.replies[0]
	s.replies = s.replies[1:]
	return rep, nil
}

func (s *stubBroker) ListPresence(ctx context.Context) ([]pubsub.Presence, error) {
	return s.presence, nil
}

func newTestService(broker *stubBroker, mirror *memoryMirror) Service {
	if broker.presence == nil {
		broker.presence = []pubsub.Presence{{NodeID: "node-a", Kind: pubsub.PresenceKindBroker, Name: "main"}}
	}
	cfg := Config{Identity: "c1"}
	return Service{
		Broker:   broker,
		Resolver: Resolver{Presence: broker, Config: cfg},
		Mirror:   mirror,
		Clock:    clock.Fixed(100),
		IDGen:    stubIDGen{},
		Config:   cfg,
	}
}

func strPtr(s string) *string { return &s }

func TestGetAdvancesMirrorOnlyOnContent(t *testing.T) {
	broker := &stubBroker{replies: []pubsub.Rep{
		pubsub.DeliveryReply("c1", nil, 0),
		pubsub.DeliveryReply("c1", strPtr("hello"), 0),
		pubsub.DeliveryReply("c1", nil, 1),
	}}
	mirror := newMemoryMirror()
	svc := newTestService(broker, mirror)
	ctx := context.Background()

	res, err := svc.Get(ctx, "", "news")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Content != nil || mirror.gets["news"] != 0 {
		t.Fatalf("expected empty get to keep seq, got %+v mirror %d", res, mirror.gets["news"])
	}

	res, err = svc.Get(ctx, "", "news")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Content == nil || *res.Content != "hello" || res.NextSeq != 1 {
		t.Fatalf("unexpected delivery %+v", res)
	}
	if mirror.gets["news"] != 1 {
		t.Fatalf("expected mirror to advance, got %d", mirror.gets["news"])
	}

	if _, err := svc.Get(ctx, "", "news"); err != nil {
		t.Fatalf("get: %v", err)
	}
	last, ok := broker.sent[2].(pubsub.Get)
	if !ok || last.Seq != 1 || last.Subscriber != "c1" || last.Topic != "news" {
		t.Fatalf("unexpected request %+v", broker.sent[2])
	}
	if broker.lastNode != "node-a" {
		t.Fatalf("expected default broker node, got %q", broker.lastNode)
	}
}

func TestGetErrorLeavesMirror(t *testing.T) {
	broker := &stubBroker{replies: []pubsub.Rep{pubsub.ErrorReply("c1", pubsub.CodeNotSubscribed, "news: not subscribed")}}
	mirror := newMemoryMirror()
	mirror.gets["news"] = 4
	svc := newTestService(broker, mirror)

	_, err := svc.Get(context.Background(), "", "news")
	if ExitCode(err) != ExitNotFound {
		t.Fatalf("expected not found exit, got %v", err)
	}
	if mirror.gets["news"] != 4 {
		t.Fatalf("mirror moved on error")
	}
}

func TestGetRejectsReplyWithoutDelivery(t *testing.T) {
	svc := newTestService(&stubBroker{}, newMemoryMirror())
	_, err := svc.Get(context.Background(), "", "news")
	if ExitCode(err) != ExitRuntime {
		t.Fatalf("expected runtime error, got %v", err)
	}
}

func TestPutCountsOnlyAcknowledged(t *testing.T) {
	broker := &stubBroker{}
	mirror := newMemoryMirror()
	svc := newTestService(broker, mirror)
	ctx := context.Background()

	if _, err := svc.Put(ctx, "", "news", "a"); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := svc.Put(ctx, "", "news", "b")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if res.Seq != 1 || mirror.puts["news"] != 2 {
		t.Fatalf("unexpected put seq %d mirror %d", res.Seq, mirror.puts["news"])
	}

	broker.err = errors.New("timeout waiting for reply")
	if _, err := svc.Put(ctx, "", "news", "c"); err == nil {
		t.Fatalf("expected error")
	}
	if mirror.puts["news"] != 2 {
		t.Fatalf("put counter moved on failure")
	}
	broker.err = nil
	if _, err := svc.Put(ctx, "", "news", "c"); err != nil {
		t.Fatalf("put: %v", err)
	}
	retried := broker.sent[len(broker.sent)-1].(pubsub.Put)
	if retried.Seq != 2 || retried.Payload != "c" {
		t.Fatalf("expected retry with same seq, got %+v", retried)
	}
}

func TestSubscribeResetsAndUnsubscribeForgets(t *testing.T) {
	mirror := newMemoryMirror()
	mirror.gets["news"] = 9
	mirror.puts["news"] = 3
	svc := newTestService(&stubBroker{}, mirror)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, "", "news"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if mirror.gets["news"] != 0 || mirror.puts["news"] != 3 {
		t.Fatalf("unexpected mirror after subscribe %+v %+v", mirror.gets, mirror.puts)
	}
	if _, err := svc.Unsubscribe(ctx, "", "news"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := mirror.gets["news"]; ok {
		t.Fatalf("expected topic forgotten")
	}
	if mirror.puts["news"] != 3 {
		t.Fatalf("expected put counter kept")
	}
}

func TestSubscribeConflictKeepsMirror(t *testing.T) {
	broker := &stubBroker{replies: []pubsub.Rep{pubsub.ErrorReply("c1", pubsub.CodeAlreadySubscribed, "news: already subscribed")}}
	mirror := newMemoryMirror()
	mirror.gets["news"] = 5
	svc := newTestService(broker, mirror)

	_, err := svc.Subscribe(context.Background(), "", "news")
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if mirror.gets["news"] != 5 {
		t.Fatalf("conflict reset the mirror")
	}
}

func TestUnsubscribeAlreadyGoneForgetsTopic(t *testing.T) {
	for _, code := range []pubsub.ErrorCode{pubsub.CodeNotSubscribed, pubsub.CodeUnknownTopic} {
		t.Run(string(code), func(t *testing.T) {
			broker := &stubBroker{replies: []pubsub.Rep{
				pubsub.ErrorReply("c1", code, "news: gone"),
				pubsub.AckReply("c1"),
			}}
			mirror := newMemoryMirror()
			mirror.gets["news"] = 3
			mirror.gets["sports"] = 1
			svc := newTestService(broker, mirror)

			_, err := svc.Unsubscribe(context.Background(), "", "news")
			if ExitCode(err) != ExitNotFound {
				t.Fatalf("expected not found, got %v", err)
			}
			if _, ok := mirror.gets["news"]; ok {
				t.Fatalf("topic still mirrored after unsubscribe: %v", mirror.gets)
			}

			if _, err := svc.Sync(context.Background(), ""); err != nil {
				t.Fatalf("sync: %v", err)
			}
			up := broker.sent[len(broker.sent)-1].(pubsub.Up)
			if _, ok := up.Seqs["news"]; ok || up.Seqs["sports"] != 1 {
				t.Fatalf("unexpected UP %+v", up.Seqs)
			}
		})
	}
}

func TestUnsubscribeTransportErrorKeepsMirror(t *testing.T) {
	broker := &stubBroker{err: errors.New("timeout")}
	mirror := newMemoryMirror()
	mirror.gets["news"] = 3
	svc := newTestService(broker, mirror)

	if _, err := svc.Unsubscribe(context.Background(), "", "news"); ExitCode(err) != ExitRuntime {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if mirror.gets["news"] != 3 {
		t.Fatalf("transport failure forgot the topic")
	}
}

func TestSyncSendsSingleUp(t *testing.T) {
	broker := &stubBroker{}
	mirror := newMemoryMirror()
	mirror.gets["a"] = 2
	mirror.gets["b"] = 7
	svc := newTestService(broker, mirror)

	res, err := svc.Sync(context.Background(), "")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(broker.sent) != 1 {
		t.Fatalf("expected one request, got %d", len(broker.sent))
	}
	up, ok := broker.sent[0].(pubsub.Up)
	if !ok {
		t.Fatalf("expected UP, got %T", broker.sent[0])
	}
	if up.Seqs["a"] != 2 || up.Seqs["b"] != 7 || len(up.Seqs) != 2 {
		t.Fatalf("unexpected seqs %+v", up.Seqs)
	}
	if len(res.Topics) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRequestRequiresIdentityAndTopic(t *testing.T) {
	svc := newTestService(&stubBroker{}, newMemoryMirror())
	if _, err := svc.Get(context.Background(), "", " "); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
	svc.Config.Identity = ""
	if _, err := svc.Put(context.Background(), "", "news", "x"); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestListNodesFiltersKind(t *testing.T) {
	broker := &stubBroker{presence: []pubsub.Presence{
		{NodeID: "b1", Kind: pubsub.PresenceKindBroker},
		{NodeID: "x1", Kind: "other"},
	}}
	svc := newTestService(broker, newMemoryMirror())
	res, err := svc.ListNodes(context.Background(), pubsub.PresenceKindBroker)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := make([]string, 0, len(res.Nodes))
	for _, n := range res.Nodes {
		ids = append(ids, n.NodeID)
	}
	sort.Strings(ids)
	if len(ids) != 1 || ids[0] != "b1" {
		t.Fatalf("unexpected nodes %v", ids)
	}
}
