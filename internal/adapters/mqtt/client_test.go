package mqtt

import (
	"testing"
	"time"

	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

type fixedIDs struct{}

func (fixedIDs) NewID() string { return "fixed" }

func encodeReply(t *testing.T, id string, rep pubsub.Rep) []byte {
	t.Helper()
	payload, err := pubsub.EncodeEnvelope(pubsub.Envelope{ID: id, TS: 1, Msg: rep})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return payload
}

func TestNewClientDefaults(t *testing.T) {
	c := newClient(Options{IDGen: fixedIDs{}, Retries: -3})
	if c.clientID != "pubsub-fixed" {
		t.Fatalf("unexpected client id %q", c.clientID)
	}
	if c.ReplyTopic() != "pubsub/v1/reply/pubsub-fixed" {
		t.Fatalf("unexpected reply topic %q", c.ReplyTopic())
	}
	if c.retries != 0 || c.timeout != 2*time.Second {
		t.Fatalf("unexpected defaults retries=%d timeout=%s", c.retries, c.timeout)
	}
}

func TestDeliverMatchesInFlightRequest(t *testing.T) {
	c := newClient(Options{ClientID: "c1"})
	ch := c.expect("req-1")

	c.deliver(encodeReply(t, "req-0", pubsub.AckReply("c1")))
	select {
	case <-ch:
		t.Fatalf("stale reply was delivered")
	default:
	}

	c.deliver(encodeReply(t, "req-1", pubsub.ErrorReply("c1", pubsub.CodeNotSubscribed, "")))
	select {
	case rep := <-ch:
		if rep.Err == nil || rep.Err.Code != pubsub.CodeNotSubscribed {
			t.Fatalf("unexpected reply %+v", rep)
		}
	default:
		t.Fatalf("expected reply")
	}
}

func TestDeliverAcceptsAnonymousReply(t *testing.T) {
	c := newClient(Options{ClientID: "c1"})
	ch := c.expect("req-1")

	c.deliver(encodeReply(t, "", pubsub.ErrorReply("", pubsub.CodeUnreadableRequest, "bad")))
	select {
	case rep := <-ch:
		if rep.Err == nil || rep.Err.Code != pubsub.CodeUnreadableRequest {
			t.Fatalf("unexpected reply %+v", rep)
		}
	default:
		t.Fatalf("expected reply")
	}
}

func TestDeliverIgnoresNonReplies(t *testing.T) {
	c := newClient(Options{ClientID: "c1"})
	ch := c.expect("req-1")

	payload, _ := pubsub.EncodeEnvelope(pubsub.Envelope{ID: "req-1", Msg: pubsub.Sub{Subscriber: "c1", Topic: "t"}})
	c.deliver(payload)
	c.deliver([]byte("garbage"))
	c.clear()
	c.deliver(encodeReply(t, "req-1", pubsub.AckReply("c1")))

	select {
	case rep := <-ch:
		t.Fatalf("unexpected delivery %+v", rep)
	default:
	}
}
