package embeddedmqtt

import (
	"testing"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"go.uber.org/zap"
)

func TestRequestOwner(t *testing.T) {
	cases := []struct {
		topic string
		owner string
		ok    bool
	}{
		{"pubsub/v1/node/n1/req/c1", "c1", true},
		{"pubsub/v1/node/n1/presence", "", false},
		{"pubsub/v1/node/n1/req/c1/extra", "", false},
		{"pubsub/v1/reply/c1", "", false},
		{"other/node/n1/req/c1", "", false},
	}
	for _, tc := range cases {
		owner, ok := requestOwner("pubsub/v1", tc.topic)
		if owner != tc.owner || ok != tc.ok {
			t.Fatalf("%s: got (%q, %v), want (%q, %v)", tc.topic, owner, ok, tc.owner, tc.ok)
		}
	}
}

func TestReplyOwner(t *testing.T) {
	cases := []struct {
		filter string
		owner  string
		ok     bool
	}{
		{"pubsub/v1/reply/c1", "c1", true},
		{"pubsub/v1/reply/+", "", true},
		{"pubsub/v1/#", "", true},
		{"pubsub/+/reply/c2", "c2", true},
		{"#", "", true},
		{"pubsub/v1/node/+/presence", "", false},
		{"pubsub/v1/reply/c1/x", "", false},
		{"pubsub/v1/reply", "", false},
	}
	for _, tc := range cases {
		owner, ok := replyOwner("pubsub/v1", tc.filter)
		if owner != tc.owner || ok != tc.ok {
			t.Fatalf("%s: got (%q, %v), want (%q, %v)", tc.filter, owner, ok, tc.owner, tc.ok)
		}
	}
}

func TestPinnedTopicsACL(t *testing.T) {
	hook := newPinnedTopics(new(auth.AllowHook), "pubsub/v1/")
	cl := &mqtt.Client{ID: "c1"}

	allowed := []struct {
		topic string
		write bool
	}{
		{"pubsub/v1/node/n1/req/c1", true},
		{"pubsub/v1/reply/c1", false},
		{"pubsub/v1/node/+/presence", false},
		{"pubsub/v1/node/n1/presence", true},
	}
	for _, tc := range allowed {
		if !hook.OnACLCheck(cl, tc.topic, tc.write) {
			t.Fatalf("expected %s (write=%v) allowed", tc.topic, tc.write)
		}
	}

	denied := []struct {
		topic string
		write bool
	}{
		{"pubsub/v1/node/n1/req/c2", true},
		{"pubsub/v1/reply/c2", false},
		{"pubsub/v1/reply/+", false},
		{"pubsub/v1/#", false},
	}
	for _, tc := range denied {
		if hook.OnACLCheck(cl, tc.topic, tc.write) {
			t.Fatalf("expected %s (write=%v) denied", tc.topic, tc.write)
		}
	}

	inline := &mqtt.Client{ID: "inline"}
	inline.Net.Inline = true
	if !hook.OnACLCheck(inline, "pubsub/v1/reply/+", false) {
		t.Fatalf("expected inline client to bypass pinning")
	}
}

func TestNewServerPinnedWithLedger(t *testing.T) {
	cfg := Config{Username: "u", Password: "p", TopicBase: "pubsub/v1", PinClientTopics: true}
	server, err := newServer(zap.NewNop(), cfg)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	if server == nil {
		t.Fatalf("expected server")
	}
}
