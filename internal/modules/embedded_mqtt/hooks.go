package embeddedmqtt

import (
	"log/slog"
	"strings"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// pinnedTopics wraps the auth hook and additionally pins the per-client
// protocol topics to their owner: a client may only send requests under its
// own MQTT client id, and may only subscribe to its own reply topic.
type pinnedTopics struct {
	mqtt.HookBase
	inner mqtt.Hook
	base  string
}

func newPinnedTopics(inner mqtt.Hook, topicBase string) *pinnedTopics {
	return &pinnedTopics{inner: inner, base: strings.TrimSuffix(topicBase, "/")}
}

func (h *pinnedTopics) ID() string {
	return "pubsub-pinned-topics"
}

func (h *pinnedTopics) Provides(b byte) bool {
	return b == mqtt.OnConnectAuthenticate || b == mqtt.OnACLCheck
}

func (h *pinnedTopics) SetOpts(l *slog.Logger, opts *mqtt.HookOptions) {
	h.HookBase.SetOpts(l, opts)
	h.inner.SetOpts(l, opts)
}

func (h *pinnedTopics) Init(config any) error {
	return h.inner.Init(config)
}

func (h *pinnedTopics) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return h.inner.OnConnectAuthenticate(cl, pk)
}

func (h *pinnedTopics) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if !h.inner.OnACLCheck(cl, topic, write) {
		return false
	}
	if cl.Net.Inline {
		return true
	}
	if write {
		owner, ok := requestOwner(h.base, topic)
		return !ok || owner == cl.ID
	}
	owner, ok := replyOwner(h.base, topic)
	return !ok || (owner != "" && owner == cl.ID)
}

// requestOwner returns the client segment of <base>/node/<node>/req/<client>.
func requestOwner(base, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, base+"/node/")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "req" {
		return "", false
	}
	return parts[2], true
}

// replyOwner reports whether filter can match a reply topic
// <base>/reply/<client>. The owner is empty when a wildcard covers the
// client segment.
func replyOwner(base, filter string) (string, bool) {
	pattern := append(strings.Split(base, "/"), "reply", "")
	last := len(pattern) - 1
	levels := strings.Split(filter, "/")

	for i, level := range levels {
		if level == "#" {
			return "", true
		}
		if i > last {
			return "", false
		}
		if i == last {
			if len(levels) != len(pattern) {
				return "", false
			}
			if level == "+" {
				return "", true
			}
			return level, true
		}
		if level != "+" && level != pattern[i] {
			return "", false
		}
	}
	return "", false
}
