package core

import (
	"context"
	"errors"
	"strings"

	"github.com/mikey-austin/pubsub/internal/ports"
	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

// Service orchestrates pubsub CLI use cases.
type Service struct {
	Broker   ports.Broker
	Resolver Resolver
	Mirror   ports.Mirror
	Clock    ports.Clock
	IDGen    ports.IDGen
	Config   Config
}

// ListNodes returns presence entries, optionally filtered by kind.
func (s Service) ListNodes(ctx context.Context, kind string) (NodesResult, error) {
	nodes, err := s.Broker.ListPresence(ctx)
	if err != nil {
		return NodesResult{}, WrapError(ExitRuntime, "list nodes", err)
	}
	if kind != "" {
		nodes = filterPresenceByKind(nodes, kind)
	}
	return NodesResult{Nodes: nodes}, nil
}

// Subscribe subscribes this identity to topic. The mirror starts over so the
// first GET performs the handshake.
func (s Service) Subscribe(ctx context.Context, selector string, topic string) (AckResult, error) {
	if err := requireTopic(topic); err != nil {
		return AckResult{}, err
	}
	node, _, err := s.request(ctx, selector, "subscribe", pubsub.Sub{Subscriber: s.Config.Identity, Topic: topic})
	if err != nil {
		return AckResult{}, err
	}
	if err := s.Mirror.Reset(topic); err != nil {
		return AckResult{}, WrapError(ExitRuntime, "reset mirror", err)
	}
	return AckResult{Node: node.NodeID, Op: "sub", Topic: topic}, nil
}

// Unsubscribe removes this identity's subscription and forgets the topic.
// When the broker says there is no such subscription, a retried UNSUB whose
// first reply was lost for instance, the topic is still forgotten locally and
// the error is returned.
func (s Service) Unsubscribe(ctx context.Context, selector string, topic string) (AckResult, error) {
	if err := requireTopic(topic); err != nil {
		return AckResult{}, err
	}
	node, rep, err := s.request(ctx, selector, "unsubscribe", pubsub.Unsub{Subscriber: s.Config.Identity, Topic: topic})
	if err != nil {
		if notSubscribed(rep) {
			if ferr := s.Mirror.Forget(topic); ferr != nil {
				return AckResult{}, WrapError(ExitRuntime, "forget mirror", ferr)
			}
		}
		return AckResult{}, err
	}
	if err := s.Mirror.Forget(topic); err != nil {
		return AckResult{}, WrapError(ExitRuntime, "forget mirror", err)
	}
	return AckResult{Node: node.NodeID, Op: "unsub", Topic: topic}, nil
}

// Put publishes payload to topic, presenting the next PUT sequence number.
// The counter only moves once the broker acknowledged, so a failed PUT is
// re-sent with the same number and dropped by the broker if it already landed.
func (s Service) Put(ctx context.Context, selector string, topic string, payload string) (AckResult, error) {
	if err := requireTopic(topic); err != nil {
		return AckResult{}, err
	}
	seq, err := s.Mirror.NextPut(topic)
	if err != nil {
		return AckResult{}, WrapError(ExitRuntime, "read mirror", err)
	}
	node, _, err := s.request(ctx, selector, "put", pubsub.Put{Subscriber: s.Config.Identity, Topic: topic, Seq: seq, Payload: payload})
	if err != nil {
		return AckResult{}, err
	}
	if err := s.Mirror.SetNextPut(topic, seq+1); err != nil {
		return AckResult{}, WrapError(ExitRuntime, "update mirror", err)
	}
	return AckResult{Node: node.NodeID, Op: "put", Topic: topic, Seq: seq}, nil
}

// Get fetches the next update of topic. The presented sequence number
// acknowledges the previous delivery; it only moves on when content arrives.
func (s Service) Get(ctx context.Context, selector string, topic string) (GetResult, error) {
	if err := requireTopic(topic); err != nil {
		return GetResult{}, err
	}
	seq, err := s.Mirror.NextGet(topic)
	if err != nil {
		return GetResult{}, WrapError(ExitRuntime, "read mirror", err)
	}
	node, rep, err := s.request(ctx, selector, "get", pubsub.Get{Subscriber: s.Config.Identity, Topic: topic, Seq: seq})
	if err != nil {
		return GetResult{}, err
	}
	if rep.Delivery == nil {
		return GetResult{}, &CLIError{Code: ExitRuntime, Msg: "get: reply carried no delivery"}
	}

	result := GetResult{Node: node.NodeID, Topic: topic, Seq: seq, Content: rep.Delivery.Content, NextSeq: seq}
	if rep.Delivery.Content != nil {
		result.NextSeq = seq + 1
		if err := s.Mirror.SetNextGet(topic, result.NextSeq); err != nil {
			return GetResult{}, WrapError(ExitRuntime, "update mirror", err)
		}
	}
	return result, nil
}

// Sync replays every remembered GET sequence number in a single UP.
func (s Service) Sync(ctx context.Context, selector string) (SyncResult, error) {
	topics, err := s.Mirror.Topics()
	if err != nil {
		return SyncResult{}, WrapError(ExitRuntime, "read mirror", err)
	}
	node, _, err := s.request(ctx, selector, "sync", pubsub.Up{Subscriber: s.Config.Identity, Seqs: topics})
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Node: node.NodeID, Topics: topics}, nil
}

// request resolves the broker node, sends msg and turns an error reply into a CLIError.
func (s Service) request(ctx context.Context, selector string, op string, msg pubsub.Message) (pubsub.Presence, pubsub.Rep, error) {
	if strings.TrimSpace(s.Config.Identity) == "" {
		return pubsub.Presence{}, pubsub.Rep{}, &CLIError{Code: ExitUsage, Msg: "identity required"}
	}
	node, err := s.Resolver.ResolveBroker(ctx, selector)
	if err != nil {
		return pubsub.Presence{}, pubsub.Rep{}, err
	}
	rep, err := s.Broker.Request(ctx, node.NodeID, msg)
	if err != nil {
		return node, pubsub.Rep{}, WrapError(ExitRuntime, op, err)
	}
	if rep.Err != nil {
		return node, rep, ErrorForReplyCode(rep.Err.Code, rep.Err.Message)
	}
	if !rep.OK {
		return node, rep, &CLIError{Code: ExitRuntime, Msg: op + ": reply not ok"}
	}
	return node, rep, nil
}

func requireTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return &CLIError{Code: ExitUsage, Msg: "topic required"}
	}
	return nil
}

func notSubscribed(rep pubsub.Rep) bool {
	if rep.Err == nil {
		return false
	}
	return rep.Err.Code == pubsub.CodeNotSubscribed || rep.Err.Code == pubsub.CodeUnknownTopic
}

// IsConflict reports whether err is an ALREADY_SUBSCRIBED reply.
func IsConflict(err error) bool {
	var cliErr *CLIError
	return errors.As(err, &cliErr) && cliErr.Code == ExitConflict
}
