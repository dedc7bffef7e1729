package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// BaseTopic is the default MQTT topic prefix for the protocol.
const BaseTopic = "pubsub/v1"

// Kind is the tag a message is encoded under.
type Kind string

const (
	KindGet        Kind = "GET"
	KindPut        Kind = "PUT"
	KindSub        Kind = "SUB"
	KindUnsub      Kind = "UNSUB"
	KindUp         Kind = "UP"
	KindRep        Kind = "REP"
	KindUnreadable Kind = "UNREADABLE"
)

// Message is one of Get, Put, Sub, Unsub, Up, Rep or Unreadable.
type Message interface {
	Kind() Kind
	isMessage()
}

// Get asks for the next update of a topic, acknowledging Seq.
type Get struct {
	Subscriber string `json:"ip"`
	Topic      string `json:"topic"`
	Seq        uint64 `json:"sequence_num"`
}

// Put publishes Payload into a topic.
type Put struct {
	Subscriber string `json:"ip"`
	Topic      string `json:"topic"`
	Seq        uint64 `json:"sequence_num"`
	Payload    string `json:"payload"`
}

// Sub subscribes to a topic.
type Sub struct {
	Subscriber string `json:"ip"`
	Topic      string `json:"topic"`
}

// Unsub unsubscribes from a topic.
type Unsub struct {
	Subscriber string `json:"ip"`
	Topic      string `json:"topic"`
}

// Up replays the sequence numbers a client remembers, one per topic.
type Up struct {
	Subscriber string            `json:"ip"`
	Seqs       map[string]uint64 `json:"sequence_nums"`
}

// Rep is the reply to every request. Exactly one of an ack (OK without
// Delivery), a Delivery, or Err is set.
type Rep struct {
	Subscriber string        `json:"ip"`
	OK         bool          `json:"ok"`
	Delivery   *Delivery     `json:"delivery,omitempty"`
	Err        *ServiceError `json:"err,omitempty"`
}

// Delivery carries GET content. A nil Content means the subscriber is caught up.
type Delivery struct {
	Content *string `json:"content"`
	Seq     uint64  `json:"sequence_num"`
}

// Unreadable stands in for a request that could not be decoded.
type Unreadable struct {
	Reason string `json:"reason"`
}

func (Get) Kind() Kind        { return KindGet }
func (Put) Kind() Kind        { return KindPut }
func (Sub) Kind() Kind        { return KindSub }
func (Unsub) Kind() Kind      { return KindUnsub }
func (Up) Kind() Kind         { return KindUp }
func (Rep) Kind() Kind        { return KindRep }
func (Unreadable) Kind() Kind { return KindUnreadable }

func (Get) isMessage()        {}
func (Put) isMessage()        {}
func (Sub) isMessage()        {}
func (Unsub) isMessage()      {}
func (Up) isMessage()         {}
func (Rep) isMessage()        {}
func (Unreadable) isMessage() {}

// ErrorCode identifies a service error.
type ErrorCode string

const (
	CodeUnknownTopic      ErrorCode = "UNKNOWN_TOPIC"
	CodeNotSubscribed     ErrorCode = "NOT_SUBSCRIBED"
	CodeAlreadySubscribed ErrorCode = "ALREADY_SUBSCRIBED"
	CodeUnreadableRequest ErrorCode = "UNREADABLE_REQUEST"
)

// ServiceError describes a failed request.
type ServiceError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AckReply builds a successful reply without content.
func AckReply(subscriber string) Rep {
	return Rep{Subscriber: subscriber, OK: true}
}

// DeliveryReply builds a successful GET reply.
func DeliveryReply(subscriber string, content *string, seq uint64) Rep {
	return Rep{Subscriber: subscriber, OK: true, Delivery: &Delivery{Content: content, Seq: seq}}
}

// ErrorReply builds a failed reply.
func ErrorReply(subscriber string, code ErrorCode, message string) Rep {
	return Rep{Subscriber: subscriber, Err: &ServiceError{Code: code, Message: message}}
}

// MarshalMessage encodes a message as a single-key object tagged with its kind.
func MarshalMessage(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Kind(), err)
	}
	return json.Marshal(map[Kind]json.RawMessage{msg.Kind(): body})
}

// UnmarshalMessage decodes a tagged message and validates required fields.
func UnmarshalMessage(data []byte) (Message, error) {
	var tagged map[Kind]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if len(tagged) != 1 {
		return nil, fmt.Errorf("expected exactly one message tag, got %d", len(tagged))
	}

	var (
		kind Kind
		body json.RawMessage
	)
	for k, v := range tagged {
		kind, body = k, v
	}

	var msg Message
	switch kind {
	case KindGet:
		var m Get
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		msg = m
	case KindPut:
		var m Put
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		msg = m
	case KindSub:
		var m Sub
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		msg = m
	case KindUnsub:
		var m Unsub
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		msg = m
	case KindUp:
		var m Up
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		msg = m
	case KindRep:
		var m Rep
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		msg = m
	default:
		return nil, fmt.Errorf("unknown message tag %q", kind)
	}

	if err := ValidateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ValidateMessage checks the fields every variant requires.
func ValidateMessage(msg Message) error {
	switch m := msg.(type) {
	case Get:
		return requireFields(m.Subscriber, m.Topic)
	case Put:
		return requireFields(m.Subscriber, m.Topic)
	case Sub:
		return requireFields(m.Subscriber, m.Topic)
	case Unsub:
		return requireFields(m.Subscriber, m.Topic)
	case Up:
		if strings.TrimSpace(m.Subscriber) == "" {
			return errors.New("ip is required")
		}
		for topic := range m.Seqs {
			if strings.TrimSpace(topic) == "" {
				return errors.New("sequence_nums has an empty topic")
			}
		}
		return nil
	case Rep:
		if m.OK == (m.Err != nil) {
			return errors.New("reply must be either ok or carry an error")
		}
		return nil
	case Unreadable:
		return nil
	default:
		return fmt.Errorf("unsupported message %T", msg)
	}
}

func requireFields(subscriber string, topic string) error {
	if strings.TrimSpace(subscriber) == "" {
		return errors.New("ip is required")
	}
	if strings.TrimSpace(topic) == "" {
		return errors.New("topic is required")
	}
	return nil
}

// Envelope carries a message with its correlation id.
type Envelope struct {
	ID  string
	TS  int64
	Msg Message
}

type wireEnvelope struct {
	ID  string          `json:"id"`
	TS  int64           `json:"ts"`
	Msg json.RawMessage `json:"msg"`
}

// EncodeEnvelope encodes an envelope for the wire.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	msg, err := MarshalMessage(env.Msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{ID: env.ID, TS: env.TS, Msg: msg})
}

// DecodeEnvelope decodes an envelope. It never fails: anything that cannot be
// decoded becomes an Unreadable message, keeping whatever id was readable.
func DecodeEnvelope(data []byte) Envelope {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{Msg: Unreadable{Reason: err.Error()}}
	}
	env := Envelope{ID: wire.ID, TS: wire.TS}
	if len(wire.Msg) == 0 {
		env.Msg = Unreadable{Reason: "msg is required"}
		return env
	}
	msg, err := UnmarshalMessage(wire.Msg)
	if err != nil {
		env.Msg = Unreadable{Reason: err.Error()}
		return env
	}
	env.Msg = msg
	return env
}

// Presence describes a broker presence payload.
type Presence struct {
	NodeID string `json:"nodeId"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	TS     int64  `json:"ts"`
}

// PresenceKindBroker is the presence kind published by broker nodes.
const PresenceKindBroker = "broker"

// TopicPresence builds the presence topic for a node.
func TopicPresence(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/node/%s/presence", topicBase, nodeID)
}

// TopicRequest builds the topic a client sends requests to.
func TopicRequest(topicBase, nodeID, clientID string) string {
	return fmt.Sprintf("%s/node/%s/req/%s", topicBase, nodeID, clientID)
}

// TopicRequests builds the wildcard filter a broker node listens on.
func TopicRequests(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/node/%s/req/+", topicBase, nodeID)
}

// TopicReply builds the reply topic for a client instance.
func TopicReply(topicBase, clientID string) string {
	return fmt.Sprintf("%s/reply/%s", topicBase, clientID)
}

// ClientFromRequestTopic returns the client id segment of a request topic.
func ClientFromRequestTopic(topic string) string {
	idx := strings.LastIndex(topic, "/req/")
	if idx < 0 {
		return ""
	}
	return topic[idx+len("/req/"):]
}
