package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/mikey-austin/pubsub/internal/adapters/clock"
	"github.com/mikey-austin/pubsub/internal/adapters/idgen"
	"github.com/mikey-austin/pubsub/internal/adapters/tlsutil"
	"github.com/mikey-austin/pubsub/internal/ports"
	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

// ErrTimeout is returned when no reply arrived after every attempt.
var ErrTimeout = errors.New("timeout waiting for reply")

// Options configures the MQTT client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	TopicBase string
	Timeout   time.Duration
	Retries   int
	IDGen     ports.IDGen
	Clock     ports.Clock
}

type pendingReply struct {
	id string
	ch chan pubsub.Rep
}

// Client is an MQTT adapter implementing the Broker port.
type Client struct {
	client     paho.Client
	clientID   string
	replyTopic string
	topicBase  string
	timeout    time.Duration
	retries    int
	ids        ports.IDGen
	clock      ports.Clock

	// inflight serialises requests; a client has one outstanding at a time.
	inflight sync.Mutex

	mu      sync.Mutex
	pending *pendingReply
}

// NewClient creates and connects an MQTT client.
func NewClient(opts Options) (*Client, error) {
	c := newClient(opts)

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(c.clientID)
	clientOpts.SetConnectTimeout(c.timeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetOnConnectHandler(func(client paho.Client) {
		token := client.Subscribe(c.replyTopic, 1, c.onReply)
		token.Wait()
	})

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := tlsutil.ClientConfig(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(clientOpts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	if token := c.client.Subscribe(c.replyTopic, 1, c.onReply); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return c, nil
}

func newClient(opts Options) *Client {
	if opts.TopicBase == "" {
		opts.TopicBase = pubsub.BaseTopic
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.IDGen == nil {
		opts.IDGen = idgen.Generator{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Clock{}
	}
	if opts.ClientID == "" {
		opts.ClientID = "pubsub-" + opts.IDGen.NewID()
	}
	return &Client{
		clientID:   opts.ClientID,
		replyTopic: pubsub.TopicReply(opts.TopicBase, opts.ClientID),
		topicBase:  opts.TopicBase,
		timeout:    opts.Timeout,
		retries:    opts.Retries,
		ids:        opts.IDGen,
		clock:      opts.Clock,
	}
}

// ReplyTopic returns the topic used for replies.
func (c *Client) ReplyTopic() string {
	return c.replyTopic
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
}

// Request sends msg to a broker node and waits for its reply. The identical
// envelope is re-sent after each timeout, up to Retries times.
func (c *Client) Request(ctx context.Context, nodeID string, msg pubsub.Message) (pubsub.Rep, error) {
	c.inflight.Lock()
	defer c.inflight.Unlock()

	env := pubsub.Envelope{ID: c.ids.NewID(), TS: c.clock.NowUnix(), Msg: msg}
	payload, err := pubsub.EncodeEnvelope(env)
	if err != nil {
		return pubsub.Rep{}, fmt.Errorf("encode request: %w", err)
	}

	replyCh := c.expect(env.ID)
	defer c.clear()

	topic := pubsub.TopicRequest(c.topicBase, nodeID, c.clientID)
	for attempt := 0; attempt <= c.retries; attempt++ {
		if token := c.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
			return pubsub.Rep{}, token.Error()
		}
		if rep, done, err := c.await(ctx, replyCh); done {
			return rep, err
		}
	}
	return pubsub.Rep{}, ErrTimeout
}

func (c *Client) expect(id string) chan pubsub.Rep {
	ch := make(chan pubsub.Rep, 1)
	c.mu.Lock()
	c.pending = &pendingReply{id: id, ch: ch}
	c.mu.Unlock()
	return ch
}

func (c *Client) clear() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// await waits one timeout period. done is false when the period elapsed.
func (c *Client) await(ctx context.Context, replyCh <-chan pubsub.Rep) (pubsub.Rep, bool, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return pubsub.Rep{}, true, ctx.Err()
	case rep := <-replyCh:
		return rep, true, nil
	case <-timer.C:
		return pubsub.Rep{}, false, nil
	}
}

func (c *Client) onReply(_ paho.Client, msg paho.Message) {
	c.deliver(msg.Payload())
}

// deliver hands a reply to the waiting request. Replies without an id answer
// requests the broker could not read, so they match whatever is in flight.
func (c *Client) deliver(payload []byte) {
	env := pubsub.DecodeEnvelope(payload)
	rep, ok := env.Msg.(pubsub.Rep)
	if !ok {
		return
	}

	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil {
		return
	}
	if env.ID != "" && env.ID != pending.id {
		return
	}

	select {
	case pending.ch <- rep:
	default:
	}
}

// ListPresence collects retained presence messages.
func (c *Client) ListPresence(ctx context.Context) ([]pubsub.Presence, error) {
	collect := make(map[string]pubsub.Presence)
	muLock := sync.Mutex{}

	handler := func(_ paho.Client, msg paho.Message) {
		if len(msg.Payload()) == 0 {
			return
		}
		var presence pubsub.Presence
		if err := json.Unmarshal(msg.Payload(), &presence); err != nil {
			return
		}
		muLock.Lock()
		collect[presence.NodeID] = presence
		muLock.Unlock()
	}

	topic := pubsub.TopicPresence(c.topicBase, "+")
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	defer func() {
		token := c.client.Unsubscribe(topic)
		token.Wait()
	}()

	wait := time.NewTimer(250 * time.Millisecond)
	select {
	case <-ctx.Done():
		wait.Stop()
	case <-wait.C:
	}

	muLock.Lock()
	defer muLock.Unlock()
	out := make([]pubsub.Presence, 0, len(collect))
	for _, presence := range collect {
		out = append(out, presence)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NodeID < out[j].NodeID
	})
	return out, nil
}
