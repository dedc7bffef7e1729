package brokernode

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/pubsub/internal/adapters/mqttserver"
	"github.com/mikey-austin/pubsub/internal/broker"
	"github.com/mikey-austin/pubsub/internal/ports"
	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

// Transport is the MQTT surface the module needs.
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler mqttserver.Handler) error
	Unsubscribe(topic string) error
}

// Config configures the broker node.
type Config struct {
	NodeID    string
	TopicBase string
	Name      string
	QueueSize int
}

type request struct {
	topic   string
	payload []byte
}

// Module serves pub/sub requests for one broker node.
type Module struct {
	log        *zap.Logger
	transport  Transport
	store      ports.StateStore
	dir        *broker.Directory
	dispatcher *Dispatcher
	config     Config
	requests   chan request
}

// NewModule restores persisted state and prepares the request loop. A nil
// store keeps state in memory only.
func NewModule(ctx context.Context, log *zap.Logger, transport Transport, store ports.StateStore, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if transport == nil {
		return nil, errors.New("broker transport required")
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("broker node_id required")
	}
	if strings.TrimSpace(cfg.TopicBase) == "" {
		cfg.TopicBase = pubsub.BaseTopic
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "Pub/Sub Broker"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	dir := broker.NewDirectory()
	if store != nil {
		state, ok, err := store.Load(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			dir, err = broker.Restore(state)
			if err != nil {
				return nil, err
			}
			log.Info("state restored", zap.Int("topics", len(state.Topics)))
		}
	}

	return &Module{
		log:        log,
		transport:  transport,
		store:      store,
		dir:        dir,
		dispatcher: NewDispatcher(dir, log),
		config:     cfg,
		requests:   make(chan request, cfg.QueueSize),
	}, nil
}

// Directory exposes the live directory for read-only observers.
func (m *Module) Directory() *broker.Directory {
	return m.dir
}

// Run serves requests until ctx is done. Requests are applied one at a time.
func (m *Module) Run(ctx context.Context) error {
	handler := func(topic string, payload []byte) {
		select {
		case m.requests <- request{topic: topic, payload: payload}:
		case <-ctx.Done():
		}
	}

	reqTopic := pubsub.TopicRequests(m.config.TopicBase, m.config.NodeID)
	if err := m.transport.Subscribe(reqTopic, 1, handler); err != nil {
		return err
	}
	defer m.transport.Unsubscribe(reqTopic)

	if err := m.publishPresence(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			if err := m.clearPresence(); err != nil {
				m.log.Warn("clear presence failed", zap.Error(err))
			}
			return nil
		case req := <-m.requests:
			m.handle(ctx, req)
		}
	}
}

func (m *Module) publishPresence() error {
	presence := pubsub.Presence{
		NodeID: m.config.NodeID,
		Kind:   pubsub.PresenceKindBroker,
		Name:   m.config.Name,
		TS:     time.Now().Unix(),
	}

	payload, err := json.Marshal(presence)
	if err != nil {
		return err
	}
	return m.transport.Publish(pubsub.TopicPresence(m.config.TopicBase, m.config.NodeID), 1, true, payload)
}

// clearPresence removes the retained presence so stopped nodes drop out of listings.
func (m *Module) clearPresence() error {
	return m.transport.Publish(pubsub.TopicPresence(m.config.TopicBase, m.config.NodeID), 1, true, nil)
}

func (m *Module) handle(ctx context.Context, req request) {
	env := pubsub.DecodeEnvelope(req.payload)

	// req/+ also matches an empty last level. Such a request is never applied,
	// but it is answered on the matching empty reply level.
	var (
		rep     pubsub.Rep
		mutated bool
	)
	clientID := pubsub.ClientFromRequestTopic(req.topic)
	if clientID == "" {
		rep = m.dispatcher.unreadable(clientID, "request topic "+req.topic+" has no client id")
	} else {
		rep, mutated = m.dispatcher.Handle(clientID, env.Msg)
	}
	if mutated && m.store != nil {
		if err := m.store.Save(ctx, m.dir.Snapshot()); err != nil {
			m.log.Error("save state", zap.Error(err))
		}
	}

	payload, err := pubsub.EncodeEnvelope(pubsub.Envelope{ID: env.ID, TS: time.Now().Unix(), Msg: rep})
	if err != nil {
		m.log.Error("marshal reply", zap.Error(err))
		return
	}
	if err := m.transport.Publish(pubsub.TopicReply(m.config.TopicBase, clientID), 1, false, payload); err != nil {
		m.log.Error("publish reply", zap.Error(err))
	}
}
