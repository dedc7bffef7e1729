package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mikey-austin/pubsub/internal/broker"
)

// DefaultListen is the admin listen address used when none is configured.
const DefaultListen = "127.0.0.1:8089"

// Inspector is the read-only view of a broker directory.
type Inspector interface {
	Stats() []broker.TopicStats
	Inspect(name string) (broker.TopicState, bool)
}

// Config configures the admin endpoint.
type Config struct {
	Listen string
	NodeID string
}

// Module serves read-only broker introspection over HTTP.
type Module struct {
	log       *zap.Logger
	inspector Inspector
	config    Config
}

// NewModule creates the admin module.
func NewModule(log *zap.Logger, inspector Inspector, cfg Config) (*Module, error) {
	if inspector == nil {
		return nil, errors.New("admin requires a broker directory")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = DefaultListen
	}
	return &Module{log: log, inspector: inspector, config: cfg}, nil
}

// TopicDetail is the body of GET /topics/{name}.
type TopicDetail struct {
	Name          string                         `json:"name"`
	Updates       []broker.Update                `json:"updates"`
	Subscriptions map[string]broker.Subscription `json:"subscriptions"`
	Publishers    map[string]uint64              `json:"publishers"`
}

// Handler returns the admin router.
func (m *Module) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))
	r.Use(m.logRequests)

	r.Get("/topics", m.listTopics)
	r.Get("/topics/{name}", m.getTopic)
	return r
}

// Run serves HTTP until ctx is done.
func (m *Module) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.config.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	m.log.Info("admin listening", zap.String("listen", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (m *Module) listTopics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node":   m.config.NodeID,
		"topics": m.inspector.Stats(),
	})
}

func (m *Module) getTopic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	state, ok := m.inspector.Inspect(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown topic"})
		return
	}
	writeJSON(w, http.StatusOK, TopicDetail{
		Name:          name,
		Updates:       state.Updates,
		Subscriptions: state.Subscriptions,
		Publishers:    state.Publishers,
	})
}

func (m *Module) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		m.log.Debug("admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
