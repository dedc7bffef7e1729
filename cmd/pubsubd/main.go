package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/pubsub/internal/adapters/idgen"
	"github.com/mikey-austin/pubsub/internal/adapters/mqttserver"
	"github.com/mikey-austin/pubsub/internal/adapters/storage"
	"github.com/mikey-austin/pubsub/internal/modules/admin"
	brokernode "github.com/mikey-austin/pubsub/internal/modules/broker_node"
	embeddedmqtt "github.com/mikey-austin/pubsub/internal/modules/embedded_mqtt"
	"github.com/mikey-austin/pubsub/internal/ports"
	"github.com/mikey-austin/pubsub/internal/pubsubd"
	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

type overrides struct {
	broker    string
	identity  string
	topicBase string
	nodeID    string
	storage   string
	logLevel  string
	logFormat string
	logOutput string
	logSource bool
	logUTC    bool
	logColor  bool
}

func main() {
	var (
		configPath  string
		envFile     string
		ov          overrides
		printConfig bool
		dryRun      bool
		moduleOnly  string
	)

	defaultConfig, err := pubsubd.DefaultConfigPath()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flag.StringVar(&configPath, "config", defaultConfig, "config file path")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file with PUBSUBD_* overrides")
	flag.StringVar(&ov.broker, "broker", "", "MQTT broker URL override")
	flag.StringVar(&ov.identity, "identity", "", "server identity override")
	flag.StringVar(&ov.topicBase, "topic-base", "", "topic base override")
	flag.StringVar(&ov.nodeID, "node-id", "", "broker node id override")
	flag.StringVar(&ov.storage, "storage", "", "storage backend override (file|sqlite|postgres|memory)")
	flag.StringVar(&ov.logLevel, "log-level", "", "log level override")
	flag.StringVar(&ov.logFormat, "log-format", "", "log format override (text|json)")
	flag.StringVar(&ov.logOutput, "log-output", "", "log output override (stdout|stderr)")
	flag.BoolVar(&ov.logSource, "log-source", false, "include source file in logs")
	flag.BoolVar(&ov.logUTC, "log-utc", false, "use UTC timestamps in logs")
	flag.BoolVar(&ov.logColor, "log-color", false, "enable colored log output (text only)")
	flag.StringVar(&moduleOnly, "module", "", "limit to a single module")
	flag.BoolVar(&printConfig, "print-config", false, "print resolved config and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "validate config and exit")
	flag.Parse()

	if err := pubsubd.LoadEnvFiles(envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := pubsubd.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	pubsubd.ApplyEnv(&cfg, os.Getenv)
	applyOverrides(&cfg, ov)
	if err := applyDefaults(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if printConfig {
		printResolvedConfig(cfg)
		return
	}
	if dryRun {
		return
	}

	logger := pubsubd.NewLogger(pubsubd.LogConfig{
		Level:     cfg.Server.LogLevel,
		Format:    cfg.Server.LogFormat,
		Output:    cfg.Server.LogOutput,
		AddSource: cfg.Server.LogSource,
		UTC:       cfg.Server.LogUTC,
		Color:     cfg.Server.LogColor,
	})
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	skipEmbedded := false
	if moduleOnly != "embedded_mqtt" && cfg.Modules.EmbeddedMQTT.Enabled && cfg.Server.Broker == embeddedBrokerURL(cfg) {
		if err := startEmbeddedBroker(ctx, cfg, logger, cancel); err != nil {
			logger.Error("embedded mqtt failed", zap.Error(err))
			os.Exit(1)
		}
		skipEmbedded = true
	}

	if cfg.Server.Broker == "" {
		logger.Error("broker is required")
		os.Exit(1)
	}
	logger.Info("pubsubd starting",
		zap.String("broker", cfg.Server.Broker),
		zap.String("identity", cfg.Server.Identity),
		zap.String("topic_base", cfg.Server.TopicBase),
		zap.String("node_id", cfg.Modules.Broker.NodeID),
		zap.String("storage", cfg.Modules.Broker.Storage),
		zap.Strings("modules", enabledModules(cfg)),
	)

	var client *mqttserver.Client
	if moduleOnly != "embedded_mqtt" && cfg.Modules.Broker.Enabled {
		client, err = mqttserver.NewClient(mqttserver.Options{
			BrokerURL: cfg.Server.Broker,
			ClientID:  "pubsubd-" + idgen.Generator{}.NewID(),
			Username:  cfg.Server.Auth.User,
			Password:  cfg.Server.Auth.Pass,
			TLSCA:     cfg.Server.TLS.CA,
			TLSCert:   cfg.Server.TLS.Cert,
			TLSKey:    cfg.Server.TLS.Key,
			Timeout:   2 * time.Second,
			Logger:    logger.With(zap.String("component", "mqtt")),
			Debug:     cfg.Server.LogLevel == "debug",
			Will:      presenceWill(cfg),
		})
		if err != nil {
			logger.Error("mqtt connection failed", zap.Error(err))
			os.Exit(1)
		}
		defer client.Close()
	}

	modules, closeStore, err := buildModules(ctx, cfg, client, logger, moduleOnly, skipEmbedded)
	if err != nil {
		logger.Error("failed to build modules", zap.Error(err))
		os.Exit(1)
	}
	defer closeStore()

	shutdownTimeout, err := cfg.Server.ShutdownTimeoutDuration()
	if err != nil {
		logger.Error("invalid config", zap.Error(err))
		os.Exit(1)
	}
	supervisor := pubsubd.Supervisor{Logger: logger, ShutdownTimeout: shutdownTimeout}
	if err := supervisor.Run(ctx, modules); err != nil {
		logger.Error("supervisor error", zap.Error(err))
		closeStore()
		os.Exit(1)
	}
}

func applyOverrides(cfg *pubsubd.Config, ov overrides) {
	if ov.broker != "" {
		cfg.Server.Broker = ov.broker
	}
	if ov.identity != "" {
		cfg.Server.Identity = ov.identity
	}
	if ov.topicBase != "" {
		cfg.Server.TopicBase = ov.topicBase
	}
	if ov.nodeID != "" {
		cfg.Modules.Broker.NodeID = ov.nodeID
	}
	if ov.storage != "" {
		cfg.Modules.Broker.Storage = ov.storage
	}
	if ov.logLevel != "" {
		cfg.Server.LogLevel = ov.logLevel
	}
	if ov.logFormat != "" {
		cfg.Server.LogFormat = ov.logFormat
	}
	if ov.logOutput != "" {
		cfg.Server.LogOutput = ov.logOutput
	}
	if ov.logSource {
		cfg.Server.LogSource = true
	}
	if ov.logUTC {
		cfg.Server.LogUTC = true
	}
	if ov.logColor {
		cfg.Server.LogColor = true
	}
}

func applyDefaults(cfg *pubsubd.Config) error {
	if cfg.Server.TopicBase == "" {
		cfg.Server.TopicBase = pubsub.BaseTopic
	}
	if cfg.Server.Identity == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.Identity = host
		}
	}
	if cfg.Modules.Broker.NodeID == "" {
		cfg.Modules.Broker.NodeID = cfg.Server.Identity
	}
	if cfg.Modules.Broker.Storage == "" {
		cfg.Modules.Broker.Storage = string(storage.BackendFile)
	}
	if cfg.Modules.Broker.StoragePath == "" && cfg.Modules.Broker.Storage != string(storage.BackendPostgres) {
		path, err := pubsubd.DefaultStoragePath(cfg.Modules.Broker.Storage)
		if err != nil {
			return err
		}
		cfg.Modules.Broker.StoragePath = path
	}
	if cfg.Modules.EmbeddedMQTT.Listen == "" {
		cfg.Modules.EmbeddedMQTT.Listen = embeddedmqtt.DefaultListen
	}
	if cfg.Server.Broker == "" && cfg.Modules.EmbeddedMQTT.Enabled {
		cfg.Server.Broker = embeddedBrokerURL(*cfg)
	}
	if _, err := cfg.Server.ShutdownTimeoutDuration(); err != nil {
		return err
	}
	return nil
}

func buildModules(ctx context.Context, cfg pubsubd.Config, client *mqttserver.Client, logger *zap.Logger, moduleOnly string, skipEmbedded bool) ([]pubsubd.ModuleRunner, func(), error) {
	modules := []pubsubd.ModuleRunner{}
	closeStore := func() {}

	if cfg.Modules.EmbeddedMQTT.Enabled && !skipEmbedded {
		if moduleOnly == "" || moduleOnly == "embedded_mqtt" {
			mod, err := newEmbeddedModule(cfg, logger)
			if err != nil {
				return nil, closeStore, err
			}
			modules = append(modules, pubsubd.ModuleRunner{
				Name: "embedded_mqtt",
				Run:  mod.Run,
			})
		}
	}

	var node *brokernode.Module
	if cfg.Modules.Broker.Enabled && (moduleOnly == "" || moduleOnly == "broker" || moduleOnly == "admin") {
		if client == nil {
			return nil, closeStore, errors.New("broker module requires an mqtt connection")
		}
		store, err := storage.Open(ctx, storage.Options{
			Backend: storage.Backend(cfg.Modules.Broker.Storage),
			Path:    cfg.Modules.Broker.StoragePath,
			DSN:     cfg.Modules.Broker.DSN,
			NodeID:  cfg.Modules.Broker.NodeID,
			Table:   cfg.Modules.Broker.Table,
		})
		if err != nil {
			return nil, closeStore, err
		}
		if store != nil {
			closeStore = closeOnce(store, logger)
		}
		node, err = brokernode.NewModule(ctx, logger.With(zap.String("module", "broker")), client, store, brokernode.Config{
			NodeID:    cfg.Modules.Broker.NodeID,
			TopicBase: cfg.Server.TopicBase,
			Name:      cfg.Modules.Broker.Name,
			QueueSize: cfg.Modules.Broker.QueueSize,
		})
		if err != nil {
			closeStore()
			return nil, func() {}, err
		}
		modules = append(modules, pubsubd.ModuleRunner{
			Name: "broker",
			Run:  node.Run,
		})
	}

	if cfg.Modules.Admin.Enabled && (moduleOnly == "" || moduleOnly == "admin") {
		if node == nil {
			closeStore()
			return nil, func() {}, errors.New("admin module requires the broker module")
		}
		mod, err := admin.NewModule(logger.With(zap.String("module", "admin")), node.Directory(), admin.Config{
			Listen: cfg.Modules.Admin.Listen,
			NodeID: cfg.Modules.Broker.NodeID,
		})
		if err != nil {
			closeStore()
			return nil, func() {}, err
		}
		modules = append(modules, pubsubd.ModuleRunner{
			Name: "admin",
			Run:  mod.Run,
		})
	}

	if moduleOnly != "" && len(modules) == 0 {
		closeStore()
		return nil, func() {}, errors.New("no modules enabled")
	}
	return modules, closeStore, nil
}

func closeOnce(store ports.StateStore, logger *zap.Logger) func() {
	closed := false
	return func() {
		if closed {
			return
		}
		closed = true
		if err := store.Close(); err != nil {
			logger.Warn("close storage", zap.Error(err))
		}
	}
}

func enabledModules(cfg pubsubd.Config) []string {
	out := []string{}
	if cfg.Modules.EmbeddedMQTT.Enabled {
		out = append(out, "embedded_mqtt")
	}
	if cfg.Modules.Broker.Enabled {
		out = append(out, "broker")
	}
	if cfg.Modules.Admin.Enabled {
		out = append(out, "admin")
	}
	return out
}

func printResolvedConfig(cfg pubsubd.Config) {
	fmt.Fprintf(os.Stdout,
		"broker=%s identity=%s topic_base=%s node_id=%s storage=%s storage_path=%s log_level=%s log_format=%s log_output=%s modules=%v\n",
		cfg.Server.Broker,
		cfg.Server.Identity,
		cfg.Server.TopicBase,
		cfg.Modules.Broker.NodeID,
		cfg.Modules.Broker.Storage,
		cfg.Modules.Broker.StoragePath,
		cfg.Server.LogLevel,
		cfg.Server.LogFormat,
		cfg.Server.LogOutput,
		enabledModules(cfg),
	)
}

// presenceWill clears the node's retained presence if the daemon dies
// without stopping the broker module.
func presenceWill(cfg pubsubd.Config) *mqttserver.Will {
	return &mqttserver.Will{
		Topic:    pubsub.TopicPresence(cfg.Server.TopicBase, cfg.Modules.Broker.NodeID),
		QoS:      1,
		Retained: true,
	}
}

func embeddedConfig(cfg pubsubd.Config) embeddedmqtt.Config {
	return embeddedmqtt.Config{
		Listen:         cfg.Modules.EmbeddedMQTT.Listen,
		TopicBase:      cfg.Server.TopicBase,
		AllowAnonymous: cfg.Modules.EmbeddedMQTT.AllowAnonymous,
		Username:       cfg.Modules.EmbeddedMQTT.Username,
		Password:       cfg.Modules.EmbeddedMQTT.Password,
		TLSCA:          cfg.Modules.EmbeddedMQTT.TLSCA,
		TLSCert:        cfg.Modules.EmbeddedMQTT.TLSCert,
		TLSKey:         cfg.Modules.EmbeddedMQTT.TLSKey,

		PinClientTopics: cfg.Modules.EmbeddedMQTT.PinClientTopics,
	}
}

func embeddedBrokerURL(cfg pubsubd.Config) string {
	ec := embeddedConfig(cfg)
	listen := ec.Listen
	if listen == "" {
		listen = embeddedmqtt.DefaultListen
	}
	return embeddedmqtt.BrokerURL(listen, ec.TLSEnabled())
}

func newEmbeddedModule(cfg pubsubd.Config, logger *zap.Logger) (*embeddedmqtt.Module, error) {
	return embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedConfig(cfg))
}

func startEmbeddedBroker(ctx context.Context, cfg pubsubd.Config, logger *zap.Logger, cancel context.CancelFunc) error {
	mod, err := newEmbeddedModule(cfg, logger)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- mod.Run(ctx)
	}()
	go func() {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("embedded mqtt exited", zap.Error(err))
			cancel()
		}
	}()

	listen := cfg.Modules.EmbeddedMQTT.Listen
	if listen == "" {
		listen = embeddedmqtt.DefaultListen
	}
	return waitForListen(listen, 3*time.Second)
}

func waitForListen(listen string, timeout time.Duration) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, port)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("embedded mqtt not ready at %s", addr)
}
