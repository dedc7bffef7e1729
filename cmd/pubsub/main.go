package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mikey-austin/pubsub/internal/adapters/clock"
	"github.com/mikey-austin/pubsub/internal/adapters/config"
	"github.com/mikey-austin/pubsub/internal/adapters/idgen"
	"github.com/mikey-austin/pubsub/internal/adapters/mirror"
	"github.com/mikey-austin/pubsub/internal/adapters/mqtt"
	"github.com/mikey-austin/pubsub/internal/adapters/output"
	"github.com/mikey-austin/pubsub/internal/core"
	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

const defaultRetries = 2

type app struct {
	service core.Service
	printer output.Printer
	client  *mqtt.Client
	node    string
	quiet   bool
	json    bool
	timeout time.Duration
	retries int
}

func main() {
	root := &cobra.Command{
		Use:           "pubsub",
		Short:         "pubsub broker CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		broker    string
		topicBase string
		identity  string
		node      string
		timeout   time.Duration
		retries   int
		quiet     bool
		jsonOut   bool
		noColor   bool
		tlsCA     string
		tlsCert   string
		tlsKey    string
		userOpt   string
		passOpt   string
	)

	root.PersistentFlags().StringVarP(&broker, "broker", "b", "", "MQTT broker URL")
	root.PersistentFlags().StringVar(&topicBase, "topic-base", pubsub.BaseTopic, "MQTT topic base")
	root.PersistentFlags().StringVarP(&identity, "identity", "i", "", "subscriber identity")
	root.PersistentFlags().StringVarP(&node, "node", "n", "", "broker node selector")
	root.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 2*time.Second, "per-attempt reply timeout")
	root.PersistentFlags().IntVarP(&retries, "retries", "r", defaultRetries, "re-sends after a timeout")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	root.PersistentFlags().BoolVarP(&jsonOut, "json", "j", false, "output json")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color")
	root.PersistentFlags().StringVar(&tlsCA, "tls-ca", "", "TLS CA path")
	root.PersistentFlags().StringVar(&tlsCert, "tls-cert", "", "TLS cert path")
	root.PersistentFlags().StringVar(&tlsKey, "tls-key", "", "TLS key path")
	root.PersistentFlags().StringVar(&userOpt, "user", "", "MQTT username")
	root.PersistentFlags().StringVar(&passOpt, "pass", "", "MQTT password")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if noColor || jsonOut {
			pterm.DisableStyling()
		}

		cfg, err := config.Load()
		if err != nil {
			return core.WrapError(core.ExitUsage, "load config", err)
		}
		identity = defaultIdentity(identity, cfg.Identity)
		if broker == "" {
			broker = cfg.Broker
		}
		if topicBase == pubsub.BaseTopic && cfg.TopicBase != "" {
			topicBase = cfg.TopicBase
		}
		if !cmd.Flags().Changed("timeout") && cfg.Timeout.Duration > 0 {
			timeout = cfg.Timeout.Duration
		}
		if !cmd.Flags().Changed("retries") && cfg.Retries != nil {
			retries = *cfg.Retries
		}
		if broker == "" {
			return &core.CLIError{Code: core.ExitUsage, Msg: "broker is required (set --broker or config)"}
		}
		if retries < 0 {
			return &core.CLIError{Code: core.ExitUsage, Msg: "retries must not be negative"}
		}

		mirrorStore, err := mirror.NewStore(identity)
		if err != nil {
			return err
		}

		ids := idgen.Generator{}
		mqttClient, err := mqtt.NewClient(mqtt.Options{
			BrokerURL: broker,
			ClientID:  "pubsub-" + ids.NewID(),
			Username:  userOpt,
			Password:  passOpt,
			TLSCA:     tlsCA,
			TLSCert:   tlsCert,
			TLSKey:    tlsKey,
			TopicBase: topicBase,
			Timeout:   timeout,
			Retries:   retries,
			IDGen:     ids,
			Clock:     clock.Clock{},
		})
		if err != nil {
			return core.WrapError(core.ExitRuntime, "connect", err)
		}

		coreCfg := core.Config{
			Identity:    identity,
			Aliases:     cfg.Aliases,
			DefaultNode: cfg.Defaults.Node,
		}

		resolver := core.Resolver{Presence: mqttClient, Config: coreCfg}
		service := core.Service{
			Broker:   mqttClient,
			Resolver: resolver,
			Mirror:   mirrorStore,
			Clock:    clock.Clock{},
			IDGen:    ids,
			Config:   coreCfg,
		}

		var printer output.Printer
		if jsonOut {
			printer = output.JSONPrinter{}
		} else {
			printer = output.HumanPrinter{Quiet: quiet}
		}

		cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, &app{
			service: service,
			printer: printer,
			client:  mqttClient,
			node:    node,
			quiet:   quiet,
			json:    jsonOut,
			timeout: timeout,
			retries: retries,
		}))
		return nil
	}
	root.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if app := fromContext(cmd); app != nil && app.client != nil {
			app.client.Close()
		}
	}

	root.AddCommand(lsCommand())
	root.AddCommand(subCommand())
	root.AddCommand(unsubCommand())
	root.AddCommand(putCommand())
	root.AddCommand(getCommand())
	root.AddCommand(syncCommand())
	root.AddCommand(followCommand())

	if err := root.Execute(); err != nil {
		pterm.Error.WithWriter(os.Stderr).Println(err.Error())
		os.Exit(core.ExitCode(err))
	}
}

type appKey struct{}

func fromContext(cmd *cobra.Command) *app {
	val := cmd.Context().Value(appKey{})
	if val == nil {
		return nil
	}
	return val.(*app)
}

// requestContext bounds one CLI operation: presence discovery plus every
// attempt the transport may make.
func (a *app) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, requestBudget(a.timeout, a.retries))
}

func requestBudget(timeout time.Duration, retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	return timeout*time.Duration(retries+1) + time.Second
}

func defaultIdentity(flagVal string, cfgVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if cfgVal != "" {
		return cfgVal
	}
	usr, _ := user.Current()
	host, _ := os.Hostname()
	if usr != nil && host != "" {
		return fmt.Sprintf("%s@%s", usr.Username, host)
	}
	if host != "" {
		return host
	}
	return "pubsub-unknown"
}

func readPayload(args []string, in io.Reader) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	payload := strings.TrimSuffix(string(data), "\n")
	if payload == "" {
		return "", errors.New("empty payload")
	}
	return payload, nil
}
