package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/mikey-austin/pubsub/internal/core"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// normalizeSchedule accepts a cron expression, a descriptor such as
// "@every 5s", or a bare duration.
func normalizeSchedule(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if _, err := time.ParseDuration(expr); err == nil {
		expr = "@every " + expr
	}
	if _, err := scheduleParser.Parse(expr); err != nil {
		return "", err
	}
	return expr, nil
}

// runScheduled runs job once, then on every tick of expr until interrupted.
// Ticks that arrive while a run is still going are skipped.
func runScheduled(ctx context.Context, expr string, job func(context.Context) error) error {
	expr, err := normalizeSchedule(expr)
	if err != nil {
		return core.WrapError(core.ExitUsage, "invalid schedule", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report := func() {
		if err := job(ctx); err != nil && ctx.Err() == nil {
			pterm.Warning.WithWriter(os.Stderr).Println(err.Error())
		}
	}
	report()

	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(expr, report); err != nil {
		return core.WrapError(core.ExitUsage, "invalid schedule", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func syncCommand() *cobra.Command {
	var every string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay remembered sequence numbers to the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			once := func(parent context.Context) error {
				ctx, cancel := app.requestContext(parent)
				defer cancel()

				result, err := app.service.Sync(ctx, app.node)
				if err != nil {
					return err
				}
				return app.printer.Print(result)
			}
			if every == "" {
				return once(context.Background())
			}
			return runScheduled(context.Background(), every, once)
		},
	}

	cmd.Flags().StringVar(&every, "every", "", "repeat on a schedule (duration, @every, or cron expression)")
	return cmd
}

func followCommand() *cobra.Command {
	var every string
	var subscribe bool

	cmd := &cobra.Command{
		Use:   "follow <topic>",
		Short: "Print every update of a topic as it arrives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			topic := args[0]

			if subscribe {
				ctx, cancel := app.requestContext(context.Background())
				_, err := app.service.Subscribe(ctx, app.node, topic)
				cancel()
				if err != nil && !core.IsConflict(err) {
					return err
				}
			}

			drain := func(parent context.Context) error {
				for parent.Err() == nil {
					ctx, cancel := app.requestContext(parent)
					result, err := app.service.Get(ctx, app.node, topic)
					cancel()
					if err != nil {
						return err
					}
					if result.Content == nil {
						return nil
					}
					if err := app.printer.Print(result); err != nil {
						return err
					}
				}
				return nil
			}
			return runScheduled(context.Background(), every, drain)
		},
	}

	cmd.Flags().StringVar(&every, "every", "2s", "poll schedule (duration, @every, or cron expression)")
	cmd.Flags().BoolVar(&subscribe, "subscribe", true, "subscribe first; an existing subscription is kept")
	return cmd
}
