package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/pubsub/internal/core"
)

func subCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sub <topic>",
		Short: "Subscribe to a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := app.requestContext(context.Background())
			defer cancel()

			result, err := app.service.Subscribe(ctx, app.node, args[0])
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
}

func unsubCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unsub <topic>",
		Short: "Unsubscribe from a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := app.requestContext(context.Background())
			defer cancel()

			result, err := app.service.Unsubscribe(ctx, app.node, args[0])
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
}

func putCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "put <topic> [payload|-]",
		Short: "Publish a payload, read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			payload, err := readPayload(args[1:], os.Stdin)
			if err != nil {
				return core.WrapError(core.ExitUsage, "read payload", err)
			}

			ctx, cancel := app.requestContext(context.Background())
			defer cancel()

			result, err := app.service.Put(ctx, app.node, args[0], payload)
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
}

func getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <topic>",
		Short: "Fetch the next update of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := app.requestContext(context.Background())
			defer cancel()

			result, err := app.service.Get(ctx, app.node, args[0])
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
}
