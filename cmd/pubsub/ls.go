package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

func lsCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List broker nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			ctx, cancel := app.requestContext(context.Background())
			defer cancel()

			result, err := app.service.ListNodes(ctx, kind)
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", pubsub.PresenceKindBroker, "filter by kind, empty for all")

	return cmd
}
