package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/francistor/coapclient/coapclient"
)

var count int

var observeCmd = &cobra.Command{
	Use:   "observe <endpoint> <path>",
	Short: "Observe a resource and print the notifications",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := resolvePeer(args[0])
		if err != nil {
			return err
		}

		client, err := coapclient.NewUDPFromConfig(ci)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		obs, err := client.Observe(ctx, peer, args[1], requestOptions(client))
		if err != nil {
			return err
		}
		defer client.Unobserve(context.Background(), obs)

		for received := 0; count == 0 || received < count; received++ {
			msg, err := obs.Next(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			printMessage(cmd.OutOrStdout(), msg)
			if !msg.Code.IsSuccess() {
				return fmt.Errorf("observation rejected with %s", msg.Code)
			}
		}

		return nil
	},
}

func init() {
	observeCmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this number of notifications. 0 for no limit")
	rootCmd.AddCommand(observeCmd)
}
