package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/transport"
)

func newPayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Build the next payment on a channel and optionally deliver it",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			raw, _ := cmd.Flags().GetString("channel")
			id, err := channel.ParseID(raw)
			if err != nil {
				return err
			}
			amount, err := parseAmountFlag(cmd, "amount")
			if err != nil {
				return err
			}
			meta, _ := cmd.Flags().GetString("meta")
			hubURL, _ := cmd.Flags().GetString("hub")

			p, err := rt.channels.NextPayment(cmd.Context(), id, amount, meta)
			if err != nil {
				return err
			}

			if hubURL != "" {
				client := transport.NewClient(nil, rt.logger.Named("transport"))
				token, err := client.SendPayment(cmd.Context(), hubURL, p)
				if err != nil {
					return err
				}
				if _, err := rt.channels.SpendChannel(cmd.Context(), p, token); err != nil {
					return err
				}
				fmt.Printf("payment accepted, token %s\n", token)
				return nil
			}

			token, err := rt.channels.SpendChannel(cmd.Context(), p, "")
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(p, "", "  ")
			if err != nil {
				return err
			}
			fmt.Printf("token %s\n%s\n", token, encoded)
			return nil
		},
	}
	cmd.Flags().String("channel", "", "channel id")
	cmd.Flags().String("amount", "", "payment amount")
	cmd.Flags().String("meta", "", "free-form payment metadata")
	cmd.Flags().String("hub", "", "hub base URL to deliver the payment to")
	cmd.MarkFlagRequired("channel")
	cmd.MarkFlagRequired("amount")
	return cmd
}
