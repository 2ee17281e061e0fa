package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/manager"
)

func newChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List locally known channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			all, err := rt.channels.Channels(cmd.Context())
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Println("no channels")
				return nil
			}
			for _, ch := range all {
				fmt.Printf("%s  %-8s  value=%s spent=%s  %s -> %s\n",
					ch.ChannelID, ch.State, ch.Value, ch.Spent, ch.Sender, ch.Receiver)
			}
			return nil
		},
	}
}

func newOpenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a channel to a receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			receiver, _ := cmd.Flags().GetString("receiver")
			token, _ := cmd.Flags().GetString("token")
			amount, err := parseAmountFlag(cmd, "amount")
			if err != nil {
				return err
			}
			minDeposit, err := parseAmountFlag(cmd, "min-deposit")
			if err != nil {
				return err
			}

			ch, err := rt.channels.OpenChannel(cmd.Context(), manager.OpenRequest{
				Sender:        rt.cfg.Account,
				Receiver:      receiver,
				Amount:        amount,
				MinDeposit:    minDeposit,
				TokenContract: token,
			})
			if err != nil {
				return err
			}
			fmt.Printf("opened channel %s with value %s\n", ch.ChannelID, ch.Value)
			return nil
		},
	}
	cmd.Flags().String("receiver", "", "receiver account address")
	cmd.Flags().String("amount", "", "payment amount the channel must cover")
	cmd.Flags().String("min-deposit", "", "minimum channel deposit")
	cmd.Flags().String("token", "", "token contract address for token-asset channels")
	cmd.MarkFlagRequired("receiver")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func newCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Settle or claim a channel",
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

			result, err := rt.channels.CloseChannel(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("close transaction %s\n", result.TxHash)
			return nil
		},
	}
	cmd.Flags().String("channel", "", "channel id")
	cmd.MarkFlagRequired("channel")
	return cmd
}
