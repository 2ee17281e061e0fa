package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/offchan/offchan/internal/signature"
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an account key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := signature.GenerateKey()
			if err != nil {
				return err
			}
			address := signature.KeyAddress(key)

			fmt.Printf("Private Key: 0x%s\n", hex.EncodeToString(key.Serialize()))
			fmt.Printf("Address:     %s\n", address)

			noQR, _ := cmd.Flags().GetBool("no-qr")
			if !noQR {
				fmt.Println()
				qrterminal.GenerateHalfBlock(address, qrterminal.L, os.Stdout)
			}
			return nil
		},
	}
	cmd.Flags().Bool("no-qr", false, "skip printing the funding QR code")
	return cmd
}
