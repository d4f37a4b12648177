package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paul/nostr-activity/pkg/identity"
)

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <npub|hex>",
		Short: "Print the hex and npub forms of a public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hex, err := identity.Normalize(args[0])
			if err != nil {
				return err
			}
			npub, err := identity.EncodeNpub(hex)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hex:  %s\nnpub: %s\n", hex, npub)
			return nil
		},
	}
}
