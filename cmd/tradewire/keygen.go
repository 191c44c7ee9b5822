package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/tradewire/pkg/crypto"
)

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\n", id.PrivateKeyHex(), id.PublicKey())
				return nil
			}
			if err := crypto.SaveKeyFile(out, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity written to %s\npublic key: %s\n", out, id.PublicKey())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the private key to this file instead of stdout")
	return cmd
}
