package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write all collections into a passphrase-encrypted archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := promptPassword("Archive passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if confirm != passphrase {
			return fmt.Errorf("passphrases do not match")
		}
		if err = session.Export(cmd.Context(), args[0], passphrase); err != nil {
			return err
		}
		fmt.Printf("exported vault to %s\n", args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore collections from an exported archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := promptPassword("Archive passphrase: ")
		if err != nil {
			return err
		}
		if err = session.Import(cmd.Context(), args[0], passphrase); err != nil {
			return err
		}
		fmt.Printf("imported vault from %s\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := session.Collections(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("vault:             %s\n", resolveVaultPath())
		fmt.Printf("key derivation:    %s\n", session.KDF())
		fmt.Printf("memory protection: %s\n", session.MemoryProtection())
		fmt.Printf("rotation:          %s\n", session.RotationStatus())
		fmt.Printf("collections:       %d\n", len(names))
		return nil
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Remove the master password cached in the OS keyring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := forgetPassword(); err != nil {
			return err
		}
		fmt.Println("forgot remembered password")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd, importCmd, statusCmd, forgetCmd)
}
