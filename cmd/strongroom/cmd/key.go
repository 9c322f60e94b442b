package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/strongroom/escrow"
	"github.com/jmcleod/strongroom/filecrypt"
	"github.com/jmcleod/strongroom/internal/sqlitex"
	"github.com/jmcleod/strongroom/settings"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the database encryption key",
}

// printKey shows a key that escrow could not keep.
func printKey(cmd *cobra.Command, key string) {
	if escrow.New().Available() {
		fmt.Fprintln(cmd.OutOrStdout(), "Key stored with the operating system key store.")
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), "No key store is available on this system. Keep this key; it is not stored:")
	fmt.Fprintln(cmd.OutOrStdout(), key)
}

var keyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a key is configured and the database encrypted",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSettings()
		if err != nil {
			return err
		}
		defer store.Close()
		s, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "key configured:      %t\n", s.KeyConfigured())
		fmt.Fprintf(out, "key escrowed:        %t\n", len(s.WrappedKey) > 0)
		fmt.Fprintf(out, "escrow available:    %t\n", escrow.New().Available())
		fmt.Fprintf(out, "encryption enabled:  %t\n", s.EncryptionEnabled)
		fmt.Fprintf(out, "pin set:             %t\n", s.PINEnabled)

		// The application also records the hash in its own database; it
		// can only be read while the database is plaintext.
		if _, err := os.Stat(cfg.DatabasePath); err != nil || filecrypt.IsEncrypted(cfg.DatabasePath) {
			return nil
		}
		db, err := sqlitex.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()
		hash, err := settings.KeyHashFromDB(cmd.Context(), db)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "database hash match: %t\n", hash != "" && strings.EqualFold(hash, s.EncryptionKeyHash))
		return nil
	},
}

var keyEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Create a key and encrypt the database with it",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSettings()
		if err != nil {
			return err
		}
		defer store.Close()
		key, err := newKeyManager(store).Enable(cmd.Context(), cfg.DatabasePath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Encrypted %s\n", cfg.DatabasePath)
		printKey(cmd, key)
		return nil
	},
}

var keyDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Decrypt the database and forget its key",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSettings()
		if err != nil {
			return err
		}
		defer store.Close()
		key, err := databaseKey(cmd.Context(), store)
		if err != nil {
			return err
		}
		if err := newKeyManager(store).Disable(cmd.Context(), cfg.DatabasePath, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Decrypted %s\n", cfg.DatabasePath)
		return nil
	},
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-encrypt the database under a new key",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSettings()
		if err != nil {
			return err
		}
		defer store.Close()
		oldKey, err := databaseKey(cmd.Context(), store)
		if err != nil {
			return err
		}
		key, err := newKeyManager(store).Rotate(cmd.Context(), cfg.DatabasePath, oldKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rotated key for %s\n", cfg.DatabasePath)
		printKey(cmd, key)
		return nil
	},
}

var keyRewrapCmd = &cobra.Command{
	Use:   "rewrap",
	Short: "Store a manually entered key with the operating system key store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dbKeyFlag == "" {
			return fmt.Errorf("--key is required")
		}
		store, err := openSettings()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := newKeyManager(store).Rewrap(cmd.Context(), dbKeyFlag); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Key stored with the operating system key store.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyStatusCmd, keyEnableCmd, keyDisableCmd, keyRotateCmd, keyRewrapCmd)
	keyCmd.PersistentFlags().StringVar(&dbKeyFlag, "key", "", "Database key, if it cannot be recovered from escrow")
}
