package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/strongroom/filecrypt"
)

var (
	fileKey    string
	fileNewKey string
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Encrypt, decrypt and rekey individual files",
	Long: `Low-level whole-file operations. They do not touch the settings record;
use the key commands to manage the configured database.`,
}

func requireFileKey() (string, error) {
	if fileKey != "" {
		return fileKey, nil
	}
	if k := os.Getenv(dbKeyEnv); k != "" {
		return k, nil
	}
	return "", fmt.Errorf("a key is required: pass --key or set %s", dbKeyEnv)
}

var fileStatusCmd = &cobra.Command{
	Use:   "status <path>",
	Short: "Report whether a file is encrypted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(args[0]); err != nil {
			return err
		}
		state := "plaintext"
		if filecrypt.IsEncrypted(args[0]) {
			state = "encrypted"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
		return nil
	},
}

var fileEncryptCmd = &cobra.Command{
	Use:   "encrypt <path>",
	Short: "Encrypt a file in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := requireFileKey()
		if err != nil {
			return err
		}
		if filecrypt.IsEncrypted(args[0]) {
			return fmt.Errorf("%s already looks encrypted", args[0])
		}
		if err := filecrypt.New(filecrypt.WithLogger(log)).EncryptFile(args[0], key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Encrypted %s\n", args[0])
		return nil
	},
}

var fileDecryptCmd = &cobra.Command{
	Use:   "decrypt <path>",
	Short: "Decrypt a file in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := requireFileKey()
		if err != nil {
			return err
		}
		err = filecrypt.New(filecrypt.WithLogger(log)).DecryptFile(args[0], key)
		if errors.Is(err, filecrypt.ErrDecrypt) {
			return fmt.Errorf("%s: wrong key or damaged file, left unchanged", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Decrypted %s\n", args[0])
		return nil
	},
}

var fileRekeyCmd = &cobra.Command{
	Use:   "rekey <path>",
	Short: "Re-encrypt a file under a new key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := requireFileKey()
		if err != nil {
			return err
		}
		if fileNewKey == "" {
			return errors.New("--new-key is required")
		}
		if err := filecrypt.New(filecrypt.WithLogger(log)).Rekey(key, fileNewKey, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rekeyed %s\n", args[0])
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new random file key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := filecrypt.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(keygenCmd)
	fileCmd.AddCommand(fileStatusCmd, fileEncryptCmd, fileDecryptCmd, fileRekeyCmd)
	fileCmd.PersistentFlags().StringVar(&fileKey, "key", "", "File key (base64url)")
	fileRekeyCmd.Flags().StringVar(&fileNewKey, "new-key", "", "Replacement key (base64url)")
}
