package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/strongroom/pinbox"
)

var pinUID string

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manage the recovery PIN",
	Long: `The recovery PIN is stored encrypted twice: once under a key bound to this
device and once under a key bound to the account. Recovery needs both the
same device and the same account.`,
}

func requireUID() error {
	if pinUID == "" {
		return fmt.Errorf("--uid is required")
	}
	return nil
}

// readPIN reads one line from r.
func readPIN(cmd *cobra.Command, r io.Reader, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading PIN: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func withPINManager(fn func(*pinbox.Manager) error) error {
	store, err := openSettings()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(pinbox.NewManager(store, pinbox.WithLogger(log)))
}

var pinSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the PIN (reads it from stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUID(); err != nil {
			return err
		}
		pin, err := readPIN(cmd, cmd.InOrStdin(), "PIN: ")
		if err != nil {
			return err
		}
		return withPINManager(func(m *pinbox.Manager) error {
			if err := m.Set(cmd.Context(), pinUID, pin); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN set.")
			return nil
		})
	},
}

var pinChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the PIN (reads the current and new PIN from stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUID(); err != nil {
			return err
		}
		in := bufio.NewReader(cmd.InOrStdin())
		current, err := readPIN(cmd, in, "Current PIN: ")
		if err != nil {
			return err
		}
		next, err := readPIN(cmd, in, "New PIN: ")
		if err != nil {
			return err
		}
		return withPINManager(func(m *pinbox.Manager) error {
			if err := m.Change(cmd.Context(), pinUID, current, next); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN changed.")
			return nil
		})
	},
}

var pinClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the PIN",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPINManager(func(m *pinbox.Manager) error {
			if err := m.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN cleared.")
			return nil
		})
	},
}

var pinRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Print the PIN; works only on the device and account that set it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireUID(); err != nil {
			return err
		}
		return withPINManager(func(m *pinbox.Manager) error {
			pin, err := m.Recover(cmd.Context(), pinUID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pin)
			return nil
		})
	},
}

var pinStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a PIN is set",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPINManager(func(m *pinbox.Manager) error {
			st, err := m.State(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(pinCmd)
	pinCmd.AddCommand(pinSetCmd, pinChangeCmd, pinClearCmd, pinRecoverCmd, pinStatusCmd)
	pinCmd.PersistentFlags().StringVar(&pinUID, "uid", "", "Account id the PIN belongs to")
}
