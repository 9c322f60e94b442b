package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/strongroom/fieldcrypt"
	"github.com/jmcleod/strongroom/filecrypt"
	"github.com/jmcleod/strongroom/migrate"
)

var migrateDecrypt bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move the database or convert its fields",
}

var migratePathCmd = &cobra.Command{
	Use:   "path <destination>",
	Short: "Copy the database and its sidecar files to a new location",
	Long: `Copies the configured database, with its -wal and -shm files, to the
destination. An encrypted database stays encrypted under the same key. The
source is left in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var key string
		if filecrypt.IsEncrypted(cfg.DatabasePath) {
			store, err := openSettings()
			if err != nil {
				return err
			}
			key, err = databaseKey(ctx, store)
			store.Close()
			if err != nil {
				return err
			}
		}
		return withMetrics(ctx, func(reg prometheus.Registerer) error {
			c, err := migrate.New(migrate.FromConfig(cfg), migrate.WithLogger(log), migrate.WithRegisterer(reg))
			if err != nil {
				return err
			}
			res, err := c.MovePath(ctx, cfg.DatabasePath, args[0], key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Copied %s to %s (%d bytes, encrypted=%t, sidecars=%d)\n",
				res.Source, res.Destination, res.Bytes, res.Encrypted, len(res.Sidecars))
			for f, err := range res.SidecarErrors {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s not copied: %v\n", f, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Update databasePath in the configuration, then remove the old files.")
			return nil
		})
	},
}

var migrateFieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Encrypt (or with --decrypt, decrypt) the configured field values",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.FieldKey == "" {
			return errors.New("no field key configured: set fieldKey or STRONGROOM_FIELD_KEY")
		}
		fc, err := fieldcrypt.New(cfg.FieldKey, fieldcrypt.WithLogger(log))
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		progress := func(p migrate.Progress) {
			if p.Done == p.Total {
				fmt.Fprintf(out, "%s: %d/%d rows\n", p.Table, p.Done, p.Total)
			}
		}

		var res *migrate.FieldResult
		err = withMetrics(ctx, func(reg prometheus.Registerer) error {
			return withDatabase(ctx, true, func(db *sql.DB) error {
				c, err := migrate.New(migrate.FromConfig(cfg),
					migrate.WithLogger(log),
					migrate.WithRegisterer(reg),
					migrate.WithDB(db),
					migrate.WithFieldCipher(fc))
				if err != nil {
					return err
				}
				if migrateDecrypt {
					res, err = c.DecryptFields(ctx, progress)
				} else {
					res, err = c.EncryptFields(ctx, progress)
				}
				return err
			})
		})
		if res != nil {
			fmt.Fprintf(out, "Changed %d rows, %d failed\n", res.Changed, res.Failed)
			for _, t := range res.Tables {
				if t.Err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: table %s skipped: %v\n", t.Table, t.Err)
				}
			}
		}
		if err != nil {
			return err
		}
		if !res.OK() {
			return errors.New("field migration finished with failures; rerun to retry")
		}
		return nil
	},
}

// withMetrics runs fn with a fresh registry, served on cfg.MetricsListen
// while fn runs if that is set.
func withMetrics(ctx context.Context, fn func(prometheus.Registerer) error) error {
	reg := prometheus.NewRegistry()
	if cfg.MetricsListen == "" {
		return fn(reg)
	}
	srv := &http.Server{
		Addr:              cfg.MetricsListen,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server failed", "addr", cfg.MetricsListen, "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return fn(reg)
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migratePathCmd)
	migrateCmd.AddCommand(migrateFieldsCmd)
	migrateCmd.PersistentFlags().StringVar(&dbKeyFlag, "key", "", "Database key, if it cannot be recovered from escrow")
	migrateFieldsCmd.Flags().BoolVar(&migrateDecrypt, "decrypt", false, "Decrypt field values instead of encrypting them")
}
