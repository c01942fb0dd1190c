// Package cli holds the healthchat command tree.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"healthchat/internal/config"
	"healthchat/internal/logging"
	"healthchat/internal/storage"
)

type app struct {
	configPath string
	cfg        *config.Config
	logger     zerolog.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "healthchat",
		Short:         "Assessment-aware health chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv(config.EnvPrefix+"_CONFIG"), "config file (json, yaml or toml)")

	root.AddCommand(
		newServeCommand(a),
		newMigrateCommand(a),
		newRepairParentsCommand(a),
		newIssueTokenCommand(a),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func (a *app) init() error {
	loadErr := godotenv.Load()
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.Setup(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	if loadErr != nil && !errors.Is(loadErr, fs.ErrNotExist) {
		a.logger.Warn().Err(loadErr).Msg("could not load .env file")
	}
	return nil
}

// openDatabase opens and migrates the configured database.
func (a *app) openDatabase() (*sql.DB, string, error) {
	driver, err := storage.NormalizeDriver(a.cfg.Database.Driver)
	if err != nil {
		return nil, "", err
	}
	db, err := storage.Open(driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, driver); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("migrate database: %w", err)
	}
	return db, driver, nil
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, driver, err := a.openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()
			a.logger.Info().Str("driver", driver).Msg("schema up to date")
			return nil
		},
	}
}

func newRepairParentsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repair-parents",
		Short: "Backfill missing parent links in every conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, driver, err := a.openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store := storage.NewStore(db, driver, nil)
			svc := a.newChatService(store, nil, nil, nil)
			ids, err := store.ListConversationIDs(ctx)
			if err != nil {
				return err
			}
			repaired, err := svc.RepairAll(ctx, ids)
			if err != nil {
				return err
			}
			a.logger.Info().Int("conversations", len(ids)).Int("repaired", repaired).Msg("parent repair finished")
			fmt.Fprintf(cmd.OutOrStdout(), "repaired %d messages across %d conversations\n", repaired, len(ids))
			return nil
		},
	}
}

func newIssueTokenCommand(a *app) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a bearer token for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, driver, err := a.openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			authService, closeRedis, err := a.newAuthService(ctx, db, driver)
			if err != nil {
				return err
			}
			defer closeRedis()
			token, err := authService.IssueToken(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the token authenticates")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
