package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/shlokie19/invi-ware-nexus/internal/config"
	"github.com/shlokie19/invi-ware-nexus/internal/domain"
	"github.com/shlokie19/invi-ware-nexus/internal/logger"
	pgstore "github.com/shlokie19/invi-ware-nexus/internal/store/postgres"
)

const (
	commandTimeout    = 2 * time.Minute
	minPasswordLength = 10
)

type options struct {
	databaseURL string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()
	opts := &options{databaseURL: cfg.DatabaseURL, logLevel: cfg.LogLevel}

	root := &cobra.Command{
		Use:           "stockledger-migrate",
		Short:         "Manage the stock ledger database schema and accounts",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", opts.databaseURL, "Postgres connection URL (defaults to DATABASE_URL)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level: debug, info, warn, error")

	root.AddCommand(newUpCmd(opts))
	root.AddCommand(newDownCmd(opts))
	root.AddCommand(newVersionCmd(opts))
	root.AddCommand(newCreateUserCmd(opts))
	return root
}

func newUpCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd.Context(), opts, func(m *pgstore.Migrator) error {
				return m.Up()
			})
		},
	}
}

func newDownCmd(opts *options) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration, dropping all ledger data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				return errors.New("refusing to drop the schema without --yes")
			}
			return withMigrator(cmd.Context(), opts, func(m *pgstore.Migrator) error {
				return m.Down()
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm that all data may be dropped")
	return cmd
}

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd.Context(), opts, func(m *pgstore.Migrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
				return nil
			})
		},
	}
}

func newCreateUserCmd(opts *options) *cobra.Command {
	var username, role, passwordEnv string
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create an API account; the password is read from an environment variable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			account, err := buildUserAccount(username, role, os.Getenv(passwordEnv), time.Now().UTC())
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), opts, func(ctx context.Context, s *pgstore.Store) error {
				if err := s.CreateUser(ctx, account); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s account %s\n", account.Role, account.Username)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Account username")
	cmd.Flags().StringVar(&role, "role", domain.RoleClerk, "Account role: admin or clerk")
	cmd.Flags().StringVar(&passwordEnv, "password-env", "STOCKLEDGER_USER_PASSWORD", "Environment variable holding the password")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func buildUserAccount(username string, role string, password string, now time.Time) (domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(username) < 3 || strings.ContainsAny(username, " \t\r\n") {
		return domain.UserAccount{}, errors.New("username must be at least 3 characters without spaces")
	}
	if role != domain.RoleAdmin && role != domain.RoleClerk {
		return domain.UserAccount{}, fmt.Errorf("role must be %s or %s", domain.RoleAdmin, domain.RoleClerk)
	}
	if len(password) < minPasswordLength {
		return domain.UserAccount{}, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("hash password: %w", err)
	}
	return domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      role,
		Active:    true,
		CreatedAt: now,
	}, nil
}

func withStore(parent context.Context, opts *options, fn func(ctx context.Context, s *pgstore.Store) error) error {
	if strings.TrimSpace(opts.databaseURL) == "" {
		return errors.New("database url is required (set DATABASE_URL or --database-url)")
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	s, err := pgstore.New(ctx, opts.databaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer func() { _ = s.Close() }()
	return fn(ctx, s)
}

func withMigrator(parent context.Context, opts *options, fn func(m *pgstore.Migrator) error) error {
	log, err := logger.New(logger.ConfigForEnvironment("", opts.logLevel, "console"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	return withStore(parent, opts, func(ctx context.Context, s *pgstore.Store) error {
		m, err := pgstore.NewMigrator(ctx, s.DB(), log.Named("migrate"))
		if err != nil {
			return err
		}
		defer func() {
			if err := m.Close(); err != nil {
				log.Warn("close migrator", zap.Error(err))
			}
		}()
		return fn(m)
	})
}
