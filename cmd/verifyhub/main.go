package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"verifyhub/internal/app"
	"verifyhub/internal/authz"
	"verifyhub/internal/config"
	"verifyhub/internal/middleware"
	"verifyhub/internal/services"
)

var Version = "dev"

func main() {
	// .env is optional; real environments set variables directly
	_ = godotenv.Load()

	var configPath string
	rootCmd := &cobra.Command{
		Use:          "verifyhub",
		Short:        "Temporary-number verification and rental service",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to config.yaml (env CONFIG_PATH)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := app.ConfigureLogging(cfg.Log.Level); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(migrateCmd(load))
	rootCmd.AddCommand(tokenCmd(load))
	rootCmd.AddCommand(hashKeyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type loader func() (*config.Config, error)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate needs the postgres driver, got %q", cfg.Database.Driver)
			}
			cfg.Database.AutoMigrate = true
			store, _, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Println("schema is up to date")
			return nil
		},
	}
}

func tokenCmd(load loader) *cobra.Command {
	var (
		role string
		free int
	)
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Open a billing account if needed and print a bearer token for it",
		Example: `  verifyhub token 42
  verifyhub token 1 --role operator
  verifyhub token 7 --free 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var userID int64
			if _, err := fmt.Sscan(args[0], &userID); err != nil || userID <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			if !authz.Valid(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			store, _, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			u, err := services.NewLedgerService(store, nil).OpenAccount(ctx, userID, free)
			if err != nil {
				return err
			}

			auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, nil)
			token, err := auth.IssueToken(userID, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "user %d: balance=%s free=%d\n", u.ID, u.CreditBalance.StringFixed(2), u.FreeVerificationCount)
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", authz.RoleUser, "token role (user, operator)")
	cmd.Flags().IntVar(&free, "free", 0, "free verifications granted when the account is opened")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [payment-key]",
		Short: "Print the bcrypt hash to put in payments.webhook_key_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}
