package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfg    *Config
	logger *zap.Logger
)

// rootCmd serves the tool when run without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "lti-tool",
	Short: "LTI 1.3 tool for Canvas",
	Long: `lti-tool answers LTI 1.3 logins and launches from learning platforms,
registers with platforms through LTI Dynamic Registration and exposes the
course roster of a launch through the Names and Role Provisioning Service.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = LoadConfig()
		if err != nil {
			return err
		}
		logger, err = NewLogger(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tool server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, _ := cmd.Flags().GetString("direction")
		if err := Migrate(cfg.DatabaseURL, direction); err != nil {
			return err
		}
		logger.Info("migrations applied", zap.String("direction", direction))
		return nil
	},
}

var platformCmd = &cobra.Command{
	Use:   "platform",
	Short: "Manage platform registrations",
}

var platformListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered platforms",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProvider(cmd.Context(), func(ctx context.Context, lti *Provider) error {
			plats, err := lti.ListPlatforms(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tURL\tCLIENT ID\tAUTH\tACTIVE")
			for _, p := range plats {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", p.Name, p.URL, p.ClientID, p.AuthConfig.Method, p.Active)
			}
			return tw.Flush()
		})
	},
}

var platformDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a platform registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, clientID := platformFlags(cmd)
		return withProvider(cmd.Context(), func(ctx context.Context, lti *Provider) error {
			return lti.DeletePlatform(ctx, url, clientID)
		})
	},
}

var platformActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Allow or block launches from a platform",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, clientID := platformFlags(cmd)
		disable, _ := cmd.Flags().GetBool("disable")
		return withProvider(cmd.Context(), func(ctx context.Context, lti *Provider) error {
			if err := lti.ActivatePlatform(ctx, url, clientID, !disable); err != nil {
				return err
			}
			logger.Info("platform updated", zap.String("url", url), zap.String("client_id", clientID), zap.Bool("active", !disable))
			return nil
		})
	},
}

func init() {
	migrateCmd.Flags().String("direction", "up", "migration direction (up or down)")

	for _, c := range []*cobra.Command{platformDeleteCmd, platformActivateCmd} {
		c.Flags().String("url", "", "platform issuer url")
		c.Flags().String("client-id", "", "client id issued by the platform")
		_ = c.MarkFlagRequired("url")
		_ = c.MarkFlagRequired("client-id")
	}
	platformActivateCmd.Flags().Bool("disable", false, "deactivate instead of activate")

	platformCmd.AddCommand(platformListCmd, platformDeleteCmd, platformActivateCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, platformCmd)
}

// Execute runs the root command with a context cancelled by SIGINT or SIGTERM.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("lti-tool failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

func runServe(cmd *cobra.Command, args []string) error {
	err := Run(cmd.Context(), cfg, logger)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func platformFlags(cmd *cobra.Command) (string, string) {
	url, _ := cmd.Flags().GetString("url")
	clientID, _ := cmd.Flags().GetString("client-id")
	return url, clientID
}

// withProvider opens a provider for one-off administrative commands. It does
// not deploy a server.
func withProvider(ctx context.Context, fn func(context.Context, *Provider) error) error {
	if err := Migrate(cfg.DatabaseURL, "up"); err != nil {
		return err
	}
	db, err := OpenDatabase(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	sess, closeSessions, err := NewSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSessions()
	lti, err := NewProvider(cfg.LTIKey, db, ProviderOptions{Sessions: sess, Logger: logger})
	if err != nil {
		return err
	}
	defer lti.Close()
	return fn(ctx, lti)
}
