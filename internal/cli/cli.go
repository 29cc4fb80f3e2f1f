// Package cli defines the servicematch command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/servicematch/internal/app"
	"github.com/example/servicematch/internal/auth"
	"github.com/example/servicematch/internal/config"
	"github.com/example/servicematch/internal/geo"
	"github.com/example/servicematch/pkg/observability"
)

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "servicematch",
		Short:         "Match service requests to nearby workers and push lifecycle updates in real time",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML configuration file")

	root.AddCommand(
		roleCommand(&cfgPath, "dispatcher", "Run the dispatch engine, offer sweeper and HTTP action API", app.RoleDispatcher),
		roleCommand(&cfgPath, "gateway", "Run the WebSocket gateway and notification router", app.RoleGateway),
		roleCommand(&cfgPath, "location", "Run the gRPC location stream ingestion", app.RoleLocation),
		roleCommand(&cfgPath, "standalone", "Run every role in one process", app.RoleDispatcher, app.RoleGateway, app.RoleLocation),
		tokenCommand(&cfgPath),
		submitCommand(&cfgPath),
	)
	return root
}

func roleCommand(cfgPath *string, name, short string, roles ...app.Role) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if name != "location" {
				if err := cfg.RequireSecret(); err != nil {
					return err
				}
			}
			return run(cmd.Context(), cfg, "servicematch-"+name, roles)
		},
	}
}

func run(parent context.Context, cfg config.Config, service string, roles []app.Role) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger(service, cfg.Logging.Level)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, service, cfg.Tracing.Enabled)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()
	return a.Run(ctx, roles...)
}

func tokenCommand(cfgPath *string) *cobra.Command {
	var role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a signed token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.RequireSecret(); err != nil {
				return err
			}
			token, err := auth.Issue(cfg.Gateway.JWTSecret, args[0], role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&role, "role", auth.RoleWorker, "requester, worker or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func submitCommand(cfgPath *string) *cobra.Command {
	var (
		requestID, requesterID, category string
		lat, lng, price                  float64
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish a request.created event on the intake topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Bus.Driver == "memory" {
				return fmt.Errorf("submit needs a shared bus; bus.driver is %q", cfg.Bus.Driver)
			}
			origin := geo.Point{Lat: lat, Lng: lng}
			if err := origin.Validate(); err != nil {
				return err
			}
			if requestID == "" {
				requestID = uuid.NewString()
			}
			a, err := app.New(cmd.Context(), cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := app.SubmitRequest(cmd.Context(), a.Publisher(), requestID, requesterID, category, origin, price); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), requestID)
			return err
		},
	}
	cmd.Flags().StringVar(&requestID, "id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&requesterID, "requester", "", "requester user id")
	cmd.Flags().StringVar(&category, "category", "", "service category")
	cmd.Flags().Float64Var(&lat, "lat", 0, "origin latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "origin longitude")
	cmd.Flags().Float64Var(&price, "price", 0, "offered price")
	_ = cmd.MarkFlagRequired("requester")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := BuildCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "servicematch:", err)
		os.Exit(1)
	}
}
