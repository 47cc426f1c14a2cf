package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/bundlesync/internal/config"
	"github.com/ehr/bundlesync/internal/pipeline"
	"github.com/ehr/bundlesync/internal/platform/fhir"
	"github.com/ehr/bundlesync/internal/platform/fhirmock"
	"github.com/ehr/bundlesync/internal/watch"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "bundlesync",
		Short:        "Repair FHIR bundles and load them into a FHIR server",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("input", "", "Input root directory (overrides INPUT_DIR)")
	flags.String("output", "", "Output directory for transmitted bundles (overrides OUTPUT_DIR)")
	flags.String("base-url", "", "FHIR server base URL (overrides FHIR_BASE_URL)")
	flags.String("mode", "", "Send mode: bundle or resources (overrides SEND_MODE)")
	flags.Bool("dry-run", false, "Repair and store without sending (overrides DRY_RUN)")

	rootCmd.AddCommand(pushCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(repairCmd())
	rootCmd.AddCommand(mockServerCmd())
	return rootCmd
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Process every bundle under the input directory once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPush(ctx, cfg, logger)
		},
	}
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Process the input directory, then reprocess bundles as they change",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			debounce, _ := cmd.Flags().GetDuration("debounce")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cfg, logger, debounce)
		},
	}
	cmd.Flags().Duration("debounce", watch.DefaultDebounce, "Quiet period before a changed file is processed")
	return cmd
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair <file>",
		Short: "Repair and order one bundle and print its transaction package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// Logs go to stderr so stdout carries only the bundle.
			logger := newLogger(cmd.ErrOrStderr(), cfg.Env, cfg.LogLevel)
			return runRepair(cmd, cfg, logger, args[0])
		},
	}
}

func mockServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run an in-memory FHIR endpoint for dry runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(os.Stdout, cfg.Env, cfg.LogLevel)
			requireAuth, _ := cmd.Flags().GetBool("require-auth")
			clientKeys, _ := cmd.Flags().GetStringToString("client-key")
			opts, err := mockOptions(logger, requireAuth, clientKeys)
			if err != nil {
				return err
			}
			return runMockServer(cfg, logger, fhirmock.New(opts...))
		},
	}
	cmd.Flags().Bool("require-auth", false, "Reject FHIR requests without a token issued by /auth/token")
	cmd.Flags().StringToString("client-key", nil, "Register a client public key as client_id=path/to/key.pem")
	return cmd
}

// setup loads, overrides and validates configuration and builds the logger.
func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return nil, logger, err
	}
	return cfg, logger, nil
}

func runPush(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	proc, cleanup, err := buildProcessor(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise pipeline")
		return err
	}
	defer cleanup()

	logger.Info().
		Str("input", cfg.InputDir).
		Str("base_url", cfg.FHIRBaseURL).
		Str("mode", cfg.SendMode).
		Bool("dry_run", cfg.DryRun).
		Msg("starting push")
	if _, err := proc.Run(ctx, cfg.InputDir); err != nil {
		logger.Error().Err(err).Msg("push aborted")
		return err
	}
	return nil
}

func runWatch(ctx context.Context, cfg *config.Config, logger zerolog.Logger, debounce time.Duration) error {
	proc, cleanup, err := buildProcessor(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise pipeline")
		return err
	}
	defer cleanup()

	w, err := watch.New(cfg.InputDir, proc, watch.WithLogger(logger), watch.WithDebounce(debounce))
	if err != nil {
		return err
	}
	if _, err := proc.Run(ctx, cfg.InputDir); err != nil {
		return err
	}
	return w.Run(ctx)
}

func runRepair(cmd *cobra.Command, cfg *config.Config, logger zerolog.Logger, path string) error {
	source, err := buildSource(cfg)
	if err != nil {
		return err
	}
	b, err := source.LoadContainer(path)
	if err != nil {
		logger.Error().Err(err).Msg("cannot read bundle")
		return err
	}
	proc, err := pipeline.NewProcessor(buildEngine(cfg), nil, nil,
		pipeline.WithDryRun(true),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	pkgs, _ := proc.Prepare(path, b)
	data, err := fhir.MarshalIndent(pkgs.Transaction)
	if err != nil {
		return fmt.Errorf("encode transaction bundle: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runMockServer(cfg *config.Config, logger zerolog.Logger, mock *fhirmock.Server) error {
	e := mock.Handler()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.MockPort
		logger.Info().Str("addr", addr).Msg("starting mock FHIR server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down mock server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().
		Int("resources", mock.ResourceCount()).
		Int("collections", mock.CollectionCount()).
		Msg("mock server stopped")
	return nil
}
