package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/bundlesync/internal/config"
	"github.com/ehr/bundlesync/internal/pipeline"
	"github.com/ehr/bundlesync/internal/platform/db"
	"github.com/ehr/bundlesync/internal/platform/fhir"
	"github.com/ehr/bundlesync/internal/platform/fhirmock"
	"github.com/ehr/bundlesync/internal/repair"
	"github.com/ehr/bundlesync/internal/store"
	"github.com/ehr/bundlesync/internal/transport"
)

// newLogger writes JSON, or console output when env is development. An
// unknown level falls back to info.
func newLogger(w io.Writer, env, level string) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// loadConfig loads configuration and applies any command line flags that
// were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.InputDir, _ = flags.GetString("input")
	}
	if flags.Changed("output") {
		cfg.OutputDir, _ = flags.GetString("output")
	}
	if flags.Changed("base-url") {
		cfg.FHIRBaseURL, _ = flags.GetString("base-url")
	}
	if flags.Changed("mode") {
		cfg.SendMode, _ = flags.GetString("mode")
	}
	if flags.Changed("dry-run") {
		cfg.DryRun, _ = flags.GetBool("dry-run")
	}
	return cfg, nil
}

func buildEngine(cfg *config.Config) *repair.Engine {
	return repair.NewEngine(repair.Options{
		Sentinel:               cfg.Sentinel,
		DescriptionPlaceholder: cfg.DescriptionPlaceholder,
		TitlePlaceholder:       cfg.TitlePlaceholder,
	})
}

func buildSource(cfg *config.Config) (*pipeline.Source, error) {
	if !cfg.ValidateContainer {
		return pipeline.NewSource(nil), nil
	}
	v, err := fhir.NewContainerValidator()
	if err != nil {
		return nil, fmt.Errorf("compile container schema: %w", err)
	}
	return pipeline.NewSource(v), nil
}

func buildTokenSource(cfg *config.Config) (transport.TokenSource, error) {
	switch {
	case cfg.AuthToken != "":
		return transport.StaticToken(cfg.AuthToken), nil
	case cfg.UsesBackendServices():
		key, err := transport.LoadRSAPrivateKey(cfg.AuthPrivateKeyFile)
		if err != nil {
			return nil, err
		}
		return transport.NewBackendServicesTokenSource(transport.BackendServicesConfig{
			TokenURL:   cfg.AuthTokenURL,
			ClientID:   cfg.AuthClientID,
			KeyID:      cfg.AuthKeyID,
			Scope:      cfg.AuthScope,
			PrivateKey: key,
			HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		})
	default:
		return nil, nil
	}
}

func buildSender(cfg *config.Config) (pipeline.Sender, error) {
	opts := []transport.Option{
		transport.WithTimeout(cfg.HTTPTimeout),
		transport.WithMediaType(cfg.FHIRMediaType),
	}
	tokens, err := buildTokenSource(cfg)
	if err != nil {
		return nil, err
	}
	if tokens != nil {
		opts = append(opts, transport.WithTokenSource(tokens))
	}
	client, err := transport.NewClient(cfg.FHIRBaseURL, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// buildStore returns the configured store and a cleanup func that releases
// any database pool.
func buildStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPGStoreFromPool(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Msg("connected to database")
		return pg, pool.Close, nil
	default:
		fs, err := store.NewFileStore(cfg.OutputDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}

// buildProcessor wires the pipeline from configuration.
func buildProcessor(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pipeline.Processor, func(), error) {
	mode, err := pipeline.ParseMode(cfg.SendMode)
	if err != nil {
		return nil, nil, err
	}
	source, err := buildSource(cfg)
	if err != nil {
		return nil, nil, err
	}

	var sender pipeline.Sender
	if !cfg.DryRun {
		if sender, err = buildSender(cfg); err != nil {
			return nil, nil, err
		}
	}

	st, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	proc, err := pipeline.NewProcessor(buildEngine(cfg), sender, st,
		pipeline.WithLogger(logger),
		pipeline.WithSource(source),
		pipeline.WithMode(mode),
		pipeline.WithDryRun(cfg.DryRun),
		pipeline.WithPatterns(cfg.IncludePatterns, cfg.ExcludePatterns),
	)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return proc, cleanup, nil
}

func mockOptions(logger zerolog.Logger, requireAuth bool, clientKeys map[string]string) ([]fhirmock.Option, error) {
	opts := []fhirmock.Option{fhirmock.WithLogger(logger)}
	if requireAuth {
		opts = append(opts, fhirmock.WithRequiredAuth())
	}
	for clientID, path := range clientKeys {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read client key for %s: %w", clientID, err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse client key for %s: %w", clientID, err)
		}
		opts = append(opts, fhirmock.WithClientKey(clientID, key))
	}
	return opts, nil
}
