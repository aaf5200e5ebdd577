package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/twinforge/twinchat/pkg/auth"
	"github.com/twinforge/twinchat/pkg/bus"
	"github.com/twinforge/twinchat/pkg/chatctx"
	"github.com/twinforge/twinchat/pkg/completion"
	"github.com/twinforge/twinchat/pkg/config"
	"github.com/twinforge/twinchat/pkg/gateway"
	"github.com/twinforge/twinchat/pkg/media"
	"github.com/twinforge/twinchat/pkg/orchestrator"
	"github.com/twinforge/twinchat/pkg/store"
	"github.com/twinforge/twinchat/pkg/transcribe"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "twinchat",
	Short: "Real-time chat server between users and their digital twins",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		logger := zerolog.New(zerolog.NewConsoleWriter()).
			With().
			Timestamp().
			Logger()
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		log.Logger = logger.Level(level)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket chat gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	dsn, err := store.DSNForFile(cfg.SQLitePath)
	if err != nil {
		return err
	}
	st, err := store.NewSQLiteStore(dsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("closing store")
		}
	}()

	var b *bus.Bus
	if cfg.Redis.Enabled {
		b, err = bus.NewRedis(cfg.Redis)
		if err != nil {
			return err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis streams broadcast bus")
	} else {
		b = bus.NewInMemory()
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error().Err(err).Msg("closing bus")
		}
	}()

	completer := completion.NewClient(cfg.Completion.APIKey,
		completion.WithBaseURL(cfg.Completion.BaseURL),
		completion.WithModel(cfg.Completion.Model),
		completion.WithVisionModel(cfg.Completion.VisionModel),
		completion.WithTimeout(cfg.Completion.Timeout),
	)

	assemblerOpts := []chatctx.Option{chatctx.WithMaxMessages(cfg.Context.MaxMessages)}
	if cfg.Context.MaxTokens > 0 {
		assemblerOpts = append(assemblerOpts, chatctx.WithTokenBudget(cfg.Context.MaxTokens))
	}
	assembler, err := chatctx.New(st, assemblerOpts...)
	if err != nil {
		return err
	}

	orch := orchestrator.New(st, b, assembler, completer,
		orchestrator.WithTemperature(cfg.Completion.Temperature),
		orchestrator.WithMaxTokens(cfg.Completion.MaxTokens),
		orchestrator.WithTimeout(cfg.Completion.Timeout),
	)

	speech := transcribe.NewAssemblyClient(cfg.Speech.APIKey,
		transcribe.WithBaseURL(cfg.Speech.BaseURL),
	)
	jobs := transcribe.NewManager(st, b, speech,
		transcribe.WithWorkers(cfg.Speech.Workers),
		transcribe.WithLanguage(cfg.Speech.Language),
	)
	jobs.Start(ctx)

	fetcher := media.NewHTTPFetcher(cfg.Media.BaseURL)
	validator := auth.NewStaticValidator(cfg.Auth.Tokens)

	srv := gateway.NewServer(cfg.Addr, st, b, orch, jobs, fetcher, validator)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	return jobs.Wait()
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to twinchat.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
