package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/potshelf/internal/config"
	"github.com/MarcoPoloResearchLab/potshelf/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "potshelf",
		Short: "Potshelf document store service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "reindex",
		Short: "Queue every live document for indexing on the next start",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("index-path", defaults.GetString("index.path"), "Search index directory (empty keeps it in memory)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("queue-capacity", defaults.GetInt("queue.capacity"), "Pending change batches before writers wait")
	cmd.PersistentFlags().Int("fuzzy-distance", defaults.GetInt("search.fuzzy_distance"), "Default search edit distance")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "index.path", "index-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "queue.capacity", "queue-capacity")
	bindFlag(cmd, "search.fuzzy_distance", "fuzzy-distance")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadLogger() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := buildApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if app.index.Created() {
		seeded, err := app.documents.Reseed(ctx)
		if err != nil {
			return err
		}
		logger.Info("search index created, documents queued for indexing", zap.Int("rows", seeded))
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: app.handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return app.reconciler.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.queue.Close()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runReindex(ctx context.Context) error {
	appConfig, logger, err := loadLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := buildApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.close()

	seeded, err := app.documents.Reseed(ctx)
	if err != nil {
		return err
	}
	logger.Info("documents queued for indexing", zap.Int("rows", seeded))
	return nil
}
