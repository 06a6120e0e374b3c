package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keymux/keymux/cmd/keymux/di"
	"github.com/keymux/keymux/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the keymux proxy server",
	Long: `Start the proxy server that accepts completion requests, binds each one
to an upstream credential, and forwards it to the owning service.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	configPath := cfgFile
	if configPath == "" {
		configPath = findConfigFile()
	}

	// Load .env before the config so ${VAR} expansion sees it.
	if err := config.LoadEnv(".env"); err != nil {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	container, err := di.NewContainer(configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to create container")
		return err
	}

	cfgSvc, err := di.Invoke[*di.ConfigService](container)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("failed to load config")
		return err
	}

	loggerSvc := di.MustInvoke[*di.LoggerService](container)
	log.Logger = *loggerSvc.Logger
	zerolog.DefaultContextLogger = loggerSvc.Logger

	handlerSvc := di.MustInvoke[*di.HandlerService](container)
	serverSvc := di.MustInvoke[*di.ServerService](container)

	// The checker starts probing as a side effect of resolution.
	if _, err := di.Invoke[*di.CheckerService](container); err != nil {
		log.Error().Err(err).Msg("failed to start key checker")
		return err
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	startConfigWatcher(watchCtx, configPath, cfgSvc, handlerSvc)

	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info().Msg("shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := container.ShutdownWithContext(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}

		close(done)
	}()

	log.Info().
		Str("listen", cfgSvc.Config.Server.Listen).
		Int("keys", cfgSvc.Config.Keys.CountSecrets()).
		Msg("starting keymux")

	if err := serverSvc.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server error")
		return err
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}

// startConfigWatcher hot-reloads the runtime config view and the knobs
// that can change without a restart. Key lists and listeners still need
// a restart; the watcher logs what it applied.
func startConfigWatcher(ctx context.Context, path string, cfgSvc *di.ConfigService, handlerSvc *di.HandlerService) {
	watcher, err := config.NewWatcher(path)
	if err != nil {
		log.Warn().Err(err).Msg("config hot reload disabled")
		return
	}

	watcher.OnReload(func(next *config.Config) error {
		cfgSvc.Runtime.Store(next)

		maxConcurrent := next.Server.GetMaxConcurrentOption().OrElse(next.Keys.CountSecrets())
		handlerSvc.Limiter.SetLimit(int64(maxConcurrent))

		zerolog.SetGlobalLevel(next.Logging.ParseLevel())

		log.Info().
			Int("max_concurrent", maxConcurrent).
			Msg("configuration reloaded")
		return nil
	})

	go func() {
		defer watcher.Close()
		if err := watcher.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("config watcher stopped")
		}
	}()
}

// findConfigFile searches the default config locations.
func findConfigFile() string {
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		p := filepath.Join(home, ".config", "keymux", defaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return defaultConfigFile
}
