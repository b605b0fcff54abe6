package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chunkdrop/pkg/app"
	"chunkdrop/pkg/config"
	"chunkdrop/pkg/server"

	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "cdrop-server",
	Short:         "chunkdrop object directory server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(cfgFile); err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		return config.SetupLogger(viper.GetString("log.level"), viper.GetString("log.format"))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cdrop/config.yaml)")
	flags.String("addr", "", "listen address (default :8080)")
	flags.String("storage-path", "", "directory to store blobs when storage.type=disk")

	for key, name := range map[string]string{
		"server.addr":  "addr",
		"storage.path": "storage-path",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

func serve(ctx context.Context) error {
	// 1. Init Core Application
	application, err := app.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer application.Close()

	addr := viper.GetString("server.addr")
	log.Info().
		Str("storage", viper.GetString("storage.type")).
		Str("database", viper.GetString("database.driver")).
		Str("max_chunk", units.BytesSize(float64(application.Directory.MaxChunkSize()))).
		Msg("✅ chunkdrop core initialized")

	// 2. 后台回收过期批次
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go application.Directory.RunReclaimer(ctx,
		viper.GetDuration("directory.reclaim_interval"),
		viper.GetDuration("directory.batch_ttl"),
	)

	// 3. Start Server (Async)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(application.Directory).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("🚀 HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 4. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-quit:
	}

	log.Warn().Msg("⚠️  shutting down server...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), viper.GetDuration("server.shutdown_timeout"))
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info().Msg("👋 server stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("❌ server exited")
		os.Exit(1)
	}
}
