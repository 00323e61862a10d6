// Command arena-server runs a local arena for development: it greets
// players, pairs them by skill tier and relays match chat.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omochice/arena-client/internal/arena"
	"github.com/omochice/arena-client/internal/config"
	"github.com/omochice/arena-client/internal/log"
	"github.com/omochice/arena-client/internal/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	var cfgFile string
	v := config.New()

	cmd := &cobra.Command{
		Use:          "arena-server",
		Short:        "Development arena server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(v, cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./arena.yml)")
	flags.String("listen", "", "address to listen on (e.g., :8080)")
	flags.Int("chat-rate", 0, "chat messages per second allowed per player")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")

	for key, flag := range map[string]string{
		"arena.listen":          "listen",
		"arena.chat_per_second": "chat-rate",
		"log.level":             "log-level",
		"metrics.addr":          "metrics-addr",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	closer := log.MustCreateLogger(cfg.Log.File, log.Level(cfg.Log.Level))
	defer closer()

	logger := slog.Default()
	collector := metrics.New()
	srv := arena.New(cfg.Arena.Listen,
		arena.WithLogger(logger),
		arena.WithMetrics(collector),
		arena.WithChatRate(cfg.Arena.ChatPerSecond))
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down arena server")
		srv.Stop()
		return nil
	})

	if cfg.Metrics.Addr != "" {
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: collector.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Arena server stopped", log.ErrAttr(err))
		return err
	}
	logger.Info("Arena server stopped")
	return nil
}
