// Command arena is a terminal client for the arena: it connects, joins the
// lobby, queues for matches and chats with the opponent.
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

	"github.com/omochice/arena-client/internal/config"
	"github.com/omochice/arena-client/internal/log"
	"github.com/omochice/arena-client/internal/metrics"
	"github.com/omochice/arena-client/internal/session"
	"github.com/omochice/arena-client/internal/transport"
	"github.com/omochice/arena-client/internal/transport/ws"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	v := config.New()

	cmd := &cobra.Command{
		Use:          "arena",
		Short:        "Terminal client for the multiplayer arena",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./arena.yml)")
	flags.String("server", "", "arena websocket url (e.g., ws://localhost:8080/ws)")
	flags.String("skill", "", "default skill tier for /find")
	flags.Duration("reconnect-delay", 0, "wait this long before redialling a lost connection; 0 disables")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-file", "", "also write debug logs to this file")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")

	bind(v, cmd, map[string]string{
		"server.url":             "server",
		"server.reconnect_delay": "reconnect-delay",
		"player.skill":           "skill",
		"log.level":              "log-level",
		"log.file":               "log-file",
		"metrics.addr":           "metrics-addr",
	})

	return cmd
}

func bind(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}
}

func run(cmd *cobra.Command, cfg config.Config) error {
	closer := log.MustCreateLogger(cfg.Log.File, log.Level(cfg.Log.Level))
	defer closer()

	logger := slog.Default()
	collector := metrics.New()

	sess := session.New(func() transport.Transport {
		return ws.New(cfg.Server.URL,
			ws.WithDialTimeout(cfg.Server.DialTimeout),
			ws.WithLogger(logger),
			ws.WithMetrics(collector))
	}, session.WithLogger(logger), session.WithMetrics(collector))
	defer sess.Close()

	con := newConsole(sess, cmd.OutOrStdout(), cfg.Player.Skill, cfg.Server.ReconnectDelay)
	con.attach(sess)
	defer con.stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: collector.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return con.run(gctx, cmd.InOrStdin())
	})

	logger.Info("Connecting", slog.String("url", cfg.Server.URL))
	sess.Connect()

	if err := g.Wait(); err != nil {
		logger.Error("Client stopped", log.ErrAttr(err))
		return err
	}
	logger.Info("Disconnected from server")
	return nil
}
