package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/api"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/broadcast"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/log"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/service"
)

const shutdownTimeout = 30 * time.Second

var flagListen string

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "address to listen on, overrides server.listen")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the HTTP API and the output stream until interrupted",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group(appName,
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	listen := config.Server.Listen
	if flagListen != "" {
		listen = flagListen
	}

	registry := broadcast.NewRegistry(broadcast.DefaultGreeting)
	fanout := broadcast.NewFanout(registry)
	supervisor, err := service.NewSupervisor(ctx, config, fanout)
	if err != nil {
		return err
	}

	stream := broadcast.NewHandler(registry, broadcast.ConnOptions{
		Buffer:   config.Broadcast.Buffer,
		MaxDrops: config.Broadcast.MaxDrops,
	})
	srv := &http.Server{
		Handler:           api.NewHandler(supervisor, stream),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Join(
			fmt.Errorf("listening on %s: %w", listen, err),
			supervisor.Close(ctx),
		)
	}
	slog.InfoContext(ctx, "listening", "addr", ln.Addr().String(), "log_dir", supervisor.LogDir())
	notify(ctx, daemon.SdNotifyReady)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		notify(ctx, daemon.SdNotifyStopping)
		slog.InfoContext(ctx, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		// running jobs send their trailers to subscribers still connected
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			supervisor.Close(shutdownCtx),
			registry.CloseAll(),
		)
	})
	return g.Wait()
}

func notify(ctx context.Context, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		slog.WarnContext(ctx, "sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		slog.DebugContext(ctx, "sd_notify sent", "state", state)
	}
}
