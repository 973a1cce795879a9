package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/peerlink-chat/peerlink/internal/auth"
	"github.com/peerlink-chat/peerlink/internal/call"
	"github.com/peerlink-chat/peerlink/internal/config"
	"github.com/peerlink-chat/peerlink/internal/httpserver"
	"github.com/peerlink-chat/peerlink/internal/invite"
	"github.com/peerlink-chat/peerlink/internal/metrics"
	"github.com/peerlink-chat/peerlink/internal/presence"
	"github.com/peerlink-chat/peerlink/internal/signaling"
	"github.com/peerlink-chat/peerlink/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildVersion = ""
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting peerlinkd",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"db_path", cfg.DBPath,
		"token_ttl", cfg.TokenTTL,
		"auth_timeout", cfg.AuthTimeout,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"call_pending_timeout", cfg.CallPendingTimeout,
		"call_accepted_timeout", cfg.CallAcceptedTimeout,
		"pending_offer_ttl", cfg.PendingOfferTTL,
	)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(2)
	}
	defer st.Close()

	m := metrics.New()
	authSvc := auth.NewService(st, cfg.JWTSecret, cfg.TokenTTL)

	hub := signaling.NewHub(signaling.HubOptions{
		Log:             logger,
		Metrics:         m,
		Store:           st,
		Presence:        presence.NewRegistry(),
		Calls:           call.NewMachine(cfg.CallPendingTimeout, cfg.CallAcceptedTimeout, nil),
		Invites:         invite.NewLedger(st),
		SearchLimit:     cfg.SearchLimit,
		PendingOfferTTL: cfg.PendingOfferTTL,
		SweepInterval:   cfg.SweepInterval,
	})

	sig := signaling.NewServer(signaling.ServerOptions{
		Log:                  logger,
		Metrics:              m,
		Auth:                 authSvc,
		Hub:                  hub,
		AllowedOrigins:       cfg.AllowedOrigins,
		AuthTimeout:          cfg.AuthTimeout,
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: int64(cfg.MaxMessagesPerSecond),
	})

	srv := httpserver.New(httpserver.Options{
		Log:        logger,
		Auth:       authSvc,
		Metrics:    m,
		Build:      resolveBuildInfo(),
		ListenAddr: cfg.ListenAddr,
		Signaling:  sig,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go hub.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	stopSweep()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo() httpserver.BuildInfo {
	info := httpserver.BuildInfo{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	}

	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		if info.Version == "" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			}
		}
	}

	return info
}
