// terminal-broker serves browser terminals: it owns PTY-backed shell
// sessions, multiplexes websocket clients onto them, and keeps detached
// sessions alive for reconnect.
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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/terminal-broker/internal/broker"
	"github.com/artpar/terminal-broker/internal/config"
	"github.com/artpar/terminal-broker/internal/gateway"
	"github.com/artpar/terminal-broker/internal/identity"
	"github.com/artpar/terminal-broker/internal/logging"
	"github.com/artpar/terminal-broker/internal/metrics"
	"github.com/artpar/terminal-broker/internal/runtime"
	"github.com/artpar/terminal-broker/internal/termio"
)

var version = "dev"

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:     "terminal-broker",
		Short:   "Multi-user terminal session broker",
		Version: version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker and websocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfg)
		},
	}
	if err := cfg.BindFlags(serveCmd.Flags(), config.Options); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	tokenCmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := identity.NewTokenProvider(cfg.AuthSecret(), cfg.AuthTokenTTL())
			if err != nil {
				return err
			}
			token, err := provider.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	if err := cfg.BindFlags(tokenCmd.Flags(), config.Options); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root.AddCommand(serveCmd, tokenCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel()))
	logging.SetJSON(cfg.LogJSON())
	log := logging.WithComponent("main")
	log.Info("starting terminal-broker", logging.F("version", version))

	auth, err := identity.NewTokenProvider(cfg.AuthSecret(), cfg.AuthTokenTTL())
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	met := metrics.New()

	brokerCfg := broker.Config{
		MaxSessionsPerUser:   cfg.SessionMaxPerUser(),
		MaxOutputChunks:      cfg.BufferMaxChunks(),
		MaxOutputBytes:       cfg.BufferMaxBytes(),
		ReplayChunks:         cfg.BufferReplayChunks(),
		DetachReap:           cfg.SessionDetachReap(),
		DetachedTTL:          cfg.SessionDetachedTTL(),
		DeadTTL:              cfg.SessionDeadTTL(),
		ReapInterval:         cfg.SessionReapInterval(),
		AuditInterval:        cfg.SessionAuditInterval(),
		StaleClientThreshold: cfg.SessionStaleClientThreshold(),
		CwdDelay:             cfg.SessionCwdDelay(),
		ShutdownGrace:        cfg.ServerShutdownGrace(),
		ContainerMode:        cfg.ContainerEnabled(),
		CwdProbe:             termio.ProcessCwd,
		Metrics:              met,
	}
	if cfg.ContainerEnabled() {
		docker, err := runtime.NewDocker(runtime.DockerConfig{
			Image:      cfg.ContainerImage(),
			User:       cfg.ContainerUser(),
			WorkingDir: cfg.ContainerWorkingDir(),
			NamePrefix: cfg.ContainerNamePrefix(),
		})
		if err != nil {
			return fmt.Errorf("docker: %w", err)
		}
		defer docker.Close()
		brokerCfg.Runtime = docker
	} else {
		brokerCfg.Spawner = &termio.Spawner{Shell: cfg.SessionShell(), Grace: cfg.SessionPtyGrace()}
	}

	brk := broker.New(brokerCfg)

	server := gateway.NewServer(gateway.ServerConfig{
		Address:        cfg.ServerAddress(),
		AllowedOrigins: cfg.ServerAllowedOrigins(),
		PingInterval:   cfg.ServerPingInterval(),
	}, brk, auth, met)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := brk.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info("gateway listening", logging.F("address", cfg.ServerAddress()))
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownGrace())
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		brk.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("exited with error", logging.F("error", err.Error()))
		return err
	}
	log.Info("stopped")
	return nil
}
