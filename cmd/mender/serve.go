package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/mender"
)

const shutdownTimeout = 10 * time.Second

// runServe starts the API (and metrics, when enabled) and blocks until ctx
// is cancelled or a server fails.
func runServe(ctx context.Context, flags ServeFlags, args []string, out io.Writer) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := mender.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}
	if flags.BasePath != "" {
		cfg.Server.BasePath = flags.BasePath
	}
	if flags.Engine != "" {
		cfg.Server.Engine = flags.Engine
	}
	if flags.MetricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = flags.MetricsListen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	agent, err := mender.New(cfg, mender.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = agent.Close() }()
	logger := agent.Logger()

	srv, router := agent.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath)
	defer router.Close()
	if cfg.Server.Engine == "echo" {
		srv.Handler = echoHandler(srv.Handler, cfg.Server.BasePath)
	}
	tlsCfg, err := mender.ServerTLS(cfg)
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	scheme := "http"
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
		scheme = "https"
	}
	servers := []*http.Server{srv}
	listeners := []net.Listener{ln}

	if cfg.Metrics.Enabled {
		if err := mender.RegisterMetricsDefault(); err != nil {
			logger.Warn("register metrics", "error", err)
		}
		if cfg.Metrics.Listen != "" {
			mln, err := net.Listen("tcp", cfg.Metrics.Listen)
			if err != nil {
				_ = ln.Close()
				return fmt.Errorf("listen %s: %w", cfg.Metrics.Listen, err)
			}
			servers = append(servers, mender.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path))
			listeners = append(listeners, mln)
			_, _ = fmt.Fprintf(out, "metrics on http://%s%s\n", mln.Addr(), cfg.Metrics.Path)
		}
	}
	_, _ = fmt.Fprintf(out, "mender API (%s) listening on %s://%s%s\n", cfg.Server.Engine, scheme, ln.Addr(), cfg.Server.BasePath)

	g, gctx := errgroup.WithContext(ctx)
	for i := range servers {
		s, l := servers[i], listeners[i]
		g.Go(func() error {
			if err := s.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		router.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			if err := s.Shutdown(sctx); err != nil {
				errs = append(errs, s.Close())
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// echoHandler mounts the gin API under an echo instance.
func echoHandler(h http.Handler, base string) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Any(base, echo.WrapHandler(h))
	e.Any(base+"/*", echo.WrapHandler(h))
	return e
}
