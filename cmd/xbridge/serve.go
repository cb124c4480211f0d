package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xbridge/channel"
	"xbridge/fileshare"
	"xbridge/handshake"
	"xbridge/middleware"
	"xbridge/permission"
	"xbridge/registry"
	"xbridge/server"
	"xbridge/session"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	announceTTL     = 10 // seconds, renewed by keepalive
	webSocketPath   = "/xbridge"
)

type serveCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
	listen         string
	webSocket      string
	metrics        string
	advertise      string
	share          string
}

func newServeCommandeer(rootCommandeer *rootCommandeer) *serveCommandeer {
	commandeer := &serveCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the share directory to trusted peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return commandeer.serve()
		},
	}

	cmd.Flags().StringVarP(&commandeer.listen, "listen", "l", "", "TCP listen address (default from config)")
	cmd.Flags().StringVar(&commandeer.webSocket, "websocket", "", "HTTP address serving websocket peers on "+webSocketPath)
	cmd.Flags().StringVar(&commandeer.metrics, "metrics", "", "HTTP address serving /metrics")
	cmd.Flags().StringVar(&commandeer.advertise, "advertise", "", "Address announced in etcd (default: the listen address)")
	cmd.Flags().StringVar(&commandeer.share, "share", "", "Directory to share (default <home>/share)")

	commandeer.cmd = cmd

	return commandeer
}

// applyFlags lets flags override the configuration file.
func (c *serveCommandeer) applyFlags() {
	cfg := c.rootCommandeer.config
	for flag, value := range map[*string]string{
		&cfg.Listen:    c.listen,
		&cfg.WebSocket: c.webSocket,
		&cfg.Metrics:   c.metrics,
		&cfg.Advertise: c.advertise,
		&cfg.Share:     c.share,
	} {
		if value != "" {
			*flag = value
		}
	}
}

func (c *serveCommandeer) serve() error {
	c.applyFlags()
	cfg := c.rootCommandeer.config
	logger := c.rootCommandeer.logger
	defer logger.Sync() // nolint: errcheck

	permissions, err := c.rootCommandeer.permissions()
	if err != nil {
		return err
	}
	sealed, err := c.rootCommandeer.handshake(permissions)
	if err != nil {
		return err
	}

	store, err := session.Open(cfg.SessionDir(), session.Options{TTL: cfg.SessionTTL, Logger: logger})
	if err != nil {
		return err
	}
	store.Start()
	defer store.Stop()

	share, err := fileshare.NewService(cfg.ShareDir(), store, logger)
	if err != nil {
		return err
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := channel.NewMetrics(metricsRegistry)
	if err != nil {
		return err
	}

	channelOptions := c.rootCommandeer.channelOptions(sealed)
	channelOptions.Metrics = metrics
	svr := server.NewServer(server.Options{Channel: channelOptions, Logger: logger})
	svr.Use(middleware.RecoverMiddleware(logger))
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(permission.Middleware(permissions, nil))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	svr.Use(middleware.TimeOutMiddleware(cfg.CallTimeout))
	if err := svr.Register(fileshare.ServiceName, fileshare.NewSrFileShare(share)); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "Failed to listen on %s", cfg.Listen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return svr.ServeListener(listener)
	})

	var httpServers []*http.Server
	if cfg.WebSocket != "" {
		mux := http.NewServeMux()
		mux.Handle(webSocketPath, svr.WebSocketHandler())
		httpServers = append(httpServers, &http.Server{Addr: cfg.WebSocket, Handler: mux})
	}
	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
		httpServers = append(httpServers, &http.Server{Addr: cfg.Metrics, Handler: mux})
	}
	for _, httpServer := range httpServers {
		httpServer := httpServer
		group.Go(func() error {
			logger.Info("Serving HTTP", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				return errors.Wrapf(err, "Failed to serve %s", httpServer.Addr)
			}
			return nil
		})
	}

	if len(cfg.Etcd) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd, logger)
		if err != nil {
			return err
		}
		defer reg.Close()

		advertise := cfg.Advertise
		if advertise == "" {
			advertise = listener.Addr().String()
		}
		instance := registry.ServiceInstance{
			Addr:      advertise,
			Transport: registry.TransportTCP,
			Weight:    1,
			Version:   cfg.Version,
			Identity:  handshake.HashKey(sealed.PublicKey()),
		}
		if err := svr.Announce(ctx, reg, fileshare.ServiceName, instance, announceTTL); err != nil {
			return err
		}
	}

	logger.Info("Serving",
		zap.String("share", cfg.ShareDir()),
		zap.String("identity", handshake.HashKey(sealed.PublicKey())))

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down")
		for _, httpServer := range httpServers {
			httpServer.Close()
		}
		return svr.Shutdown(shutdownTimeout)
	})

	return group.Wait()
}
