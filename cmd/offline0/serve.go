package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"offline0/internal/cachestore"
	"offline0/internal/config"
	"offline0/internal/notify"
	"offline0/internal/offline0"
	"offline0/internal/queuestore"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the application through the offline layer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// originClient talks to the origin. Redirects are handed back to the caller
// unchanged so browsers see them.
func originClient(cfg config.Config) *http.Client {
	return &http.Client{
		Timeout: cfg.OriginTimeout(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	cache, err := cachestore.OpenLevelDB(cfg.Cache.Dir, cachestore.LevelDBOptions{
		RAMEntries:    cfg.Cache.RAMEntries,
		MaxEntryBytes: cfg.MaxEntryBytes(),
	})
	if err != nil {
		return err
	}
	defer cache.Close()

	queue, err := queuestore.OpenSQLite(cfg.Queue.Path)
	if err != nil {
		return err
	}
	defer queue.Close()

	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer func() { _ = provider.Shutdown(context.Background()) }()
	otel.SetMeterProvider(provider)

	var surface notify.Surface = notify.LogSurface{}
	if cfg.Notifications.AMQP.URL != "" {
		amqpSurface, err := notify.DialAMQP(cfg.Notifications.AMQP.URL, cfg.Notifications.AMQP.Exchange)
		if err != nil {
			return err
		}
		defer amqpSurface.Close()
		surface = notify.Surfaces{notify.LogSurface{}, amqpSurface}
	}

	svc, err := offline0.New(cfg, offline0.Deps{
		Cache:   cache,
		Queue:   queue,
		Net:     originClient(cfg),
		Surface: surface,
		Meter:   otel.Meter("offline0"),
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("offline0 %s listening on %s, origin=%s cache=%s-*-%s", version, addr, cfg.Server.Origin, cfg.Cache.Prefix, cfg.Cache.Version)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Printf("metrics listening on %s", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}
