package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/microserviceframe/reverse-proxy/internal/affinity"
	"github.com/microserviceframe/reverse-proxy/internal/balancer"
	"github.com/microserviceframe/reverse-proxy/internal/config"
	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/health"
	"github.com/microserviceframe/reverse-proxy/internal/model"
	"github.com/microserviceframe/reverse-proxy/internal/pipeline"
	"github.com/microserviceframe/reverse-proxy/pkg/logger"
)

func main() {
	configPath := flag.String("config", "proxy.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probers := health.NewManager(ctx, log)
	binder := &pipeline.Binder{
		Balancers: balancer.NewRegistry(),
		Affinity:  affinity.NewRegistry(log),
		Health:    probers,
	}
	registry := model.NewRegistry(binder, log)
	registry.SetListener(probers)

	if err := loadTopology(registry, cfg); err != nil {
		log.WithError(err).Fatal("Failed to load topology")
	}

	dispatcher := pipeline.NewDispatcher(registry, log)
	forwarder := newForwarder(log)

	router := mux.NewRouter()
	for _, b := range cfg.Backends {
		sub := router.PathPrefix(b.RoutePrefix).Subrouter()
		sub.Use(dispatcher.Middleware(b.ID))
		sub.PathPrefix("/").Handler(forwarder)
		sub.Path("").Handler(forwarder)
	}

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	go func() {
		log.WithField("listen_addr", cfg.Server.ListenAddr).Info("Proxy listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server shutdown incomplete")
	}
	probers.StopAll()
	log.Info("Shutdown complete")
}

// loadTopology feeds the configured backends and destinations through
// the topology-update path, so startup exercises the same validation as
// a runtime reload.
func loadTopology(registry *model.Registry, cfg *config.Config) error {
	for _, b := range cfg.Backends {
		if _, err := registry.AddBackend(b.ID, b.Domain()); err != nil {
			return err
		}
		for _, d := range b.Destinations {
			dest := domain.NewDestination(d.ID, d.Address, d.Weight)
			if err := registry.AddDestination(b.ID, dest); err != nil {
				return err
			}
		}
	}
	return nil
}
