package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/nexus-agent/internal/api"
	"github.com/kenneth/nexus-agent/internal/audit"
	"github.com/kenneth/nexus-agent/internal/config"
	"github.com/kenneth/nexus-agent/internal/crypto"
	"github.com/kenneth/nexus-agent/internal/forward"
	"github.com/kenneth/nexus-agent/internal/metrics"
	"github.com/kenneth/nexus-agent/internal/middleware"
	"github.com/kenneth/nexus-agent/internal/registry"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yml", "Path to configuration file")
	flag.Parse()

	logger := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Agent.LogLevel)
	if err != nil {
		logger.WithError(err).Fatal("Invalid log level")
	}
	logger.SetLevel(level)
	metrics.SetVersion(version)

	keys, err := buildKeyManager(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize key manager")
	}

	engine, err := crypto.NewEngine(crypto.Algorithm(cfg.Security.Algorithm))
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize encryption engine")
	}
	logger.WithFields(logrus.Fields{
		"algorithm":    engine.Algorithm(),
		"aes_hardware": crypto.HasAESHardwareSupport(),
	}).Info("Encryption engine ready")

	m := metrics.New(prometheus.DefaultRegisterer)

	forwarder := forward.NewClient(forward.Options{
		ServerURL:        cfg.Upstream.ServerURL,
		AgentToken:       cfg.Upstream.AgentToken,
		Timeout:          time.Duration(cfg.Upstream.Timeout),
		MaxAttempts:      cfg.Upstream.Retry.MaxAttempts,
		InitialInterval:  time.Duration(cfg.Upstream.Retry.InitialInterval),
		MaxInterval:      time.Duration(cfg.Upstream.Retry.MaxInterval),
		MaxElapsed:       time.Duration(cfg.Upstream.Retry.MaxElapsed),
		FailureThreshold: cfg.Upstream.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Upstream.Breaker.Cooldown),
	}, logger, m)

	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		sink, err := audit.NewFileSink(cfg.Audit.Path)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open audit sink")
		}
		auditLogger = audit.NewLogger(audit.NewBatchSink(sink, cfg.Audit.BatchSize, time.Duration(cfg.Audit.FlushInterval)))
		defer auditLogger.Close()
		logger.WithField("path", cfg.Audit.Path).Info("Delivery audit enabled")
	}

	handler := api.NewHandler(keys, engine, forwarder, logger, m, auditLogger, api.Options{
		RequestDeadline: time.Duration(cfg.Agent.RequestDeadline),
		MaxInFlight:     cfg.Agent.MaxInFlight,
		QueueWait:       time.Duration(cfg.Agent.QueueWait),
		MaxPayloadBytes: cfg.Security.MaxPayloadBytes,
		MaxPayloadDepth: cfg.Security.MaxPayloadDepth,
	})

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	var chain http.Handler = router
	chain = middleware.LoggingMiddleware(logger)(chain)
	if cfg.Agent.RateLimit.Enabled {
		chain = middleware.RateLimitMiddleware(cfg.Agent.RateLimit.RequestsPerSec, cfg.Agent.RateLimit.Burst)(chain)
	}
	chain = middleware.RecoveryMiddleware(logger)(chain)
	chain = middleware.RequestIDMiddleware()(chain)

	addr := fmt.Sprintf("%s:%d", cfg.Agent.Bind, cfg.Agent.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      chain,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Duration(cfg.Agent.RequestDeadline) + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Registry.Enabled {
		syncer := registry.NewSyncer(
			cfg.Upstream.ServerURL,
			cfg.Upstream.AgentToken,
			time.Duration(cfg.Registry.SyncInterval),
			time.Duration(cfg.Upstream.Timeout),
			keys, logger)
		syncer.Start(ctx)
		defer syncer.Stop()
		logger.Info("Registry auto-sync enabled")
	}

	if cfg.Security.MasterSecretFile != "" {
		stopWatch, err := watchSecretFile(cfg, keys, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to watch master secret file")
		}
		defer stopWatch()
	}

	go func() {
		logger.WithField("addr", addr).Info("Agent listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			rotateSecret(cfg, keys, logger)
			continue
		}
		break
	}

	logger.Info("Shutting down agent")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}
	logger.Info("Agent stopped")
}

func buildKeyManager(cfg *config.Config) (*crypto.KeyManager, error) {
	encoded, err := cfg.ReadMasterSecret()
	if err != nil {
		return nil, err
	}
	secret, err := crypto.DecodeMasterSecret(encoded)
	if err != nil {
		return nil, err
	}
	return crypto.NewKeyManager(secret, cfg.Security.AllowedAppKeys)
}

// rotateSecret reloads the master secret from its configured source and swaps
// it into the key manager, invalidating every cached derived key.
func rotateSecret(cfg *config.Config, keys *crypto.KeyManager, logger *logrus.Logger) {
	encoded, err := cfg.ReadMasterSecret()
	if err != nil {
		logger.WithError(err).Error("Secret rotation failed: cannot read secret")
		return
	}
	secret, err := crypto.DecodeMasterSecret(encoded)
	if err != nil {
		logger.WithError(err).Error("Secret rotation failed: cannot decode secret")
		return
	}
	if err := keys.Rotate(secret); err != nil {
		logger.WithError(err).Error("Secret rotation failed")
		return
	}
	logger.WithField("key_version", keys.KeyVersion()).Info("Master secret rotated")
}

// watchSecretFile rotates the master secret whenever the secret file changes
// on disk, so provisioning tooling can rotate credentials without restarting
// the agent.
func watchSecretFile(cfg *config.Config, keys *crypto.KeyManager, logger *logrus.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(cfg.Security.MasterSecretFile); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					logger.WithField("file", event.Name).Info("Master secret file changed")
					rotateSecret(cfg, keys, logger)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Secret file watcher error")
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
