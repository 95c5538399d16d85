package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tracel/internal/aggregator"
	"tracel/internal/aiclient"
	"tracel/internal/broadcaster"
	"tracel/internal/config"
	"tracel/internal/geo"
	"tracel/internal/httpapi"
	"tracel/internal/identity"
	"tracel/internal/pipeline"
	"tracel/internal/redaction"
	"tracel/internal/registry"
	"tracel/internal/storage"
	"tracel/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/tracel.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting tracel",
		"version", "0.1.0",
		"listen", cfg.Listen,
		"primary_db_configured", cfg.PrimaryDBURL != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identityResolver := identity.New(ctx, identity.Config{
		JWKSURL:        cfg.Identity.JWKSURL,
		JWKSRefresh:    cfg.Identity.JWKSRefresh,
		AdminEmail:     cfg.Identity.AdminEmail,
		AnonCookieName: cfg.Identity.AnonCookieName,
	})

	geoLocator := geo.New()
	aiClient := aiclient.New(cfg.AI.URL, cfg.AI.Timeout)

	ring := storage.NewMemoryRing(cfg.Storage.MemRingCapacity)

	if dir := filepath.Dir(cfg.Storage.ThreatLogPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create threat log directory", "error", err, "path", dir)
			os.Exit(1)
		}
	}
	threatLog, err := storage.NewThreatLog(cfg.Storage.ThreatLogPath, cfg.Storage.FlushInterval)
	if err != nil {
		slog.Error("failed to open threat log", "error", err)
		os.Exit(1)
	}

	hydrated, err := threatLog.Hydrate()
	if err != nil {
		slog.Error("failed to hydrate threat log", "error", err)
		os.Exit(1)
	}
	for _, p := range hydrated {
		ring.Add(p)
	}
	slog.Info("threat log hydrated", "records", len(hydrated))

	var primary *storage.PrimaryStore
	if cfg.PrimaryDBURL != "" {
		primary, err = storage.NewPrimaryStore(cfg.PrimaryDBURL)
		if err != nil {
			slog.Error("failed to open primary store, falling back to memory ring + threat log only", "error", err)
			primary = nil
		} else {
			slog.Info("primary store enabled", "url", cfg.PrimaryDBURL)
		}
	}

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = telemetry.NoopProvider()
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	} else {
		tp = telemetry.NoopProvider()
	}

	bcast := broadcaster.New(cfg.Broadcast)

	pipe := &pipeline.Pipeline{
		Geo:         geoLocator,
		AI:          aiClient,
		AITimeout:   cfg.AI.Timeout,
		Primary:     primary,
		Ring:        ring,
		ThreatLog:   threatLog,
		Broadcaster: bcast,
		Telemetry:   tp,
	}

	var redisStore *registry.RedisStore
	var store registry.Store
	if cfg.Redis.Enabled {
		redisStore, err = registry.NewRedisStore(cfg.Redis, cfg.Owner.IdleTimeout*3)
		if err != nil {
			slog.Error("failed to connect to redis, falling back to in-process owner registry", "error", err)
			store = registry.NewMemoryStore()
		} else {
			store = redisStore
			go redisStore.ListenTeardown(ctx, func(ownerID string) {
				ring.Forget(ownerID)
			})
			slog.Info("using redis-backed owner registry", "addr", cfg.Redis.Addr)
		}
	} else {
		store = registry.NewMemoryStore()
	}

	onCreate := func(e *registry.Entry) {
		go pipe.Consume(ctx, e)
		tp.RecordOwnerCreated(ctx, e.OwnerID)
	}
	onTeardown := func(ownerID string) {
		ring.Forget(ownerID)
		if redisStore != nil {
			redisStore.PublishTeardown(ownerID)
		}
		tp.RecordOwnerTornDown(ctx, ownerID)
	}

	reg := registry.New(store, cfg.Owner.IdleTimeout, cfg.Baseline, onTeardown, onCreate)
	go reg.Run(ctx)

	agg := aggregator.New(primary, ring, threatLog)

	redactor, err := redaction.NewFromConfig(redaction.Config{Enabled: true})
	if err != nil {
		slog.Warn("redactor initialization failed, contact audit log will not be redacted", "error", err)
		redactor = &redaction.NoopRedactor{}
	}

	apiHandler := httpapi.New(&httpapi.Handler{
		Identity:    identityResolver,
		Registry:    reg,
		Broadcaster: bcast,
		Aggregator:  agg,
		AI:          aiClient,
		Primary:     primary,
		Ring:        ring,
		ThreatLog:   threatLog,
		CORSOrigins: cfg.CORS.AllowedOrigins,
		Redactor:    redactor,
	})

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      apiHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming WebSocket upgrades must not be cut off
		IdleTimeout:  120 * time.Second,
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := setupTLS(cfg.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		server.TLSConfig = tlsConfig
		slog.Info("TLS enabled")
	}

	go runRetention(ctx, cfg, primary, threatLog)

	errChan := make(chan error, 1)
	go func() {
		if cfg.TLS.Enabled {
			slog.Info("tracel server starting (HTTPS)", "addr", cfg.Listen)
			if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("server error: %w", err)
			}
		} else {
			slog.Info("tracel server starting (HTTP)", "addr", cfg.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("server error: %w", err)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down", "grace", cfg.ShutdownGrace)
	cancel() // stops reg.Run's sweep loop and tears down every owner Entry

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	if err := threatLog.Close(); err != nil {
		slog.Error("threat log close error", "error", err)
	}

	if primary != nil {
		if err := primary.Close(); err != nil {
			slog.Error("primary store close error", "error", err)
		}
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("tracel stopped")
}

// runRetention periodically drops packets and threat records older than the
// configured retention window until ctx is cancelled.
func runRetention(ctx context.Context, cfg *config.Config, primary *storage.PrimaryStore, threatLog *storage.ThreatLog) {
	if cfg.Storage.ThreatRetentionHours <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(cfg.Storage.ThreatRetentionHours) * time.Hour)

			if primary != nil {
				if n, err := primary.Cleanup(cfg.Storage.ThreatRetentionHours); err != nil {
					slog.Warn("primary store retention cleanup failed", "error", err)
				} else if n > 0 {
					slog.Info("primary store retention cleanup", "deleted", n)
				}
			}

			if kept, dropped, err := threatLog.Compact(cutoff); err != nil {
				slog.Warn("threat log compaction failed", "error", err)
			} else if dropped > 0 {
				slog.Info("threat log compacted", "kept", kept, "dropped", dropped)
			}
		}
	}
}

// setupTLS configures TLS for the server.
func setupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	if cfg.AutoCert {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	} else if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.CertFile, "key", cfg.KeyFile)
	} else {
		return nil, fmt.Errorf("TLS enabled but no certificate configured (set cert_file/key_file or auto_cert)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// generateSelfSignedCert creates a self-signed certificate for development.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Tracel Development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "tracel", "*.tracel.local"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
