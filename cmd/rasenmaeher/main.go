package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/api"
	"github.com/pvarki/rasenmaeher/internal/auth"
	"github.com/pvarki/rasenmaeher/internal/cfssl"
	"github.com/pvarki/rasenmaeher/internal/config"
	"github.com/pvarki/rasenmaeher/internal/crypto"
	"github.com/pvarki/rasenmaeher/internal/database"
	"github.com/pvarki/rasenmaeher/internal/keystore"
	"github.com/pvarki/rasenmaeher/internal/manifest"
	"github.com/pvarki/rasenmaeher/internal/service"
)

func main() {
	// Parse command line flags
	flags, configFile, showVersion := config.ParseFlags()

	// Handle version flag
	if showVersion {
		fmt.Println("rasenmaeher v1.0.0")
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := initLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting rasenmaeher",
		zap.String("version", "1.0.0"),
		zap.String("database", cfg.Database.Type),
	)

	// Initialize database
	db, err := database.New(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Load the federation manifest
	mfst, err := manifest.NewLoader(cfg.Manifest.Path).Get()
	if err != nil {
		logger.Fatal("Failed to load federation manifest", zap.Error(err))
	}

	// Bootstrap key material. The anonymous CA client is only used here;
	// everything after bootstrap talks to the CA over mTLS.
	store := keystore.New(cfg.Data.Root, cfg.Data.KeyPassphrase)
	anonCA := cfssl.New(cfg.CFSSL.URL, cfg.CFSSL.OCSPURL, cfg.CFSSL.Timeout, logger)
	bootstrap := keystore.NewBootstrapManager(store, anonCA, cfg.Data.TrustedKeyDir, cfg.Data.TrustedKeyURL, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := bootstrap.EnsureReady(ctx); err != nil {
		cancel()
		logger.Fatal("Bootstrap failed", zap.Error(err))
	}
	cancel()

	tlsConfig, err := store.ClientTLSConfig()
	if err != nil {
		logger.Fatal("Failed to load mTLS client credentials", zap.Error(err))
	}
	ca := cfssl.NewMTLS(cfg.CFSSL.URL, cfg.CFSSL.OCSPURL, cfg.CFSSL.Timeout, tlsConfig, logger)

	// JWT issuance and verification
	signingKey, err := store.SigningKey()
	if err != nil {
		logger.Fatal("Failed to load JWT signing key", zap.Error(err))
	}
	issuer := auth.NewIssuer(signingKey, cfg.JWT.Issuer, cfg.JWT.Expiration)

	verifier, err := buildVerifier(store)
	if err != nil {
		logger.Fatal("Failed to load trusted JWT keys", zap.Error(err))
	}

	// Product fan-out and registry announcer
	fanout := service.NewFanout(mfst, tlsConfig, cfg.Fanout.Timeout, ca, logger)
	defer fanout.Close()

	announcer := service.NewAnnouncer(cfg.Announcer.URL, mfst.DNS, mfst.Deployment, cfg.Announcer.Interval, nil, logger)
	announcer.Start()
	defer announcer.Stop()

	// Initialize router
	router := api.NewRouter(cfg, &api.Deps{
		DB:       db,
		CA:       ca,
		Store:    store,
		Manifest: mfst,
		Fanout:   fanout,
		Issuer:   issuer,
		Verifier: verifier,
	}, logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("address", srv.Addr),
			zap.Bool("tls", cfg.Server.TLSEnabled),
		)

		var err error
		if cfg.Server.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// buildVerifier loads every trusted public key, the local signing key
// included, so that self-issued and federation tokens verify alike.
func buildVerifier(store *keystore.KeyStore) (*auth.Verifier, error) {
	pems, err := store.TrustedKeys()
	if err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(pems)+1)
	for name, pemBytes := range pems {
		key, err := crypto.ParsePublicKeyPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", name, err)
		}
		keys[name] = key
	}

	localPEM, err := store.JWTPublicPEM()
	if err != nil {
		return nil, err
	}
	localKey, err := crypto.ParsePublicKeyPEM(localPEM)
	if err != nil {
		return nil, err
	}
	keys["rasenmaeher"] = localKey

	return auth.NewVerifier(keys), nil
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zapConfig.Build()
}
