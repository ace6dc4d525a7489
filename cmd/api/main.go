package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"pesatrack.app/internal/audit"
	"pesatrack.app/internal/auth"
	"pesatrack.app/internal/config"
	"pesatrack.app/internal/httpapi"
	"pesatrack.app/internal/mfa"
	"pesatrack.app/internal/obs"
	"pesatrack.app/internal/rbac"
	"pesatrack.app/internal/store/pg"
	"pesatrack.app/internal/vault"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	audits := audit.NewService(store)

	rbacSvc, err := rbac.NewService(store)
	if err != nil {
		log.Fatalf("rbac: %v", err)
	}
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := rbacSvc.EnsureDefaults(ctx); err != nil {
			cancel()
			log.Fatalf("rbac defaults: %v", err)
		}
		cancel()
	}

	mfaSvc, err := mfa.NewService(store, v, mfa.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		log.Fatalf("mfa: %v", err)
	}

	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, auth.WithAccessTTL(cfg.AccessTokenTTL))
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	authSvc, err := auth.NewService(store, mfaSvc, rbacSvc, audits, tokens)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	// Rate-limit counters live in Redis when configured, so limits hold
	// across replicas. Without Redis they fall back to process memory.
	var window httpapi.WindowStore = httpapi.NewMemoryWindow()
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = redis.NewClient(redisOpts)
		window = httpapi.NewRedisWindow(redisClient)
	}
	limiter := httpapi.NewRateLimiter(window, audits)

	api := httpapi.New(httpapi.ReadyProbe{DB: store}, authSvc, rbacSvc, mfaSvc, audits, limiter, httpapi.Options{
		Version:        version,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxRequestSize: cfg.MaxRequestBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting pesatrack-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if redisClient != nil {
		_ = redisClient.Close()
	}
	log.Println("Stopped")
}
