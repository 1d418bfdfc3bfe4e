package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	uamcrypto "github.com/uam-network/uam-relay/internal/protocol/crypto"
	"github.com/uam-network/uam-relay/internal/config"
	"github.com/uam-network/uam-relay/internal/relay/api"
	"github.com/uam-network/uam-relay/internal/relay/delivery"
	"github.com/uam-network/uam-relay/internal/relay/delivery/livesocket"
	"github.com/uam-network/uam-relay/internal/relay/delivery/webhook"
	"github.com/uam-network/uam-relay/internal/relay/federation"
	"github.com/uam-network/uam-relay/internal/relay/ingress"
	"github.com/uam-network/uam-relay/internal/relay/spam"
	"github.com/uam-network/uam-relay/internal/relay/store"
	"github.com/uam-network/uam-relay/internal/relay/sweep"
	"github.com/uam-network/uam-relay/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("relay exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	storage, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer storage.Close()

	signingKey, err := relaySigningKey(cfg.SigningSeedB64)
	if err != nil {
		return fmt.Errorf("relay signing key: %w", err)
	}

	blocklist := spam.NewPatternSet()
	allowlist := spam.NewPatternSet()
	if err := hydratePatternSets(storage, blocklist, allowlist); err != nil {
		return fmt.Errorf("hydrate pattern sets: %w", err)
	}
	reputation := spam.NewReputationManager(storage)
	senderLimiter := spam.NewSlidingWindowLimiter(time.Minute)
	domainLimiter := spam.NewSlidingWindowLimiter(time.Minute)
	recipientLimiter := spam.NewSlidingWindowLimiter(time.Minute)

	sockets := livesocket.NewManager(logger)
	webhooks := webhook.NewService(storage, logger)
	dispatcher := delivery.New(storage, sockets, webhooks, logger)
	sockets.SetOnConnect(func(address string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := dispatcher.Drain(ctx, address); err != nil {
			logger.Warn("drain on connect", zap.String("address", address), zap.Error(err))
		}
	})

	discoverer := federation.NewDiscoverer(storage, logger)
	var outbound *federation.Outbound
	var inbound *federation.Inbound
	if cfg.FederationEnabled {
		outbound = federation.NewOutbound(storage, discoverer, cfg.Domain, signingKey.SigningKey, logger)
		inbound = federation.NewInbound(storage, discoverer, dispatcher, cfg.Domain, logger)
	}

	pipeline := ingress.New()
	deps := &ingress.Deps{
		Storage:             storage,
		Blocklist:           blocklist,
		Allowlist:           allowlist,
		Reputation:          reputation,
		SenderLimiter:       senderLimiter,
		DomainLimiter:       domainLimiter,
		RecipientLimiter:    recipientLimiter,
		OwnDomain:           cfg.Domain,
		DomainRatePerMin:    cfg.DomainRatePerMin,
		RecipientRatePerMin: cfg.RecipientRatePerMin,
		ExpiryGraceSeconds:  cfg.ExpiryGraceSeconds,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if outbound != nil {
		queue := federation.NewQueueWorker(outbound, 5, logger)
		go queue.Run(ctx, 5*time.Second)
	}
	sweeper := sweep.New(storage, senderLimiter, reputation, nil, logger)
	go sweeper.Run(ctx)

	router := buildRouter(cfg, logger, storage, pipeline, deps, dispatcher, outbound, inbound, reputation, blocklist, allowlist, sockets, signingKey)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("relay HTTP listening", zap.Int("port", cfg.Port), zap.String("domain", cfg.Domain))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down relay...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("relay stopped")
	return nil
}

func openStorage(cfg *config.Config) (store.Storage, error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func hydratePatternSets(storage store.Storage, blocklist, allowlist *spam.PatternSet) error {
	ctx := context.Background()
	blocked, err := storage.ListBlockPatterns(ctx)
	if err != nil {
		return err
	}
	blocklist.LoadAll(blocked)
	allowed, err := storage.ListAllowPatterns(ctx)
	if err != nil {
		return err
	}
	allowlist.LoadAll(allowed)
	return nil
}

func relaySigningKey(seedB64 string) (*uamcrypto.Keypair, error) {
	if seedB64 == "" {
		return uamcrypto.GenerateKeypair()
	}
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	return uamcrypto.KeypairFromSeed(seed)
}

func buildRouter(
	cfg *config.Config,
	logger *zap.Logger,
	storage store.Storage,
	pipeline *ingress.Pipeline,
	deps *ingress.Deps,
	dispatcher *delivery.Dispatcher,
	outbound *federation.Outbound,
	inbound *federation.Inbound,
	reputation *spam.ReputationManager,
	blocklist, allowlist *spam.PatternSet,
	sockets *livesocket.Manager,
	signingKey *uamcrypto.Keypair,
) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Admin-Key", "X-UAM-Relay-Signature", "X-UAM-Relay-Domain"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(api.RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}

	router.Use(requestLogger(logger))
	router.Use(telemetry.Middleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", telemetry.Handler())

	pubKeyB64 := base64.StdEncoding.EncodeToString(signingKey.VerifyKey)

	v1 := router.Group("/api/v1")
	coreHandler := api.New(storage, pipeline, deps, dispatcher, outbound, reputation, cfg.Domain, logger)
	coreHandler.Register(v1)

	adminKey := cfg.AdminKey
	adminHandler := api.NewAdminHandler(storage, blocklist, allowlist, reputation, adminKey)
	adminHandler.Register(v1)

	if inbound != nil {
		fedAPI := api.NewFederationHandler(inbound, cfg.Domain, pubKeyB64, "https://"+cfg.Domain+"/api/v1/federation/deliver")
		fedAPI.Register(v1)
		fedAPI.RegisterWellKnown(router)
	}

	wsHandler := api.NewWSHandler(storage, sockets, logger)
	wsHandler.Register(router)

	return router
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
