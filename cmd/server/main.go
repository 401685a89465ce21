package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coursemart/signin/internal/auth"
	"github.com/coursemart/signin/internal/config"
	"github.com/coursemart/signin/internal/database"
	"github.com/coursemart/signin/internal/email"
	"github.com/coursemart/signin/internal/handler"
	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/middleware"
	"github.com/coursemart/signin/internal/repository"
	"github.com/coursemart/signin/internal/router"
	"github.com/coursemart/signin/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", handler.Version).Msg("starting sign-in server")

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Warn().Err(err).Msg("postgres pool metrics not registered")
	}
	log.Info().Msg("connected to PostgreSQL")

	// Connect to Redis
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("connected to Redis")

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	mfaRepo := repository.NewMFARepository(db)
	auditRepo := repository.NewAuditRepository(db)

	signer, err := auth.NewTokenSigner(cfg.Security.Session.Secret, cfg.Security.Session.Issuer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token signer")
	}

	sender := newEmailSender(cfg, log)
	notifier := service.NewEmailNotifier(sender, cfg.Email.AppName, cfg.Timeouts.Email, log)

	audit := service.NewAuditLogger(auditRepo, cfg.Audit, cfg.Timeouts.Audit, log)

	storeTimeout := cfg.Timeouts.Store
	limits := cfg.Security.RateLimiting
	loginLimiter := service.NewRateLimiter(rdb, "login", limits.LoginMaxAttempts, limits.LoginWindow, storeTimeout, log)
	verifyLimiter := service.NewRateLimiter(rdb, "verify", limits.VerifyMaxAttempts, limits.VerifyWindow, storeTimeout, log)
	ipLimiter := service.NewRateLimiter(rdb, "ip", limits.IPMaxRequests, limits.IPWindow, storeTimeout, log)

	// Initialize services
	devices := service.NewDeviceResolver(deviceRepo, storeTimeout, log)
	trustCache := service.NewTrustCache(rdb, cfg.Security.Device.TrustCacheTTL, storeTimeout)
	granter := service.NewDeviceTrustGranter(deviceRepo, trustCache, storeTimeout, log)
	risk := service.NewRiskEngine(
		service.NewHistoryAnalyzer(auditRepo, cfg.Security.Risk),
		cfg.Security.Risk.BypassCeiling,
		cfg.Timeouts.Risk,
		log,
	)
	sessions := service.NewSessionIssuer(sessionRepo, signer, cfg.Security.Session, storeTimeout, log)
	challenges := service.NewChallengeService(
		service.NewChallengeStore(rdb, cfg.Security.Challenge.TTL, storeTimeout),
		service.NewEnrollmentService(mfaRepo, cfg.MFA.TOTP, storeTimeout, log),
		sessions,
		verifyLimiter,
		audit,
		notifier,
		cfg.Security.Challenge,
		log,
	)
	signIn := service.NewSignInService(
		userRepo,
		loginLimiter,
		devices,
		trustCache,
		granter,
		risk,
		sessions,
		challenges,
		audit,
		notifier,
		cfg,
		log,
	)
	log.Info().Msg("sign-in services initialized")

	// Initialize handlers
	h := handler.New(log, cfg, signIn, challenges, sessions, devices, map[string]handler.HealthChecker{
		"postgres": db,
		"redis":    rdb,
	})

	// Initialize middleware
	mw := middleware.New(log, cfg)

	// Set up router
	r := router.New(h, mw, router.Deps{
		IPLimiter:   ipLimiter,
		IPLimit:     limits.IPMaxRequests,
		Sessions:    sessions,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Drain queued audit events after the last request finished
	if err := audit.Close(ctx); err != nil {
		log.Error().Err(err).Msg("audit queue not fully drained")
	}

	log.Info().Msg("server stopped")
}

// newEmailSender picks the Gmail API when configured and falls back to the log
func newEmailSender(cfg *config.Config, log *logger.Logger) email.Sender {
	if cfg.Email.Provider != "gmail" {
		return email.NewLogSender(log)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, err := email.NewGmailSender(ctx, cfg.Email.Gmail)
	if err != nil {
		log.Error().Err(err).Msg("gmail sender unavailable, falling back to log sender")
		return email.NewLogSender(log)
	}
	log.Info().Str("sender", cfg.Email.Gmail.SenderAddress).Msg("gmail sender initialized")
	return sender
}
