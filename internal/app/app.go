// Package app assembles the MFA core from configuration: stores, transient
// cache, secret cipher, alert mailer, metrics and services.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hostedid/mfacore/internal/cache"
	"github.com/hostedid/mfacore/internal/config"
	"github.com/hostedid/mfacore/internal/database"
	"github.com/hostedid/mfacore/internal/email"
	"github.com/hostedid/mfacore/internal/logger"
	"github.com/hostedid/mfacore/internal/metrics"
	"github.com/hostedid/mfacore/internal/repository"
	"github.com/hostedid/mfacore/internal/secret"
	"github.com/hostedid/mfacore/internal/service"
	"github.com/hostedid/mfacore/internal/sms"
)

// Cache drivers
const (
	CacheDriverRedis  = "redis"
	CacheDriverMemory = "memory"
)

// App holds the wired components
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	DB    *database.Postgres
	Redis *database.Redis // nil with the memory cache driver
	Cache cache.Cache

	Cipher     *secret.Cipher
	Security   *service.SecurityService
	Throttle   *service.Throttle
	MFA        *service.MFAService
	Monitoring *service.MonitoringService
}

// New connects to the stores and builds every service
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry, cfg.Metrics.Namespace)

	cipher, err := NewCipher(cfg.Security.Encryption, log)
	if err != nil {
		return nil, err
	}
	a.Cipher = cipher

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = db
	log.Info().Msg("connected to PostgreSQL")

	if cfg.Cache.Driver == CacheDriverRedis {
		rdb, err := database.NewRedis(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.Redis = rdb
		log.Info().Msg("connected to Redis")
	}

	a.Cache, err = NewCache(cfg, a.Redis, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	alerter, err := NewAlerter(ctx, cfg.Alerts.Email, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Initialize repositories
	profiles := repository.NewMFARepository(db)
	events := repository.NewSecurityEventRepository(db)
	audits := repository.NewAuditRepository(db)

	// Initialize services
	a.Security = service.NewSecurityService(events, audits, alerter, cfg, a.Metrics, log)
	a.Throttle = service.NewThrottle(a.Cache, cfg.MFA.Lockout, a.Security, a.Metrics, log)
	a.MFA = service.NewMFAService(profiles, a.Cache, cipher, a.Throttle, a.Security, sms.NewLogSender(log), cfg, a.Metrics, log)
	a.Monitoring = service.NewMonitoringService(events, cfg, log)

	log.Info().
		Str("cache_driver", cfg.Cache.Driver).
		Str("cipher_mode", string(cipher.Mode())).
		Strs("throttled_channels", cfg.MFA.Lockout.Channels).
		Msg("MFA core initialized")
	return a, nil
}

// Close waits for pending alert mail and releases connections
func (a *App) Close() {
	if a.Security != nil {
		a.Security.Wait()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("failed to close Redis connection")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("failed to close database connection")
		}
	}
}

// NewCipher builds the data-at-rest cipher. Without a configured key the
// public development key is used and a warning is logged.
func NewCipher(cfg config.EncryptionConfig, log *logger.Logger) (*secret.Cipher, error) {
	if cfg.UsesDevelopmentKey() {
		log.Warn().Msg("no encryption key configured; using the development key, do not use in production")
	}
	mode := secret.Mode(cfg.Mode)
	if mode == "" {
		mode = secret.ModeGCM
	}
	if mode == secret.ModeCBC {
		log.Warn().Msg("cipher mode cbc does not detect tampering; prefer gcm")
	}

	c, err := secret.NewFromPassphrase(cfg.EffectiveKey(), mode)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret cipher: %w", err)
	}
	return c, nil
}

// NewCache selects the transient store for throttle state and SMS codes
func NewCache(cfg *config.Config, rdb *database.Redis, log *logger.Logger) (cache.Cache, error) {
	switch cfg.Cache.Driver {
	case CacheDriverRedis:
		if rdb == nil {
			return nil, fmt.Errorf("cache driver redis requires a Redis connection")
		}
		return cache.NewRedis(rdb, cfg.Redis.KeyPrefix), nil
	case CacheDriverMemory:
		log.Warn().Msg("using in-process cache; lockouts and SMS codes are not shared between instances")
		return cache.NewMemory(cfg.Cache.MemorySize, cache.WithPinnedPrefixes(service.LockoutKeyPrefix)), nil
	}
	return nil, fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
}

// NewAlerter returns the critical event mailer, or nil when alerts are off
func NewAlerter(ctx context.Context, cfg config.EmailAlertConfig, log *logger.Logger) (email.Sender, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Recipients) == 0 {
		log.Warn().Msg("email alerts enabled without recipients; critical events will only be logged")
		return nil, nil
	}

	sender, err := email.NewGmailSender(ctx, cfg)
	if errors.Is(err, email.ErrNoCredentials) {
		log.Warn().Msg("email alerts enabled without Gmail credentials; critical events will only be logged")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize alert mailer: %w", err)
	}
	log.Info().Strs("recipients", cfg.Recipients).Msg("critical event alerts enabled")
	return sender, nil
}
