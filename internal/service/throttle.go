package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hostedid/mfacore/internal/cache"
	"github.com/hostedid/mfacore/internal/config"
	"github.com/hostedid/mfacore/internal/logger"
	"github.com/hostedid/mfacore/internal/metrics"
	"github.com/hostedid/mfacore/internal/model"
)

const throttleCounterPrefix = "mfa_attempts:"

// LockoutKeyPrefix prefixes the cache keys holding active lockouts
const LockoutKeyPrefix = "mfa_lockout:"

// CheckFunc performs one factor check. It reports (false, nil) only for a
// definitive wrong code; any error means the outcome is unknown.
type CheckFunc func(ctx context.Context) (bool, error)

// Throttle is the attempt counter and lockout policy shared by every
// verification path. State lives in the transient cache keyed by
// (principal, channel) and expires on its own.
type Throttle struct {
	cache    cache.Cache
	cfg      config.LockoutConfig
	channels map[string]bool
	recorder EventRecorder
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time
}

// NewThrottle creates a Throttle
func NewThrottle(c cache.Cache, cfg config.LockoutConfig, recorder EventRecorder, m *metrics.Metrics, log *logger.Logger) *Throttle {
	channels := make(map[string]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[ch] = true
	}
	return &Throttle{
		cache:    c,
		cfg:      cfg,
		channels: channels,
		recorder: recorder,
		metrics:  m,
		log:      log.WithComponent("throttle"),
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	t.now = now
	return t
}

// Guards reports whether channel is subject to the policy
func (t *Throttle) Guards(channel model.MFAMethodType) bool {
	return t.channels[string(channel)]
}

// Guard runs check under the lockout policy. A locked key is refused with
// *LockedOutError without running check. A definitive failure increments the
// counter and yields *InvalidCodeError; errors from check pass through
// without touching the counter.
func (t *Throttle) Guard(ctx context.Context, principalID string, channel model.MFAMethodType, meta model.RequestMeta, check CheckFunc) error {
	counterKey, lockKey := t.keys(principalID, channel)

	ttl, err := t.cache.TTL(ctx, lockKey)
	switch {
	case err == nil:
		return &LockedOutError{Channel: string(channel), RetryAt: t.now().Add(ttl)}
	case !errors.Is(err, cache.ErrMiss):
		return fmt.Errorf("failed to check lockout: %w", err)
	}

	count, err := t.failureCount(ctx, counterKey)
	if err != nil {
		return err
	}

	if count >= t.cfg.MaxAttempts {
		return t.lock(ctx, principalID, channel, count, meta)
	}

	start := time.Now()
	ok, err := check(ctx)
	t.metrics.VerificationLatency.WithLabelValues(string(channel)).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	if ok {
		if err := t.cache.Delete(ctx, counterKey); err != nil {
			t.log.Warn().Err(err).Str("principal_id", principalID).Msg("failed to reset failure counter")
		}
		return nil
	}

	n, err := t.cache.Incr(ctx, counterKey, t.cfg.FailureWindow)
	if err != nil {
		// The code was still wrong; report it without a reliable remaining count
		t.log.Error().Err(err).Str("principal_id", principalID).Msg("failed to increment failure counter")
		return &InvalidCodeError{Channel: string(channel)}
	}

	remaining := t.cfg.MaxAttempts - int(n)
	if remaining < 0 {
		remaining = 0
	}
	return &InvalidCodeError{Channel: string(channel), RemainingAttempts: remaining, Throttled: true}
}

// lock imposes the lockout and clears the counter so the principal starts
// fresh once it lifts
func (t *Throttle) lock(ctx context.Context, principalID string, channel model.MFAMethodType, count int, meta model.RequestMeta) error {
	counterKey, lockKey := t.keys(principalID, channel)
	retryAt := t.now().Add(t.cfg.LockoutDuration)

	if err := t.cache.Set(ctx, lockKey, strconv.Itoa(count), t.cfg.LockoutDuration); err != nil {
		return fmt.Errorf("failed to set lockout: %w", err)
	}
	if err := t.cache.Delete(ctx, counterKey); err != nil {
		t.log.Warn().Err(err).Str("principal_id", principalID).Msg("failed to clear failure counter")
	}

	t.metrics.Lockouts.WithLabelValues(string(channel)).Inc()
	t.log.Warn().
		Str("principal_id", principalID).
		Str("channel", string(channel)).
		Int("attempts", count).
		Time("locked_until", retryAt).
		Msg("MFA lockout imposed")

	t.recorder.LogSecurityEvent(ctx, model.SecurityEventInput{
		PrincipalID:   principalID,
		EventType:     model.EventMFALockout,
		Category:      model.CategoryMFA,
		Severity:      model.SeverityHigh,
		Details:       model.LockoutDetails{Channel: string(channel), AttemptCount: count, LockedUntil: retryAt},
		ResourceType:  "mfa_profile",
		ResourceID:    principalID,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		CorrelationID: meta.CorrelationID,
	})

	return &LockedOutError{Channel: string(channel), RetryAt: retryAt, Attempts: count}
}

// Status reports the current throttle state of a key
func (t *Throttle) Status(ctx context.Context, principalID string, channel model.MFAMethodType) (*model.ThrottleState, error) {
	counterKey, lockKey := t.keys(principalID, channel)
	now := t.now()
	state := &model.ThrottleState{}

	count, err := t.failureCount(ctx, counterKey)
	if err != nil {
		return nil, err
	}
	state.FailureCount = count

	if count > 0 {
		ttl, err := t.cache.TTL(ctx, counterKey)
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			return nil, fmt.Errorf("failed to read failure window: %w", err)
		}
		if err == nil {
			expires := now.Add(ttl)
			state.WindowExpiresAt = &expires
		}
	}

	ttl, err := t.cache.TTL(ctx, lockKey)
	switch {
	case err == nil:
		until := now.Add(ttl)
		state.LockedUntil = &until
	case !errors.Is(err, cache.ErrMiss):
		return nil, fmt.Errorf("failed to check lockout: %w", err)
	}

	return state, nil
}

// Reset clears the counter and any lockout of a key
func (t *Throttle) Reset(ctx context.Context, principalID string, channel model.MFAMethodType) error {
	counterKey, lockKey := t.keys(principalID, channel)
	if err := t.cache.Delete(ctx, counterKey, lockKey); err != nil {
		return fmt.Errorf("failed to reset throttle: %w", err)
	}
	t.log.Info().Str("principal_id", principalID).Str("channel", string(channel)).Msg("throttle reset")
	return nil
}

func (t *Throttle) failureCount(ctx context.Context, key string) (int, error) {
	v, err := t.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read failure counter: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("corrupt failure counter %q: %w", v, err)
	}
	return n, nil
}

func (t *Throttle) keys(principalID string, channel model.MFAMethodType) (counter, lock string) {
	suffix := string(channel) + ":" + principalID
	return throttleCounterPrefix + suffix, LockoutKeyPrefix + suffix
}
