package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostedid/mfacore/internal/cache"
	"github.com/hostedid/mfacore/internal/config"
	"github.com/hostedid/mfacore/internal/logger"
	"github.com/hostedid/mfacore/internal/metrics"
	"github.com/hostedid/mfacore/internal/model"
	"github.com/hostedid/mfacore/internal/service"
)

func newThrottle(t *testing.T) (*service.Throttle, *fakeClock, *eventLog) {
	t.Helper()
	clock := &fakeClock{now: epoch}
	recorder := &eventLog{}
	c := cache.NewMemoryWithClock(100, clock.Now)
	th := service.NewThrottle(c, config.Default().MFA.Lockout, recorder, metrics.NewNop(), logger.Nop()).WithClock(clock.Now)
	return th, clock, recorder
}

func fail(context.Context) (bool, error)    { return false, nil }
func succeed(context.Context) (bool, error) { return true, nil }

func TestThrottle_LocksAfterMaxFailures(t *testing.T) {
	th, clock, recorder := newThrottle(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		err := th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, fail)
		var invalid *service.InvalidCodeError
		require.ErrorAs(t, err, &invalid)
		assert.True(t, invalid.Throttled)
		assert.Equal(t, 5-i, invalid.RemainingAttempts)
		assert.ErrorIs(t, err, service.ErrMFAInvalidCode)
	}

	// The sixth attempt is refused before the check runs, even with a correct code
	called := false
	err := th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, func(context.Context) (bool, error) {
		called = true
		return true, nil
	})
	var locked *service.LockedOutError
	require.ErrorAs(t, err, &locked)
	assert.False(t, called)
	assert.ErrorIs(t, err, service.ErrMFALockedOut)
	assert.Equal(t, 5, locked.Attempts)
	assert.Equal(t, clock.Now().Add(15*time.Minute), locked.RetryAt)

	lockouts := recorder.ofType(model.EventMFALockout)
	require.Len(t, lockouts, 1)
	assert.Equal(t, model.SeverityHigh, lockouts[0].Severity)
	assert.Equal(t, meta.IPAddress, lockouts[0].IPAddress)

	clock.Advance(5 * time.Minute)
	err = th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, succeed)
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 10*time.Minute, locked.RetryAfter(clock.Now()))
	assert.Len(t, recorder.ofType(model.EventMFALockout), 1)

	clock.Advance(10 * time.Minute)
	require.NoError(t, th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, succeed))

	state, err := th.Status(ctx, "alice", model.MFAMethodTOTP)
	require.NoError(t, err)
	assert.Zero(t, state.FailureCount)
	assert.Nil(t, state.LockedUntil)
}

func TestThrottle_CounterRestartsAfterLockout(t *testing.T) {
	th, clock, _ := newThrottle(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, fail)
	}
	require.ErrorIs(t, th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, fail), service.ErrMFALockedOut)

	clock.Advance(15 * time.Minute)
	err := th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, fail)
	var invalid *service.InvalidCodeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 4, invalid.RemainingAttempts)
}

func TestThrottle_CheckErrorDoesNotCount(t *testing.T) {
	th, _, _ := newThrottle(t)
	ctx := context.Background()
	boom := errors.New("backend unavailable")

	for i := 0; i < 10; i++ {
		err := th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, func(context.Context) (bool, error) {
			return false, boom
		})
		assert.ErrorIs(t, err, boom)
	}

	state, err := th.Status(ctx, "alice", model.MFAMethodTOTP)
	require.NoError(t, err)
	assert.Zero(t, state.FailureCount)
	assert.Nil(t, state.LockedUntil)
}

func TestThrottle_SuccessResetsCounter(t *testing.T) {
	th, _, _ := newThrottle(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, fail)
	}
	require.NoError(t, th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, succeed))

	for i := 0; i < 4; i++ {
		err := th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, fail)
		assert.ErrorIs(t, err, service.ErrMFAInvalidCode)
	}
}

func TestThrottle_FailureWindowExpires(t *testing.T) {
	th, clock, _ := newThrottle(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, fail)
	}
	state, err := th.Status(ctx, "alice", model.MFAMethodTOTP)
	require.NoError(t, err)
	assert.Equal(t, 4, state.FailureCount)
	require.NotNil(t, state.WindowExpiresAt)
	assert.Equal(t, clock.Now().Add(time.Hour), *state.WindowExpiresAt)

	clock.Advance(time.Hour)
	state, err = th.Status(ctx, "alice", model.MFAMethodTOTP)
	require.NoError(t, err)
	assert.Zero(t, state.FailureCount)
	assert.Nil(t, state.WindowExpiresAt)
}

func TestThrottle_KeysAreIndependent(t *testing.T) {
	th, _, _ := newThrottle(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, fail)
	}
	require.ErrorIs(t, th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, succeed), service.ErrMFALockedOut)

	assert.NoError(t, th.Guard(ctx, "bob", model.MFAMethodTOTP, meta, succeed))
	assert.NoError(t, th.Guard(ctx, "alice", model.MFAMethodSMS, meta, succeed))
}

func TestThrottle_StatusAndReset(t *testing.T) {
	th, clock, _ := newThrottle(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, fail)
	}
	state, err := th.Status(ctx, "alice", model.MFAMethodTOTP)
	require.NoError(t, err)
	require.NotNil(t, state.LockedUntil)
	assert.Equal(t, clock.Now().Add(15*time.Minute), *state.LockedUntil)

	require.NoError(t, th.Reset(ctx, "alice", model.MFAMethodTOTP))
	assert.NoError(t, th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, succeed))
}

func TestThrottle_Guards(t *testing.T) {
	th, _, _ := newThrottle(t)
	assert.True(t, th.Guards(model.MFAMethodTOTP))
	assert.False(t, th.Guards(model.MFAMethodSMS))
	assert.False(t, th.Guards(model.MFAMethodBackupCode))
}

func TestThrottle_LockoutSurvivesCacheKeyPressure(t *testing.T) {
	clock := &fakeClock{now: epoch}
	c := cache.NewMemoryWithClock(4, clock.Now, cache.WithPinnedPrefixes(service.LockoutKeyPrefix))
	th := service.NewThrottle(c, config.Default().MFA.Lockout, &eventLog{}, metrics.NewNop(), logger.Nop()).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, fail)
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("filler:%d", i), "x", time.Hour))
	}

	err := th.Guard(ctx, "alice", model.MFAMethodTOTP, meta, succeed)
	assert.ErrorIs(t, err, service.ErrMFALockedOut)
}
