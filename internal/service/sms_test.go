package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostedid/mfacore/internal/config"
	"github.com/hostedid/mfacore/internal/model"
	"github.com/hostedid/mfacore/internal/service"
)

func TestSetupSMS_RejectsMalformedNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, phone := range []string{"", "7", "+0123456789", "call me maybe"} {
		err := f.mfa.SetupSMS(ctx, "alice", phone, meta)
		var verr *service.ValidationError
		require.ErrorAs(t, err, &verr, "phone %q", phone)
		assert.Equal(t, "phone_number", verr.Field)
		assert.ErrorIs(t, err, service.ErrInvalidPhoneNumber)
	}

	assert.Zero(t, f.sms.count())
	_, err := f.store.GetProfile(ctx, "alice")
	assert.Error(t, err)
}

func TestSetupSMS_EnableFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mfa.SetupSMS(ctx, "alice", "+1 (415) 555-0123", meta))
	sent := f.sms.last(t)
	assert.Equal(t, "+14155550123", sent.phone)
	assert.Regexp(t, `^[0-9]{6}$`, sent.code)

	status, err := f.mfa.GetMFAStatus(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, status.MFAEnabled)
	assert.Equal(t, "+*******0123", status.PhoneNumberMasked)

	// Not enabled yet
	assert.ErrorIs(t, f.mfa.VerifySMSCode(ctx, "alice", sent.code, meta), service.ErrMFANotSetUp)

	err = f.mfa.VerifyAndEnableSMS(ctx, "alice", "abcdef", meta)
	var invalid *service.InvalidCodeError
	require.ErrorAs(t, err, &invalid)
	assert.False(t, invalid.Throttled)

	require.NoError(t, f.mfa.VerifyAndEnableSMS(ctx, "alice", sent.code, meta))

	status, err = f.mfa.GetMFAStatus(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, status.MFAEnabled)
	assert.Equal(t, []model.MFAMethodType{model.MFAMethodSMS}, status.EnabledMethods)
	require.NotNil(t, status.PreferredMethod)
	assert.Equal(t, model.MFAMethodSMS, *status.PreferredMethod)

	assert.ErrorIs(t, f.mfa.SetupSMS(ctx, "alice", "+14155550123", meta), service.ErrMFAAlreadyEnabled)
	assert.Equal(t, 1, f.countEvents(t, "alice", model.EventSMSSetup))
	assert.Equal(t, 1, f.countEvents(t, "alice", model.EventMFAEnabled))
}

func TestVerifySMSCode_SingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enrollSMS(t, "alice", "+14155550123")

	f.clock.Advance(time.Minute)
	require.NoError(t, f.mfa.SendSMSCode(ctx, "alice"))
	code := f.sms.last(t).code

	require.NoError(t, f.mfa.VerifySMSCode(ctx, "alice", code, meta))
	assert.ErrorIs(t, f.mfa.VerifySMSCode(ctx, "alice", code, meta), service.ErrMFAInvalidCode)
}

func TestSendSMSCode_Cooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enrollSMS(t, "alice", "+14155550123")
	first := f.sms.last(t).code

	f.clock.Advance(30 * time.Second)
	assert.ErrorIs(t, f.mfa.SendSMSCode(ctx, "alice"), service.ErrSMSResendCooldown)
	assert.Equal(t, 1, f.sms.count())

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.mfa.SendSMSCode(ctx, "alice"))
	assert.Equal(t, 2, f.sms.count())
	assert.Equal(t, 2, f.countEvents(t, "alice", model.EventSMSCodeSent))

	second := f.sms.last(t).code
	if second != first {
		assert.ErrorIs(t, f.mfa.VerifySMSCode(ctx, "alice", first, meta), service.ErrMFAInvalidCode)
	}
	assert.NoError(t, f.mfa.VerifySMSCode(ctx, "alice", second, meta))
}

func TestVerifySMSCode_Expires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enrollSMS(t, "alice", "+14155550123")

	f.clock.Advance(time.Minute)
	require.NoError(t, f.mfa.SendSMSCode(ctx, "alice"))
	code := f.sms.last(t).code

	f.clock.Advance(10 * time.Minute)
	assert.ErrorIs(t, f.mfa.VerifySMSCode(ctx, "alice", code, meta), service.ErrMFAInvalidCode)
}

func TestSendSMSCode_FailureAllowsImmediateRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enrollSMS(t, "alice", "+14155550123")
	f.clock.Advance(time.Minute)

	f.sms.failWith(errors.New("gateway down"))
	err := f.mfa.SendSMSCode(ctx, "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, service.ErrSMSResendCooldown)

	f.sms.failWith(nil)
	assert.NoError(t, f.mfa.SendSMSCode(ctx, "alice"))
}

func TestSendSMSCode_NotSetUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.mfa.SendSMSCode(ctx, "nobody"), service.ErrMFANotSetUp)

	f.enrollTOTP(t, "alice")
	assert.ErrorIs(t, f.mfa.SendSMSCode(ctx, "alice"), service.ErrMFANotSetUp)
}

func TestVerifySMSCode_UnthrottledByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enrollSMS(t, "alice", "+14155550123")
	f.clock.Advance(time.Minute)
	require.NoError(t, f.mfa.SendSMSCode(ctx, "alice"))
	code := f.sms.last(t).code

	for i := 0; i < 8; i++ {
		err := f.mfa.VerifySMSCode(ctx, "alice", "abcdef", meta)
		var invalid *service.InvalidCodeError
		require.ErrorAs(t, err, &invalid)
		assert.False(t, invalid.Throttled)
	}
	assert.NoError(t, f.mfa.VerifySMSCode(ctx, "alice", code, meta))
}

func TestVerifySMSCode_ThrottledWhenConfigured(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.MFA.Lockout.Channels = []string{"totp", "sms"}
	})
	ctx := context.Background()
	f.enrollSMS(t, "alice", "+14155550123")
	f.clock.Advance(time.Minute)
	require.NoError(t, f.mfa.SendSMSCode(ctx, "alice"))
	code := f.sms.last(t).code

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, f.mfa.VerifySMSCode(ctx, "alice", "abcdef", meta), service.ErrMFAInvalidCode)
	}
	assert.ErrorIs(t, f.mfa.VerifySMSCode(ctx, "alice", code, meta), service.ErrMFALockedOut)
}

func TestDisableSMS_DiscardsPendingCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enrollSMS(t, "alice", "+14155550123")
	f.clock.Advance(time.Minute)
	require.NoError(t, f.mfa.SendSMSCode(ctx, "alice"))
	code := f.sms.last(t).code

	require.NoError(t, f.mfa.DisableMFAMethod(ctx, "alice", model.MFAMethodSMS, meta))

	f.clock.Advance(time.Minute)
	require.NoError(t, f.mfa.SetupSMS(ctx, "alice", "+14155550123", meta))
	next := f.sms.last(t).code
	if next != code {
		assert.ErrorIs(t, f.mfa.VerifyAndEnableSMS(ctx, "alice", code, meta), service.ErrMFAInvalidCode)
	}
	assert.NoError(t, f.mfa.VerifyAndEnableSMS(ctx, "alice", next, meta))
}

func TestSetupSMS_NewNumberInsideCooldownLeavesProfileUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mfa.SetupSMS(ctx, "alice", "+14155550123", meta))
	firstCode := f.sms.last(t).code

	f.clock.Advance(10 * time.Second)
	err := f.mfa.SetupSMS(ctx, "alice", "+447700900123", meta)
	assert.ErrorIs(t, err, service.ErrSMSResendCooldown)
	assert.Equal(t, 1, f.sms.count())
	assert.Equal(t, 1, f.countEvents(t, "alice", model.EventSMSSetup))

	// The pending code still confirms the original number only
	require.NoError(t, f.mfa.VerifyAndEnableSMS(ctx, "alice", firstCode, meta))
	status, err := f.mfa.GetMFAStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "+*******0123", status.PhoneNumberMasked)
}

func TestSetupSMS_ChangingNumberInvalidatesEarlierCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mfa.SetupSMS(ctx, "alice", "+14155550123", meta))
	oldCode := f.sms.last(t).code

	f.clock.Advance(time.Minute)
	require.NoError(t, f.mfa.SetupSMS(ctx, "alice", "+447700900123", meta))
	require.Equal(t, 2, f.sms.count())
	sent := f.sms.last(t)
	assert.Equal(t, "+447700900123", sent.phone)

	if oldCode != sent.code {
		assert.ErrorIs(t, f.mfa.VerifyAndEnableSMS(ctx, "alice", oldCode, meta), service.ErrMFAInvalidCode)
	}
	require.NoError(t, f.mfa.VerifyAndEnableSMS(ctx, "alice", sent.code, meta))

	status, err := f.mfa.GetMFAStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "+********0123", status.PhoneNumberMasked)
}
