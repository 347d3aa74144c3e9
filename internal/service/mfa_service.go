package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/hostedid/mfacore/internal/cache"
	"github.com/hostedid/mfacore/internal/config"
	"github.com/hostedid/mfacore/internal/logger"
	"github.com/hostedid/mfacore/internal/metrics"
	"github.com/hostedid/mfacore/internal/model"
	"github.com/hostedid/mfacore/internal/repository"
	"github.com/hostedid/mfacore/internal/secret"
	"github.com/hostedid/mfacore/internal/sms"
)

const (
	profileResource = "mfa_profile"
	maxCASRetries   = 3
)

// MFAService handles second-factor enrollment and verification
type MFAService struct {
	profiles repository.ProfileStore
	cache    cache.Cache
	cipher   *secret.Cipher
	throttle *Throttle
	recorder EventRecorder
	sms      sms.Sender
	cfg      config.MFAConfig
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time
	locks    keyedMutex
}

// NewMFAService creates a new MFAService
func NewMFAService(
	profiles repository.ProfileStore,
	c cache.Cache,
	cipher *secret.Cipher,
	throttle *Throttle,
	recorder EventRecorder,
	smsSender sms.Sender,
	cfg *config.Config,
	m *metrics.Metrics,
	log *logger.Logger,
) *MFAService {
	return &MFAService{
		profiles: profiles,
		cache:    c,
		cipher:   cipher,
		throttle: throttle,
		recorder: recorder,
		sms:      smsSender,
		cfg:      cfg.MFA,
		metrics:  m,
		log:      log.WithComponent("mfa_service"),
		now:      time.Now,
	}
}

// WithClock replaces the time source used for TOTP windows and timestamps
func (s *MFAService) WithClock(now func() time.Time) *MFAService {
	s.now = now
	return s
}

// --- TOTP Methods ---

// SetupTOTP starts (or restarts) TOTP enrollment. The secret and backup codes
// are returned in plaintext exactly once.
func (s *MFAService) SetupTOTP(ctx context.Context, principalID, accountName string) (*model.TOTPSetupResponse, error) {
	unlock := s.locks.Lock(principalID)
	defer unlock()

	profile, exists, err := s.loadOrNewProfile(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if profile.TOTPEnabled {
		return nil, ErrMFAAlreadyEnabled
	}

	if accountName == "" {
		accountName = principalID
	}
	issuer := s.cfg.TOTP.Issuer
	if issuer == "" {
		issuer = "HostedID"
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      uint(s.cfg.TOTP.Period),
		SecretSize:  uint(s.cfg.TOTP.SecretSize),
		Digits:      otp.Digits(s.cfg.TOTP.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	qrPNG, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	codes, err := s.GenerateBackupCodes()
	if err != nil {
		return nil, err
	}

	encSecret, err := s.cipher.EncryptString(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt TOTP secret: %w", err)
	}
	encCodes, err := s.sealBackupCodes(codes)
	if err != nil {
		return nil, err
	}

	// Overwrites any pending secret and code set
	profile.TOTPSecret = &encSecret
	profile.BackupCodes = &encCodes
	profile.BackupCodesUsed = 0

	if err := s.saveProfile(ctx, profile, exists); err != nil {
		return nil, err
	}

	s.log.Info().Str("principal_id", principalID).Msg("TOTP setup initiated")
	s.recorder.LogSecurityEvent(ctx, model.SecurityEventInput{
		PrincipalID:  principalID,
		EventType:    model.EventMFASetup,
		Category:     model.CategoryMFA,
		Details:      model.MFADetails{Method: model.MFAMethodTOTP},
		ResourceType: profileResource,
		ResourceID:   principalID,
	})
	s.recorder.LogAudit(ctx, model.AuditInput{
		PrincipalID:  principalID,
		Action:       model.AuditActionMFATOTPSetup,
		ResourceType: profileResource,
		ResourceID:   principalID,
	})

	plain := make([]string, len(codes))
	for i, c := range codes {
		plain[i] = c.Code
	}

	return &model.TOTPSetupResponse{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		QRCode:      base64.StdEncoding.EncodeToString(qrPNG),
		Issuer:      issuer,
		AccountID:   accountName,
		BackupCodes: plain,
	}, nil
}

// VerifyAndEnableTOTP confirms enrollment with a first valid code. Enrollment
// is not subject to the lockout policy.
func (s *MFAService) VerifyAndEnableTOTP(ctx context.Context, principalID, code string, meta model.RequestMeta) error {
	unlock := s.locks.Lock(principalID)
	defer unlock()

	profile, err := s.getProfile(ctx, principalID)
	if err != nil {
		return err
	}
	if profile.TOTPEnabled {
		return ErrMFAAlreadyEnabled
	}
	if !profile.HasPendingTOTP() {
		return ErrMFANotSetUp
	}

	totpSecret, err := s.openSecret(ctx, principalID, *profile.TOTPSecret, meta)
	if err != nil {
		return err
	}

	ok, err := s.validateTOTP(code, totpSecret)
	if err != nil {
		return err
	}
	if !ok {
		verr := &InvalidCodeError{Channel: string(model.MFAMethodTOTP)}
		s.recordVerification(ctx, principalID, model.MFAMethodTOTP, meta, verr)
		return verr
	}

	now := s.now().UTC()
	profile.TOTPEnabled = true
	profile.TOTPEnabledAt = &now
	if profile.PreferredMethod == nil {
		method := model.MFAMethodTOTP
		profile.PreferredMethod = &method
	}
	if err := s.profiles.UpdateProfile(ctx, profile); err != nil {
		return fmt.Errorf("failed to enable TOTP: %w", err)
	}

	s.log.Info().Str("principal_id", principalID).Msg("TOTP setup verified and activated")
	s.recordVerification(ctx, principalID, model.MFAMethodTOTP, meta, nil)
	s.recordEnabled(ctx, principalID, model.MFAMethodTOTP, model.AuditActionMFATOTPEnabled, meta)
	return nil
}

// VerifyTOTP validates a TOTP code under the lockout policy
func (s *MFAService) VerifyTOTP(ctx context.Context, principalID, code string, meta model.RequestMeta) error {
	profile, err := s.getProfile(ctx, principalID)
	if err != nil {
		return err
	}
	if !profile.TOTPEnabled || profile.TOTPSecret == nil {
		return ErrMFANotSetUp
	}

	err = s.verify(ctx, principalID, model.MFAMethodTOTP, meta, func(ctx context.Context) (bool, error) {
		totpSecret, err := s.openSecret(ctx, principalID, *profile.TOTPSecret, meta)
		if err != nil {
			return false, err
		}
		return s.validateTOTP(code, totpSecret)
	})
	s.recordVerification(ctx, principalID, model.MFAMethodTOTP, meta, err)
	return err
}

// validateTOTP checks code against the configured step window around now
func (s *MFAService) validateTOTP(code, totpSecret string) (bool, error) {
	ok, err := totp.ValidateCustom(code, totpSecret, s.now().UTC(), totp.ValidateOpts{
		Period:    uint(s.cfg.TOTP.Period),
		Skew:      uint(s.cfg.TOTP.Skew),
		Digits:    otp.Digits(s.cfg.TOTP.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	if errors.Is(err, otp.ErrValidateInputInvalidLength) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to validate TOTP code: %w", err)
	}
	return ok, nil
}

// --- MFA Status & Methods ---

// DisableMFAMethod turns a factor off and nulls its secret. Backup codes are
// shared across factors and survive.
func (s *MFAService) DisableMFAMethod(ctx context.Context, principalID string, method model.MFAMethodType, meta model.RequestMeta) error {
	unlock := s.locks.Lock(principalID)
	defer unlock()

	profile, err := s.getProfile(ctx, principalID)
	if err != nil {
		return err
	}

	switch method {
	case model.MFAMethodTOTP:
		if !profile.TOTPEnabled && !profile.HasPendingTOTP() {
			return ErrMFANotSetUp
		}
		profile.TOTPEnabled = false
		profile.TOTPEnabledAt = nil
		profile.TOTPSecret = nil
	case model.MFAMethodSMS:
		if !profile.SMSEnabled && profile.PhoneNumber == nil {
			return ErrMFANotSetUp
		}
		profile.SMSEnabled = false
		profile.SMSEnabledAt = nil
		profile.PhoneNumber = nil
		if err := s.cache.Delete(ctx, smsCodeKey(principalID)); err != nil {
			s.log.Warn().Err(err).Str("principal_id", principalID).Msg("failed to discard pending SMS code")
		}
	default:
		return ErrUnsupportedMethod
	}

	if profile.PreferredMethod != nil && *profile.PreferredMethod == method {
		profile.PreferredMethod = nil
		if remaining := profile.EnabledMethods(); len(remaining) > 0 {
			next := remaining[0]
			profile.PreferredMethod = &next
		}
	}

	if err := s.profiles.UpdateProfile(ctx, profile); err != nil {
		return fmt.Errorf("failed to disable MFA method: %w", err)
	}

	s.log.Info().Str("principal_id", principalID).Str("method", string(method)).Msg("MFA method disabled")
	s.recorder.LogSecurityEvent(ctx, model.SecurityEventInput{
		PrincipalID:   principalID,
		EventType:     model.EventMFADisabled,
		Category:      model.CategoryMFA,
		Severity:      model.SeverityMedium,
		Details:       model.MFADetails{Method: method},
		ResourceType:  profileResource,
		ResourceID:    principalID,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		CorrelationID: meta.CorrelationID,
	})
	s.recorder.LogAudit(ctx, model.AuditInput{
		PrincipalID:  principalID,
		Action:       model.AuditActionMFAMethodDisabled,
		ResourceType: profileResource,
		ResourceID:   principalID,
		OldValue:     map[string]interface{}{"method": method, "enabled": true},
		NewValue:     map[string]interface{}{"method": method, "enabled": false},
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	})
	return nil
}

// SetPreferredMethod records which enabled factor the principal is asked for first
func (s *MFAService) SetPreferredMethod(ctx context.Context, principalID string, method model.MFAMethodType) error {
	if !method.Valid() {
		return &ValidationError{Field: "method", Reason: fmt.Sprintf("unknown method %q", method), Err: ErrUnsupportedMethod}
	}

	unlock := s.locks.Lock(principalID)
	defer unlock()

	profile, err := s.getProfile(ctx, principalID)
	if err != nil {
		return err
	}
	if !profile.IsEnabled(method) {
		return ErrMFANotEnabled
	}

	var previous interface{}
	if profile.PreferredMethod != nil {
		previous = *profile.PreferredMethod
	}
	profile.PreferredMethod = &method
	if err := s.profiles.UpdateProfile(ctx, profile); err != nil {
		return fmt.Errorf("failed to set preferred method: %w", err)
	}

	s.recorder.LogSecurityEvent(ctx, model.SecurityEventInput{
		PrincipalID:  principalID,
		EventType:    model.EventMFAPreferredChanged,
		Category:     model.CategoryMFA,
		Details:      model.MFADetails{Method: method},
		ResourceType: profileResource,
		ResourceID:   principalID,
	})
	s.recorder.LogAudit(ctx, model.AuditInput{
		PrincipalID:  principalID,
		Action:       model.AuditActionMFAPreferred,
		ResourceType: profileResource,
		ResourceID:   principalID,
		OldValue:     previous,
		NewValue:     method,
	})
	return nil
}

// GetMFAStatus returns the principal's MFA configuration
func (s *MFAService) GetMFAStatus(ctx context.Context, principalID string) (*model.MFAStatusResponse, error) {
	profile, err := s.profiles.GetProfile(ctx, principalID)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.MFAStatusResponse{EnabledMethods: []model.MFAMethodType{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get MFA profile: %w", err)
	}

	resp := &model.MFAStatusResponse{
		MFAEnabled:      profile.TOTPEnabled || profile.SMSEnabled,
		PreferredMethod: profile.PreferredMethod,
		EnabledMethods:  profile.EnabledMethods(),
		TOTPPending:     profile.HasPendingTOTP(),
		TOTPEnabledAt:   profile.TOTPEnabledAt,
		BackupCodesUsed: profile.BackupCodesUsed,
	}

	if profile.BackupCodes != nil {
		codes, err := s.openBackupCodes(ctx, principalID, *profile.BackupCodes, model.RequestMeta{})
		if err != nil {
			return nil, err
		}
		resp.BackupCodesRemaining = countUnused(codes)
	}

	if profile.PhoneNumber != nil {
		phone, err := s.openSecret(ctx, principalID, *profile.PhoneNumber, model.RequestMeta{})
		if err != nil {
			return nil, err
		}
		resp.PhoneNumberMasked = sms.MaskPhoneNumber(phone)
	}

	return resp, nil
}

// --- Helpers ---

// verify routes a check through the throttle when the channel is guarded
func (s *MFAService) verify(ctx context.Context, principalID string, channel model.MFAMethodType, meta model.RequestMeta, check CheckFunc) error {
	if s.throttle != nil && s.throttle.Guards(channel) {
		return s.throttle.Guard(ctx, principalID, channel, meta, check)
	}

	ok, err := check(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return &InvalidCodeError{Channel: string(channel)}
	}
	return nil
}

// recordVerification counts the outcome and writes the matching event
func (s *MFAService) recordVerification(ctx context.Context, principalID string, method model.MFAMethodType, meta model.RequestMeta, err error) {
	in := model.SecurityEventInput{
		PrincipalID:   principalID,
		Category:      model.CategoryMFA,
		ResourceType:  profileResource,
		ResourceID:    principalID,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		CorrelationID: meta.CorrelationID,
	}
	details := model.MFADetails{Method: method}

	var invalid *InvalidCodeError
	var locked *LockedOutError
	switch {
	case err == nil:
		s.metrics.Verifications.WithLabelValues(string(method), metrics.OutcomeSuccess).Inc()
		in.EventType = model.EventMFAVerificationSuccess
		in.Severity = model.SeverityLow
	case errors.As(err, &invalid):
		s.metrics.Verifications.WithLabelValues(string(method), metrics.OutcomeInvalid).Inc()
		in.EventType = model.EventMFAVerificationFailed
		in.Severity = model.SeverityMedium
		details.Reason = "invalid_code"
		if invalid.Throttled {
			remaining := invalid.RemainingAttempts
			details.RemainingAttempts = &remaining
			details.Attempts = s.cfg.Lockout.MaxAttempts - remaining
		}
	case errors.As(err, &locked):
		s.metrics.Verifications.WithLabelValues(string(method), metrics.OutcomeLocked).Inc()
		in.EventType = model.EventMFAVerificationFailed
		in.Severity = model.SeverityMedium
		details.Reason = "locked_out"
	case errors.Is(err, ErrMFANoBackupCodes):
		s.metrics.Verifications.WithLabelValues(string(method), metrics.OutcomeInvalid).Inc()
		in.EventType = model.EventMFAVerificationFailed
		in.Severity = model.SeverityMedium
		details.Reason = "no_backup_codes_remaining"
	default:
		// Inconclusive checks fail closed; they are not evidence of a wrong guess
		s.metrics.Verifications.WithLabelValues(string(method), metrics.OutcomeError).Inc()
		s.log.Error().Err(err).Str("principal_id", principalID).Str("method", string(method)).Msg("MFA verification failed")
		return
	}

	in.Details = details
	s.recorder.LogSecurityEvent(ctx, in)
}

func (s *MFAService) recordEnabled(ctx context.Context, principalID string, method model.MFAMethodType, action string, meta model.RequestMeta) {
	s.recorder.LogSecurityEvent(ctx, model.SecurityEventInput{
		PrincipalID:   principalID,
		EventType:     model.EventMFAEnabled,
		Category:      model.CategoryMFA,
		Details:       model.MFADetails{Method: method},
		ResourceType:  profileResource,
		ResourceID:    principalID,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		CorrelationID: meta.CorrelationID,
	})
	s.recorder.LogAudit(ctx, model.AuditInput{
		PrincipalID:  principalID,
		Action:       action,
		ResourceType: profileResource,
		ResourceID:   principalID,
		OldValue:     map[string]interface{}{"method": method, "enabled": false},
		NewValue:     map[string]interface{}{"method": method, "enabled": true},
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	})
}

func (s *MFAService) getProfile(ctx context.Context, principalID string) (*model.MFAProfile, error) {
	profile, err := s.profiles.GetProfile(ctx, principalID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrMFANotSetUp
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get MFA profile: %w", err)
	}
	return profile, nil
}

// loadOrNewProfile returns the stored profile or a fresh unsaved one
func (s *MFAService) loadOrNewProfile(ctx context.Context, principalID string) (*model.MFAProfile, bool, error) {
	profile, err := s.profiles.GetProfile(ctx, principalID)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.MFAProfile{PrincipalID: principalID}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get MFA profile: %w", err)
	}
	return profile, true, nil
}

func (s *MFAService) saveProfile(ctx context.Context, profile *model.MFAProfile, exists bool) error {
	if exists {
		if err := s.profiles.UpdateProfile(ctx, profile); err != nil {
			return fmt.Errorf("failed to update MFA profile: %w", err)
		}
		return nil
	}
	if err := s.profiles.CreateProfile(ctx, profile); err != nil {
		return fmt.Errorf("failed to create MFA profile: %w", err)
	}
	return nil
}

// openSecret decrypts a stored value. A malformed record is unrecoverable
// without re-enrollment and raises a critical event.
func (s *MFAService) openSecret(ctx context.Context, principalID, token string, meta model.RequestMeta) (string, error) {
	plain, err := s.cipher.DecryptString(token)
	if err == nil {
		return plain, nil
	}

	s.recorder.LogSecurityEvent(ctx, model.SecurityEventInput{
		PrincipalID:   principalID,
		EventType:     model.EventSecretDecryptionFailure,
		Category:      model.CategorySystem,
		Severity:      model.SeverityCritical,
		Details:       model.Fields{"error": err.Error()},
		ResourceType:  profileResource,
		ResourceID:    principalID,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		CorrelationID: meta.CorrelationID,
	})
	return "", fmt.Errorf("failed to decrypt MFA secret: %w", err)
}
