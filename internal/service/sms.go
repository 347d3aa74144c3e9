package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/hostedid/mfacore/internal/cache"
	"github.com/hostedid/mfacore/internal/model"
	"github.com/hostedid/mfacore/internal/validation"
)

const (
	smsCodePrefix     = "sms_otp:"
	smsCooldownPrefix = "sms_resend:"
)

func smsCodeKey(principalID string) string { return smsCodePrefix + principalID }

// SetupSMS stores the phone number and sends a first code. SMS is enabled
// only once that code is confirmed with VerifyAndEnableSMS. A call inside the
// resend cooldown fails before the stored number changes.
func (s *MFAService) SetupSMS(ctx context.Context, principalID, phoneNumber string, meta model.RequestMeta) error {
	phone, err := validation.NormalizePhoneNumber(phoneNumber)
	if err != nil {
		return &ValidationError{Field: "phone_number", Reason: err.Error(), Err: ErrInvalidPhoneNumber}
	}

	unlock := s.locks.Lock(principalID)
	profile, exists, err := s.loadOrNewProfile(ctx, principalID)
	if err != nil {
		unlock()
		return err
	}
	if profile.SMSEnabled {
		unlock()
		return ErrMFAAlreadyEnabled
	}

	if err := s.acquireResendCooldown(ctx, principalID); err != nil {
		unlock()
		return err
	}

	encPhone, err := s.cipher.EncryptString(phone)
	if err != nil {
		s.releaseResendCooldown(ctx, principalID)
		unlock()
		return fmt.Errorf("failed to encrypt phone number: %w", err)
	}

	// A code sent to an earlier number must not confirm this one
	if err := s.cache.Delete(ctx, smsCodeKey(principalID)); err != nil {
		s.releaseResendCooldown(ctx, principalID)
		unlock()
		return fmt.Errorf("failed to discard pending SMS code: %w", err)
	}

	profile.PhoneNumber = &encPhone
	err = s.saveProfile(ctx, profile, exists)
	unlock()
	if err != nil {
		s.releaseResendCooldown(ctx, principalID)
		return err
	}

	s.log.Info().Str("principal_id", principalID).Msg("SMS setup initiated")
	s.recorder.LogSecurityEvent(ctx, model.SecurityEventInput{
		PrincipalID:   principalID,
		EventType:     model.EventSMSSetup,
		Category:      model.CategoryMFA,
		Details:       model.MFADetails{Method: model.MFAMethodSMS},
		ResourceType:  profileResource,
		ResourceID:    principalID,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		CorrelationID: meta.CorrelationID,
	})
	s.recorder.LogAudit(ctx, model.AuditInput{
		PrincipalID:  principalID,
		Action:       model.AuditActionMFASMSSetup,
		ResourceType: profileResource,
		ResourceID:   principalID,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	})

	return s.deliverCode(ctx, principalID, phone)
}

// SendSMSCode issues a new code to the stored phone number
func (s *MFAService) SendSMSCode(ctx context.Context, principalID string) error {
	profile, err := s.getProfile(ctx, principalID)
	if err != nil {
		return err
	}
	if profile.PhoneNumber == nil {
		return ErrMFANotSetUp
	}

	phone, err := s.openSecret(ctx, principalID, *profile.PhoneNumber, model.RequestMeta{})
	if err != nil {
		return err
	}
	if err := s.acquireResendCooldown(ctx, principalID); err != nil {
		return err
	}
	return s.deliverCode(ctx, principalID, phone)
}

// acquireResendCooldown claims the resend slot or returns ErrSMSResendCooldown
func (s *MFAService) acquireResendCooldown(ctx context.Context, principalID string) error {
	cooldown := s.cfg.SMS.ResendCooldown
	if cooldown <= 0 {
		return nil
	}
	acquired, err := s.cache.SetNX(ctx, smsCooldownPrefix+principalID, "1", cooldown)
	if err != nil {
		return fmt.Errorf("failed to check resend cooldown: %w", err)
	}
	if !acquired {
		return ErrSMSResendCooldown
	}
	return nil
}

func (s *MFAService) releaseResendCooldown(ctx context.Context, principalID string) {
	if err := s.cache.Delete(ctx, smsCooldownPrefix+principalID); err != nil {
		s.log.Warn().Err(err).Str("principal_id", principalID).Msg("failed to release SMS resend cooldown")
	}
}

// deliverCode stores a fresh code bound to phone and hands it to the gateway.
// The caller holds the resend cooldown.
func (s *MFAService) deliverCode(ctx context.Context, principalID, phone string) error {
	code, err := s.generateSMSCode()
	if err != nil {
		s.releaseResendCooldown(ctx, principalID)
		return fmt.Errorf("failed to generate SMS code: %w", err)
	}

	ttl := s.cfg.SMS.CodeTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	// Only the hash is kept; a new code replaces any earlier one
	codeKey := smsCodeKey(principalID)
	if err := s.cache.Set(ctx, codeKey, hashSMSCode(phone, code), ttl); err != nil {
		s.releaseResendCooldown(ctx, principalID)
		return fmt.Errorf("failed to store SMS code: %w", err)
	}

	if err := s.sms.SendCode(ctx, phone, code); err != nil {
		// Clean up so the principal can retry immediately
		_ = s.cache.Delete(ctx, codeKey, smsCooldownPrefix+principalID)
		return fmt.Errorf("failed to send SMS code: %w", err)
	}

	s.metrics.SMSCodesSent.Inc()
	s.log.Info().Str("principal_id", principalID).Msg("SMS code sent")
	s.recorder.LogSecurityEvent(ctx, model.SecurityEventInput{
		PrincipalID:  principalID,
		EventType:    model.EventSMSCodeSent,
		Category:     model.CategoryMFA,
		Details:      model.MFADetails{Method: model.MFAMethodSMS},
		ResourceType: profileResource,
		ResourceID:   principalID,
	})
	return nil
}

// VerifySMSCode checks a code for a principal with SMS enabled
func (s *MFAService) VerifySMSCode(ctx context.Context, principalID, code string, meta model.RequestMeta) error {
	profile, err := s.getProfile(ctx, principalID)
	if err != nil {
		return err
	}
	if !profile.SMSEnabled || profile.PhoneNumber == nil {
		return ErrMFANotSetUp
	}

	err = s.verify(ctx, principalID, model.MFAMethodSMS, meta, func(ctx context.Context) (bool, error) {
		phone, err := s.openSecret(ctx, principalID, *profile.PhoneNumber, meta)
		if err != nil {
			return false, err
		}
		return s.consumeSMSCode(ctx, principalID, phone, code)
	})
	s.recordVerification(ctx, principalID, model.MFAMethodSMS, meta, err)
	return err
}

// VerifyAndEnableSMS confirms the phone number with the code sent by SetupSMS
func (s *MFAService) VerifyAndEnableSMS(ctx context.Context, principalID, code string, meta model.RequestMeta) error {
	profile, err := s.getProfile(ctx, principalID)
	if err != nil {
		return err
	}
	if profile.SMSEnabled {
		return ErrMFAAlreadyEnabled
	}
	if profile.PhoneNumber == nil {
		return ErrMFANotSetUp
	}

	verified := *profile.PhoneNumber
	phone, err := s.openSecret(ctx, principalID, verified, meta)
	if err != nil {
		return err
	}
	ok, err := s.consumeSMSCode(ctx, principalID, phone, code)
	if err != nil {
		return err
	}
	if !ok {
		verr := &InvalidCodeError{Channel: string(model.MFAMethodSMS)}
		s.recordVerification(ctx, principalID, model.MFAMethodSMS, meta, verr)
		return verr
	}

	unlock := s.locks.Lock(principalID)
	defer unlock()

	// Re-read under the lock; the code is already spent
	profile, err = s.getProfile(ctx, principalID)
	if err != nil {
		return err
	}
	if profile.PhoneNumber == nil {
		return ErrMFANotSetUp
	}
	if *profile.PhoneNumber != verified {
		verr := &InvalidCodeError{Channel: string(model.MFAMethodSMS)}
		s.recordVerification(ctx, principalID, model.MFAMethodSMS, meta, verr)
		return verr
	}

	now := s.now().UTC()
	profile.SMSEnabled = true
	profile.SMSEnabledAt = &now
	if profile.PreferredMethod == nil {
		method := model.MFAMethodSMS
		profile.PreferredMethod = &method
	}
	if err := s.profiles.UpdateProfile(ctx, profile); err != nil {
		return fmt.Errorf("failed to enable SMS: %w", err)
	}

	s.log.Info().Str("principal_id", principalID).Msg("SMS verified and activated")
	s.recordVerification(ctx, principalID, model.MFAMethodSMS, meta, nil)
	s.recordEnabled(ctx, principalID, model.MFAMethodSMS, model.AuditActionMFASMSEnabled, meta)
	return nil
}

// consumeSMSCode compares against the code cached for phone and deletes it on
// a match.
// A missing code (never sent or expired) is a plain mismatch.
func (s *MFAService) consumeSMSCode(ctx context.Context, principalID, phone, code string) (bool, error) {
	unlock := s.locks.Lock(smsCodePrefix + principalID)
	defer unlock()

	codeKey := smsCodeKey(principalID)
	stored, err := s.cache.Get(ctx, codeKey)
	if errors.Is(err, cache.ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get SMS code: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(hashSMSCode(phone, code))) != 1 {
		return false, nil
	}

	if err := s.cache.Delete(ctx, codeKey); err != nil {
		return false, fmt.Errorf("failed to consume SMS code: %w", err)
	}
	return true, nil
}

// generateSMSCode creates a cryptographically random numeric code
func (s *MFAService) generateSMSCode() (string, error) {
	length := s.cfg.SMS.CodeLength
	if length <= 0 {
		length = 6
	}

	upper := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", err
	}

	// Pad with leading zeros
	return fmt.Sprintf("%0*d", length, n), nil
}

// hashSMSCode hashes a code together with the number it was sent to, so a
// code only confirms that number
func hashSMSCode(phone, code string) string {
	h := sha256.Sum256([]byte(phone + ":" + code))
	return hex.EncodeToString(h[:])
}
