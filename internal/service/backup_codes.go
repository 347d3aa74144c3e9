package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/hostedid/mfacore/internal/model"
	"github.com/hostedid/mfacore/internal/repository"
)

// no i, l, o to avoid confusion
const backupCodeCharset = "0123456789abcdefghjkmnpqrstuvwxyz"

// GenerateBackupCodes produces a fresh set of distinct, unused codes
func (s *MFAService) GenerateBackupCodes() ([]model.BackupCode, error) {
	count := s.cfg.BackupCodes.Count
	if count <= 0 {
		count = 10
	}
	length := s.cfg.BackupCodes.Length
	if length <= 0 {
		length = 8
	}

	seen := make(map[string]bool, count)
	codes := make([]model.BackupCode, 0, count)
	for len(codes) < count {
		code, err := generateBackupCode(length)
		if err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		if seen[normalizeBackupCode(code)] {
			continue
		}
		seen[normalizeBackupCode(code)] = true
		codes = append(codes, model.BackupCode{Code: code})
	}
	return codes, nil
}

// VerifyBackupCode consumes one unused code. Each code works exactly once.
func (s *MFAService) VerifyBackupCode(ctx context.Context, principalID, code string, meta model.RequestMeta) error {
	profile, err := s.getProfile(ctx, principalID)
	if err != nil {
		return err
	}
	if profile.BackupCodes == nil {
		return ErrMFANotSetUp
	}

	var remaining int
	err = s.verify(ctx, principalID, model.MFAMethodBackupCode, meta, func(ctx context.Context) (bool, error) {
		var consumeErr error
		remaining, consumeErr = s.consumeBackupCode(ctx, principalID, code, meta)
		if errors.Is(consumeErr, errBackupCodeMismatch) {
			return false, nil
		}
		return consumeErr == nil, consumeErr
	})
	s.recordVerification(ctx, principalID, model.MFAMethodBackupCode, meta, err)
	if err != nil {
		return err
	}

	s.metrics.BackupCodesRemaining.Observe(float64(remaining))
	s.log.Info().Str("principal_id", principalID).Int("remaining", remaining).Msg("backup code used")
	s.recorder.LogSecurityEvent(ctx, model.SecurityEventInput{
		PrincipalID:   principalID,
		EventType:     model.EventBackupCodeUsed,
		Category:      model.CategoryMFA,
		Severity:      model.SeverityMedium,
		Details:       model.MFADetails{Method: model.MFAMethodBackupCode, BackupCodesLeft: &remaining},
		ResourceType:  profileResource,
		ResourceID:    principalID,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		CorrelationID: meta.CorrelationID,
	})
	return nil
}

var errBackupCodeMismatch = errors.New("backup code mismatch")

// consumeBackupCode marks the matching unused code as used and returns how
// many unused codes remain. The per-principal lock serializes this process;
// the version check on update covers other processes.
func (s *MFAService) consumeBackupCode(ctx context.Context, principalID, code string, meta model.RequestMeta) (int, error) {
	unlock := s.locks.Lock(principalID)
	defer unlock()

	submitted := normalizeBackupCode(code)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		profile, err := s.getProfile(ctx, principalID)
		if err != nil {
			return 0, err
		}
		if profile.BackupCodes == nil {
			return 0, ErrMFANotSetUp
		}

		codes, err := s.openBackupCodes(ctx, principalID, *profile.BackupCodes, meta)
		if err != nil {
			return 0, err
		}
		if countUnused(codes) == 0 {
			return 0, ErrMFANoBackupCodes
		}

		idx := -1
		for i, c := range codes {
			// Scan the whole set so timing does not reveal the position
			if !c.Used && subtle.ConstantTimeCompare([]byte(normalizeBackupCode(c.Code)), []byte(submitted)) == 1 {
				idx = i
			}
		}
		if idx < 0 {
			return 0, errBackupCodeMismatch
		}

		usedAt := s.now().UTC()
		codes[idx].Used = true
		codes[idx].UsedAt = &usedAt

		sealed, err := s.sealBackupCodes(codes)
		if err != nil {
			return 0, err
		}
		profile.BackupCodes = &sealed
		profile.BackupCodesUsed++

		err = s.profiles.UpdateProfile(ctx, profile)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to persist backup codes: %w", err)
		}
		return countUnused(codes), nil
	}

	return 0, fmt.Errorf("failed to consume backup code: %w", repository.ErrConflict)
}

// GenerateNewBackupCodes replaces the whole set; earlier codes stop working
func (s *MFAService) GenerateNewBackupCodes(ctx context.Context, principalID string, meta model.RequestMeta) (*model.BackupCodesResponse, error) {
	unlock := s.locks.Lock(principalID)
	defer unlock()

	profile, err := s.getProfile(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if !profile.TOTPEnabled && !profile.SMSEnabled {
		return nil, ErrMFANotEnabled
	}

	codes, err := s.GenerateBackupCodes()
	if err != nil {
		return nil, err
	}
	sealed, err := s.sealBackupCodes(codes)
	if err != nil {
		return nil, err
	}

	previouslyUsed := profile.BackupCodesUsed
	profile.BackupCodes = &sealed
	profile.BackupCodesUsed = 0
	if err := s.profiles.UpdateProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to store backup codes: %w", err)
	}

	s.log.Info().Str("principal_id", principalID).Int("count", len(codes)).Msg("backup codes generated")
	s.recorder.LogSecurityEvent(ctx, model.SecurityEventInput{
		PrincipalID:   principalID,
		EventType:     model.EventBackupCodesRegenerated,
		Category:      model.CategoryMFA,
		Severity:      model.SeverityMedium,
		Details:       model.MFADetails{Method: model.MFAMethodBackupCode},
		ResourceType:  profileResource,
		ResourceID:    principalID,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		CorrelationID: meta.CorrelationID,
	})
	s.recorder.LogAudit(ctx, model.AuditInput{
		PrincipalID:  principalID,
		Action:       model.AuditActionMFABackupCodesGen,
		ResourceType: profileResource,
		ResourceID:   principalID,
		OldValue:     map[string]int{"backupCodesUsed": previouslyUsed},
		NewValue:     map[string]int{"backupCodesUsed": 0, "count": len(codes)},
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	})

	plain := make([]string, len(codes))
	for i, c := range codes {
		plain[i] = c.Code
	}
	return &model.BackupCodesResponse{Codes: plain, Count: len(plain)}, nil
}

func (s *MFAService) sealBackupCodes(codes []model.BackupCode) (string, error) {
	raw, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("failed to encode backup codes: %w", err)
	}
	sealed, err := s.cipher.Encrypt(raw)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt backup codes: %w", err)
	}
	return sealed, nil
}

func (s *MFAService) openBackupCodes(ctx context.Context, principalID, token string, meta model.RequestMeta) ([]model.BackupCode, error) {
	raw, err := s.openSecret(ctx, principalID, token, meta)
	if err != nil {
		return nil, err
	}
	var codes []model.BackupCode
	if err := json.Unmarshal([]byte(raw), &codes); err != nil {
		return nil, fmt.Errorf("failed to decode backup codes: %w", err)
	}
	return codes, nil
}

func countUnused(codes []model.BackupCode) int {
	n := 0
	for _, c := range codes {
		if !c.Used {
			n++
		}
	}
	return n
}

// generateBackupCode returns a random code formatted as two dash-separated halves
func generateBackupCode(length int) (string, error) {
	limit := big.NewInt(int64(len(backupCodeCharset)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		code[i] = backupCodeCharset[n.Int64()]
	}
	half := length / 2
	return string(code[:half]) + "-" + string(code[half:]), nil
}

func normalizeBackupCode(code string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}
