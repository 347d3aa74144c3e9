package model

import "time"

// MFAMethodType represents a type of MFA method
type MFAMethodType string

const (
	MFAMethodTOTP       MFAMethodType = "totp"
	MFAMethodSMS        MFAMethodType = "sms"
	MFAMethodBackupCode MFAMethodType = "backup_code"
)

// Valid reports whether m is a known method
func (m MFAMethodType) Valid() bool {
	switch m {
	case MFAMethodTOTP, MFAMethodSMS, MFAMethodBackupCode:
		return true
	}
	return false
}

// MFAProfile holds the second-factor state of one principal. Secrets and the
// phone number are stored encrypted; BackupCodes is the encrypted JSON of the
// current recovery code set.
type MFAProfile struct {
	PrincipalID     string         `json:"principalId" db:"principal_id"`
	TOTPSecret      *string        `json:"-" db:"totp_secret"`
	TOTPEnabled     bool           `json:"totpEnabled" db:"totp_enabled"`
	TOTPEnabledAt   *time.Time     `json:"totpEnabledAt,omitempty" db:"totp_enabled_at"`
	PhoneNumber     *string        `json:"-" db:"phone_number"`
	SMSEnabled      bool           `json:"smsEnabled" db:"sms_enabled"`
	SMSEnabledAt    *time.Time     `json:"smsEnabledAt,omitempty" db:"sms_enabled_at"`
	PreferredMethod *MFAMethodType `json:"preferredMethod,omitempty" db:"preferred_method"`
	BackupCodes     *string        `json:"-" db:"backup_codes"`
	BackupCodesUsed int            `json:"backupCodesUsed" db:"backup_codes_used"`
	// Version increments on every update and guards compare-and-swap writes
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// HasPendingTOTP reports whether a TOTP secret awaits confirmation
func (p *MFAProfile) HasPendingTOTP() bool {
	return !p.TOTPEnabled && p.TOTPSecret != nil && *p.TOTPSecret != ""
}

// IsEnabled reports whether the given method is active for the principal
func (p *MFAProfile) IsEnabled(method MFAMethodType) bool {
	switch method {
	case MFAMethodTOTP:
		return p.TOTPEnabled
	case MFAMethodSMS:
		return p.SMSEnabled
	case MFAMethodBackupCode:
		return p.BackupCodes != nil
	}
	return false
}

// EnabledMethods lists the active primary factors
func (p *MFAProfile) EnabledMethods() []MFAMethodType {
	methods := make([]MFAMethodType, 0, 2)
	if p.TOTPEnabled {
		methods = append(methods, MFAMethodTOTP)
	}
	if p.SMSEnabled {
		methods = append(methods, MFAMethodSMS)
	}
	return methods
}

// Clone returns a copy safe to mutate independently
func (p *MFAProfile) Clone() *MFAProfile {
	c := *p
	c.TOTPSecret = cloneString(p.TOTPSecret)
	c.PhoneNumber = cloneString(p.PhoneNumber)
	c.BackupCodes = cloneString(p.BackupCodes)
	c.TOTPEnabledAt = cloneTime(p.TOTPEnabledAt)
	c.SMSEnabledAt = cloneTime(p.SMSEnabledAt)
	if p.PreferredMethod != nil {
		m := *p.PreferredMethod
		c.PreferredMethod = &m
	}
	return &c
}

// BackupCode is one entry of a recovery code set
type BackupCode struct {
	Code   string     `json:"code"`
	Used   bool       `json:"used"`
	UsedAt *time.Time `json:"usedAt,omitempty"`
}

// ThrottleState is the transient failure counter of one (principal, channel) key
type ThrottleState struct {
	FailureCount    int        `json:"failureCount"`
	WindowExpiresAt *time.Time `json:"windowExpiresAt,omitempty"`
	LockedUntil     *time.Time `json:"lockedUntil,omitempty"`
}

// TOTPSetupResponse is returned once when TOTP enrollment starts
type TOTPSetupResponse struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauthUrl"`
	QRCode      string   `json:"qrCode"` // base64-encoded PNG
	Issuer      string   `json:"issuer"`
	AccountID   string   `json:"accountId"`
	BackupCodes []string `json:"backupCodes"`
}

// MFAStatusResponse returns the principal's MFA configuration
type MFAStatusResponse struct {
	MFAEnabled           bool            `json:"mfaEnabled"`
	PreferredMethod      *MFAMethodType  `json:"preferredMethod,omitempty"`
	EnabledMethods       []MFAMethodType `json:"enabledMethods"`
	TOTPPending          bool            `json:"totpPending"`
	TOTPEnabledAt        *time.Time      `json:"totpEnabledAt,omitempty"`
	PhoneNumberMasked    string          `json:"phoneNumberMasked,omitempty"`
	BackupCodesRemaining int             `json:"backupCodesRemaining"`
	BackupCodesUsed      int             `json:"backupCodesUsed"`
}

// BackupCodesResponse is returned when generating backup codes
type BackupCodesResponse struct {
	Codes []string `json:"codes"`
	Count int      `json:"count"`
}

// RequestMeta carries the caller context recorded with security events
type RequestMeta struct {
	IPAddress     string `json:"ipAddress,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
