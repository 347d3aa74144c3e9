// Package sms is the notification gateway contract for SMS one-time codes.
// Delivery is fire-and-forget from the MFA core's perspective.
package sms

import (
	"context"

	"github.com/hostedid/mfacore/internal/logger"
)

// Sender delivers a one-time code to a phone number
type Sender interface {
	SendCode(ctx context.Context, phoneNumber, code string) error
}

// LogSender writes codes to the log instead of delivering them. Development only.
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log.WithComponent("sms_log_sender")}
}

// SendCode logs the code against a masked number
func (s *LogSender) SendCode(_ context.Context, phoneNumber, code string) error {
	s.log.Warn().
		Str("phone", MaskPhoneNumber(phoneNumber)).
		Str("code", code).
		Msg("SMS delivery not configured; code logged instead")
	return nil
}

// MaskPhoneNumber keeps only the last four digits
func MaskPhoneNumber(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	masked := make([]byte, len(phone))
	for i := range phone {
		switch {
		case i >= len(phone)-4:
			masked[i] = phone[i]
		case phone[i] == '+':
			masked[i] = '+'
		default:
			masked[i] = '*'
		}
	}
	return string(masked)
}
