package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/hostedid/mfacore/internal/cache"
	"github.com/hostedid/mfacore/internal/config"
	"github.com/hostedid/mfacore/internal/logger"
	"github.com/hostedid/mfacore/internal/metrics"
	"github.com/hostedid/mfacore/internal/model"
	"github.com/hostedid/mfacore/internal/repository/memory"
	"github.com/hostedid/mfacore/internal/secret"
	"github.com/hostedid/mfacore/internal/service"
)

// 1_700_000_010 is the first second of a TOTP step
var epoch = time.Unix(1_700_000_010, 0).UTC()

var meta = model.RequestMeta{IPAddress: "203.0.113.7", UserAgent: "test-agent/1.0", CorrelationID: "req-1"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// eventLog is an EventRecorder that keeps everything in memory
type eventLog struct {
	mu     sync.Mutex
	events []model.SecurityEventInput
	audits []model.AuditInput
}

func (r *eventLog) LogSecurityEvent(_ context.Context, in model.SecurityEventInput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, in)
}

func (r *eventLog) LogAudit(_ context.Context, in model.AuditInput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, in)
}

func (r *eventLog) ofType(eventType string) []model.SecurityEventInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SecurityEventInput
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type sentCode struct {
	phone string
	code  string
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []sentCode
	err  error
}

func (f *fakeSMS) SendCode(_ context.Context, phone, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentCode{phone: phone, code: code})
	return nil
}

func (f *fakeSMS) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSMS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSMS) last(t *testing.T) sentCode {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "no SMS sent")
	return f.sent[len(f.sent)-1]
}

type fixture struct {
	cfg      *config.Config
	clock    *fakeClock
	store    *memory.Store
	cache    *cache.Memory
	metrics  *metrics.Metrics
	security *service.SecurityService
	throttle *service.Throttle
	mfa      *service.MFAService
	sms      *fakeSMS
}

func newFixture(t *testing.T, opts ...func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	for _, opt := range opts {
		opt(cfg)
	}

	f := &fixture{
		cfg:     cfg,
		clock:   &fakeClock{now: epoch},
		store:   memory.New(),
		metrics: metrics.NewNop(),
		sms:     &fakeSMS{},
	}
	f.cache = cache.NewMemoryWithClock(1000, f.clock.Now, cache.WithPinnedPrefixes(service.LockoutKeyPrefix))

	cipher, err := secret.NewFromPassphrase("service test passphrase", secret.ModeGCM)
	require.NoError(t, err)

	log := logger.Nop()
	f.security = service.NewSecurityService(f.store, f.store, nil, cfg, f.metrics, log).WithClock(f.clock.Now)
	f.throttle = service.NewThrottle(f.cache, cfg.MFA.Lockout, f.security, f.metrics, log).WithClock(f.clock.Now)
	f.mfa = service.NewMFAService(f.store, f.cache, cipher, f.throttle, f.security, f.sms, cfg, f.metrics, log).WithClock(f.clock.Now)
	return f
}

// totpCode returns the code valid offset away from the fixture clock
func (f *fixture) totpCode(t *testing.T, secretKey string, offset time.Duration) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secretKey, f.clock.Now().Add(offset), totp.ValidateOpts{
		Period:    uint(f.cfg.MFA.TOTP.Period),
		Digits:    otp.Digits(f.cfg.MFA.TOTP.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// enrollTOTP sets up and confirms TOTP for principal
func (f *fixture) enrollTOTP(t *testing.T, principal string) *model.TOTPSetupResponse {
	t.Helper()
	ctx := context.Background()
	setup, err := f.mfa.SetupTOTP(ctx, principal, principal+"@example.com")
	require.NoError(t, err)
	require.NoError(t, f.mfa.VerifyAndEnableTOTP(ctx, principal, f.totpCode(t, setup.Secret, 0), meta))
	return setup
}

// enrollSMS sets up and confirms SMS for principal
func (f *fixture) enrollSMS(t *testing.T, principal, phone string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.mfa.SetupSMS(ctx, principal, phone, meta))
	require.NoError(t, f.mfa.VerifyAndEnableSMS(ctx, principal, f.sms.last(t).code, meta))
}

// countEvents counts ledger entries of one type for principal
func (f *fixture) countEvents(t *testing.T, principal, eventType string) int {
	t.Helper()
	n, err := f.store.CountSecurityEvents(context.Background(), model.EventFilter{
		PrincipalID: principal,
		EventTypes:  []string{eventType},
	})
	require.NoError(t, err)
	return n
}
