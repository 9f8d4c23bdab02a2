// Package activation implements the activation session state machine, license identity verification with
// two-slot device binding, and the OTP confirmation sub-flow. All durable state lives in a store.Store;
// every decision re-reads the current row inside the store's write transaction before mutating it.
package activation

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"sheetkey-license-bot/internal/config"
	"sheetkey-license-bot/internal/license"
	"sheetkey-license-bot/internal/metrics"
	"sheetkey-license-bot/internal/store"
)

// Notifier delivers text to a chat identity. Delivery is best effort.
type Notifier interface {
	Send(ctx context.Context, identity, text string) error
}

type Policy struct {
	ReferenceCodeTTL     time.Duration
	SerialKeyTTL         time.Duration
	OtpTTL               time.Duration
	SecondDeviceTTL      time.Duration
	MaxRequests          int
	FollowBlockThreshold int
	LicenseVerifyCap     int
	SessionVerifyCap     int
	OtpMaxAttempts       int
	GrantWithConsent     time.Duration
	GrantWithoutConsent  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ReferenceCodeTTL:     15 * time.Minute,
		SerialKeyTTL:         30 * time.Minute,
		OtpTTL:               10 * time.Minute,
		SecondDeviceTTL:      10 * time.Minute,
		MaxRequests:          3,
		FollowBlockThreshold: 5,
		LicenseVerifyCap:     3,
		SessionVerifyCap:     5,
		OtpMaxAttempts:       3,
		GrantWithConsent:     365 * 24 * time.Hour,
		GrantWithoutConsent:  30 * 24 * time.Hour,
	}
}

func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		ReferenceCodeTTL:     cfg.ReferenceCodeTTL,
		SerialKeyTTL:         cfg.SerialKeyTTL,
		OtpTTL:               cfg.OtpTTL,
		SecondDeviceTTL:      cfg.SecondDeviceTTL,
		MaxRequests:          cfg.MaxRequests,
		FollowBlockThreshold: cfg.FollowBlockThreshold,
		LicenseVerifyCap:     cfg.LicenseVerifyCap,
		SessionVerifyCap:     cfg.SessionVerifyCap,
		OtpMaxAttempts:       cfg.OtpMaxAttempts,
		GrantWithConsent:     cfg.GrantWithConsent,
		GrantWithoutConsent:  cfg.GrantWithoutConsent,
	}
}

type Service struct {
	st       store.Store
	notifier Notifier
	policy   Policy
	log      *slog.Logger
	now      func() time.Time

	newReferenceCode func() (string, error)
	newSerialKey     func() (string, error)
	newOTP           func() (string, error)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func New(st store.Store, n Notifier, p Policy, opts ...Option) *Service {
	s := &Service{
		st:               st,
		notifier:         n,
		policy:           p,
		log:              slog.Default(),
		now:              func() time.Time { return time.Now().UTC() },
		newReferenceCode: license.NewReferenceCode,
		newSerialKey:     license.NewSerialKey,
		newOTP:           license.NewOTP,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "activation")
	return s
}

func (s *Service) Policy() Policy { return s.policy }

// notify never fails the caller: the state change that triggered it is already committed.
func (s *Service) notify(ctx context.Context, identity, text string) {
	if s.notifier == nil || identity == "" {
		return
	}
	if err := s.notifier.Send(ctx, identity, text); err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		s.log.Warn("notification failed", "identity", identity, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("ok").Inc()
}

func (s *Service) observe(flow string, err error) {
	metrics.VerificationsTotal.WithLabelValues(flow, resultLabel(err)).Inc()
}

func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func normalizePhone(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func normalizeNationalID(s string) string {
	return license.NormalizeCode(s)
}
