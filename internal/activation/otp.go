package activation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sheetkey-license-bot/internal/license"
	"sheetkey-license-bot/internal/store"
)

// RequestOtp issues a fresh challenge for a VERIFIED or ACTIVE session, replacing any earlier one,
// and sends the code to the session owner.
func (s *Service) RequestOtp(ctx context.Context, code string) (store.OtpChallenge, error) {
	code = license.NormalizeCode(code)
	if code == "" {
		return store.OtpChallenge{}, ErrInvalidInput
	}
	otpCode, err := s.newOTP()
	if err != nil {
		return store.OtpChallenge{}, fmt.Errorf("%w: otp: %v", ErrDownstreamUnavailable, err)
	}
	now := s.now()
	var identity string
	otp, err := s.st.IssueOtp(ctx, code, func(sess *store.Session, _ *store.OtpChallenge) (*store.OtpChallenge, error) {
		if sess.Expired(now) {
			return nil, ErrNotFound
		}
		if sess.Status != store.StatusVerified && sess.Status != store.StatusActive {
			return nil, ErrConflict
		}
		identity = sess.ChatIdentity
		return &store.OtpChallenge{
			Code:      otpCode,
			CreatedAt: now,
			ExpiresAt: now.Add(s.policy.OtpTTL),
		}, nil
	})
	err = classify(err)
	s.observe("otp_request", err)
	if err != nil {
		return store.OtpChallenge{}, err
	}
	s.log.Info("otp issued", "identity", identity, "session_id", otp.SessionID, "expires_at", otp.ExpiresAt)
	s.notify(ctx, identity, fmt.Sprintf("Your one-time password is %s. It expires in %s.",
		otpCode, s.policy.OtpTTL))
	return otp, nil
}

// ConfirmOtp consumes the live challenge when otp matches. A wrong code keeps the challenge and counts
// against OtpMaxAttempts; at the cap the challenge is Forbidden until a new one is requested.
func (s *Service) ConfirmOtp(ctx context.Context, code, otp string) error {
	code = license.NormalizeCode(code)
	otp = strings.TrimSpace(otp)
	if code == "" || otp == "" {
		return ErrInvalidInput
	}
	now := s.now()
	var outcome error
	_, err := s.st.UpdateOtp(ctx, code, func(sess *store.Session, o *store.OtpChallenge) error {
		outcome = nil
		if sess.Expired(now) || o.Code == "" {
			return ErrNotFound
		}
		if o.Expired(now) {
			return ErrExpired
		}
		if o.FailedAttempts >= s.policy.OtpMaxAttempts {
			return ErrForbidden
		}
		if !secretEqual(o.Code, otp) {
			o.FailedAttempts++
			outcome = &AttemptsError{Remaining: max(s.policy.OtpMaxAttempts-o.FailedAttempts, 0)}
			return nil
		}
		o.Code = ""
		sess.OtpConfirmedAt = &now
		return nil
	})
	if err == nil {
		err = outcome
	}
	err = classify(err)
	s.observe("otp_confirm", err)
	return err
}

// ClearOtp nulls the challenge's code so the flow can be restarted with RequestOtp.
func (s *Service) ClearOtp(ctx context.Context, code string) error {
	code = license.NormalizeCode(code)
	if code == "" {
		return ErrInvalidInput
	}
	_, err := s.st.UpdateOtp(ctx, code, func(_ *store.Session, o *store.OtpChallenge) error {
		if o.Code == "" {
			return errUnchanged
		}
		o.Code = ""
		return nil
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	return classify(err)
}
