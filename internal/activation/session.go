package activation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sheetkey-license-bot/internal/license"
	"sheetkey-license-bot/internal/metrics"
	"sheetkey-license-bot/internal/store"
)

// maxCodeAttempts bounds retries when a freshly generated reference code is still reserved by a live session.
const maxCodeAttempts = 5

// IssueResult is what CreateOrFetchSession and Follow return.
type IssueResult struct {
	Session store.Session
	Created bool
}

// CreateOrFetchSession returns the identity's live session, or creates a PENDING one when none exists.
// Re-issue is idempotent: it neither changes the code nor increments request_count.
func (s *Service) CreateOrFetchSession(ctx context.Context, identity string) (IssueResult, error) {
	return s.issue(ctx, identity, false)
}

// Follow handles a (re-)subscription to the chat channel. The follow counter and the BLOCKED transition are
// applied before the regular issue flow.
func (s *Service) Follow(ctx context.Context, identity string) (IssueResult, error) {
	return s.issue(ctx, identity, true)
}

// GetSession returns the identity's latest session, live or not.
func (s *Service) GetSession(ctx context.Context, identity string) (store.Session, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return store.Session{}, ErrInvalidInput
	}
	sess, err := s.st.SessionByIdentity(ctx, identity)
	return sess, classify(err)
}

func (s *Service) issue(ctx context.Context, identity string, follow bool) (IssueResult, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return IssueResult{}, ErrInvalidInput
	}
	now := s.now()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		ref, err := s.newReferenceCode()
		if err != nil {
			return IssueResult{}, fmt.Errorf("%w: reference code: %v", ErrDownstreamUnavailable, err)
		}
		serial, err := s.newSerialKey()
		if err != nil {
			return IssueResult{}, fmt.Errorf("%w: serial key: %v", ErrDownstreamUnavailable, err)
		}

		var (
			outcome error
			created bool
		)
		sess, err := s.st.IssueSession(ctx, identity, now, func(prev *store.Session) (*store.Session, error) {
			outcome, created = nil, false
			var requests, follows int
			if prev != nil {
				if follow {
					prev.FollowCount++
				}
				if prev.FollowCount >= s.policy.FollowBlockThreshold && prev.Status != store.StatusBlocked {
					prev.Status = store.StatusBlocked
				}
				if prev.Status == store.StatusBlocked {
					outcome = ErrBlocked
					return prev, nil
				}
				if prev.Live(now) {
					if !follow {
						return nil, errUnchanged
					}
					return prev, nil
				}
				if prev.RequestCount >= s.policy.MaxRequests {
					outcome = ErrRequestLimit
					if !follow {
						return nil, errUnchanged
					}
					return prev, nil
				}
				requests, follows = prev.RequestCount, prev.FollowCount
			} else if follow {
				follows = 1
			}
			created = true
			return &store.Session{
				ReferenceCode: ref,
				SerialKey:     serial,
				Status:        store.StatusPending,
				CreatedAt:     now,
				ExpiresAt:     now.Add(s.policy.ReferenceCodeTTL),
				RequestCount:  requests + 1,
				FollowCount:   follows,
			}, nil
		})
		if errors.Is(err, store.ErrCodeTaken) {
			s.log.Debug("reference code collision, regenerating", "identity", identity, "attempt", attempt+1)
			continue
		}
		if errors.Is(err, errUnchanged) {
			sess, err = s.st.SessionByIdentity(ctx, identity)
		}
		if err != nil {
			err = classify(err)
			metrics.SessionsIssuedTotal.WithLabelValues(resultLabel(err)).Inc()
			s.log.Error("issue session failed", "identity", identity, "error", err)
			return IssueResult{}, err
		}
		if outcome != nil {
			metrics.SessionsIssuedTotal.WithLabelValues(resultLabel(outcome)).Inc()
			s.log.Info("session issue refused", "identity", identity, "reason", outcome.Error(),
				"request_count", sess.RequestCount, "follow_count", sess.FollowCount)
			return IssueResult{Session: sess}, outcome
		}
		if created {
			metrics.SessionsIssuedTotal.WithLabelValues("created").Inc()
			s.log.Info("session created", "identity", identity, "session_id", sess.ID,
				"request_count", sess.RequestCount, "expires_at", sess.ExpiresAt)
		} else {
			metrics.SessionsIssuedTotal.WithLabelValues("reused").Inc()
		}
		return IssueResult{Session: sess, Created: created}, nil
	}
	metrics.SessionsIssuedTotal.WithLabelValues("error").Inc()
	return IssueResult{}, fmt.Errorf("%w: no free reference code after %d attempts", ErrDownstreamUnavailable, maxCodeAttempts)
}

// VerifyReferenceCode moves a PENDING session to VERIFIED, discloses the serial key to the session owner
// and extends the session by the serial key TTL.
func (s *Service) VerifyReferenceCode(ctx context.Context, code string) (string, error) {
	code = license.NormalizeCode(code)
	if code == "" {
		return "", ErrInvalidInput
	}
	now := s.now()
	sess, err := s.st.UpdateSession(ctx, code, func(sess *store.Session) error {
		if sess.Expired(now) {
			return ErrNotFound
		}
		if sess.Status != store.StatusPending {
			return ErrConflict
		}
		sess.Status = store.StatusVerified
		sess.VerifiedAt = &now
		sess.ExpiresAt = now.Add(s.policy.SerialKeyTTL)
		return nil
	})
	err = classify(err)
	s.observe("reference", err)
	if err != nil {
		return "", err
	}
	s.log.Info("reference code verified", "identity", sess.ChatIdentity, "session_id", sess.ID)
	s.notify(ctx, sess.ChatIdentity, fmt.Sprintf(
		"Reference code %s verified.\nYour serial key: %s\nIt is valid until %s.",
		sess.ReferenceCode, sess.SerialKey, sess.ExpiresAt.Format(time.RFC3339)))
	return sess.SerialKey, nil
}

// VerifySerialKey moves a VERIFIED session to ACTIVE and records the reporting machine.
// Repeating the call from the same machine on an ACTIVE session succeeds without changes.
func (s *Service) VerifySerialKey(ctx context.Context, code, key, machineID string) (store.Session, error) {
	code = license.NormalizeCode(code)
	key = license.NormalizeCode(key)
	machineID = strings.TrimSpace(machineID)
	if code == "" || key == "" || !validMachineID(machineID) {
		return store.Session{}, ErrInvalidInput
	}
	now := s.now()
	var outcome error
	sess, err := s.st.UpdateSession(ctx, code, func(sess *store.Session) error {
		outcome = nil
		if sess.Expired(now) {
			return ErrNotFound
		}
		if sess.Status != store.StatusVerified && sess.Status != store.StatusActive {
			return ErrConflict
		}
		if ok, err := s.checkSerial(sess, key); !ok {
			outcome = err
			if errors.Is(err, ErrForbidden) {
				return errUnchanged
			}
			return nil
		}
		if sess.Status == store.StatusActive {
			if sess.MachineID != machineID {
				return ErrConflict
			}
			return errUnchanged
		}
		sess.Status = store.StatusActive
		sess.MachineID = machineID
		sess.ActivatedAt = &now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		sess, err = s.st.SessionByCode(ctx, code)
	}
	if err == nil {
		err = outcome
	}
	err = classify(err)
	s.observe("serial", err)
	if err != nil {
		return store.Session{}, err
	}
	s.log.Info("serial key verified", "identity", sess.ChatIdentity, "session_id", sess.ID, "machine_id", machineID)
	return sess, nil
}

// checkSerial applies the per-session attempt cap. A mismatch increments verify_count on sess.
func (s *Service) checkSerial(sess *store.Session, key string) (bool, error) {
	if sess.VerifyCount >= s.policy.SessionVerifyCap {
		return false, ErrForbidden
	}
	if secretEqual(license.NormalizeCode(sess.SerialKey), key) {
		return true, nil
	}
	sess.VerifyCount++
	return false, &AttemptsError{Remaining: max(s.policy.SessionVerifyCap-sess.VerifyCount, 0)}
}

// Registration is the result of a completed activation.
type Registration struct {
	Session store.Session
	License store.License
}

// CompleteRegistration finishes an ACTIVE session with the registrant's profile and allocates a license.
// Accepting the data-processing consent earns the longer grant.
func (s *Service) CompleteRegistration(ctx context.Context, code, key string, profile store.Profile) (Registration, error) {
	code = license.NormalizeCode(code)
	key = license.NormalizeCode(key)
	profile.FullName = strings.TrimSpace(profile.FullName)
	profile.Email = strings.TrimSpace(profile.Email)
	profile.PhoneNumber = normalizePhone(profile.PhoneNumber)
	profile.NationalID = normalizeNationalID(profile.NationalID)
	if code == "" || key == "" || profile.FullName == "" || profile.PhoneNumber == "" || profile.NationalID == "" {
		return Registration{}, ErrInvalidInput
	}
	now := s.now()
	var outcome error
	sess, lic, err := s.st.CompleteSession(ctx, code, func(sess *store.Session) (*store.License, error) {
		outcome = nil
		if sess.Expired(now) {
			return nil, ErrNotFound
		}
		if sess.Status != store.StatusActive {
			return nil, ErrConflict
		}
		if ok, err := s.checkSerial(sess, key); !ok {
			outcome = err
			if errors.Is(err, ErrForbidden) {
				return nil, errUnchanged
			}
			return nil, nil
		}
		grant := s.policy.GrantWithoutConsent
		if profile.Consent {
			grant = s.policy.GrantWithConsent
		}
		grantExpiry := now.Add(grant)
		p := profile
		sess.Status = store.StatusCompleted
		sess.CompletedAt = &now
		sess.GrantExpiresAt = &grantExpiry
		sess.Profile = &p
		return &store.License{
			NationalID:  profile.NationalID,
			PhoneNumber: profile.PhoneNumber,
			Owner:       sess.ChatIdentity,
			Note:        profile.FullName,
			CreatedAt:   now,
			ExpiresAt:   &grantExpiry,
		}, nil
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	if err == nil {
		err = outcome
	}
	err = classify(err)
	s.observe("registration", err)
	if err != nil {
		return Registration{}, err
	}
	s.log.Info("registration completed", "identity", sess.ChatIdentity, "session_id", sess.ID,
		"license_no", lic.LicenseNo, "consent", profile.Consent)
	s.notify(ctx, sess.ChatIdentity, fmt.Sprintf(
		"Registration complete.\nLicense number: %s\nValid until: %s",
		lic.LicenseNo, sess.GrantExpiresAt.Format("2006-01-02")))
	return Registration{Session: sess, License: lic}, nil
}

func validMachineID(id string) bool {
	return id != "" && len(id) <= 128
}
