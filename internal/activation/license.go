package activation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sheetkey-license-bot/internal/store"
)

type LicenseResult string

const (
	// LicenseBound means the machine occupies one of the license's slots.
	LicenseBound LicenseResult = "success"
	// LicensePartial means license number and phone matched but no national id is on file yet.
	LicensePartial LicenseResult = "partial"
	// LicenseSecondDevice means identity matched and slot 2 is free; ConfirmSecondDevice must follow.
	LicenseSecondDevice LicenseResult = "second_device_required"
)

type IdentityClaim struct {
	LicenseNo   string
	NationalID  string
	PhoneNumber string
	MachineID   string
}

type LicenseOutcome struct {
	Result       LicenseResult      `json:"result"`
	LicenseNo    string             `json:"license_no"`
	Slot         int                `json:"slot,omitempty"`
	MachineID    string             `json:"machine_id,omitempty"`
	DeviceStatus store.DeviceStatus `json:"device_status"`
	NewlyBound   bool               `json:"newly_bound"`
	PendingUntil *time.Time         `json:"pending_until,omitempty"`
}

func outcomeFor(l store.License, res LicenseResult, machineID string) LicenseOutcome {
	return LicenseOutcome{
		Result:       res,
		LicenseNo:    l.LicenseNo,
		Slot:         l.Slot(machineID),
		MachineID:    machineID,
		DeviceStatus: l.DeviceStatus,
	}
}

// VerifyLicenseIdentity proves the caller owns licenseNo and binds machineID to the license.
//
// Order of checks: grant expiry, attempt cap, existing slot, full slots, identity, then binding.
// Identity mismatches increment verify_count; once it reaches the cap every later call is Forbidden
// until an administrator resets it. A partial match never touches the counter.
func (s *Service) VerifyLicenseIdentity(ctx context.Context, claim IdentityClaim) (LicenseOutcome, error) {
	licenseNo := strings.ToUpper(strings.TrimSpace(claim.LicenseNo))
	phone := normalizePhone(claim.PhoneNumber)
	nationalID := normalizeNationalID(claim.NationalID)
	machineID := strings.TrimSpace(claim.MachineID)
	if licenseNo == "" || phone == "" || !validMachineID(machineID) {
		return LicenseOutcome{}, ErrInvalidInput
	}

	now := s.now()
	var (
		out     LicenseOutcome
		outcome error
	)
	lic, err := s.st.UpdateLicense(ctx, licenseNo, func(l *store.License) error {
		out, outcome = LicenseOutcome{}, nil
		if l.ExpiresAt != nil && !now.Before(*l.ExpiresAt) {
			return ErrExpired
		}
		if l.Suspended {
			return ErrForbidden
		}
		if l.Locked || l.VerifyCount >= s.policy.LicenseVerifyCap {
			if l.Locked {
				return ErrForbidden
			}
			l.Locked = true
			outcome = ErrForbidden
			return nil
		}
		if l.IsVerified {
			if l.Slot(machineID) != 0 {
				out = outcomeFor(*l, LicenseBound, machineID)
				return errUnchanged
			}
			if l.FreeSlot() == 0 {
				return ErrDeviceLimitReached
			}
		}

		phoneOK := secretEqual(l.PhoneNumber, phone)
		if l.NationalID == "" && phoneOK {
			if nationalID == "" {
				out = outcomeFor(*l, LicensePartial, "")
				return errUnchanged
			}
			l.NationalID = nationalID
		}
		if !phoneOK || nationalID == "" || !secretEqual(l.NationalID, nationalID) {
			l.VerifyCount++
			outcome = &AttemptsError{Remaining: max(s.policy.LicenseVerifyCap-l.VerifyCount, 0)}
			return nil
		}

		if !l.IsVerified {
			l.Bind(l.FreeSlot(), machineID)
			l.IsVerified = true
			l.Status = store.LicenseActivated
			l.ActivatedAt = &now
			out = outcomeFor(*l, LicenseBound, machineID)
			out.NewlyBound = true
			return nil
		}

		until := now.Add(s.policy.SecondDeviceTTL)
		l.PendingMachineID = machineID
		l.PendingUntil = &until
		out = outcomeFor(*l, LicenseSecondDevice, machineID)
		out.PendingUntil = &until
		return nil
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	if err == nil {
		err = outcome
	}
	err = classify(err)
	s.observe("license", err)
	if err != nil {
		if remaining, ok := RemainingAttempts(err); ok {
			s.log.Warn("license identity mismatch", "license_no", licenseNo, "remaining", remaining)
		} else if errors.Is(err, ErrForbidden) || errors.Is(err, ErrDeviceLimitReached) {
			s.log.Warn("license verification rejected", "license_no", licenseNo, "machine_id", machineID, "error", err)
		}
		return LicenseOutcome{}, err
	}
	if out.NewlyBound {
		s.log.Info("device bound", "license_no", licenseNo, "machine_id", machineID, "slot", out.Slot)
		s.notify(ctx, lic.Owner, fmt.Sprintf("License %s is now active on device %s (slot %d of 2).",
			lic.LicenseNo, machineID, out.Slot))
	}
	return out, nil
}

// ConfirmSecondDevice writes machineID into slot 2. It only succeeds for the machine that a prior
// VerifyLicenseIdentity call left pending, within the confirmation window, and while slot 2 is still empty.
func (s *Service) ConfirmSecondDevice(ctx context.Context, licenseNo, machineID string) (LicenseOutcome, error) {
	licenseNo = strings.ToUpper(strings.TrimSpace(licenseNo))
	machineID = strings.TrimSpace(machineID)
	if licenseNo == "" || !validMachineID(machineID) {
		return LicenseOutcome{}, ErrInvalidInput
	}
	now := s.now()
	var out LicenseOutcome
	lic, err := s.st.UpdateLicense(ctx, licenseNo, func(l *store.License) error {
		out = LicenseOutcome{}
		if l.ExpiresAt != nil && !now.Before(*l.ExpiresAt) {
			return ErrExpired
		}
		if l.Suspended {
			return ErrForbidden
		}
		if l.Locked || l.VerifyCount >= s.policy.LicenseVerifyCap {
			return ErrForbidden
		}
		if l.Slot(machineID) != 0 {
			out = outcomeFor(*l, LicenseBound, machineID)
			return errUnchanged
		}
		if !l.IsVerified {
			return ErrConflict
		}
		slot := l.FreeSlot()
		if slot == 0 {
			return ErrDeviceLimitReached
		}
		if l.PendingMachineID != machineID || l.PendingUntil == nil {
			return ErrConflict
		}
		if !now.Before(*l.PendingUntil) {
			return ErrExpired
		}
		l.Bind(slot, machineID)
		l.PendingMachineID = ""
		l.PendingUntil = nil
		out = outcomeFor(*l, LicenseBound, machineID)
		out.NewlyBound = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	err = classify(err)
	s.observe("device", err)
	if err != nil {
		return LicenseOutcome{}, err
	}
	if out.NewlyBound {
		s.log.Info("second device bound", "license_no", licenseNo, "machine_id", machineID, "slot", out.Slot)
		s.notify(ctx, lic.Owner, fmt.Sprintf("License %s is now active on a second device %s. No further devices can be added.",
			lic.LicenseNo, machineID))
	}
	return out, nil
}
