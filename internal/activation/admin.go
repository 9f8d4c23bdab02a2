package activation

import (
	"context"
	"strings"
	"time"

	"sheetkey-license-bot/internal/store"
)

// Administrative operations. They are the only way to undo an attempt lockout, free a device slot or suspend a license.

type NewLicense struct {
	PhoneNumber string
	NationalID  string
	Note        string
	Owner       string
	// Grant is the license lifetime; zero means no expiry.
	Grant time.Duration
}

func (s *Service) AdminCreateLicense(ctx context.Context, in NewLicense) (store.License, error) {
	phone := normalizePhone(in.PhoneNumber)
	if phone == "" || in.Grant < 0 {
		return store.License{}, ErrInvalidInput
	}
	now := s.now()
	lic := store.License{
		PhoneNumber: phone,
		NationalID:  normalizeNationalID(in.NationalID),
		Note:        strings.TrimSpace(in.Note),
		Owner:       strings.TrimSpace(in.Owner),
		CreatedAt:   now,
	}
	if in.Grant > 0 {
		exp := now.Add(in.Grant)
		lic.ExpiresAt = &exp
	}
	created, err := s.st.CreateLicense(ctx, lic)
	if err != nil {
		return store.License{}, classify(err)
	}
	s.log.Info("license allocated by admin", "license_no", created.LicenseNo)
	return created, nil
}

func (s *Service) GetLicense(ctx context.Context, licenseNo string) (store.License, error) {
	lic, err := s.st.GetLicense(ctx, strings.ToUpper(strings.TrimSpace(licenseNo)))
	return lic, classify(err)
}

func (s *Service) ListLicenses(ctx context.Context) ([]store.License, error) {
	list, err := s.st.ListLicenses(ctx)
	return list, classify(err)
}

// AdminResetAttempts lifts the identity-match lockout.
func (s *Service) AdminResetAttempts(ctx context.Context, licenseNo string) (store.License, error) {
	lic, err := s.st.UpdateLicense(ctx, strings.ToUpper(strings.TrimSpace(licenseNo)), func(l *store.License) error {
		l.VerifyCount = 0
		l.Locked = false
		return nil
	})
	if err != nil {
		return store.License{}, classify(err)
	}
	s.log.Info("license attempts reset by admin", "license_no", lic.LicenseNo)
	return lic, nil
}

// AdminSetSuspended blocks or restores identity verification and second-device confirmation for a license.
// Bound devices and attempt counters are left as they are.
func (s *Service) AdminSetSuspended(ctx context.Context, licenseNo string, suspended bool) (store.License, error) {
	lic, err := s.st.UpdateLicense(ctx, strings.ToUpper(strings.TrimSpace(licenseNo)), func(l *store.License) error {
		l.Suspended = suspended
		return nil
	})
	if err != nil {
		return store.License{}, classify(err)
	}
	s.log.Info("license suspension changed by admin", "license_no", lic.LicenseNo, "suspended", suspended)
	return lic, nil
}

// AdminUnbindDevice frees the slot holding machineID, e.g. after a device replacement.
func (s *Service) AdminUnbindDevice(ctx context.Context, licenseNo, machineID string) (store.License, error) {
	machineID = strings.TrimSpace(machineID)
	if machineID == "" {
		return store.License{}, ErrInvalidInput
	}
	lic, err := s.st.UpdateLicense(ctx, strings.ToUpper(strings.TrimSpace(licenseNo)), func(l *store.License) error {
		slot := l.Slot(machineID)
		if slot == 0 {
			return ErrNotFound
		}
		l.Unbind(slot)
		return nil
	})
	if err != nil {
		return store.License{}, classify(err)
	}
	s.log.Info("device unbound by admin", "license_no", lic.LicenseNo, "machine_id", machineID)
	return lic, nil
}
