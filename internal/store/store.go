package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrCodeTaken = errors.New("reference code already in use")
)

type SessionStatus string

const (
	StatusPending   SessionStatus = "PENDING"
	StatusVerified  SessionStatus = "VERIFIED"
	StatusActive    SessionStatus = "ACTIVE"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusBlocked   SessionStatus = "BLOCKED"
)

type Profile struct {
	FullName    string `json:"full_name"`
	NationalID  string `json:"national_id"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email,omitempty"`
	Consent     bool   `json:"consent"`
}

// Session is one identity's attempt to redeem a reference code.
// Rows are keyed by ID and never deleted; reference codes are only reserved while ExpiresAt is in the future.
type Session struct {
	ID            string        `json:"id"`
	ChatIdentity  string        `json:"chat_identity"`
	ReferenceCode string        `json:"reference_code"`
	SerialKey     string        `json:"serial_key"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`

	RequestCount int `json:"request_count"`
	VerifyCount  int `json:"verify_count"`
	FollowCount  int `json:"follow_count"`

	MachineID      string     `json:"machine_id,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	OtpConfirmedAt *time.Time `json:"otp_confirmed_at,omitempty"`
	GrantExpiresAt *time.Time `json:"grant_expires_at,omitempty"`
	LicenseNo      string     `json:"license_no,omitempty"`
	Profile        *Profile   `json:"profile,omitempty"`
}

// Expired reports whether expires_at <= now. It is the only expiry check in the code base.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Live reports whether the session still counts as the identity's open session.
func (s Session) Live(now time.Time) bool {
	return s.Status != StatusCompleted && !s.Expired(now)
}

type DeviceStatus string

const (
	DeviceUnbound DeviceStatus = "UNBOUND"
	DeviceOne     DeviceStatus = "ONE_DEVICE"
	DeviceTwo     DeviceStatus = "TWO_DEVICE"
)

const (
	LicensePending   = "Pending"
	LicenseActivated = "Activated"
)

type License struct {
	LicenseNo    string       `json:"license_no"`
	NationalID   string       `json:"national_id"`
	PhoneNumber  string       `json:"phone_number"`
	MachineID1   string       `json:"machine_id_1,omitempty"`
	MachineID2   string       `json:"machine_id_2,omitempty"`
	DeviceStatus DeviceStatus `json:"device_status"`
	VerifyCount  int          `json:"verify_count"`
	Locked       bool         `json:"locked"`
	Suspended    bool         `json:"suspended,omitempty"`
	IsVerified   bool         `json:"is_verified"`
	Status       string       `json:"status"`
	Owner        string       `json:"owner,omitempty"`
	Note         string       `json:"note,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ActivatedAt  *time.Time   `json:"activated_at,omitempty"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`

	PendingMachineID string     `json:"pending_machine_id,omitempty"`
	PendingUntil     *time.Time `json:"pending_until,omitempty"`
}

// Slot returns 1 or 2 if machineID is bound to the license, 0 otherwise.
func (l License) Slot(machineID string) int {
	switch {
	case machineID == "":
		return 0
	case l.MachineID1 == machineID:
		return 1
	case l.MachineID2 == machineID:
		return 2
	}
	return 0
}

// FreeSlot returns the first empty slot, or 0 when both are taken.
func (l License) FreeSlot() int {
	switch {
	case l.MachineID1 == "":
		return 1
	case l.MachineID2 == "":
		return 2
	}
	return 0
}

// Bind writes machineID into slot and refreshes DeviceStatus.
func (l *License) Bind(slot int, machineID string) {
	switch slot {
	case 1:
		l.MachineID1 = machineID
	case 2:
		l.MachineID2 = machineID
	}
	l.refreshDeviceStatus()
}

// Unbind clears a slot. Only admin operations call this.
func (l *License) Unbind(slot int) {
	switch slot {
	case 1:
		l.MachineID1 = ""
	case 2:
		l.MachineID2 = ""
	}
	l.refreshDeviceStatus()
}

func (l *License) refreshDeviceStatus() {
	n := 0
	if l.MachineID1 != "" {
		n++
	}
	if l.MachineID2 != "" {
		n++
	}
	switch n {
	case 0:
		l.DeviceStatus = DeviceUnbound
	case 1:
		l.DeviceStatus = DeviceOne
	default:
		l.DeviceStatus = DeviceTwo
	}
}

// OtpChallenge belongs to exactly one session. A nulled Code means consumed or cleared.
type OtpChallenge struct {
	SessionID      string    `json:"session_id"`
	ReferenceCode  string    `json:"reference_code"`
	Code           string    `json:"otp_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	FailedAttempts int       `json:"failed_attempts"`
}

func (o OtpChallenge) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// IssueFunc decides, given the identity's latest session (nil if none), which session to persist.
// Returning the previous session (same ID) updates it in place; a session with an empty ID is inserted.
type IssueFunc func(prev *Session) (*Session, error)

// Store is the durable state of the engine. Every Update*/Issue* call runs its callback inside a single
// serialized write transaction, so the callback sees the current row and its changes are applied atomically.
// A callback error aborts the transaction and is returned unchanged.
type Store interface {
	Close() error

	IssueSession(ctx context.Context, identity string, now time.Time, fn IssueFunc) (Session, error)
	SessionByCode(ctx context.Context, code string) (Session, error)
	SessionByIdentity(ctx context.Context, identity string) (Session, error)
	UpdateSession(ctx context.Context, code string, fn func(s *Session) error) (Session, error)
	CompleteSession(ctx context.Context, code string, fn func(s *Session) (*License, error)) (Session, License, error)

	CreateLicense(ctx context.Context, lic License) (License, error)
	GetLicense(ctx context.Context, licenseNo string) (License, error)
	ListLicenses(ctx context.Context) ([]License, error)
	UpdateLicense(ctx context.Context, licenseNo string, fn func(l *License) error) (License, error)

	IssueOtp(ctx context.Context, code string, fn func(s *Session, prev *OtpChallenge) (*OtpChallenge, error)) (OtpChallenge, error)
	UpdateOtp(ctx context.Context, code string, fn func(s *Session, o *OtpChallenge) error) (OtpChallenge, error)
}
