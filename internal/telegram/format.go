package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sheetkey-license-bot/internal/activation"
	"sheetkey-license-bot/internal/store"
)

// command returns the leading /command of text without any @botname suffix.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func helpText() string {
	return "Tap \"Reference code\" to get a code for the program, or \"Status\" to see your activation. /code /status"
}

// parseNewLicense reads "<phone> <national id or -> [note]".
func parseNewLicense(text string) (activation.NewLicense, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return activation.NewLicense{}, errors.New("invalid input, format: <phone> <national id or -> [note]")
	}
	in := activation.NewLicense{PhoneNumber: fields[0]}
	if fields[1] != "-" {
		in.NationalID = fields[1]
	}
	if len(fields) > 2 {
		in.Note = strings.Join(fields[2:], " ")
	}
	return in, nil
}

func codeText(s store.Session, ttl time.Duration) string {
	lines := []string{
		"Your reference code: " + s.ReferenceCode,
		fmt.Sprintf("Enter it in the program within %s (until %s).", ttl, s.ExpiresAt.Format("15:04 MST")),
	}
	if s.Status != store.StatusPending {
		lines = []string{
			"Your activation is already in progress.",
			"Reference code: " + s.ReferenceCode,
			"Status: " + string(s.Status),
		}
	}
	return strings.Join(lines, "\n")
}

func statusText(s store.Session, now time.Time) string {
	lines := []string{
		"Reference code: " + s.ReferenceCode,
		"Status: " + string(s.Status),
	}
	switch {
	case s.Status == store.StatusCompleted:
		lines = append(lines, "License: "+safeNote(s.LicenseNo))
		if s.GrantExpiresAt != nil {
			lines = append(lines, "Valid until: "+s.GrantExpiresAt.Format("2006-01-02"))
		}
	case s.Expired(now):
		lines = append(lines, "This code has expired. Tap \"Reference code\" for a new one.")
	default:
		// the chat is the session owner, so a key whose notification was lost can be read here
		if s.Status == store.StatusVerified {
			lines = append(lines, "Serial key: "+s.SerialKey)
		}
		lines = append(lines, "Expires: "+s.ExpiresAt.Format(time.RFC3339))
	}
	return strings.Join(lines, "\n")
}

func userErrorText(err error) string {
	switch {
	case errors.Is(err, activation.ErrBlocked):
		return "You have re-subscribed too many times. Please contact support."
	case errors.Is(err, activation.ErrRequestLimit):
		return "You have reached the maximum number of code requests. Please contact support."
	case errors.Is(err, activation.ErrNotFound):
		return "No activation found. Tap \"Reference code\" to start."
	default:
		return "Something went wrong, please try again later."
	}
}

func licenseLine(l store.License) string {
	return fmt.Sprintf("- %s | %s | %s | attempts=%d", l.LicenseNo, l.Status, l.DeviceStatus, l.VerifyCount)
}

func licenseText(l store.License) string {
	lines := []string{
		"License: " + l.LicenseNo,
		"Status: " + l.Status,
		"Phone: " + safeNote(l.PhoneNumber),
		"National ID: " + safeNote(l.NationalID),
		fmt.Sprintf("Devices: %s [%s, %s]", l.DeviceStatus, safeNote(l.MachineID1), safeNote(l.MachineID2)),
		fmt.Sprintf("Failed attempts: %d (locked: %v)", l.VerifyCount, l.Locked),
		fmt.Sprintf("Suspended: %v", l.Suspended),
		"Note: " + safeNote(l.Note),
		"Created: " + l.CreatedAt.Format(time.RFC3339),
	}
	if l.ExpiresAt != nil {
		lines = append(lines, "Expires: "+l.ExpiresAt.Format(time.RFC3339))
	}
	return strings.Join(lines, "\n")
}

// noteLimit is counted in runes so names and notes are never cut mid-character.
const noteLimit = 200

func safeNote(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	if r := []rune(s); len(r) > noteLimit {
		return string(r[:noteLimit]) + "..."
	}
	return s
}
