package license

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"math/big"
	"strings"
)

// Crockford-style alphabet without 0/O/1/I/L so codes survive being read aloud or retyped.
const refAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const (
	ReferenceCodeLen = 6
	OTPLen           = 6
)

// NewReferenceCode returns a short code a user types into the spreadsheet macro.
func NewReferenceCode() (string, error) {
	return randomFrom(refAlphabet, ReferenceCodeLen)
}

// NewSerialKey returns a 16 char key grouped by 4, e.g. ABCD-EFGH-IJKL-MNOP.
func NewSerialKey() (string, error) {
	// 10 bytes => 16 base32 chars (no padding)
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	s := strings.ToUpper(enc.EncodeToString(b))
	return group(s, 4), nil
}

// NewOTP returns a zero-padded numeric one-time code.
func NewOTP() (string, error) {
	return randomFrom("0123456789", OTPLen)
}

// FormatLicenseNo renders a store sequence number as a license number.
func FormatLicenseNo(seq uint64) string {
	return fmt.Sprintf("SK-%06d", seq)
}

// NormalizeCode upper-cases user input and strips spaces and dashes
// so "abcd efgh" and "ABCD-EFGH" compare equal.
func NormalizeCode(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

func randomFrom(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(alphabet[v.Int64()])
	}
	return sb.String(), nil
}

func group(s string, size int) string {
	var parts []string
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		parts = append(parts, s[i:end])
	}
	return strings.Join(parts, "-")
}
