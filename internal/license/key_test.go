package license

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReferenceCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := NewReferenceCode()
		require.NoError(t, err)
		assert.Len(t, code, ReferenceCodeLen)
		for _, c := range code {
			assert.True(t, strings.ContainsRune(refAlphabet, c), "unexpected char %q in %s", c, code)
		}
		seen[code] = true
	}
	// 31^6 possibilities; 200 draws colliding more than a couple of times means the RNG is broken.
	assert.Greater(t, len(seen), 195)
}

func TestNewSerialKey(t *testing.T) {
	re := regexp.MustCompile(`^[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}$`)
	for i := 0; i < 50; i++ {
		key, err := NewSerialKey()
		require.NoError(t, err)
		assert.Regexp(t, re, key)
	}
}

func TestNewOTP(t *testing.T) {
	re := regexp.MustCompile(`^[0-9]{6}$`)
	for i := 0; i < 50; i++ {
		otp, err := NewOTP()
		require.NoError(t, err)
		assert.Regexp(t, re, otp)
	}
}

func TestFormatLicenseNo(t *testing.T) {
	assert.Equal(t, "SK-000001", FormatLicenseNo(1))
	assert.Equal(t, "SK-123456", FormatLicenseNo(123456))
	assert.Equal(t, "SK-1234567", FormatLicenseNo(1234567))
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abcd-efgh", "ABCDEFGH"},
		{"  ab cd ", "ABCD"},
		{"XYZ234", "XYZ234"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCode(tt.in), "input %q", tt.in)
	}
}
