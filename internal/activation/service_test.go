package activation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sheetkey-license-bot/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	identity string
	text     string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, identity, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{identity: identity, text: text})
	return nil
}

func (f *fakeNotifier) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeNotifier) last() sentMessage {
	msgs := f.messages()
	if len(msgs) == 0 {
		return sentMessage{}
	}
	return msgs[len(msgs)-1]
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc      *Service
	st       *store.BBoltStore
	notifier *fakeNotifier
	clock    *testClock
}

func newHarness(t *testing.T, tweak ...func(*Policy)) *harness {
	t.Helper()
	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "activation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	policy := DefaultPolicy()
	for _, fn := range tweak {
		fn(&policy)
	}
	clk := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	n := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(st, n, policy, WithClock(clk.Now), WithLogger(logger))
	return &harness{svc: svc, st: st, notifier: n, clock: clk}
}

// activeSession drives a new session for identity up to ACTIVE on machineID.
func (h *harness) activeSession(t *testing.T, identity, machineID string) store.Session {
	t.Helper()
	ctx := context.Background()
	res, err := h.svc.CreateOrFetchSession(ctx, identity)
	require.NoError(t, err)
	key, err := h.svc.VerifyReferenceCode(ctx, res.Session.ReferenceCode)
	require.NoError(t, err)
	sess, err := h.svc.VerifySerialKey(ctx, res.Session.ReferenceCode, key, machineID)
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, sess.Status)
	return sess
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.ErrorIs(t, classify(store.ErrNotFound), ErrNotFound)
	assert.ErrorIs(t, classify(ErrConflict), ErrConflict)

	attempts := &AttemptsError{Remaining: 2}
	got := classify(attempts)
	assert.ErrorIs(t, got, ErrUnauthorized)
	remaining, ok := RemainingAttempts(got)
	assert.True(t, ok)
	assert.Equal(t, 2, remaining)

	down := classify(errors.New("disk on fire"))
	assert.ErrorIs(t, down, ErrDownstreamUnavailable)
	assert.True(t, strings.Contains(down.Error(), "disk on fire"))
}

func TestStoreFailureIsDownstreamUnavailable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.Close())

	_, err := h.svc.CreateOrFetchSession(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrDownstreamUnavailable)
	_, err = h.svc.VerifyReferenceCode(context.Background(), "ABC234")
	assert.ErrorIs(t, err, ErrDownstreamUnavailable)
	_, err = h.svc.VerifyLicenseIdentity(context.Background(), IdentityClaim{
		LicenseNo: "SK-000001", PhoneNumber: "0800000000", MachineID: "M1",
	})
	assert.ErrorIs(t, err, ErrDownstreamUnavailable)
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "unauthorized", resultLabel(&AttemptsError{}))
	assert.Equal(t, "device_limit", resultLabel(ErrDeviceLimitReached))
	assert.Equal(t, "error", resultLabel(errors.New("x")))
}
