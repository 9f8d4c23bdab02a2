package telegram

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
	"unicode/utf8"

	"sheetkey-license-bot/internal/activation"
	"sheetkey-license-bot/internal/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminChat int64 = 1000

type fakeAPI struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	sendErr error
	updates chan tgbotapi.Update
	stopped bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

// texts returns every text sent to chatID, oldest first.
func (f *fakeAPI) texts(chatID int64) []string {
	var out []string
	for _, m := range f.messages() {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeAPI) lastText(chatID int64) string {
	texts := f.texts(chatID)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type botHarness struct {
	bot *Bot
	api *fakeAPI
	svc *activation.Service
	st  *store.BBoltStore
}

func newBotHarness(t *testing.T) *botHarness {
	t.Helper()
	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	api := newFakeAPI()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := activation.New(st, NewNotifier(api, 100), activation.DefaultPolicy(), activation.WithLogger(logger))
	return &botHarness{bot: NewBot(api, adminChat, svc, logger), api: api, svc: svc, st: st}
}

func (h *botHarness) say(chatID int64, text string) {
	h.bot.handleMessage(context.Background(), &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}, Text: text})
}

func (h *botHarness) tap(chatID int64, data string) {
	h.bot.handleCallback(context.Background(), &tgbotapi.CallbackQuery{
		ID:      "cb",
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}},
		Data:    data,
	})
}

func TestUserStartIssuesReferenceCode(t *testing.T) {
	h := newBotHarness(t)
	h.say(42, "/start")

	sess, err := h.svc.GetSession(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.FollowCount)
	assert.Contains(t, h.api.lastText(42), sess.ReferenceCode)

	h.tap(42, "code")
	assert.Contains(t, h.api.lastText(42), "Your reference code: "+sess.ReferenceCode)

	h.say(42, "/status@SheetKeyBot")
	assert.Contains(t, h.api.lastText(42), "Status: PENDING")
}

func TestUserStatusWithoutSession(t *testing.T) {
	h := newBotHarness(t)
	h.say(7, "/status")
	assert.Equal(t, userErrorText(activation.ErrNotFound), h.api.lastText(7))

	h.say(7, "hello")
	assert.Equal(t, helpText(), h.api.lastText(7))
}

func TestUserBlockedAfterRepeatedFollows(t *testing.T) {
	h := newBotHarness(t)
	threshold := h.svc.Policy().FollowBlockThreshold
	for i := 0; i < threshold; i++ {
		h.say(42, "/start")
	}
	assert.Equal(t, userErrorText(activation.ErrBlocked), h.api.lastText(42))

	sess, err := h.svc.GetSession(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlocked, sess.Status)
}

func TestNonAdminCannotUseAdminActions(t *testing.T) {
	h := newBotHarness(t)
	h.tap(42, "new")
	assert.Equal(t, helpText(), h.api.lastText(42))

	list, err := h.svc.ListLicenses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAdminCreatesLicense(t *testing.T) {
	h := newBotHarness(t)
	h.say(adminChat, "/menu")
	assert.Equal(t, "License administration", h.api.lastText(adminChat))

	h.tap(adminChat, "new")
	h.say(adminChat, "0812345678")
	assert.Contains(t, h.api.lastText(adminChat), "invalid input")
	assert.Equal(t, stateNewLicense, h.bot.getState(adminChat))

	h.say(adminChat, "081-234-5678 - walk-in customer")
	texts := h.api.texts(adminChat)
	require.GreaterOrEqual(t, len(texts), 2)
	created := texts[len(texts)-2]
	assert.Contains(t, created, "License: SK-000001")
	assert.Contains(t, created, "Note: walk-in customer")
	assert.Equal(t, stateNone, h.bot.getState(adminChat))

	lic, err := h.svc.GetLicense(context.Background(), "SK-000001")
	require.NoError(t, err)
	assert.Equal(t, "0812345678", lic.PhoneNumber)
	assert.Empty(t, lic.NationalID)
	require.NotNil(t, lic.ExpiresAt)
}

func TestAdminListAndInfo(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()
	for _, phone := range []string{"0811111111", "0822222222"} {
		_, err := h.svc.AdminCreateLicense(ctx, activation.NewLicense{PhoneNumber: phone})
		require.NoError(t, err)
	}

	h.tap(adminChat, "list")
	msgs := h.api.messages()
	last := msgs[len(msgs)-1]
	assert.Contains(t, last.Text, "SK-000001")
	assert.Contains(t, last.Text, "SK-000002")

	markup, ok := last.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 3)
	require.NotNil(t, markup.InlineKeyboard[0][0].CallbackData)
	assert.True(t, strings.HasPrefix(*markup.InlineKeyboard[0][0].CallbackData, "info:SK-00000"))

	h.tap(adminChat, "info:SK-000002")
	texts := h.api.texts(adminChat)
	assert.Contains(t, texts[len(texts)-2], "Phone: 0822222222")

	h.tap(adminChat, "ask_info")
	h.say(adminChat, "sk-000404")
	texts = h.api.texts(adminChat)
	assert.Contains(t, texts[len(texts)-2], "Error: not found")
}

func TestAdminResetAndUnbind(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()
	lic, err := h.svc.AdminCreateLicense(ctx, activation.NewLicense{PhoneNumber: "0812345678"})
	require.NoError(t, err)
	_, err = h.st.UpdateLicense(ctx, lic.LicenseNo, func(l *store.License) error {
		l.VerifyCount = 3
		l.Locked = true
		l.Bind(1, "M1")
		l.IsVerified = true
		return nil
	})
	require.NoError(t, err)

	h.tap(adminChat, "ask_reset")
	h.say(adminChat, lic.LicenseNo)
	got, err := h.svc.GetLicense(ctx, lic.LicenseNo)
	require.NoError(t, err)
	assert.Equal(t, 0, got.VerifyCount)
	assert.False(t, got.Locked)

	h.tap(adminChat, "ask_unbind")
	h.say(adminChat, lic.LicenseNo)
	assert.Contains(t, h.api.lastText(adminChat), "Format")
	assert.Equal(t, stateAskUnbind, h.bot.getState(adminChat))

	h.say(adminChat, lic.LicenseNo+" M1")
	got, err = h.svc.GetLicense(ctx, lic.LicenseNo)
	require.NoError(t, err)
	assert.Empty(t, got.MachineID1)
	assert.Equal(t, store.DeviceUnbound, got.DeviceStatus)
}

func TestAdminSuspendAndResume(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()
	lic, err := h.svc.AdminCreateLicense(ctx, activation.NewLicense{PhoneNumber: "0812345678"})
	require.NoError(t, err)

	h.tap(adminChat, "ask_suspend")
	assert.Equal(t, stateAskSuspend, h.bot.getState(adminChat))
	h.say(adminChat, strings.ToLower(lic.LicenseNo))
	texts := h.api.texts(adminChat)
	assert.Contains(t, texts[len(texts)-2], "License suspended.")
	assert.Contains(t, texts[len(texts)-2], "Suspended: true")
	assert.Equal(t, stateNone, h.bot.getState(adminChat))

	got, err := h.svc.GetLicense(ctx, lic.LicenseNo)
	require.NoError(t, err)
	assert.True(t, got.Suspended)

	h.tap(adminChat, "ask_resume")
	h.say(adminChat, lic.LicenseNo)
	texts = h.api.texts(adminChat)
	assert.Contains(t, texts[len(texts)-2], "Suspended: false")
	got, err = h.svc.GetLicense(ctx, lic.LicenseNo)
	require.NoError(t, err)
	assert.False(t, got.Suspended)

	h.tap(adminChat, "ask_suspend")
	h.say(adminChat, "SK-000404")
	texts = h.api.texts(adminChat)
	assert.Contains(t, texts[len(texts)-2], "Error: not found")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newBotHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	h.api.updates <- tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 42}, Text: "/code"}}
	require.Eventually(t, func() bool { return h.api.lastText(42) != "" }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	assert.True(t, h.api.stopped)
}

func TestRunFailsWhenUpdatesClose(t *testing.T) {
	h := newBotHarness(t)
	close(h.api.updates)
	assert.Error(t, h.bot.Run(context.Background()))
}

func TestNotifierSend(t *testing.T) {
	api := newFakeAPI()
	n := NewNotifier(api, 10)

	require.NoError(t, n.Send(context.Background(), Identity(42), "hello"))
	assert.Equal(t, "hello", api.lastText(42))

	assert.Error(t, n.Send(context.Background(), "not-a-chat", "x"))

	api.sendErr = errors.New("telegram down")
	err := n.Send(context.Background(), "42", "x")
	assert.ErrorContains(t, err, "telegram down")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	api.sendErr = nil
	assert.Error(t, n.Send(ctx, "42", "x"))
}

func TestNotificationFailureDoesNotBreakFlow(t *testing.T) {
	h := newBotHarness(t)
	h.api.sendErr = errors.New("telegram down")
	h.say(42, "/start")

	sess, err := h.svc.GetSession(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, sess.Status)
}

func TestCommand(t *testing.T) {
	assert.Equal(t, "/start", command("/start"))
	assert.Equal(t, "/start", command("/START@SheetKeyBot payload"))
	assert.Equal(t, "", command("start"))
}

func TestParseNewLicense(t *testing.T) {
	in, err := parseNewLicense("0812345678 1103700012345 shop front  desk")
	require.NoError(t, err)
	assert.Equal(t, "0812345678", in.PhoneNumber)
	assert.Equal(t, "1103700012345", in.NationalID)
	assert.Equal(t, "shop front desk", in.Note)

	in, err = parseNewLicense("0812345678 -")
	require.NoError(t, err)
	assert.Empty(t, in.NationalID)
	assert.Empty(t, in.Note)

	_, err = parseNewLicense("   ")
	assert.Error(t, err)
}

func TestStatusText(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess := store.Session{ReferenceCode: "ABC234", Status: store.StatusPending, ExpiresAt: now.Add(time.Minute)}
	assert.Contains(t, statusText(sess, now), "Expires: ")
	assert.Contains(t, statusText(sess, now.Add(time.Minute)), "expired")

	grant := now.AddDate(1, 0, 0)
	sess.Status = store.StatusCompleted
	sess.LicenseNo = "SK-000009"
	sess.GrantExpiresAt = &grant
	text := statusText(sess, now)
	assert.Contains(t, text, "License: SK-000009")
	assert.Contains(t, text, "Valid until: 2027-03-01")
}

func TestStatusRedeliversSerialKey(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()
	h.say(42, "/start")
	sess, err := h.svc.GetSession(ctx, "42")
	require.NoError(t, err)

	// the serial key notification is lost
	h.api.sendErr = errors.New("telegram down")
	_, err = h.svc.VerifyReferenceCode(ctx, sess.ReferenceCode)
	require.NoError(t, err)
	h.api.sendErr = nil
	for _, txt := range h.api.texts(42) {
		require.NotContains(t, txt, sess.SerialKey)
	}

	h.say(42, "/status")
	text := h.api.lastText(42)
	assert.Contains(t, text, "Status: VERIFIED")
	assert.Contains(t, text, "Serial key: "+sess.SerialKey)
}

func TestStatusHidesSerialKeyOutsideVerified(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess := store.Session{
		ReferenceCode: "ABC234",
		SerialKey:     "ABCD-EFGH-IJKL-MNOP",
		Status:        store.StatusPending,
		ExpiresAt:     now.Add(time.Minute),
	}
	assert.NotContains(t, statusText(sess, now), sess.SerialKey)

	sess.Status = store.StatusVerified
	assert.Contains(t, statusText(sess, now), sess.SerialKey)
	assert.NotContains(t, statusText(sess, now.Add(time.Minute)), sess.SerialKey, "expired sessions do not disclose the key")

	sess.Status = store.StatusActive
	assert.NotContains(t, statusText(sess, now), sess.SerialKey)
}

func TestSafeNoteTruncatesOnRuneBoundary(t *testing.T) {
	assert.Equal(t, "-", safeNote("  "))
	assert.Equal(t, "short", safeNote(" short "))

	long := strings.Repeat("ก", noteLimit+5)
	got := safeNote(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("ก", noteLimit)+"...", got)

	exact := strings.Repeat("é", noteLimit)
	assert.Equal(t, exact, safeNote(exact))
}
