package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sheetkey-license-bot/internal/activation"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botAPI is satisfied by *tgbotapi.BotAPI.
type botAPI interface {
	sender
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot serves two audiences on one token: end users, who get reference codes and session status,
// and the admin chat, which manages licenses through an inline-keyboard menu.
type Bot struct {
	api         botAPI
	svc         *activation.Service
	adminChatID int64
	log         *slog.Logger

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone       pendingState = ""
	stateNewLicense pendingState = "new_license"
	stateAskInfo    pendingState = "ask_info"
	stateAskReset   pendingState = "ask_reset"
	stateAskUnbind  pendingState = "ask_unbind"
	stateAskSuspend pendingState = "ask_suspend"
	stateAskResume  pendingState = "ask_resume"
)

const listLimit = 20

func NewBot(api botAPI, adminChatID int64, svc *activation.Service, log *slog.Logger) *Bot {
	return &Bot{
		api:         api,
		svc:         svc,
		adminChatID: adminChatID,
		log:         log.With("component", "telegram"),
		states:      map[int64]pendingState{},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.api.GetUpdatesChan(upd)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			if u.CallbackQuery != nil {
				b.handleCallback(ctx, u.CallbackQuery)
				continue
			}
			if u.Message != nil {
				b.handleMessage(ctx, u.Message)
			}
		}
	}
}

func (b *Bot) isAdmin(chatID int64) bool {
	return b.adminChatID != 0 && chatID == b.adminChatID
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	if m.Chat == nil {
		return
	}
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	if b.isAdmin(chatID) {
		b.handleAdminMessage(ctx, chatID, text)
		return
	}

	switch command(text) {
	case "/start":
		b.issueCode(ctx, chatID, true)
	case "/code":
		b.issueCode(ctx, chatID, false)
	case "/status":
		b.sendStatus(ctx, chatID)
	default:
		b.sendUserMenu(chatID, helpText())
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil {
		return
	}
	chatID := q.Message.Chat.ID
	data := strings.TrimSpace(q.Data)
	_ = b.answerCallback(q.ID, "")

	if !b.isAdmin(chatID) {
		switch data {
		case "code":
			b.issueCode(ctx, chatID, false)
		case "status":
			b.sendStatus(ctx, chatID)
		default:
			b.sendUserMenu(chatID, helpText())
		}
		return
	}

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License administration")
	case data == "new":
		b.setState(chatID, stateNewLicense)
		b.reply(chatID, "Send: <phone> <national id or -> [note]\nExample: 0812345678 1103700012345 walk-in customer")
	case data == "list":
		b.setState(chatID, stateNone)
		b.cmdListWithButtons(ctx, chatID)
	case data == "ask_info":
		b.setState(chatID, stateAskInfo)
		b.reply(chatID, "Send the license number:")
	case data == "ask_reset":
		b.setState(chatID, stateAskReset)
		b.reply(chatID, "Send the license number to reset its failed attempts:")
	case data == "ask_unbind":
		b.setState(chatID, stateAskUnbind)
		b.reply(chatID, "Send: <license number> <machine id>")
	case data == "ask_suspend":
		b.setState(chatID, stateAskSuspend)
		b.reply(chatID, "Send the license number to suspend:")
	case data == "ask_resume":
		b.setState(chatID, stateAskResume)
		b.reply(chatID, "Send the license number to resume:")
	case strings.HasPrefix(data, "info:"):
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, strings.TrimPrefix(data, "info:"))
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Unknown action")
	}
}

// issueCode answers a follow (/start) or an explicit code request with the chat's live reference code.
func (b *Bot) issueCode(ctx context.Context, chatID int64, follow bool) {
	identity := Identity(chatID)
	var (
		res activation.IssueResult
		err error
	)
	if follow {
		res, err = b.svc.Follow(ctx, identity)
	} else {
		res, err = b.svc.CreateOrFetchSession(ctx, identity)
	}
	if err != nil {
		b.sendUserMenu(chatID, userErrorText(err))
		return
	}
	b.sendUserMenu(chatID, codeText(res.Session, b.svc.Policy().ReferenceCodeTTL))
}

func (b *Bot) sendStatus(ctx context.Context, chatID int64) {
	sess, err := b.svc.GetSession(ctx, Identity(chatID))
	if err != nil {
		b.sendUserMenu(chatID, userErrorText(err))
		return
	}
	b.sendUserMenu(chatID, statusText(sess, time.Now()))
}

func (b *Bot) handleAdminMessage(ctx context.Context, chatID int64, text string) {
	switch command(text) {
	case "/start", "/help", "/menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License administration")
		return
	}

	switch st := b.getState(chatID); st {
	case stateNewLicense:
		b.handleNewLicenseInput(ctx, chatID, text)
	case stateAskInfo:
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, text)
		b.sendMenu(chatID, "")
	case stateAskReset:
		b.setState(chatID, stateNone)
		b.cmdReset(ctx, chatID, text)
		b.sendMenu(chatID, "")
	case stateAskUnbind:
		b.handleUnbindInput(ctx, chatID, text)
	case stateAskSuspend, stateAskResume:
		b.setState(chatID, stateNone)
		b.cmdSuspend(ctx, chatID, text, st == stateAskSuspend)
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Use the buttons to manage licenses.")
	}
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "Menu"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ New license", "new"),
			tgbotapi.NewInlineKeyboardButtonData("📋 List", "list"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Info", "ask_info"),
			tgbotapi.NewInlineKeyboardButtonData("🔓 Reset attempts", "ask_reset"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⛔ Suspend", "ask_suspend"),
			tgbotapi.NewInlineKeyboardButtonData("✅ Resume", "ask_resume"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🖥 Unbind device", "ask_unbind"),
		),
	)
	b.send(msg)
}

func (b *Bot) sendUserMenu(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔑 Reference code", "code"),
			tgbotapi.NewInlineKeyboardButtonData("📄 Status", "status"),
		),
	)
	b.send(msg)
}

func (b *Bot) cmdListWithButtons(ctx context.Context, chatID int64) {
	list, err := b.svc.ListLicenses(ctx)
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No licenses yet")
		return
	}

	lines := []string{"Latest licenses (tap for details):"}
	n := min(len(list), listLimit)
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, n+1)
	for _, l := range list[:n] {
		lines = append(lines, licenseLine(l))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ "+l.LicenseNo, "info:"+l.LicenseNo),
		))
	}
	if len(list) > n {
		lines = append(lines, fmt.Sprintf("... (%d more)", len(list)-n))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	b.send(msg)
}

func (b *Bot) handleNewLicenseInput(ctx context.Context, chatID int64, text string) {
	in, err := parseNewLicense(text)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	in.Grant = b.svc.Policy().GrantWithConsent
	lic, err := b.svc.AdminCreateLicense(ctx, in)
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	b.setState(chatID, stateNone)
	b.log.Info("license created from admin chat", "license_no", lic.LicenseNo)
	b.reply(chatID, "License created:\n"+licenseText(lic))
	b.sendMenu(chatID, "")
}

func (b *Bot) handleUnbindInput(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		b.reply(chatID, "Invalid input. Format: <license number> <machine id>")
		return
	}
	b.setState(chatID, stateNone)
	lic, err := b.svc.AdminUnbindDevice(ctx, fields[0], fields[1])
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
	} else {
		b.reply(chatID, "Device unbound.\n"+licenseText(lic))
	}
	b.sendMenu(chatID, "")
}

func (b *Bot) cmdInfo(ctx context.Context, chatID int64, licenseNo string) {
	lic, err := b.svc.GetLicense(ctx, licenseNo)
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	b.reply(chatID, licenseText(lic))
}

func (b *Bot) cmdReset(ctx context.Context, chatID int64, licenseNo string) {
	lic, err := b.svc.AdminResetAttempts(ctx, licenseNo)
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	b.reply(chatID, "Attempts reset.\n"+licenseText(lic))
}

func (b *Bot) cmdSuspend(ctx context.Context, chatID int64, licenseNo string, suspend bool) {
	lic, err := b.svc.AdminSetSuspended(ctx, licenseNo, suspend)
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	if suspend {
		b.reply(chatID, "License suspended.\n"+licenseText(lic))
	} else {
		b.reply(chatID, "License resumed.\n"+licenseText(lic))
	}
}

func (b *Bot) answerCallback(id string, text string) error {
	cb := tgbotapi.NewCallback(id, text)
	_, err := b.api.Request(cb)
	return err
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn("telegram send failed", "chat_id", msg.ChatID, "error", err)
	}
}
