package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sheetkey-license-bot/internal/activation"
	"sheetkey-license-bot/internal/config"
	"sheetkey-license-bot/internal/httpapi"
	"sheetkey-license-bot/internal/metrics"
	"sheetkey-license-bot/internal/store"
	"sheetkey-license-bot/internal/telegram"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)
	metrics.MustRegister("licensebot")

	st, err := store.OpenBBolt(cfg.DBPath)
	if err != nil {
		logger.Error("db open", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	tg, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Error("telegram login", "error", err)
		os.Exit(1)
	}
	logger.Info("telegram bot authorized", "username", tg.Self.UserName)

	svc := activation.New(st, telegram.NewNotifier(tg, cfg.NotifyRate), activation.PolicyFromConfig(cfg),
		activation.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.New(svc, logger, cfg.HTTPRateLimit, cfg.TrustedProxy).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	if cfg.AdminChatID == 0 {
		logger.Warn("ADMIN_CHAT_ID not set, admin menu disabled")
	}
	bot := telegram.NewBot(tg, cfg.AdminChatID, svc, logger)
	go func() {
		if err := bot.Run(ctx); err != nil {
			logger.Error("bot", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
}
