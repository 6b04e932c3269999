package alert

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/venoajie/ws-streamer/logger"
)

// Telegram delivers notifications to a chat. Sends run on their own
// goroutine so a slow Telegram API cannot stall the dispatcher.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *logger.Log
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("alert").WithFields(logger.Fields{
		"bot":     bot.Self.UserName,
		"chat_id": chatID,
	}).Info("telegram notifier ready")

	return &Telegram{bot: bot, chatID: chatID, log: log}, nil
}

func (t *Telegram) Notify(text string) {
	go func() {
		if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
			t.log.WithComponent("alert").WithError(err).Warn("failed to deliver telegram notification")
		}
	}()
}
