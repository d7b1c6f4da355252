package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rahul/concierge/internal/agent"
)

const TelegramPrefix = "tg"

// Callback data of the confirmation buttons: "<action>:<draft id>".
const (
	callbackConfirm = "confirm"
	callbackCancel  = "cancel"
)

type TelegramGateway struct {
	Bot   *tgbotapi.BotAPI
	Brain agent.Brain
}

func NewTelegramGateway(token string, brain agent.Brain) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	return &TelegramGateway{
		Bot:   bot,
		Brain: brain,
	}, nil
}

func (tg *TelegramGateway) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	// Each update gets its own goroutine so a long workflow does not hold
	// up other chats; the orchestrator serialises work within a chat.
	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			go tg.handleCallback(update.CallbackQuery)
		case update.Message != nil:
			go tg.handleMessage(update.Message)
		}
	}
	return nil
}

func (tg *TelegramGateway) handleMessage(m *tgbotapi.Message) {
	log.Printf("[%s] %s", m.From.UserName, m.Text)

	in := agent.Inbound{
		SessionID: SessionID(TelegramPrefix, strconv.FormatInt(m.Chat.ID, 10)),
		Text:      m.Text,
	}
	tg.reply(m.Chat.ID, dispatch(context.Background(), tg.Brain, in))
}

// handleCallback turns a button press into a reply that names its draft.
func (tg *TelegramGateway) handleCallback(cq *tgbotapi.CallbackQuery) {
	if _, err := tg.Bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		log.Printf("Error answering callback: %v", err)
	}
	if cq.Message == nil {
		return
	}

	in, ok := parseCallback(cq.Data)
	if !ok {
		log.Printf("Ignoring callback data %q", cq.Data)
		return
	}
	in.SessionID = SessionID(TelegramPrefix, strconv.FormatInt(cq.Message.Chat.ID, 10))
	tg.reply(cq.Message.Chat.ID, dispatch(context.Background(), tg.Brain, in))
}

func parseCallback(data string) (agent.Inbound, bool) {
	action, draftID, ok := strings.Cut(data, ":")
	if !ok || draftID == "" {
		return agent.Inbound{}, false
	}
	switch action {
	case callbackConfirm:
		return agent.Inbound{Text: "yes", DraftID: draftID}, true
	case callbackCancel:
		return agent.Inbound{Text: "no", DraftID: draftID}, true
	}
	return agent.Inbound{}, false
}

// confirmKeyboard offers one-tap answers for a pending draft.
func confirmKeyboard(draftID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Confirm", callbackConfirm+":"+draftID),
			tgbotapi.NewInlineKeyboardButtonData("❌ Cancel", callbackCancel+":"+draftID),
		),
	)
}

func (tg *TelegramGateway) reply(chatID int64, r agent.Reply) {
	msg := tgbotapi.NewMessage(chatID, r.Text)
	if r.Draft != nil && r.Draft.Status.Open() {
		msg.ReplyMarkup = confirmKeyboard(r.Draft.ID)
	}
	if _, err := tg.Bot.Send(msg); err != nil {
		log.Printf("Error sending reply to %d: %v", chatID, err)
	}
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	msg := tgbotapi.NewMessage(id, text)
	msg.ParseMode = "Markdown" // Enable markdown for better alerts
	_, err = tg.Bot.Send(msg)
	return err
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}
