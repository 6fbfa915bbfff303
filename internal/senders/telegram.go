package senders

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/store"
)

// TelegramSender sends messages through per-tenant bot tokens via the
// Telegram Bot API. Telegram has no public comment threads, so it is a
// messaging-only platform here.
type TelegramSender struct {
	limiter *sendLimiter

	// bots caches telego clients per token; constructing one is cheap but
	// not free, and sends for the same tenant arrive in bursts.
	bots sync.Map // token string → *telego.Bot
}

func NewTelegramSender() *TelegramSender {
	return &TelegramSender{limiter: newSendLimiter(10)}
}

func (s *TelegramSender) Platform() automation.Platform { return automation.PlatformTelegram }

func (s *TelegramSender) SendDirectMessage(ctx context.Context, cred *store.Credential, recipientID, text string) (string, error) {
	if err := s.limiter.wait(ctx); err != nil {
		return "", err
	}

	bot, err := s.botFor(cred.AccessToken)
	if err != nil {
		return "", err
	}

	msg, err := bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: parseChatID(recipientID),
		Text:   text,
	})
	if err != nil {
		return "", fmt.Errorf("telegram: send message: %w", err)
	}
	return strconv.Itoa(msg.MessageID), nil
}

func (s *TelegramSender) SendPublicReply(ctx context.Context, cred *store.Credential, threadID, commentID, text string) (string, error) {
	return "", ErrPublicReplyUnsupported
}

func (s *TelegramSender) botFor(token string) (*telego.Bot, error) {
	if cached, ok := s.bots.Load(token); ok {
		return cached.(*telego.Bot), nil
	}
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	actual, _ := s.bots.LoadOrStore(token, bot)
	return actual.(*telego.Bot), nil
}

// parseChatID accepts a numeric chat id or an "@username" handle.
func parseChatID(recipientID string) telego.ChatID {
	if id, err := strconv.ParseInt(recipientID, 10, 64); err == nil {
		return telego.ChatID{ID: id}
	}
	if !strings.HasPrefix(recipientID, "@") {
		recipientID = "@" + recipientID
	}
	return telego.ChatID{Username: recipientID}
}
