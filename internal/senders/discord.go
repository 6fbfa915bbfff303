package senders

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/store"
)

// DiscordSender sends DMs through per-tenant bot tokens. Only the REST API
// is used; no gateway connection is opened for outbound sends.
type DiscordSender struct {
	limiter  *sendLimiter
	sessions sync.Map // token string → *discordgo.Session
}

func NewDiscordSender() *DiscordSender {
	return &DiscordSender{limiter: newSendLimiter(5)}
}

func (s *DiscordSender) Platform() automation.Platform { return automation.PlatformDiscord }

func (s *DiscordSender) SendDirectMessage(ctx context.Context, cred *store.Credential, recipientID, text string) (string, error) {
	if err := s.limiter.wait(ctx); err != nil {
		return "", err
	}

	session, err := s.sessionFor(cred.AccessToken)
	if err != nil {
		return "", err
	}

	ch, err := session.UserChannelCreate(recipientID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: open dm channel: %w", err)
	}
	msg, err := session.ChannelMessageSend(ch.ID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return msg.ID, nil
}

func (s *DiscordSender) SendPublicReply(ctx context.Context, cred *store.Credential, threadID, commentID, text string) (string, error) {
	return "", ErrPublicReplyUnsupported
}

func (s *DiscordSender) sessionFor(token string) (*discordgo.Session, error) {
	if cached, ok := s.sessions.Load(token); ok {
		return cached.(*discordgo.Session), nil
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	actual, _ := s.sessions.LoadOrStore(token, session)
	return actual.(*discordgo.Session), nil
}
