package senders

import (
	"context"
	"net/http"
	"time"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/store"
)

// InstagramSender sends Instagram DMs and comment replies. Instagram
// business accounts are driven through the same Graph API as Facebook pages,
// so the wire helpers are shared.
type InstagramSender struct {
	baseURL string
	client  *http.Client
	limiter *sendLimiter
}

func NewInstagramSender(opts ...GraphOption) *InstagramSender {
	s := &InstagramSender{
		baseURL: graphAPIBase,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: newSendLimiter(3),
	}
	for _, o := range opts {
		o(&s.baseURL, s.client)
	}
	return s
}

func (s *InstagramSender) Platform() automation.Platform { return automation.PlatformInstagram }

func (s *InstagramSender) SendDirectMessage(ctx context.Context, cred *store.Credential, recipientID, text string) (string, error) {
	if err := s.limiter.wait(ctx); err != nil {
		return "", err
	}
	return graphSendMessage(ctx, s.client, s.baseURL, cred.AccessToken, recipientID, text)
}

func (s *InstagramSender) SendPublicReply(ctx context.Context, cred *store.Credential, threadID, commentID, text string) (string, error) {
	if err := s.limiter.wait(ctx); err != nil {
		return "", err
	}
	return graphReplyToComment(ctx, s.client, s.baseURL, cred.AccessToken, commentID, text)
}
