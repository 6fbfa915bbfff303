package senders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/store"
)

const graphAPIBase = "https://graph.facebook.com/v19.0"

// FacebookSender sends page messages and comment replies via the Graph API.
type FacebookSender struct {
	baseURL string
	client  *http.Client
	limiter *sendLimiter
}

// NewFacebookSender creates a Facebook adapter.
func NewFacebookSender(opts ...GraphOption) *FacebookSender {
	s := &FacebookSender{
		baseURL: graphAPIBase,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: newSendLimiter(5),
	}
	for _, o := range opts {
		o(&s.baseURL, s.client)
	}
	return s
}

// GraphOption customizes Graph API adapters (base URL override for tests).
type GraphOption func(baseURL *string, client *http.Client)

func WithGraphBaseURL(u string) GraphOption {
	return func(baseURL *string, _ *http.Client) {
		if u != "" {
			*baseURL = u
		}
	}
}

func (s *FacebookSender) Platform() automation.Platform { return automation.PlatformFacebook }

func (s *FacebookSender) SendDirectMessage(ctx context.Context, cred *store.Credential, recipientID, text string) (string, error) {
	if err := s.limiter.wait(ctx); err != nil {
		return "", err
	}
	return graphSendMessage(ctx, s.client, s.baseURL, cred.AccessToken, recipientID, text)
}

func (s *FacebookSender) SendPublicReply(ctx context.Context, cred *store.Credential, threadID, commentID, text string) (string, error) {
	if err := s.limiter.wait(ctx); err != nil {
		return "", err
	}
	return graphReplyToComment(ctx, s.client, s.baseURL, cred.AccessToken, commentID, text)
}

// graphSendMessage POSTs to /me/messages (Send API). Shared by the Facebook
// and Instagram adapters; both speak the same Graph surface.
func graphSendMessage(ctx context.Context, client *http.Client, baseURL, token, recipientID, text string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"recipient":      map[string]string{"id": recipientID},
		"message":        map[string]string{"text": text},
		"messaging_type": "RESPONSE",
	})
	if err != nil {
		return "", fmt.Errorf("graph: marshal send: %w", err)
	}

	endpoint := fmt.Sprintf("%s/me/messages?access_token=%s", baseURL, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("graph: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := doGraphRequest(client, req, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// graphReplyToComment POSTs to /{comment-id}/replies.
func graphReplyToComment(ctx context.Context, client *http.Client, baseURL, token, commentID, text string) (string, error) {
	form := url.Values{}
	form.Set("message", text)
	form.Set("access_token", token)

	endpoint := fmt.Sprintf("%s/%s/replies", baseURL, url.PathEscape(commentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(form.Encode())))
	if err != nil {
		return "", fmt.Errorf("graph: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		ID string `json:"id"`
	}
	if err := doGraphRequest(client, req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func doGraphRequest(client *http.Client, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("graph: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("graph: status %d: %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("graph: decode response: %w", err)
	}
	return nil
}
