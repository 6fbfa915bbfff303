package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/replyloop/replyloop/internal/automation"
	"github.com/replyloop/replyloop/internal/config"
)

// handleMetaVerify answers the Graph webhook subscription handshake for both
// Facebook and Instagram endpoints.
func (s *Server) handleMetaVerify(w http.ResponseWriter, r *http.Request) {
	platform := platformFromPath(r.URL.Path)
	cc := s.metaChannelConfig(platform)

	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || cc.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(q.Get("hub.verify_token")), []byte(cc.VerifyToken)) != 1 {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

// metaEnvelope is the Graph webhook delivery shape shared by Facebook pages
// and Instagram professional accounts.
type metaEnvelope struct {
	Object string      `json:"object"`
	Entry  []metaEntry `json:"entry"`
}

type metaEntry struct {
	ID        string          `json:"id"` // receiving page/account id
	Messaging []metaMessaging `json:"messaging,omitempty"`
	Changes   []metaChange    `json:"changes,omitempty"`
}

type metaMessaging struct {
	Sender  struct{ ID string } `json:"sender"`
	Message struct {
		MID    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

type metaChange struct {
	Field string `json:"field"`
	Value struct {
		Item      string `json:"item"`
		Verb      string `json:"verb"`
		CommentID string `json:"comment_id"`
		PostID    string `json:"post_id"`
		MediaID   string `json:"media_id"` // instagram
		Text      string `json:"text"`
		Message   string `json:"message"`
		From      struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Username string `json:"username"` // instagram
		} `json:"from"`
	} `json:"value"`
}

// handleMetaWebhook normalizes one Graph delivery (messages and comments,
// possibly batched) and runs the engine per event. Rule-level failures still
// answer 200 so the platform does not retry; only transport-level problems
// get an error status.
func (s *Server) handleMetaWebhook(w http.ResponseWriter, r *http.Request) {
	platform := platformFromPath(r.URL.Path)
	cc := s.metaChannelConfig(platform)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody()))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !verifyMetaSignature(cc.AppSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		slog.Warn("webhook signature rejected", "platform", platform)
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}

	var env metaEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	allOK := true
	for _, entry := range env.Entry {
		if !s.limiter.allow(string(platform) + ":" + entry.ID) {
			slog.Warn("webhook rate limited", "platform", platform, "account", entry.ID)
			continue
		}

		tenantID, agentID, err := s.stores.Credentials.ResolveBinding(r.Context(), platform, entry.ID)
		if err != nil {
			slog.Warn("unbound webhook account", "platform", platform, "account", entry.ID, "error", err)
			continue
		}

		for _, m := range entry.Messaging {
			if m.Message.IsEcho || m.Message.Text == "" {
				continue
			}
			event := &automation.InboundEvent{
				TenantID: tenantID,
				AgentID:  agentID,
				EventID:  m.Message.MID,
				Text:     m.Message.Text,
				AuthorID: m.Sender.ID,
				ThreadID: m.Sender.ID,
				Platform: platform,
			}
			res := s.engine.ExecuteForMessage(r.Context(), event)
			s.broadcast("webhook", event, res)
			allOK = allOK && res.OK
		}

		for _, ch := range entry.Changes {
			ev, ok := normalizeMetaComment(platform, ch)
			if !ok {
				continue
			}
			ev.TenantID = tenantID
			ev.AgentID = agentID
			res := s.engine.ExecuteForComment(r.Context(), ev)
			s.broadcast("webhook", ev, res)
			allOK = allOK && res.OK
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": allOK})
}

// normalizeMetaComment maps a feed/comments change to an inbound comment
// event. Non-comment changes (likes, edits, deletes) are dropped.
func normalizeMetaComment(platform automation.Platform, ch metaChange) (*automation.InboundEvent, bool) {
	v := ch.Value
	switch ch.Field {
	case "feed": // facebook
		if v.Item != "comment" || (v.Verb != "" && v.Verb != "add") {
			return nil, false
		}
	case "comments": // instagram
	default:
		return nil, false
	}
	text := v.Message
	if text == "" {
		text = v.Text
	}
	if v.CommentID == "" || text == "" {
		return nil, false
	}
	threadID := v.PostID
	if threadID == "" {
		threadID = v.MediaID
	}
	name := v.From.Name
	if name == "" {
		name = v.From.Username
	}
	return &automation.InboundEvent{
		EventID:    v.CommentID,
		Text:       text,
		AuthorID:   v.From.ID,
		AuthorName: name,
		PostID:     threadID,
		ThreadID:   threadID,
		Platform:   platform,
	}, true
}

// verifyMetaSignature checks the X-Hub-Signature-256 HMAC. An empty
// configured secret skips verification (local/dev).
func verifyMetaSignature(secret, header string, body []byte) bool {
	if secret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}

// handleTelegramWebhook accepts Bot API updates. The bot account id rides in
// the path because Telegram deliveries do not name the receiving bot.
func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	secret := s.cfg.Snapshot().Channels.Telegram.SecretToken
	if secret != "" &&
		subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Telegram-Bot-Api-Secret-Token")), []byte(secret)) != 1 {
		http.Error(w, "bad secret token", http.StatusForbidden)
		return
	}

	account := r.PathValue("account")
	if !s.limiter.allow("telegram:" + account) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false})
		return
	}

	var update telego.Update
	if !s.readBody(w, r, &update) {
		return
	}
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.From == nil || msg.From.IsBot {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	tenantID, agentID, err := s.stores.Credentials.ResolveBinding(r.Context(), automation.PlatformTelegram, account)
	if err != nil {
		slog.Warn("unbound telegram bot", "account", account, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": false})
		return
	}

	event := &automation.InboundEvent{
		TenantID:   tenantID,
		AgentID:    agentID,
		EventID:    strconv.Itoa(msg.MessageID),
		Text:       msg.Text,
		AuthorID:   strconv.FormatInt(msg.Chat.ID, 10),
		AuthorName: msg.From.FirstName,
		ThreadID:   strconv.FormatInt(msg.Chat.ID, 10),
		Platform:   automation.PlatformTelegram,
	}
	res := s.engine.ExecuteForMessage(r.Context(), event)
	s.broadcast("webhook", event, res)
	writeJSON(w, http.StatusOK, map[string]any{"ok": res.OK})
}

func platformFromPath(path string) automation.Platform {
	if strings.Contains(path, "/instagram") {
		return automation.PlatformInstagram
	}
	return automation.PlatformFacebook
}

func (s *Server) metaChannelConfig(p automation.Platform) config.MetaChannelConfig {
	snap := s.cfg.Snapshot()
	if p == automation.PlatformInstagram {
		return snap.Channels.Instagram
	}
	return snap.Channels.Facebook
}

func (s *Server) maxBody() int64 {
	if max := s.cfg.Snapshot().Server.MaxBodyBytes; max > 0 {
		return max
	}
	return 1 << 20
}

// broadcast pushes one execution onto the activity feed.
func (s *Server) broadcast(source string, event *automation.InboundEvent, res automation.ExecutionResult) {
	s.hub.Broadcast(Activity{
		TenantID:       event.TenantID,
		Platform:       event.Platform,
		Kind:           event.Kind,
		Source:         source,
		OK:             res.OK,
		RuleMatched:    res.RuleMatched,
		ActionExecuted: res.ActionExecuted,
		Outcomes:       res.Outcomes,
		Error:          res.Error,
		At:             time.Now(),
	})
}
