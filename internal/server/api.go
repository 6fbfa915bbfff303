package server

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/internal/automation"
)

type chatRequest struct {
	TenantID   string `json:"tenant_id"`
	AgentID    string `json:"agent_id"`
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	AuthorName string `json:"author_name,omitempty"`
}

type chatResponse struct {
	OK             bool                       `json:"ok"`
	Reply          string                     `json:"reply,omitempty"`
	RuleMatched    bool                       `json:"rule_matched"`
	ActionExecuted bool                       `json:"action_executed"`
	Outcomes       []automation.ActionOutcome `json:"outcomes,omitempty"`
	Error          string                     `json:"error,omitempty"`
}

// handleChat runs the engine synchronously for a website widget message and
// returns the reply in the response body.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.readBody(w, r, &req) {
		return
	}
	tenantID, agentID, ok := parseIDs(w, req.TenantID, req.AgentID)
	if !ok {
		return
	}
	if req.Text == "" || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "text and session_id are required"})
		return
	}

	event := &automation.InboundEvent{
		TenantID:   tenantID,
		AgentID:    agentID,
		Text:       req.Text,
		AuthorName: req.AuthorName,
		ThreadID:   req.SessionID,
		Platform:   automation.PlatformWebsite,
	}
	res := s.engine.ExecuteForMessage(r.Context(), event)
	s.broadcast("chat", event, res)

	status := http.StatusOK
	if !res.OK {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, chatResponse{
		OK:             res.OK,
		Reply:          res.Reply,
		RuleMatched:    res.RuleMatched,
		ActionExecuted: res.ActionExecuted,
		Outcomes:       res.Outcomes,
		Error:          res.Error,
	})
}

type triggerRequest struct {
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
	Recipient string `json:"recipient,omitempty"`
}

// handleManualTrigger fires one manual-trigger rule on demand.
func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	ruleID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid rule id"})
		return
	}
	var req triggerRequest
	if !s.readBody(w, r, &req) {
		return
	}
	tenantID, agentID, ok := parseIDs(w, req.TenantID, req.AgentID)
	if !ok {
		return
	}

	res := s.scheduler.RunManualTrigger(r.Context(), tenantID, agentID, ruleID, req.Recipient)
	s.hub.Broadcast(activityFor("manual", tenantID, res))

	status := http.StatusOK
	if !res.OK {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

type cronTickRequest struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
}

// handleCronTick sweeps due time triggers for one tenant/agent pair. External
// schedulers (Kubernetes CronJob, platform cron) drive this endpoint when the
// in-process scheduler is disabled.
func (s *Server) handleCronTick(w http.ResponseWriter, r *http.Request) {
	var req cronTickRequest
	if !s.readBody(w, r, &req) {
		return
	}
	tenantID, agentID, ok := parseIDs(w, req.TenantID, req.AgentID)
	if !ok {
		return
	}

	res := s.scheduler.RunDueTimeTriggers(r.Context(), tenantID, agentID)
	s.hub.Broadcast(activityFor("cron", tenantID, res))

	if !res.OK {
		slog.Warn("cron tick failed", "tenant", tenantID, "error", res.Error)
	}
	writeJSON(w, http.StatusOK, res)
}

func parseIDs(w http.ResponseWriter, tenant, agent string) (uuid.UUID, uuid.UUID, bool) {
	tenantID, err := uuid.Parse(tenant)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid tenant_id"})
		return uuid.Nil, uuid.Nil, false
	}
	agentID, err := uuid.Parse(agent)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid agent_id"})
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, agentID, true
}
