package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/escalation"
	"github.com/opencontrolgate/opencontrolgate/internal/ledger"
	"github.com/opencontrolgate/opencontrolgate/internal/pipeline"
	"github.com/opencontrolgate/opencontrolgate/internal/policy"
	"github.com/opencontrolgate/opencontrolgate/internal/store"
	"github.com/opencontrolgate/opencontrolgate/internal/verify"
)

// ---------------------------------------------------------------------------
// Core evaluation surface
// ---------------------------------------------------------------------------

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	result, err := s.governor.Evaluate(&req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verify.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	if req.ActionID == "" {
		writeError(w, http.StatusBadRequest, "action_id is required")
		return
	}

	result, err := s.governor.Verify(&req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ActionFilter{
		AgentID:   q.Get("agent_id"),
		SessionID: q.Get("session_id"),
		Decision:  store.Decision(q.Get("decision")),
		Limit:     queryInt(q.Get("limit"), 100),
		Offset:    queryInt(q.Get("offset"), 0),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = t
	}

	actions, err := s.store.ListActions(filter)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions, "count": len(actions)})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAction(r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListVerifications(w http.ResponseWriter, r *http.Request) {
	vs, err := s.store.ListVerifications(r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"verifications": vs, "count": len(vs)})
}

// ---------------------------------------------------------------------------
// Policy admin
// ---------------------------------------------------------------------------

// policyMutation is the JSON body for policy create/update.
type policyMutation struct {
	policy.Policy
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	ps, err := s.store.ListPolicies(includeArchived)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": ps, "count": len(ps)})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	created, err := s.policies.Create(&req.Policy, req.Actor, req.Note)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPolicy(r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	req.Policy.ID = r.PathValue("id")
	updated, err := s.policies.Update(&req.Policy, req.Actor, req.Note)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleArchivePolicy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.policies.Archive(r.PathValue("id"), q.Get("actor"), q.Get("note")); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message": "policy archived"})
}

func (s *Server) handleListPolicyVersions(w http.ResponseWriter, r *http.Request) {
	vs, err := s.store.ListPolicyVersions(r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": vs, "count": len(vs)})
}

func (s *Server) handleRestorePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int    `json:"version"`
		Actor   string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	if req.Version <= 0 {
		writeError(w, http.StatusBadRequest, "version must be positive")
		return
	}

	restored, err := s.policies.Restore(r.PathValue("id"), req.Version, req.Actor)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, restored)
}

func (s *Server) handlePolicyAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListPolicyAudit(r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"audit": entries, "count": len(entries)})
}

// ---------------------------------------------------------------------------
// Wallets and receipts
// ---------------------------------------------------------------------------

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.ListWallets()
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"wallets": ws, "count": len(ws)})
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletID string `json:"wallet_id"`
		Label    string `json:"label"`
		Balance  string `json:"balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	if req.WalletID == "" {
		writeError(w, http.StatusBadRequest, "wallet_id is required")
		return
	}
	if req.Balance == "" {
		req.Balance = ledger.StartingBalance
	}

	now := time.Now().UTC()
	wallet := &store.Wallet{
		WalletID:       req.WalletID,
		Label:          req.Label,
		Balance:        req.Balance,
		TotalDeposited: req.Balance,
		TotalFeesPaid:  "0.0000",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateWallet(wallet); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.GetWallet(r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleTopUpWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	id := r.PathValue("id")
	if err := s.ledger.TopUp(id, req.Amount); err != nil {
		s.writeMappedError(w, err)
		return
	}
	wallet, err := s.store.GetWallet(id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rs, err := s.store.ListReceipts(q.Get("agent_id"), queryInt(q.Get("limit"), 100))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": rs, "count": len(rs)})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetReceipt(r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ---------------------------------------------------------------------------
// Escalations
// ---------------------------------------------------------------------------

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.store.ListEscalations(q.Get("status"), queryInt(q.Get("limit"), 100))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escalations": events, "count": len(events)})
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status     string `json:"status"`
		ResolvedBy string `json:"resolved_by"`
		Note       string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	switch req.Status {
	case store.EscalationApproved, store.EscalationRejected, store.EscalationExpired, store.EscalationAutoResolved:
	default:
		writeError(w, http.StatusBadRequest, "status must be one of approved, rejected, expired, auto_resolved")
		return
	}

	id := r.PathValue("id")
	if err := s.store.ResolveEscalation(id, req.Status, req.ResolvedBy, req.Note); err != nil {
		s.writeMappedError(w, err)
		return
	}
	event, err := s.store.GetEscalation(id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleGetEscalationConfig(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	agentID := ""
	if scope != "*" {
		agentID = scope
	}
	writeJSON(w, http.StatusOK, s.escalation.ResolveConfig(agentID))
}

func (s *Server) handleSetEscalationConfig(w http.ResponseWriter, r *http.Request) {
	var cfg escalation.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	scope := r.PathValue("scope")
	if scope != "*" {
		scope = "agent:" + scope
	}
	if err := s.escalation.SetConfig(scope, cfg); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ---------------------------------------------------------------------------
// Notification channels
// ---------------------------------------------------------------------------

func (s *Server) handleUpsertChannel(w http.ResponseWriter, r *http.Request) {
	var ch store.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	if ch.ID == "" || ch.Kind == "" || ch.Target == "" {
		writeError(w, http.StatusBadRequest, "id, kind and target are required")
		return
	}
	if ch.Events == "" {
		ch.Events = "*"
	}
	ch.IsActive = true

	if err := s.store.UpsertChannel(&ch); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chs, err := s.store.ListActiveChannels()
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": chs, "count": len(chs)})
}

// ---------------------------------------------------------------------------
// Kill switch
// ---------------------------------------------------------------------------

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	engaged, since, reason := s.killSwitch.Status()
	resp := map[string]interface{}{"engaged": engaged, "reason": reason}
	if !since.IsZero() {
		resp["engaged_at"] = since.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleKillSwitchSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Engaged bool   `json:"engaged"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	var err error
	if req.Engaged {
		err = s.killSwitch.Engage(req.Reason)
	} else {
		err = s.killSwitch.Release(req.Reason)
	}
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.handleKillSwitchStatus(w, r)
}

// ---------------------------------------------------------------------------
// Traces
// ---------------------------------------------------------------------------

func (s *Server) handleIngestSpans(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Spans []*store.Span `json:"spans"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	if len(req.Spans) == 0 {
		writeError(w, http.StatusBadRequest, "spans must not be empty")
		return
	}

	inserted, skipped, err := s.ingestor.Ingest(req.Spans)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"inserted": inserted, "skipped": skipped})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	spans, err := s.store.ListSpans(r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"spans": spans, "count": len(spans)})
}

func (s *Server) handleDeleteTrace(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeleteTrace(r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// ---------------------------------------------------------------------------
// System
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engaged, _, _ := s.killSwitch.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"kill_switch": engaged,
		"subscribers": s.bus.SubscriberCount(),
		"ws_clients":  s.wsHub.ClientCount(),
	})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
