// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/LingshijunRenzy/ICS-guard/internal/ctlplane"
	"github.com/LingshijunRenzy/ICS-guard/internal/errors"
	"github.com/LingshijunRenzy/ICS-guard/internal/events"
	"github.com/LingshijunRenzy/ICS-guard/internal/pipeline"
	"github.com/LingshijunRenzy/ICS-guard/internal/policy"
	"github.com/LingshijunRenzy/ICS-guard/internal/store"
)

const maxPerPage = 200

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func pageParams(r *http.Request) (page, perPage int) {
	page = queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	perPage = queryInt(r, "per_page", 50)
	if perPage < 1 || perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage
}

var errControllerUnavailable = errors.New(errors.KindUnavailable, "controller not configured")

// --- controller passthrough ---

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteError(w, errControllerUnavailable)
		return
	}
	topo, err := s.controller.GetTopology(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, topo)
}

func (s *Server) handleTopologyStats(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteError(w, errControllerUnavailable)
		return
	}
	nodes, err := s.controller.GetNodeStats(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	links, err := s.controller.GetLinkStats(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "links": links})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteError(w, errControllerUnavailable)
		return
	}
	q := r.URL.Query()
	policies, err := s.controller.ListPolicies(r.Context(), q.Get("type"), q.Get("status"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteError(w, errControllerUnavailable)
		return
	}
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		WriteError(w, errors.New(errors.KindValidation, "malformed policy body"))
		return
	}
	id, err := s.controller.CreatePolicy(r.Context(), p)
	sess, _ := sessionFrom(r)
	s.audit(r, sess.username, "policy.create", "policy:"+id, err == nil)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"policy_id": id})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteError(w, errControllerUnavailable)
		return
	}
	p, err := s.controller.GetPolicy(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteError(w, errControllerUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		WriteError(w, errors.New(errors.KindValidation, "malformed policy body"))
		return
	}
	updated, err := s.controller.UpdatePolicy(r.Context(), id, p)
	sess, _ := sessionFrom(r)
	s.audit(r, sess.username, "policy.update", "policy:"+id, err == nil)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteError(w, errControllerUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	err := s.controller.DeletePolicy(r.Context(), id)
	sess, _ := sessionFrom(r)
	s.audit(r, sess.username, "policy.delete", "policy:"+id, err == nil)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func decodeTargets(r *http.Request) ctlplane.ApplyTargets {
	var t ctlplane.ApplyTargets
	_ = json.NewDecoder(r.Body).Decode(&t)
	return t
}

func (s *Server) handleApplyPolicy(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteError(w, errControllerUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	err := s.controller.ApplyPolicy(r.Context(), id, decodeTargets(r))
	sess, _ := sessionFrom(r)
	s.audit(r, sess.username, "policy.apply", "policy:"+id, err == nil)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "applied"})
}

func (s *Server) handleRevokePolicy(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteError(w, errControllerUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	err := s.controller.RevokePolicy(r.Context(), id, decodeTargets(r))
	sess, _ := sessionFrom(r)
	s.audit(r, sess.username, "policy.revoke", "policy:"+id, err == nil)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteError(w, errControllerUnavailable)
		return
	}
	alerts, err := s.controller.GetAlerts(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleHoneypotLogs(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteError(w, errControllerUnavailable)
		return
	}
	logs, err := s.controller.GetHoneypotLogs(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// --- detection ---

type detectResponse struct {
	FlowID        string  `json:"flow_id"`
	Prob          float64 `json:"prob"`
	Label         string  `json:"label"`
	AnomalyScore  float64 `json:"anomaly_score"`
	DecisionLevel string  `json:"decision_level"`
	DetectStatus  string  `json:"detect_status"`
}

// detectOne scores a snapshot synchronously and persists the result.
func (s *Server) detectOne(snapshot map[string]any) (detectResponse, error) {
	flowID, _ := snapshot["flow_id"].(string)
	if flowID == "" {
		return detectResponse{}, errors.New(errors.KindValidation, "flow_id is required")
	}

	if err := s.store.UpsertFlowBase(store.FlowFromSnapshot(flowID, snapshot)); err != nil {
		return detectResponse{}, err
	}

	res := s.inference.PredictFlow(snapshot)
	status := pipeline.StatusFor(res)

	err := s.store.UpdateDetection(flowID, store.DetectionResult{
		Status:       status,
		Level:        string(res.Level),
		Prob:         res.Prob,
		AnomalyScore: res.AnomalyScore,
		DetectedAt:   time.Now().UTC(),
	})
	if err != nil {
		return detectResponse{}, err
	}
	err = s.store.AppendDetectionLog(store.DetectionLog{
		FlowID:        flowID,
		Prob:          res.Prob,
		Label:         res.Label,
		AnomalyScore:  res.AnomalyScore,
		DecisionLevel: string(res.Level),
		Snapshot:      snapshot,
	})
	if err != nil {
		return detectResponse{}, err
	}

	return detectResponse{
		FlowID:        flowID,
		Prob:          res.Prob,
		Label:         res.Label,
		AnomalyScore:  res.AnomalyScore,
		DecisionLevel: string(res.Level),
		DetectStatus:  status,
	}, nil
}

func (s *Server) handleDetectFlow(w http.ResponseWriter, r *http.Request) {
	var snapshot map[string]any
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		WriteError(w, errors.New(errors.KindValidation, "malformed flow body"))
		return
	}
	res, err := s.detectOne(snapshot)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleDetectBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Flows []map[string]any `json:"flows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, errors.New(errors.KindValidation, "malformed batch body"))
		return
	}
	if len(req.Flows) == 0 {
		WriteError(w, errors.New(errors.KindValidation, "flows is empty"))
		return
	}

	results := make([]any, 0, len(req.Flows))
	for _, snapshot := range req.Flows {
		res, err := s.detectOne(snapshot)
		if err != nil {
			results = append(results, map[string]any{"error": err.Error()})
			continue
		}
		results = append(results, res)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleModelMeta(w http.ResponseWriter, _ *http.Request) {
	if s.inference == nil {
		WriteError(w, errors.New(errors.KindUnavailable, "inference not configured"))
		return
	}
	WriteJSON(w, http.StatusOK, s.inference.Meta())
}

// --- flows ---

func flowView(f store.Flow) map[string]any {
	v := map[string]any{
		"flow_id":        f.FlowID,
		"src_ip":         f.SrcIP,
		"dst_ip":         f.DstIP,
		"protocol":       f.Protocol,
		"detect_status":  f.DetectStatus,
		"decision_level": f.DecisionLevel,
	}
	if f.DstPort != nil {
		v["dst_port"] = *f.DstPort
	}
	v["prob"] = f.Prob
	v["anomaly_score"] = f.AnomalyScore
	if f.DetectedAt != nil {
		v["detected_at"] = *f.DetectedAt
	}
	return v
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	flows, err := s.store.ListFlows(page, perPage)
	if err != nil {
		WriteError(w, err)
		return
	}
	items := make([]any, 0, len(flows))
	for _, f := range flows {
		items = append(items, flowView(f))
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"flows":    items,
		"page":     page,
		"per_page": perPage,
	})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFlow(mux.Vars(r)["flow_id"])
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, flowView(*f))
}

// --- events ---

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		WriteError(w, errors.New(errors.KindUnavailable, "event cache not configured"))
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > maxPerPage {
		limit = maxPerPage
	}
	var types []events.Type
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, events.Type(t))
			}
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"events": s.cache.Recent(limit, types...),
	})
}

func (s *Server) handleEventLogs(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	q := r.URL.Query()
	logs, total, err := s.store.ListEventLogs(page, perPage, store.EventLogFilter{
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
		Resource: q.Get("resource"),
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	items := make([]any, 0, len(logs))
	for _, l := range logs {
		items = append(items, map[string]any{
			"id":               l.ID,
			"event_type":       l.EventType,
			"severity":         l.Severity,
			"source":           l.Source,
			"related_resource": l.RelatedResource,
			"payload":          l.Payload,
			"created_at":       l.CreatedAt,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"logs":     items,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// --- audit & preferences ---

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	entries, total, err := s.store.ListAudit(page, perPage)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"entries":  entries,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// handleAuditExport streams the full audit trail as CSV.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "username", "action", "resource", "detail", "success", "ip", "created_at"})

	for page := 1; ; page++ {
		entries, _, err := s.store.ListAudit(page, maxPerPage)
		if err != nil {
			s.logger.Warn("audit export aborted", "page", page, "error", err)
			break
		}
		for _, e := range entries {
			_ = cw.Write([]string{
				strconv.FormatInt(e.ID, 10),
				e.Username,
				e.Action,
				e.Resource,
				e.Detail,
				strconv.FormatBool(e.Success),
				e.IP,
				e.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		if len(entries) < maxPerPage {
			break
		}
	}
	cw.Flush()
}

func (s *Server) handleGetPreference(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r)
	key := mux.Vars(r)["key"]
	value, err := s.store.GetPreference("user", sess.username, key)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r)
	key := mux.Vars(r)["key"]
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, errors.New(errors.KindValidation, "malformed preference body"))
		return
	}
	if err := s.store.SetPreference("user", sess.username, key, req.Value); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"key": key, "value": req.Value})
}
