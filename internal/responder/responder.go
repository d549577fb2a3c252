// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package responder turns block and redirect verdicts into controller
// policies, at most once per flow.
package responder

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/LingshijunRenzy/ICS-guard/internal/ctlplane"
	"github.com/LingshijunRenzy/ICS-guard/internal/events"
	"github.com/LingshijunRenzy/ICS-guard/internal/inference"
	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
	"github.com/LingshijunRenzy/ICS-guard/internal/policy"
)

const (
	autoPolicyPriority = 100
	applyTimeout       = 30 * time.Second
)

// Controller is the slice of the control-plane client the responder
// needs. *ctlplane.Client satisfies it.
type Controller interface {
	FindHoneypot(ctx context.Context) (ip, nodeID string, err error)
	CreatePolicy(ctx context.Context, p policy.Policy) (string, error)
	ApplyPolicy(ctx context.Context, policyID string, targets ctlplane.ApplyTargets) error
}

// Recorder receives the traffic_block / traffic_redirect events.
type Recorder interface {
	Record(ev events.Event)
}

// Responder enforces at most one auto-policy per flow for the process
// lifetime. A failed attempt releases the flow so a later verdict can
// retry.
type Responder struct {
	controller Controller
	recorder   Recorder
	logger     *logging.Logger

	mu        sync.Mutex
	responded map[string]struct{}
}

// New wires a responder. recorder may be nil.
func New(controller Controller, recorder Recorder, logger *logging.Logger) *Responder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Responder{
		controller: controller,
		recorder:   recorder,
		logger:     logger.WithComponent("responder"),
		responded:  map[string]struct{}{},
	}
}

// HandleDetection reacts to one verdict. Levels other than block and
// redirect are ignored.
func (r *Responder) HandleDetection(flowID string, level inference.Level, snapshot map[string]any) {
	if level != inference.LevelBlock && level != inference.LevelRedirect {
		return
	}
	if !r.claim(flowID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	if err := r.respond(ctx, flowID, level, snapshot); err != nil {
		r.release(flowID)
		r.logger.Error("auto response failed", "flow_id", flowID, "level", string(level), "error", err)
	}
}

// claim atomically marks a flow as handled. Returns false when another
// verdict already claimed it.
func (r *Responder) claim(flowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.responded[flowID]; ok {
		return false
	}
	r.responded[flowID] = struct{}{}
	return true
}

func (r *Responder) release(flowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.responded, flowID)
}

// Responded reports whether a flow has an effective auto-policy.
func (r *Responder) Responded(flowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.responded[flowID]
	return ok
}

func (r *Responder) respond(ctx context.Context, flowID string, level inference.Level, snapshot map[string]any) error {
	action := string(level)
	honeypotIP := ""
	if level == inference.LevelRedirect {
		ip, nodeID, err := r.controller.FindHoneypot(ctx)
		if err != nil {
			// No honeypot to divert to: contain the flow instead.
			r.logger.Warn("no honeypot available, downgrading to block", "flow_id", flowID, "error", err)
			action = string(inference.LevelBlock)
		} else {
			honeypotIP = ip
			r.logger.Info("redirecting flow to honeypot", "flow_id", flowID, "node", nodeID, "ip", ip)
		}
	}

	p := r.buildPolicy(flowID, action, honeypotIP, snapshot)
	policyID, err := r.controller.CreatePolicy(ctx, p)
	if err != nil {
		return err
	}
	if err := r.controller.ApplyPolicy(ctx, policyID, ctlplane.ApplyTargets{Flows: []string{flowID}}); err != nil {
		return err
	}

	r.logger.Info("auto policy applied", "flow_id", flowID, "policy", policyID, "action", action)
	r.emit(flowID, policyID, action, honeypotIP)
	return nil
}

// buildPolicy synthesizes the containment policy for one flow. The
// conditions carry whatever endpoint fields the snapshot had.
func (r *Responder) buildPolicy(flowID, action, honeypotIP string, snapshot map[string]any) policy.Policy {
	p := policy.Policy{
		Name:     autoPolicyName(action, flowID),
		Type:     "security",
		Priority: autoPolicyPriority,
		Status:   policy.StatusActive,
		Conditions: policy.Conditions{
			SrcIP:    asString(snapshot["src_ip"]),
			DstIP:    asString(snapshot["dst_ip"]),
			Protocol: asString(snapshot["protocol"]),
		},
		Metadata: map[string]any{
			"auto_generated": true,
			"flow_id":        flowID,
		},
	}
	if port, ok := asPort(snapshot["dst_port"]); ok {
		fi := policy.FlexInt(port)
		p.Conditions.DstPort = &fi
	}

	if action == string(inference.LevelRedirect) {
		p.Actions = &policy.Actions{PrimaryAction: &policy.ActionSpec{
			ActionType: policy.ActionRedirect,
			ActionParams: map[string]any{
				"targets": []any{map[string]any{"ip": honeypotIP}},
			},
		}}
	} else {
		// "block" normalizes to drop on the controller side.
		p.Action = action
	}
	return p
}

func (r *Responder) emit(flowID, policyID, action, honeypotIP string) {
	if r.recorder == nil {
		return
	}
	typ := events.TypeTrafficBlock
	data := map[string]any{
		"flow_id":   flowID,
		"policy_id": policyID,
		"reason":    "auto response",
	}
	if action == string(inference.LevelRedirect) {
		typ = events.TypeTrafficRedirect
		data["redirect_to"] = honeypotIP
	}
	r.recorder.Record(events.NewEvent(typ, data))
}

// autoPolicyName builds Auto-<ACTION>-<first 8 of flow id>.
func autoPolicyName(action, flowID string) string {
	short := flowID
	if len(short) > 8 {
		short = short[:8]
	}
	return "Auto-" + strings.ToUpper(action) + "-" + short
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asPort(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		var fi policy.FlexInt
		if err := fi.UnmarshalJSON([]byte(`"` + n + `"`)); err == nil {
			return int(fi), true
		}
	}
	return 0, false
}
