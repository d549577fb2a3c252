// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy implements the controller-side policy state machine:
// priority-ordered matching with allow/deny-list semantics and action
// extraction for the forwarding plane.
package policy

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Policy statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Normalized actions handed to the forwarding plane.
const (
	ActionAllow    = "allow"
	ActionDrop     = "drop"
	ActionThrottle = "throttle"
	ActionRedirect = "redirect"
	ActionLog      = "log"
	ActionInspect  = "inspect"
	ActionIsolate  = "isolate"
)

// FlexInt accepts both JSON numbers and numeric strings. Policy bodies
// arrive from several producers that disagree on port typing.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// Tolerate floats such as 502.0.
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int(fl)
	}
	*f = FlexInt(n)
	return nil
}

// Scope pins a policy to a device: it applies only when the target MAC
// is the source or destination of the packet.
type Scope struct {
	TargetID   string `json:"target_id,omitempty"`
	TargetType string `json:"target_type,omitempty"`
}

// Conditions are the match fields. Absent fields match anything.
type Conditions struct {
	SrcIP      string   `json:"src_ip,omitempty"`
	DstIP      string   `json:"dst_ip,omitempty"`
	SrcMAC     string   `json:"src_mac,omitempty"`
	DstMAC     string   `json:"dst_mac,omitempty"`
	Protocol   string   `json:"protocol,omitempty"`
	DstPort    *FlexInt `json:"dst_port,omitempty"`
	AllowedIPs []string `json:"allowed_ips,omitempty"`
	DeniedIPs  []string `json:"denied_ips,omitempty"`
}

// ActionSpec is the nested action shape.
type ActionSpec struct {
	ActionType   string         `json:"action_type"`
	ActionParams map[string]any `json:"action_params,omitempty"`
}

// Actions wraps the nested primary action.
type Actions struct {
	PrimaryAction *ActionSpec `json:"primary_action,omitempty"`
}

// Policy is one declarative rule.
type Policy struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Type       string         `json:"type,omitempty"`
	Priority   int            `json:"priority"`
	Status     string         `json:"status,omitempty"`
	Scope      *Scope         `json:"scope,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Conditions Conditions     `json:"conditions"`
	Action     string         `json:"action,omitempty"`
	Actions    *Actions       `json:"actions,omitempty"`
	RateLimit  map[string]any `json:"rate_limit,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EffectiveTargetID returns the scope target, falling back to the
// legacy root-level field.
func (p *Policy) EffectiveTargetID() string {
	if p.Scope != nil && p.Scope.TargetID != "" {
		return p.Scope.TargetID
	}
	return p.TargetID
}

// ResolveAction normalizes the policy's action and parameters. The flat
// action field wins; otherwise the nested primary action is used.
// Synonyms collapse: deny/block/drop -> drop. Unknown verbs degrade to
// allow.
func (p *Policy) ResolveAction() (string, map[string]any) {
	raw := p.Action
	var params map[string]any

	if raw == "" && p.Actions != nil && p.Actions.PrimaryAction != nil {
		raw = p.Actions.PrimaryAction.ActionType
		params = p.Actions.PrimaryAction.ActionParams
	}

	action := NormalizeAction(raw)

	switch action {
	case ActionThrottle:
		params = throttleParams(p, params)
	case ActionRedirect:
		params = redirectParams(params)
	}
	return action, params
}

// NormalizeAction maps action synonyms onto the forwarding vocabulary.
func NormalizeAction(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "deny", "block", "drop":
		return ActionDrop
	case "throttle":
		return ActionThrottle
	case "redirect":
		return ActionRedirect
	case "log":
		return ActionLog
	case "inspect":
		return ActionInspect
	case "isolate":
		return ActionIsolate
	default:
		return ActionAllow
	}
}

// throttleParams pulls rate_limit from the nested params or the flat
// policy field.
func throttleParams(p *Policy, params map[string]any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["rate_limit"]; !ok && p.RateLimit != nil {
		params["rate_limit"] = p.RateLimit
	}
	return params
}

// redirectParams accepts both the targets list and the legacy
// redirect_target shape, normalizing to targets.
func redirectParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	if _, ok := params["targets"]; ok {
		return params
	}
	if legacy, ok := params["redirect_target"]; ok {
		if ip, ok := legacy.(string); ok && ip != "" {
			params["targets"] = []any{map[string]any{"ip": ip}}
		}
	}
	return params
}

// RedirectTarget extracts the first redirect sink from params.
func RedirectTarget(params map[string]any) (ip string, port int, ok bool) {
	targets, _ := params["targets"].([]any)
	if len(targets) == 0 {
		return "", 0, false
	}
	t, _ := targets[0].(map[string]any)
	if t == nil {
		return "", 0, false
	}
	ip, _ = t["ip"].(string)
	switch p := t["port"].(type) {
	case float64:
		port = int(p)
	case int:
		port = p
	case json.Number:
		if n, err := p.Int64(); err == nil {
			port = int(n)
		}
	}
	return ip, port, ip != ""
}
