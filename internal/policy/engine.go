// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LingshijunRenzy/ICS-guard/internal/errors"
	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
)

// Packet is the forwarding-plane view handed to CheckPacket.
type Packet struct {
	DPID     string
	SrcMAC   string
	DstMAC   string
	SrcIP    string
	DstIP    string
	Protocol string
	DstPort  int
}

// Verdict is the resolved outcome for a packet.
type Verdict struct {
	Action string
	Reason string
	Params map[string]any
}

// Engine holds the controller's policy table. Policies are kept in
// insertion order; on equal priority the first-inserted match wins
// (later equal-priority policies never displace it).
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	order    []string
	logger   *logging.Logger
}

// NewEngine returns an empty policy table.
func NewEngine() *Engine {
	return &Engine{
		policies: make(map[string]*Policy),
		logger:   logging.WithComponent("policy"),
	}
}

// Create adds a policy, assigning an id and defaulting status to
// active when absent.
func (e *Engine) Create(p Policy) (*Policy, error) {
	if p.Name == "" {
		return nil, errors.New(errors.KindValidation, "policy name is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	if _, ok := p.Metadata["created_at"]; !ok {
		p.Metadata["created_at"] = time.Now().UTC().Format(time.RFC3339)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.policies[p.ID]; exists {
		return nil, errors.Errorf(errors.KindConflict, "policy %s already exists", p.ID)
	}
	cp := p
	e.policies[p.ID] = &cp
	e.order = append(e.order, p.ID)
	e.logger.Info("policy created", "id", p.ID, "name", p.Name, "priority", p.Priority)
	return &p, nil
}

// Get returns a copy of the policy.
func (e *Engine) Get(id string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "policy %s not found", id)
	}
	cp := *p
	return &cp, nil
}

// Update replaces the stored policy body, keeping id and creation
// metadata.
func (e *Engine) Update(id string, p Policy) (*Policy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old, ok := e.policies[id]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "policy %s not found", id)
	}
	p.ID = id
	if p.Status == "" {
		p.Status = old.Status
	}
	if p.Metadata == nil {
		p.Metadata = old.Metadata
	}
	cp := p
	e.policies[id] = &cp
	e.logger.Info("policy updated", "id", id)
	return &p, nil
}

// SetStatus flips a policy between active and inactive.
func (e *Engine) SetStatus(id, status string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[id]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "policy %s not found", id)
	}
	p.Status = status
	return nil
}

// Delete removes a policy.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return errors.Errorf(errors.KindNotFound, "policy %s not found", id)
	}
	delete(e.policies, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.logger.Info("policy deleted", "id", id)
	return nil
}

// List returns policies in insertion order, optionally filtered by
// type and status.
func (e *Engine) List(typeFilter, statusFilter string) []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.order))
	for _, id := range e.order {
		p := e.policies[id]
		if typeFilter != "" && p.Type != typeFilter {
			continue
		}
		if statusFilter != "" && p.Status != statusFilter {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// CheckPacket resolves the action for a packet: every active policy is
// tested, the matched policy with the highest priority wins, and no
// match means allow.
func (e *Engine) CheckPacket(pkt Packet) Verdict {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var (
		matched      bool
		bestPriority int
		verdict      = Verdict{Action: ActionAllow}
	)

	for _, id := range e.order {
		p := e.policies[id]
		if p.Status != StatusActive {
			continue
		}
		action, params, ok := e.matchPolicy(p, pkt)
		if !ok {
			continue
		}
		if !matched || p.Priority > bestPriority {
			matched = true
			bestPriority = p.Priority
			verdict = Verdict{Action: action, Reason: policyReason(p), Params: params}
		}
	}
	return verdict
}

// matchPolicy tests one policy against the packet. For ACL policies the
// returned action is always drop; an ACL that is satisfied means the
// policy does not match at all.
func (e *Engine) matchPolicy(p *Policy, pkt Packet) (string, map[string]any, bool) {
	c := p.Conditions

	if c.SrcIP != "" && c.SrcIP != pkt.SrcIP {
		return "", nil, false
	}
	if c.DstIP != "" && c.DstIP != pkt.DstIP {
		return "", nil, false
	}
	if c.SrcMAC != "" && !strings.EqualFold(c.SrcMAC, pkt.SrcMAC) {
		return "", nil, false
	}
	if c.DstMAC != "" && !strings.EqualFold(c.DstMAC, pkt.DstMAC) {
		return "", nil, false
	}
	if c.Protocol != "" && !strings.EqualFold(c.Protocol, pkt.Protocol) {
		return "", nil, false
	}
	if c.DstPort != nil && int(*c.DstPort) != pkt.DstPort {
		return "", nil, false
	}

	target := p.EffectiveTargetID()
	if target != "" && !strings.EqualFold(target, pkt.SrcMAC) && !strings.EqualFold(target, pkt.DstMAC) {
		return "", nil, false
	}

	if len(c.AllowedIPs) > 0 || len(c.DeniedIPs) > 0 {
		if aclBlocks(c, target, pkt) {
			return ActionDrop, nil, true
		}
		return "", nil, false
	}

	action, params := p.ResolveAction()
	return action, params, true
}

// aclBlocks evaluates allow/deny lists. The remote IP is the peer of
// the scoped device; without a scope both addresses are checked. A
// denied hit dominates; otherwise a present allow-list that misses any
// checked remote blocks.
func aclBlocks(c Conditions, target string, pkt Packet) bool {
	var remotes []string
	switch {
	case target != "" && strings.EqualFold(target, pkt.SrcMAC):
		remotes = []string{pkt.DstIP}
	case target != "" && strings.EqualFold(target, pkt.DstMAC):
		remotes = []string{pkt.SrcIP}
	default:
		remotes = []string{pkt.SrcIP, pkt.DstIP}
	}

	for _, r := range remotes {
		if ipListContains(c.DeniedIPs, r) {
			return true
		}
	}
	if len(c.AllowedIPs) > 0 {
		for _, r := range remotes {
			if !ipListContains(c.AllowedIPs, r) {
				return true
			}
		}
	}
	return false
}

func ipListContains(list []string, ip string) bool {
	for _, entry := range list {
		if entry == "*" || entry == ip {
			return true
		}
	}
	return false
}

func policyReason(p *Policy) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
