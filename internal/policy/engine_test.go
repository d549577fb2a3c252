// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAssignsIDAndStatus(t *testing.T) {
	e := NewEngine()
	p, err := e.Create(Policy{Name: "baseline"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, StatusActive, p.Status)
	assert.Contains(t, p.Metadata, "created_at")
}

func TestCRUDLifecycle(t *testing.T) {
	e := NewEngine()
	p, err := e.Create(Policy{Name: "p1", Priority: 10})
	require.NoError(t, err)

	got, err := e.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.Name)

	_, err = e.Update(p.ID, Policy{Name: "p1-renamed", Priority: 20})
	require.NoError(t, err)
	got, err = e.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1-renamed", got.Name)
	assert.Equal(t, 20, got.Priority)

	require.NoError(t, e.Delete(p.ID))
	_, err = e.Get(p.ID)
	require.Error(t, err)
}

func TestListFilters(t *testing.T) {
	e := NewEngine()
	_, err := e.Create(Policy{Name: "a", Type: "security"})
	require.NoError(t, err)
	p2, err := e.Create(Policy{Name: "b", Type: "qos"})
	require.NoError(t, err)
	require.NoError(t, e.SetStatus(p2.ID, StatusInactive))

	assert.Len(t, e.List("", ""), 2)
	assert.Len(t, e.List("security", ""), 1)
	assert.Len(t, e.List("", StatusActive), 1)
}

func TestUnmatchedPacketAllows(t *testing.T) {
	e := NewEngine()
	v := e.CheckPacket(Packet{SrcIP: "10.0.0.1", DstIP: "10.0.0.2"})
	assert.Equal(t, ActionAllow, v.Action)
	assert.Empty(t, v.Reason)
}

func TestHigherPriorityWins(t *testing.T) {
	e := NewEngine()
	_, err := e.Create(Policy{Name: "permit-all", Priority: 50, Action: "allow"})
	require.NoError(t, err)
	_, err = e.Create(Policy{
		Name: "block-plc", Priority: 100, Action: "block",
		Conditions: Conditions{DstIP: "10.0.1.20"},
	})
	require.NoError(t, err)

	v := e.CheckPacket(Packet{SrcIP: "10.0.3.9", DstIP: "10.0.1.20"})
	assert.Equal(t, ActionDrop, v.Action)
	assert.Equal(t, "block-plc", v.Reason)

	v = e.CheckPacket(Packet{SrcIP: "10.0.3.9", DstIP: "10.0.9.9"})
	assert.Equal(t, ActionAllow, v.Action)
	assert.Equal(t, "permit-all", v.Reason)
}

func TestEqualPriorityFirstInsertedSticks(t *testing.T) {
	e := NewEngine()
	_, err := e.Create(Policy{Name: "first", Priority: 100, Action: "log"})
	require.NoError(t, err)
	_, err = e.Create(Policy{Name: "second", Priority: 100, Action: "block"})
	require.NoError(t, err)

	v := e.CheckPacket(Packet{SrcIP: "10.0.0.1", DstIP: "10.0.0.2"})
	assert.Equal(t, "first", v.Reason)
	assert.Equal(t, ActionLog, v.Action)
}

func TestConditionMatching(t *testing.T) {
	e := NewEngine()
	port := FlexInt(502)
	_, err := e.Create(Policy{
		Name: "modbus-guard", Priority: 10, Action: "block",
		Conditions: Conditions{Protocol: "tcp", DstPort: &port, SrcIP: "10.0.3.20"},
	})
	require.NoError(t, err)

	v := e.CheckPacket(Packet{SrcIP: "10.0.3.20", DstIP: "10.0.4.20", Protocol: "TCP", DstPort: 502})
	assert.Equal(t, ActionDrop, v.Action)

	// Port mismatch.
	v = e.CheckPacket(Packet{SrcIP: "10.0.3.20", DstIP: "10.0.4.20", Protocol: "TCP", DstPort: 80})
	assert.Equal(t, ActionAllow, v.Action)

	// Source mismatch.
	v = e.CheckPacket(Packet{SrcIP: "10.0.3.21", DstIP: "10.0.4.20", Protocol: "TCP", DstPort: 502})
	assert.Equal(t, ActionAllow, v.Action)
}

func TestTargetScoping(t *testing.T) {
	e := NewEngine()
	_, err := e.Create(Policy{
		Name: "hmi-guard", Priority: 10, Action: "block",
		Scope: &Scope{TargetID: "00:00:00:00:00:01"},
	})
	require.NoError(t, err)

	v := e.CheckPacket(Packet{SrcMAC: "00:00:00:00:00:01", DstMAC: "00:00:00:00:00:02"})
	assert.Equal(t, ActionDrop, v.Action)

	v = e.CheckPacket(Packet{SrcMAC: "00:00:00:00:00:03", DstMAC: "00:00:00:00:00:02"})
	assert.Equal(t, ActionAllow, v.Action)
}

func TestACLDeniedDominatesAllowed(t *testing.T) {
	e := NewEngine()
	_, err := e.Create(Policy{
		Name: "hmi-acl", Priority: 10,
		Scope: &Scope{TargetID: "00:00:00:00:00:01"},
		Conditions: Conditions{
			AllowedIPs: []string{"10.0.3.20"},
			DeniedIPs:  []string{"10.0.3.20"},
		},
	})
	require.NoError(t, err)

	v := e.CheckPacket(Packet{
		SrcMAC: "00:00:00:00:00:01", DstMAC: "00:00:00:00:00:09",
		SrcIP: "10.0.1.10", DstIP: "10.0.3.20",
	})
	assert.Equal(t, ActionDrop, v.Action)
}

func TestACLAllowListMissBlocks(t *testing.T) {
	e := NewEngine()
	_, err := e.Create(Policy{
		Name: "hmi-allowlist", Priority: 10,
		Scope:      &Scope{TargetID: "00:00:00:00:00:01"},
		Conditions: Conditions{AllowedIPs: []string{"10.0.3.20"}},
	})
	require.NoError(t, err)

	// Remote is on the allow list: the ACL is satisfied, so the policy
	// does not match and the packet passes.
	v := e.CheckPacket(Packet{
		SrcMAC: "00:00:00:00:00:01", DstMAC: "00:00:00:00:00:09",
		SrcIP: "10.0.1.10", DstIP: "10.0.3.20",
	})
	assert.Equal(t, ActionAllow, v.Action)

	// Remote off the allow list blocks.
	v = e.CheckPacket(Packet{
		SrcMAC: "00:00:00:00:00:01", DstMAC: "00:00:00:00:00:09",
		SrcIP: "10.0.1.10", DstIP: "10.0.66.6",
	})
	assert.Equal(t, ActionDrop, v.Action)
}

func TestACLWildcardDeny(t *testing.T) {
	e := NewEngine()
	_, err := e.Create(Policy{
		Name: "quarantine", Priority: 200,
		Scope:      &Scope{TargetID: "00:00:00:00:00:05"},
		Conditions: Conditions{DeniedIPs: []string{"*"}},
	})
	require.NoError(t, err)

	v := e.CheckPacket(Packet{
		SrcMAC: "00:00:00:00:00:05", DstMAC: "00:00:00:00:00:09",
		SrcIP: "10.0.0.5", DstIP: "10.0.0.9",
	})
	assert.Equal(t, ActionDrop, v.Action)
}

func TestACLRemoteSelectionByDirection(t *testing.T) {
	e := NewEngine()
	_, err := e.Create(Policy{
		Name: "plc-acl", Priority: 10,
		Scope:      &Scope{TargetID: "00:00:00:00:00:02"},
		Conditions: Conditions{DeniedIPs: []string{"10.0.3.66"}},
	})
	require.NoError(t, err)

	// Target is destination: remote is the source IP.
	v := e.CheckPacket(Packet{
		SrcMAC: "00:00:00:00:00:07", DstMAC: "00:00:00:00:00:02",
		SrcIP: "10.0.3.66", DstIP: "10.0.4.2",
	})
	assert.Equal(t, ActionDrop, v.Action)

	// Same denied IP on the target's own side does not count.
	v = e.CheckPacket(Packet{
		SrcMAC: "00:00:00:00:00:07", DstMAC: "00:00:00:00:00:02",
		SrcIP: "10.0.9.9", DstIP: "10.0.4.2",
	})
	assert.Equal(t, ActionAllow, v.Action)
}

func TestInactivePoliciesIgnored(t *testing.T) {
	e := NewEngine()
	p, err := e.Create(Policy{Name: "disabled-block", Priority: 100, Action: "block"})
	require.NoError(t, err)
	require.NoError(t, e.SetStatus(p.ID, StatusInactive))

	v := e.CheckPacket(Packet{SrcIP: "10.0.0.1", DstIP: "10.0.0.2"})
	assert.Equal(t, ActionAllow, v.Action)
}

func TestNestedActionExtraction(t *testing.T) {
	raw := `{
		"name": "auto-redirect", "priority": 100,
		"conditions": {"src_ip": "10.0.3.20", "dst_port": "502"},
		"actions": {"primary_action": {
			"action_type": "redirect",
			"action_params": {"targets": [{"ip": "10.0.9.1", "port": 502}]}
		}}
	}`
	var p Policy
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.NotNil(t, p.Conditions.DstPort)
	assert.Equal(t, 502, int(*p.Conditions.DstPort))

	action, params := p.ResolveAction()
	assert.Equal(t, ActionRedirect, action)
	ip, port, ok := RedirectTarget(params)
	require.True(t, ok)
	assert.Equal(t, "10.0.9.1", ip)
	assert.Equal(t, 502, port)
}

func TestLegacyRedirectTarget(t *testing.T) {
	p := Policy{
		Name: "legacy", Priority: 1,
		Actions: &Actions{PrimaryAction: &ActionSpec{
			ActionType:   "redirect",
			ActionParams: map[string]any{"redirect_target": "10.0.9.2"},
		}},
	}
	action, params := p.ResolveAction()
	assert.Equal(t, ActionRedirect, action)
	ip, _, ok := RedirectTarget(params)
	require.True(t, ok)
	assert.Equal(t, "10.0.9.2", ip)
}

func TestActionSynonyms(t *testing.T) {
	assert.Equal(t, ActionDrop, NormalizeAction("deny"))
	assert.Equal(t, ActionDrop, NormalizeAction("Block"))
	assert.Equal(t, ActionDrop, NormalizeAction("drop"))
	assert.Equal(t, ActionThrottle, NormalizeAction("throttle"))
	assert.Equal(t, ActionRedirect, NormalizeAction("REDIRECT"))
	assert.Equal(t, ActionAllow, NormalizeAction("whatever"))
	assert.Equal(t, ActionAllow, NormalizeAction(""))
}

func TestThrottleRateLimitFlatFallback(t *testing.T) {
	p := Policy{
		Name: "qos", Priority: 1, Action: "throttle",
		RateLimit: map[string]any{"bandwidth_mbps": 5.0},
	}
	action, params := p.ResolveAction()
	assert.Equal(t, ActionThrottle, action)
	rl, ok := params["rate_limit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 5.0, rl["bandwidth_mbps"])
}

func TestMeterIDRangeAndStability(t *testing.T) {
	id1 := MeterID("10.0.3.20", "10.0.4.20", "1")
	id2 := MeterID("10.0.3.20", "10.0.4.20", "1")
	id3 := MeterID("10.0.3.20", "10.0.4.20", "2")

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.GreaterOrEqual(t, id1, uint32(1))
	assert.LessOrEqual(t, id1, uint32(0xFFFF))
}

func TestMeterRateFloor(t *testing.T) {
	assert.Equal(t, 1000, MeterRateKbps(0.1))
	assert.Equal(t, 5000, MeterRateKbps(5))
}
