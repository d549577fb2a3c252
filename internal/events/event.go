// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package events carries controller events through the process: a
// reconnecting WebSocket subscriber tags frames by endpoint, a bounded
// ring cache keeps recent history, and a hub fans events out to UI
// clients.
package events

import "time"

// Type tags an event with its origin stream.
type Type string

const (
	TypeNetworkStatus       Type = "network_status_update"
	TypeNodeMetrics         Type = "node_metrics_update"
	TypeTrafficAnomaly      Type = "traffic_anomaly"
	TypeHoneypotInteraction Type = "honeypot_interaction"
	TypeTopologyChange      Type = "topology_change"
	TypeFlowUpdate          Type = "flow_update"

	// Producer-side derived types.
	TypeFlowDetection   Type = "flow_detection_result"
	TypeTrafficBlock    Type = "traffic_block"
	TypeTrafficRedirect Type = "traffic_redirect"
)

// Endpoints maps each subscribed type to its controller WS path.
var Endpoints = map[Type]string{
	TypeNetworkStatus:       "/ws/network-status",
	TypeNodeMetrics:         "/ws/node-metrics",
	TypeTrafficAnomaly:      "/ws/traffic-anomalies",
	TypeHoneypotInteraction: "/ws/honeypot-alerts",
	TypeTopologyChange:      "/ws/topology-changes",
	TypeFlowUpdate:          "/ws/flow-updates",
}

// SubscribedTypes lists every endpoint the bus connects to by default.
func SubscribedTypes() []Type {
	return []Type{
		TypeNetworkStatus,
		TypeNodeMetrics,
		TypeTrafficAnomaly,
		TypeHoneypotInteraction,
		TypeTopologyChange,
		TypeFlowUpdate,
	}
}

// Event is one tagged record.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t Type, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Type:      t,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}
