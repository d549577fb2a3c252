// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package events

import (
	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
	"github.com/LingshijunRenzy/ICS-guard/internal/store"
)

// metricKeys are the per-node telemetry fields that get split out of a
// network_status_update into a derived node_metrics_update.
var metricKeys = []string{"cpu_usage", "memory_usage", "network_throughput"}

// EventSink persists event records. *store.Store satisfies it.
type EventSink interface {
	AppendEventLog(entry store.EventLog) error
}

// Broadcaster pushes events to connected UI clients. *Hub satisfies it.
type Broadcaster interface {
	Broadcast(ev Event)
}

// Recorder is the single funnel for events headed to the UI: it caches
// them, fans them out over the hub, and persists an audit record for
// the event types worth keeping.
type Recorder struct {
	cache  *Cache
	hub    Broadcaster
	sink   EventSink
	logger *logging.Logger
}

// NewRecorder wires a recorder. hub and sink may be nil; the matching
// step is skipped.
func NewRecorder(cache *Cache, hub Broadcaster, sink EventSink, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{cache: cache, hub: hub, sink: sink, logger: logger.WithComponent("event-recorder")}
}

// Record routes one event. network_status_update frames carrying node
// telemetry are split: the metric fields become a derived
// node_metrics_update, and the original is dropped when nothing but
// the node id remains. flow_update frames get detect_status=pending
// when the field is absent.
func (r *Recorder) Record(ev Event) {
	switch ev.Type {
	case TypeNetworkStatus:
		if rest, ok := r.splitNodeMetrics(ev); ok {
			if rest == nil {
				return
			}
			ev.Data = rest
		}
	case TypeFlowUpdate:
		if _, ok := ev.Data["detect_status"]; !ok {
			ev.Data["detect_status"] = store.StatusPending
		}
	}
	r.record(ev)
}

func (r *Recorder) record(ev Event) {
	if r.cache != nil {
		r.cache.Add(ev)
	}
	if r.hub != nil {
		r.hub.Broadcast(ev)
	}
	if r.sink != nil && persistable(ev.Type) {
		entry := store.EventLog{
			EventType:       string(ev.Type),
			Severity:        severityFor(ev),
			Source:          sourceFor(ev.Type),
			RelatedResource: relatedResource(ev),
			Payload:         ev.Data,
		}
		if err := r.sink.AppendEventLog(entry); err != nil {
			r.logger.Warn("event log write failed", "type", string(ev.Type), "error", err)
		}
	}
}

// splitNodeMetrics pulls the telemetry fields out of a network status
// frame. It returns the leftover data, or nil when the frame carried
// nothing else, and whether a split happened.
func (r *Recorder) splitNodeMetrics(ev Event) (map[string]any, bool) {
	metrics := map[string]any{}
	for _, k := range metricKeys {
		if v, ok := ev.Data[k]; ok {
			metrics[k] = v
		}
	}
	if len(metrics) == 0 {
		return nil, false
	}

	nodeID, _ := ev.Data["node_id"].(string)
	if nodeID == "" {
		nodeID, _ = ev.Data["id"].(string)
	}

	// Derived telemetry is push-only: it reaches connected UI clients
	// but is never cached or written to the event log.
	if r.hub != nil {
		r.hub.Broadcast(Event{
			Type:      TypeNodeMetrics,
			Timestamp: ev.Timestamp,
			Data:      map[string]any{"node_id": nodeID, "metrics": metrics},
		})
	}

	rest := map[string]any{}
	for k, v := range ev.Data {
		if k == "node_id" || k == "id" {
			continue
		}
		skip := false
		for _, mk := range metricKeys {
			if k == mk {
				skip = true
				break
			}
		}
		if !skip {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return nil, true
	}
	if nodeID != "" {
		rest["node_id"] = nodeID
	}
	return rest, true
}

// persistable excludes the high-churn flow stream from the event log
// table.
func persistable(t Type) bool {
	return t != TypeFlowUpdate
}

func severityFor(ev Event) string {
	switch ev.Type {
	case TypeTrafficAnomaly, TypeHoneypotInteraction:
		return "warning"
	case TypeFlowDetection:
		switch status, _ := ev.Data["detect_status"].(string); status {
		case store.StatusDangerous:
			return "high"
		case store.StatusSuspicious:
			return "warning"
		}
	}
	return "info"
}

func sourceFor(t Type) string {
	switch t {
	case TypeFlowDetection, TypeTrafficBlock, TypeTrafficRedirect:
		return "ai_model"
	default:
		return "controller"
	}
}

func relatedResource(ev Event) string {
	switch ev.Type {
	case TypeFlowDetection, TypeTrafficBlock, TypeTrafficRedirect, TypeTrafficAnomaly, TypeFlowUpdate:
		if id, _ := ev.Data["flow_id"].(string); id != "" {
			return "flow:" + id
		}
	case TypeNetworkStatus, TypeHoneypotInteraction, TypeNodeMetrics:
		if id, _ := ev.Data["node_id"].(string); id != "" {
			return "node:" + id
		}
	case TypeTopologyChange:
		return "topology"
	}
	return ""
}
