// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package events

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LingshijunRenzy/ICS-guard/internal/store"
)

func TestCacheBoundAndOrder(t *testing.T) {
	c := NewCache(200)
	for i := 0; i < 250; i++ {
		c.Add(NewEvent(TypeFlowUpdate, map[string]any{"seq": i}))
	}

	assert.Equal(t, 200, c.Len())

	recent := c.Recent(0)
	require.Len(t, recent, 200)
	// Most recent first; the oldest 50 were evicted.
	assert.Equal(t, 249, recent[0].Data["seq"])
	assert.Equal(t, 50, recent[199].Data["seq"])
}

func TestCacheRecentLimitAndTypeFilter(t *testing.T) {
	c := NewCache(0)
	c.Add(NewEvent(TypeFlowUpdate, map[string]any{"n": 1}))
	c.Add(NewEvent(TypeTopologyChange, map[string]any{"n": 2}))
	c.Add(NewEvent(TypeFlowUpdate, map[string]any{"n": 3}))

	flows := c.Recent(10, TypeFlowUpdate)
	require.Len(t, flows, 2)
	assert.Equal(t, 3, flows[0].Data["n"])

	one := c.Recent(1)
	require.Len(t, one, 1)
	assert.Equal(t, TypeFlowUpdate, one[0].Type)
}

type captureSink struct {
	mu      sync.Mutex
	entries []store.EventLog
}

func (s *captureSink) AppendEventLog(e store.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

type captureHub struct {
	mu     sync.Mutex
	events []Event
}

func (h *captureHub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func TestRecorderSplitsNodeMetrics(t *testing.T) {
	cache := NewCache(0)
	hub := &captureHub{}
	rec := NewRecorder(cache, hub, nil, nil)

	rec.Record(NewEvent(TypeNetworkStatus, map[string]any{
		"node_id":     "plc-1",
		"cpu_usage":   12.5,
		"memory_usage": 40.0,
	}))

	// The telemetry-only frame collapses into a single derived event.
	require.Len(t, hub.events, 1)
	derived := hub.events[0]
	assert.Equal(t, TypeNodeMetrics, derived.Type)
	assert.Equal(t, "plc-1", derived.Data["node_id"])
	metrics := derived.Data["metrics"].(map[string]any)
	assert.Equal(t, 12.5, metrics["cpu_usage"])
	assert.Equal(t, 40.0, metrics["memory_usage"])
}

func TestDerivedNodeMetricsPushOnly(t *testing.T) {
	cache := NewCache(0)
	sink := &captureSink{}
	hub := &captureHub{}
	rec := NewRecorder(cache, hub, sink, nil)

	rec.Record(NewEvent(TypeNetworkStatus, map[string]any{
		"node_id":   "plc-1",
		"cpu_usage": 55.0,
		"state":     "up",
	}))

	// Both frames reach UI clients.
	require.Len(t, hub.events, 2)
	assert.Equal(t, TypeNodeMetrics, hub.events[0].Type)

	// Only the status remainder is cached and persisted; the derived
	// telemetry frame is not.
	recent := cache.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, TypeNetworkStatus, recent[0].Type)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, string(TypeNetworkStatus), sink.entries[0].EventType)
}

func TestRecorderKeepsStatusRemainder(t *testing.T) {
	hub := &captureHub{}
	rec := NewRecorder(NewCache(0), hub, nil, nil)

	rec.Record(NewEvent(TypeNetworkStatus, map[string]any{
		"node_id":   "plc-1",
		"cpu_usage": 90.0,
		"state":     "degraded",
	}))

	require.Len(t, hub.events, 2)
	assert.Equal(t, TypeNodeMetrics, hub.events[0].Type)
	status := hub.events[1]
	assert.Equal(t, TypeNetworkStatus, status.Type)
	assert.Equal(t, "degraded", status.Data["state"])
	assert.Equal(t, "plc-1", status.Data["node_id"])
	assert.NotContains(t, status.Data, "cpu_usage")
}

func TestRecorderDefaultsFlowDetectStatus(t *testing.T) {
	hub := &captureHub{}
	rec := NewRecorder(NewCache(0), hub, nil, nil)

	rec.Record(NewEvent(TypeFlowUpdate, map[string]any{"flow_id": "f1"}))
	rec.Record(NewEvent(TypeFlowUpdate, map[string]any{"flow_id": "f2", "detect_status": "safe"}))

	require.Len(t, hub.events, 2)
	assert.Equal(t, store.StatusPending, hub.events[0].Data["detect_status"])
	assert.Equal(t, "safe", hub.events[1].Data["detect_status"])
}

func TestRecorderPersistence(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder(NewCache(0), nil, sink, nil)

	rec.Record(NewEvent(TypeFlowUpdate, map[string]any{"flow_id": "f1"}))
	rec.Record(NewEvent(TypeTrafficAnomaly, map[string]any{"flow_id": "f2"}))
	rec.Record(NewEvent(TypeFlowDetection, map[string]any{"flow_id": "f3", "detect_status": "dangerous"}))
	rec.Record(NewEvent(TypeFlowDetection, map[string]any{"flow_id": "f4", "detect_status": "suspicious"}))
	rec.Record(NewEvent(TypeTopologyChange, map[string]any{"change": "link_down"}))
	rec.Record(NewEvent(TypeNodeMetrics, map[string]any{"node_id": "plc-9", "metrics": map[string]any{"cpu_usage": 5.0}}))

	// flow_update is high volume and never persisted; everything else is.
	require.Len(t, sink.entries, 5)

	byType := map[string]store.EventLog{}
	for _, e := range sink.entries {
		byType[e.EventType+e.RelatedResource] = e
	}

	anomaly := byType["traffic_anomalyflow:f2"]
	assert.Equal(t, "warning", anomaly.Severity)
	assert.Equal(t, "controller", anomaly.Source)

	dangerous := byType["flow_detection_resultflow:f3"]
	assert.Equal(t, "high", dangerous.Severity)
	assert.Equal(t, "ai_model", dangerous.Source)

	suspicious := byType["flow_detection_resultflow:f4"]
	assert.Equal(t, "warning", suspicious.Severity)

	topo := byType["topology_changetopology"]
	assert.Equal(t, "info", topo.Severity)
	assert.Equal(t, "controller", topo.Source)

	metrics := byType["node_metrics_updatenode:plc-9"]
	assert.Equal(t, "info", metrics.Severity)
	assert.Equal(t, "controller", metrics.Source)
}

func TestSeverityAndSourceDefaults(t *testing.T) {
	cases := []struct {
		ev       Event
		severity string
		source   string
	}{
		{NewEvent(TypeHoneypotInteraction, nil), "warning", "controller"},
		{NewEvent(TypeTrafficBlock, nil), "info", "ai_model"},
		{NewEvent(TypeTrafficRedirect, nil), "info", "ai_model"},
		{NewEvent(TypeNetworkStatus, nil), "info", "controller"},
	}
	for _, tc := range cases {
		t.Run(string(tc.ev.Type), func(t *testing.T) {
			assert.Equal(t, tc.severity, severityFor(tc.ev))
			assert.Equal(t, tc.source, sourceFor(tc.ev.Type))
		})
	}
}

func TestEndpointCoverage(t *testing.T) {
	for _, typ := range SubscribedTypes() {
		path, ok := Endpoints[typ]
		require.True(t, ok, fmt.Sprintf("missing endpoint for %s", typ))
		assert.NotEmpty(t, path)
	}
}
