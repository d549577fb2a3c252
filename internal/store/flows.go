// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/LingshijunRenzy/ICS-guard/internal/errors"
)

// Detection status values for a flow row.
const (
	StatusPending    = "pending"
	StatusSafe       = "safe"
	StatusSuspicious = "suspicious"
	StatusDangerous  = "dangerous"
	StatusError      = "error"
	StatusSkipped    = "skipped"
)

// Flow is one observed conversation. Ingestion owns the base fields;
// the detection pipeline owns the detect_* fields.
type Flow struct {
	ID              int64
	FlowID          string
	SrcIP           string
	DstIP           string
	SrcPort         *int64
	DstPort         *int64
	SrcMAC          string
	DstMAC          string
	Protocol        string
	StartTime       string
	EndTime         string
	PktCount        *int64
	ByteCount       *int64
	PktRate         *float64
	ByteRate        *float64
	FuncCodeEntropy *float64
	RegAddrStd      *float64

	DetectStatus  string
	DecisionLevel string
	Prob          float64
	AnomalyScore  float64
	DetectedAt    *time.Time

	PolicyEffects string
	RedirectTo    string
	FinalDst      string
	Blocked       bool
	BlockedAt     *time.Time
	BlockReason   string
	PathHops      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FlowFromSnapshot normalizes a raw flow_update payload into a Flow.
// Unknown keys are ignored; counters accept both controller naming
// (packet_count) and training naming (pkt_count).
func FlowFromSnapshot(flowID string, data map[string]any) Flow {
	f := Flow{FlowID: flowID, DetectStatus: StatusPending, DecisionLevel: "normal"}

	f.SrcIP = asString(data["src_ip"])
	f.DstIP = asString(data["dst_ip"])
	f.SrcMAC = asString(data["src_mac"])
	f.DstMAC = asString(data["dst_mac"])
	f.Protocol = asString(data["protocol"])
	f.StartTime = asString(data["start_time"])
	f.EndTime = asString(data["end_time"])

	f.SrcPort = asIntPtr(data["src_port"])
	f.DstPort = asIntPtr(data["dst_port"])

	if v := asIntPtr(data["packet_count"]); v != nil {
		f.PktCount = v
	} else {
		f.PktCount = asIntPtr(data["pkt_count"])
	}
	f.ByteCount = asIntPtr(data["byte_count"])
	f.PktRate = asFloatPtr(data["pkt_rate"])
	f.ByteRate = asFloatPtr(data["byte_rate"])
	f.FuncCodeEntropy = asFloatPtr(data["func_code_entropy"])
	f.RegAddrStd = asFloatPtr(data["reg_addr_std"])

	return f
}

// UpsertFlowBase creates the row on first observation (detect_status
// pending) and on later observations overwrites only the ingestion
// fields, leaving detection results untouched.
func (s *Store) UpsertFlowBase(f Flow) error {
	return s.withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO app_flows (
				flow_id, src_ip, dst_ip, src_port, dst_port, src_mac, dst_mac,
				protocol, start_time, end_time, pkt_count, byte_count,
				pkt_rate, byte_rate, func_code_entropy, reg_addr_std
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(flow_id) DO UPDATE SET
				src_ip = excluded.src_ip,
				dst_ip = excluded.dst_ip,
				src_port = excluded.src_port,
				dst_port = excluded.dst_port,
				src_mac = excluded.src_mac,
				dst_mac = excluded.dst_mac,
				protocol = excluded.protocol,
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				pkt_count = excluded.pkt_count,
				byte_count = excluded.byte_count,
				pkt_rate = excluded.pkt_rate,
				byte_rate = excluded.byte_rate,
				func_code_entropy = excluded.func_code_entropy,
				reg_addr_std = excluded.reg_addr_std,
				updated_at = CURRENT_TIMESTAMP`,
			f.FlowID, f.SrcIP, f.DstIP, f.SrcPort, f.DstPort, f.SrcMAC, f.DstMAC,
			f.Protocol, f.StartTime, f.EndTime, f.PktCount, f.ByteCount,
			f.PktRate, f.ByteRate, f.FuncCodeEntropy, f.RegAddrStd)
		return err
	})
}

// DetectionResult is what the pipeline writes back after inference.
type DetectionResult struct {
	Status       string
	Level        string
	Prob         float64
	AnomalyScore float64
	DetectedAt   time.Time
}

// UpdateDetection writes the detection-owned fields for a flow. Base
// ingestion fields are never touched here.
func (s *Store) UpdateDetection(flowID string, res DetectionResult) error {
	return s.withRetry(func() error {
		_, err := s.db.Exec(`
			UPDATE app_flows SET
				detect_status = ?,
				decision_level = ?,
				prob = ?,
				anomaly_score = ?,
				detected_at = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE flow_id = ?`,
			res.Status, res.Level, res.Prob, res.AnomalyScore, res.DetectedAt, flowID)
		return err
	})
}

// MarkSkipped records that a flow observation was dropped before
// inference (queue saturation). Existing detection results are kept.
func (s *Store) MarkSkipped(flowID string) error {
	return s.withRetry(func() error {
		_, err := s.db.Exec(`
			UPDATE app_flows SET detect_status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE flow_id = ? AND detect_status = ?`,
			StatusSkipped, flowID, StatusPending)
		return err
	})
}

// DetectionLog is one appended prediction record.
type DetectionLog struct {
	ID            int64
	FlowID        string
	Prob          float64
	Label         string
	AnomalyScore  float64
	DecisionLevel string
	Snapshot      map[string]any
	CreatedAt     time.Time
}

// AppendDetectionLog appends one history record per successful
// prediction. Records are never mutated.
func (s *Store) AppendDetectionLog(l DetectionLog) error {
	var snapshot []byte
	if l.Snapshot != nil {
		snapshot, _ = json.Marshal(l.Snapshot)
	}
	return s.withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO flow_detection_logs (flow_id, prob, label, anomaly_score, decision_level, payload_snapshot)
			VALUES (?, ?, ?, ?, ?, ?)`,
			l.FlowID, l.Prob, l.Label, l.AnomalyScore, l.DecisionLevel, string(snapshot))
		return err
	})
}

// CountDetectionLogs returns how many history rows exist for a flow.
func (s *Store) CountDetectionLogs(flowID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM flow_detection_logs WHERE flow_id = ?`, flowID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "count detection logs")
	}
	return n, nil
}

// GetFlow returns the row for flowID or a not-found error.
func (s *Store) GetFlow(flowID string) (*Flow, error) {
	row := s.db.QueryRow(`
		SELECT id, flow_id, src_ip, dst_ip, src_port, dst_port, src_mac, dst_mac,
			protocol, start_time, end_time, pkt_count, byte_count, pkt_rate,
			byte_rate, func_code_entropy, reg_addr_std, detect_status,
			decision_level, prob, anomaly_score, detected_at, created_at, updated_at
		FROM app_flows WHERE flow_id = ?`, flowID)

	f, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf(errors.KindNotFound, "flow %s not found", flowID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "get flow")
	}
	return f, nil
}

// ListFlows returns one page of flows, most recent first.
func (s *Store) ListFlows(page, perPage int) ([]Flow, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 200
	}
	rows, err := s.db.Query(`
		SELECT id, flow_id, src_ip, dst_ip, src_port, dst_port, src_mac, dst_mac,
			protocol, start_time, end_time, pkt_count, byte_count, pkt_rate,
			byte_rate, func_code_entropy, reg_addr_std, detect_status,
			decision_level, prob, anomaly_score, detected_at, created_at, updated_at
		FROM app_flows ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "list flows")
	}
	defer rows.Close()

	var out []Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan flow")
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(r rowScanner) (*Flow, error) {
	var f Flow
	var (
		srcIP, dstIP, srcMAC, dstMAC, protocol, startTime, endTime sql.NullString
		srcPort, dstPort, pktCount, byteCount                      sql.NullInt64
		pktRate, byteRate, entropy, regStd                         sql.NullFloat64
		detectedAt                                                 sql.NullTime
	)
	err := r.Scan(&f.ID, &f.FlowID, &srcIP, &dstIP, &srcPort, &dstPort, &srcMAC, &dstMAC,
		&protocol, &startTime, &endTime, &pktCount, &byteCount, &pktRate,
		&byteRate, &entropy, &regStd, &f.DetectStatus,
		&f.DecisionLevel, &f.Prob, &f.AnomalyScore, &detectedAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}

	f.SrcIP, f.DstIP = srcIP.String, dstIP.String
	f.SrcMAC, f.DstMAC = srcMAC.String, dstMAC.String
	f.Protocol = protocol.String
	f.StartTime, f.EndTime = startTime.String, endTime.String
	f.SrcPort = nullInt(srcPort)
	f.DstPort = nullInt(dstPort)
	f.PktCount = nullInt(pktCount)
	f.ByteCount = nullInt(byteCount)
	f.PktRate = nullFloat(pktRate)
	f.ByteRate = nullFloat(byteRate)
	f.FuncCodeEntropy = nullFloat(entropy)
	f.RegAddrStd = nullFloat(regStd)
	if detectedAt.Valid {
		t := detectedAt.Time
		f.DetectedAt = &t
	}
	return &f, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	n := v.Float64
	return &n
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloatPtr(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case float32:
		f := float64(n)
		return &f
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return &f
		}
	}
	return nil
}

func asIntPtr(v any) *int64 {
	switch n := v.(type) {
	case int:
		i := int64(n)
		return &i
	case int64:
		return &n
	case float64:
		i := int64(n)
		return &i
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return &i
		}
	}
	return nil
}
