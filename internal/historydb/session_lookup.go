package historydb

import (
	"database/sql"
	"time"

	"TanZhen/internal/model"
)

// SessionRecord 历史扫描会话摘要
type SessionRecord struct {
	ID              int64             `json:"id"`
	Target          string            `json:"target"`
	ResolvedAddress string            `json:"resolved_address"`
	PortCount       int               `json:"port_count"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	Interrupted     bool              `json:"interrupted"`
	Counts          model.StateCounts `json:"counts"`
}

// RecentSessions 按开始时间倒序获取最近的扫描记录
func (hd *HistoryDatabase) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := hd.db.Query(`
		SELECT id, target, resolved_address, port_count, started_at, finished_at, interrupted,
		       open_count, closed_count, filtered_count, error_count
		FROM scan_sessions
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var resolved sql.NullString

		err := rows.Scan(&rec.ID, &rec.Target, &resolved, &rec.PortCount,
			&rec.StartedAt, &rec.FinishedAt, &rec.Interrupted,
			&rec.Counts.Open, &rec.Counts.Closed, &rec.Counts.Filtered, &rec.Counts.Error)
		if err != nil {
			return nil, err
		}
		rec.ResolvedAddress = resolved.String

		records = append(records, rec)
	}

	return records, rows.Err()
}

// GetSession 按ID获取会话摘要，不存在时返回 sql.ErrNoRows
func (hd *HistoryDatabase) GetSession(id int64) (SessionRecord, error) {
	var rec SessionRecord
	var resolved sql.NullString

	err := hd.db.QueryRow(`
		SELECT id, target, resolved_address, port_count, started_at, finished_at, interrupted,
		       open_count, closed_count, filtered_count, error_count
		FROM scan_sessions
		WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Target, &resolved, &rec.PortCount,
		&rec.StartedAt, &rec.FinishedAt, &rec.Interrupted,
		&rec.Counts.Open, &rec.Counts.Closed, &rec.Counts.Filtered, &rec.Counts.Error)
	if err != nil {
		return rec, err
	}
	rec.ResolvedAddress = resolved.String

	return rec, nil
}

// Session 将会话摘要与端口结果还原为扫描会话
func (rec SessionRecord) Session(results []model.PortResult) *model.ScanSession {
	return &model.ScanSession{
		Target:      model.Target{Raw: rec.Target, ResolvedAddress: rec.ResolvedAddress},
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		Results:     results,
		Counts:      rec.Counts,
		Interrupted: rec.Interrupted,
	}
}

// LookupResults 获取某次会话的端口结果（按端口升序）
func (hd *HistoryDatabase) LookupResults(sessionID int64) ([]model.PortResult, error) {
	rows, err := hd.db.Query(`
		SELECT port, protocol, state, detail, service, version, banner, latency_ms
		FROM port_results
		WHERE session_id = ?
		ORDER BY port ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.PortResult
	for rows.Next() {
		var r model.PortResult
		var state string
		var protocol, detail, service, version, banner sql.NullString
		var latencyMs int64

		err := rows.Scan(&r.Port, &protocol, &state, &detail, &service, &version, &banner, &latencyMs)
		if err != nil {
			return nil, err
		}

		r.Protocol = protocol.String
		r.State = model.PortState(state)
		r.Detail = detail.String
		r.Service = service.String
		r.Version = version.String
		r.Banner = banner.String
		r.Latency = time.Duration(latencyMs) * time.Millisecond

		results = append(results, r)
	}

	return results, rows.Err()
}
