package store

import (
	"context"
	"encoding/json"
	"fmt"

	"signalbox/internal/domain"
)

// AppendAudit stores e under the sequence number the workflow assigned it.
// Re-appending an already stored sequence number is a no-op.
func (s *Store) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	ts := e.TS
	if ts.IsZero() {
		ts = s.Now()
	}
	_, err = s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO audit(seq,ts,actor,action,ticket_id,from_status,to_status,comment,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.Seq, formatTS(ts), e.Actor, e.Action, nullable(e.TicketID), nullable(string(e.From)), nullable(string(e.To)), nullable(e.Comment), string(data))
	return err
}

const auditColumns = `seq,ts,actor,action,COALESCE(ticket_id,''),COALESCE(from_status,''),COALESCE(to_status,''),COALESCE(comment,''),payload_json`

// LatestAudit returns the newest limit entries in chronological order.
func (s *Store) LatestAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res, err := collectAudit(rows)
	if err != nil {
		return nil, err
	}
	reverse(res)
	return res, nil
}

// AuditAfter returns up to limit entries with seq greater than cursor,
// oldest first.
func (s *Store) AuditAfter(ctx context.Context, cursor int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit WHERE seq > ? ORDER BY seq LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAudit(rows)
}

func (s *Store) LatestAuditSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM audit`).Scan(&seq)
	return seq, err
}

func collectAudit(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]domain.AuditEntry, error) {
	res := []domain.AuditEntry{}
	for rows.Next() {
		var (
			e            domain.AuditEntry
			ts, from, to string
			payload      string
		)
		if err := rows.Scan(&e.Seq, &ts, &e.Actor, &e.Action, &e.TicketID, &from, &to, &e.Comment, &payload); err != nil {
			return nil, err
		}
		t, err := parseTS(ts)
		if err != nil {
			return nil, err
		}
		e.TS = t
		e.From = domain.TicketStatus(from)
		e.To = domain.TicketStatus(to)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("audit %d: decode payload: %w", e.Seq, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
