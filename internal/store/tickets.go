package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"signalbox/internal/domain"
)

const ticketColumns = `id,status,COALESCE(comment,'') AS comment,applied,version,recommendation_json,created_at,updated_at`

// SaveTicket upserts t. A write carrying a version not newer than the stored
// row is ignored, so late writers cannot roll a ticket back.
func (s *Store) SaveTicket(ctx context.Context, t domain.Ticket) error {
	rec, err := json.Marshal(t.Recommendation)
	if err != nil {
		return fmt.Errorf("marshal recommendation: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO tickets(id,recommendation_id,subject,status,comment,applied,version,recommendation_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  comment=excluded.comment,
  applied=excluded.applied,
  version=excluded.version,
  updated_at=excluded.updated_at
WHERE excluded.version > tickets.version`,
		t.ID, t.Recommendation.ID, t.Recommendation.SubjectKey(), string(t.Status), nullable(t.Comment),
		boolInt(t.Applied), t.Version, string(rec), formatTS(t.CreatedAt), formatTS(t.UpdatedAt))
	return err
}

func (s *Store) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return domain.Ticket{}, domain.NotFound("ticket", id)
	}
	return t, err
}

// ListTickets returns tickets oldest first, filtered by status when any are
// given. A positive limit keeps only the newest limit rows.
func (s *Store) ListTickets(ctx context.Context, limit int, statuses ...domain.TicketStatus) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res, err := collectTickets(rows)
	if err != nil {
		return nil, err
	}
	reverse(res)
	return res, nil
}

// UnsettledTickets returns the tickets a restarted engine still has to act
// on: live ones, and effective ones whose action was never applied.
func (s *Store) UnsettledTickets(ctx context.Context) ([]domain.Ticket, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+ticketColumns+` FROM tickets
WHERE status IN (?,?) OR (status IN (?,?) AND applied=0)
ORDER BY created_at, rowid`,
		string(domain.TicketPending), string(domain.TicketAwaitingSupervisor),
		string(domain.TicketOperatorAccepted), string(domain.TicketApproved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTickets(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (domain.Ticket, error) {
	var (
		t                domain.Ticket
		status, rec      string
		applied          int
		created, updated string
	)
	if err := row.Scan(&t.ID, &status, &t.Comment, &applied, &t.Version, &rec, &created, &updated); err != nil {
		return domain.Ticket{}, err
	}
	t.Status = domain.TicketStatus(status)
	t.Applied = applied != 0
	if err := json.Unmarshal([]byte(rec), &t.Recommendation); err != nil {
		return domain.Ticket{}, fmt.Errorf("ticket %s: decode recommendation: %w", t.ID, err)
	}
	var err error
	if t.CreatedAt, err = parseTS(created); err != nil {
		return domain.Ticket{}, err
	}
	if t.UpdatedAt, err = parseTS(updated); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

func collectTickets(rows *sql.Rows) ([]domain.Ticket, error) {
	res := []domain.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// tsLayout is fixed width so that stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}
