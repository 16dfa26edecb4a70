package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sdr-agent/internal/domain"
)

// Ledger stores lead records in a SQLite database.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

func New(dsn string) (*Ledger, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite: dsn must not be empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS leads (
    record_id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    company TEXT NOT NULL DEFAULT '',
    need TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    meeting_link TEXT NOT NULL DEFAULT '',
    meeting_at TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meetings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id TEXT NOT NULL,
    meeting_link TEXT NOT NULL,
    meeting_at TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_meetings_record_id ON meetings(record_id);
`)
	return err
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) SaveLead(ctx context.Context, rec domain.LeadRecord) error {
	if strings.TrimSpace(rec.RecordID) == "" {
		return errors.New("sqlite: SaveLead: record id is required")
	}
	now := l.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.State == "" {
		rec.State = domain.StateRegistered
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO leads(record_id, name, email, company, need, state, meeting_link, meeting_at, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(record_id) DO UPDATE SET
    name = excluded.name,
    email = excluded.email,
    company = excluded.company,
    need = excluded.need,
    state = excluded.state,
    updated_at = excluded.updated_at`,
		rec.RecordID, rec.Name, rec.Email, rec.Company, string(rec.Need), string(rec.State),
		rec.MeetingLink, rec.MeetingAt, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: SaveLead: %w", err)
	}
	return nil
}

func (l *Ledger) GetLead(ctx context.Context, recordID string) (domain.LeadRecord, bool, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT record_id, name, email, company, need, state, meeting_link, meeting_at, created_at, updated_at
FROM leads WHERE record_id = ?`, recordID)

	var (
		rec                  domain.LeadRecord
		need, state          string
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.RecordID, &rec.Name, &rec.Email, &rec.Company, &need, &state,
		&rec.MeetingLink, &rec.MeetingAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LeadRecord{}, false, nil
	}
	if err != nil {
		return domain.LeadRecord{}, false, fmt.Errorf("sqlite: GetLead: %w", err)
	}
	rec.Need = domain.Need(need)
	rec.State = domain.WorkflowState(state)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.LeadRecord{}, false, fmt.Errorf("sqlite: GetLead created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.LeadRecord{}, false, fmt.Errorf("sqlite: GetLead updated_at: %w", err)
	}
	return rec, true, nil
}

// SaveMeeting appends the meeting and marks the lead scheduled in one
// transaction. Unknown records are created.
func (l *Ledger) SaveMeeting(ctx context.Context, recordID, meetingLink, meetingAt string) error {
	if strings.TrimSpace(recordID) == "" {
		return errors.New("sqlite: SaveMeeting: record id is required")
	}
	now := formatTime(l.now().UTC())

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: SaveMeeting begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meetings(record_id, meeting_link, meeting_at, created_at) VALUES(?,?,?,?)`,
		recordID, meetingLink, meetingAt, now); err != nil {
		return fmt.Errorf("sqlite: SaveMeeting insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO leads(record_id, state, meeting_link, meeting_at, created_at, updated_at)
VALUES(?,?,?,?,?,?)
ON CONFLICT(record_id) DO UPDATE SET
    state = excluded.state,
    meeting_link = excluded.meeting_link,
    meeting_at = excluded.meeting_at,
    updated_at = excluded.updated_at`,
		recordID, string(domain.StateScheduled), meetingLink, meetingAt, now, now); err != nil {
		return fmt.Errorf("sqlite: SaveMeeting upsert lead: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: SaveMeeting commit: %w", err)
	}
	return nil
}

// MeetingCount returns how many meetings were recorded for a card.
func (l *Ledger) MeetingCount(ctx context.Context, recordID string) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM meetings WHERE record_id = ?`, recordID).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: MeetingCount: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
