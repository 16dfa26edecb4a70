package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"sdr-agent/internal/domain"
)

var (
	bucketLeads    = []byte("leads")
	bucketMeetings = []byte("meetings")
)

// Ledger stores lead records in a single bbolt file.
type Ledger struct {
	db  *bolt.DB
	now func() time.Time
}

type leadValue struct {
	RecordID    string    `json:"record_id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Company     string    `json:"company"`
	Need        string    `json:"need"`
	State       string    `json:"state"`
	MeetingLink string    `json:"meeting_link,omitempty"`
	MeetingAt   string    `json:"meeting_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type meetingValue struct {
	RecordID    string    `json:"record_id"`
	MeetingLink string    `json:"meeting_link"`
	MeetingAt   string    `json:"meeting_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func New(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bolt: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLeads, bucketMeetings} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: create buckets: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) SaveLead(_ context.Context, rec domain.LeadRecord) error {
	if strings.TrimSpace(rec.RecordID) == "" {
		return errors.New("bolt: SaveLead: record id is required")
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

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeads)
		v := toValue(rec)
		if prev, ok, err := readLead(b, rec.RecordID); err != nil {
			return err
		} else if ok {
			v.CreatedAt = prev.CreatedAt
			v.MeetingLink, v.MeetingAt = prev.MeetingLink, prev.MeetingAt
		}
		return writeLead(b, v)
	})
}

func (l *Ledger) GetLead(_ context.Context, recordID string) (domain.LeadRecord, bool, error) {
	var (
		v     leadValue
		found bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		v, found, err = readLead(tx.Bucket(bucketLeads), recordID)
		return err
	})
	if err != nil {
		return domain.LeadRecord{}, false, err
	}
	if !found {
		return domain.LeadRecord{}, false, nil
	}
	return fromValue(v), true, nil
}

// SaveMeeting appends the meeting and marks the lead scheduled in one
// Update transaction. Unknown records are created.
func (l *Ledger) SaveMeeting(_ context.Context, recordID, meetingLink, meetingAt string) error {
	if strings.TrimSpace(recordID) == "" {
		return errors.New("bolt: SaveMeeting: record id is required")
	}
	now := l.now().UTC()

	return l.db.Update(func(tx *bolt.Tx) error {
		enc, err := json.Marshal(meetingValue{
			RecordID:    recordID,
			MeetingLink: meetingLink,
			MeetingAt:   meetingAt,
			CreatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("bolt: SaveMeeting encode: %w", err)
		}
		key := recordID + "#" + now.Format(time.RFC3339Nano)
		if err := tx.Bucket(bucketMeetings).Put([]byte(key), enc); err != nil {
			return fmt.Errorf("bolt: SaveMeeting put: %w", err)
		}

		b := tx.Bucket(bucketLeads)
		v, ok, err := readLead(b, recordID)
		if err != nil {
			return err
		}
		if !ok {
			v = leadValue{RecordID: recordID, CreatedAt: now}
		}
		v.State = string(domain.StateScheduled)
		v.MeetingLink = meetingLink
		v.MeetingAt = meetingAt
		v.UpdatedAt = now
		return writeLead(b, v)
	})
}

// MeetingCount returns how many meetings were recorded for a card.
func (l *Ledger) MeetingCount(_ context.Context, recordID string) (int, error) {
	n := 0
	prefix := []byte(recordID + "#")
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMeetings).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func readLead(b *bolt.Bucket, recordID string) (leadValue, bool, error) {
	raw := b.Get([]byte(recordID))
	if raw == nil {
		return leadValue{}, false, nil
	}
	var v leadValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return leadValue{}, false, fmt.Errorf("bolt: decode lead %q: %w", recordID, err)
	}
	return v, true, nil
}

func writeLead(b *bolt.Bucket, v leadValue) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bolt: encode lead: %w", err)
	}
	if err := b.Put([]byte(v.RecordID), enc); err != nil {
		return fmt.Errorf("bolt: put lead: %w", err)
	}
	return nil
}

func toValue(rec domain.LeadRecord) leadValue {
	return leadValue{
		RecordID:    rec.RecordID,
		Name:        rec.Name,
		Email:       rec.Email,
		Company:     rec.Company,
		Need:        string(rec.Need),
		State:       string(rec.State),
		MeetingLink: rec.MeetingLink,
		MeetingAt:   rec.MeetingAt,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func fromValue(v leadValue) domain.LeadRecord {
	return domain.LeadRecord{
		RecordID:    v.RecordID,
		Name:        v.Name,
		Email:       v.Email,
		Company:     v.Company,
		Need:        domain.Need(v.Need),
		State:       domain.WorkflowState(v.State),
		MeetingLink: v.MeetingLink,
		MeetingAt:   v.MeetingAt,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
	}
}
