package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"sdr-agent/internal/domain"
)

// Ledger keeps lead records in process memory. It is the default backend and
// forgets everything on restart.
type Ledger struct {
	mu       sync.RWMutex
	leads    map[string]domain.LeadRecord
	meetings map[string]int
	now      func() time.Time
}

func New() *Ledger {
	return &Ledger{
		leads:    make(map[string]domain.LeadRecord),
		meetings: make(map[string]int),
		now:      time.Now,
	}
}

func (l *Ledger) SaveLead(_ context.Context, rec domain.LeadRecord) error {
	if strings.TrimSpace(rec.RecordID) == "" {
		return errors.New("memory: SaveLead: record id is required")
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

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.leads[rec.RecordID]; ok {
		rec.CreatedAt = prev.CreatedAt
	}
	l.leads[rec.RecordID] = rec
	return nil
}

func (l *Ledger) GetLead(_ context.Context, recordID string) (domain.LeadRecord, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.leads[recordID]
	return rec, ok, nil
}

// SaveMeeting marks the record scheduled, creating it when this process has
// not seen it before.
func (l *Ledger) SaveMeeting(_ context.Context, recordID, meetingLink, meetingAt string) error {
	if strings.TrimSpace(recordID) == "" {
		return errors.New("memory: SaveMeeting: record id is required")
	}
	now := l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.leads[recordID]
	if !ok {
		rec = domain.LeadRecord{RecordID: recordID, CreatedAt: now}
	}
	rec.State = domain.StateScheduled
	rec.MeetingLink = meetingLink
	rec.MeetingAt = meetingAt
	rec.UpdatedAt = now
	l.leads[recordID] = rec
	l.meetings[recordID]++
	return nil
}

func (l *Ledger) MeetingCount(_ context.Context, recordID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.meetings[recordID], nil
}
