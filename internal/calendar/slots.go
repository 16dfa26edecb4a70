package calendar

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"sdr-agent/internal/dateparse"
)

const (
	// SlotCount is the number of candidate slots offered to a lead.
	SlotCount = 3

	firstHour = 9
	lastHour  = 17
)

// Provider lists candidate meeting slots as canonical timestamps.
type Provider interface {
	ListAvailableSlots(ctx context.Context) ([]string, error)
}

// Synthetic generates weekday slots starting tomorrow, with a pseudo-random
// hour in business hours and a minute of 0 or 30.
type Synthetic struct {
	loc  *time.Location
	now  func() time.Time
	mu   sync.Mutex
	rand *rand.Rand
}

type SyntheticOption func(*Synthetic)

func WithClock(now func() time.Time) SyntheticOption {
	return func(s *Synthetic) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSeed(seed int64) SyntheticOption {
	return func(s *Synthetic) {
		s.rand = rand.New(rand.NewSource(seed))
	}
}

func NewSynthetic(loc *time.Location, opts ...SyntheticOption) *Synthetic {
	if loc == nil {
		loc = time.UTC
	}
	s := &Synthetic{
		loc:  loc,
		now:  time.Now,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synthetic) ListAvailableSlots(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.now().In(s.loc)
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, s.loc)

	slots := make([]string, 0, SlotCount)
	for len(slots) < SlotCount {
		day = day.AddDate(0, 0, 1)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		hour := firstHour + s.rand.Intn(lastHour-firstHour+1)
		minute := 30 * s.rand.Intn(2)
		slot := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, s.loc)
		slots = append(slots, slot.Format(dateparse.Layout))
	}
	return slots, nil
}

// Stub stands in for a real calendar integration when a calendar credential
// is configured. It always offers the same two slots.
type Stub struct {
	logger *slog.Logger
}

var stubSlots = []string{"2025-10-25T10:00:00", "2025-10-25T14:00:00"}

func NewStub(logger *slog.Logger) *Stub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stub{logger: logger}
}

func (s *Stub) ListAvailableSlots(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.logger.Debug("calendar: returning stubbed slots")
	return append([]string(nil), stubSlots...), nil
}

// New picks the stub when a credential is present, the synthetic generator
// otherwise.
func New(credential string, loc *time.Location, logger *slog.Logger) Provider {
	if credential != "" {
		return NewStub(logger)
	}
	return NewSynthetic(loc)
}
