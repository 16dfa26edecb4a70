package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"sdr-agent/internal/domain"
	"sdr-agent/internal/integrations/pipefy"
)

const DefaultMeetingLinkBase = "https://meet.link.ficticio/"

// Pipeline is the subset of the pipe client used by the workflow.
type Pipeline interface {
	CreateLead(ctx context.Context, lead domain.Lead, meeting *pipefy.Meeting) (string, error)
	UpdateMeetingFields(ctx context.Context, recordID, meetingLink, meetingDateTime string) error
}

type SlotProvider interface {
	ListAvailableSlots(ctx context.Context) ([]string, error)
}

type DateNormalizer interface {
	Normalize(input string) (string, error)
}

// Ledger remembers the cards created by this deployment and their state.
type Ledger interface {
	SaveLead(ctx context.Context, rec domain.LeadRecord) error
	GetLead(ctx context.Context, recordID string) (domain.LeadRecord, bool, error)
	SaveMeeting(ctx context.Context, recordID, meetingLink, meetingAt string) error
	// MeetingCount is the number of meetings recorded for the card so far.
	MeetingCount(ctx context.Context, recordID string) (int, error)
}

// Orchestrator runs the register -> offer -> schedule operations the model
// may call.
type Orchestrator struct {
	pipeline           Pipeline
	slots              SlotProvider
	dates              DateNormalizer
	ledger             Ledger
	requireKnownRecord bool
	linkBase           string
	newMeetingID       func() string
	now                func() time.Time
	logger             *slog.Logger
}

type Option func(*Orchestrator)

func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) {
		o.ledger = l
	}
}

// WithRequireKnownRecord rejects schedule requests for cards the ledger has
// never seen.
func WithRequireKnownRecord(v bool) Option {
	return func(o *Orchestrator) {
		o.requireKnownRecord = v
	}
}

func WithMeetingLinkBase(base string) Option {
	return func(o *Orchestrator) {
		if b := strings.TrimSpace(base); b != "" {
			o.linkBase = b
		}
	}
}

func WithMeetingIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newMeetingID = gen
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func New(p Pipeline, s SlotProvider, d DateNormalizer, opts ...Option) (*Orchestrator, error) {
	if p == nil {
		return nil, errors.New("workflow: pipeline must not be nil")
	}
	if s == nil {
		return nil, errors.New("workflow: slot provider must not be nil")
	}
	if d == nil {
		return nil, errors.New("workflow: date normalizer must not be nil")
	}
	o := &Orchestrator{
		pipeline:     p,
		slots:        s,
		dates:        d,
		linkBase:     DefaultMeetingLinkBase,
		newMeetingID: uuid.NewString,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.requireKnownRecord && o.ledger == nil {
		return nil, errors.New("workflow: known-record validation requires a ledger")
	}
	return o, nil
}

// RegisterLead creates the lead's card. Collecting all four attributes first
// is left to the conversation; only the need is validated, by the pipeline.
func (o *Orchestrator) RegisterLead(ctx context.Context, lead domain.Lead) Result {
	lead = domain.Lead{
		Name:    strings.TrimSpace(lead.Name),
		Email:   strings.TrimSpace(lead.Email),
		Company: strings.TrimSpace(lead.Company),
		Need:    strings.TrimSpace(lead.Need),
	}
	cardID, err := o.pipeline.CreateLead(ctx, lead, nil)
	if err != nil {
		o.logger.Warn("workflow: register lead failed", "email", lead.Email, "kind", domain.KindOf(err), "err", err)
		return failure(ToolRegisterLead, err)
	}

	if o.ledger != nil {
		need, _ := domain.ParseNeed(lead.Need)
		now := o.now().UTC()
		rec := domain.LeadRecord{
			RecordID:  cardID,
			Name:      lead.Name,
			Email:     lead.Email,
			Company:   lead.Company,
			Need:      need,
			State:     domain.StateRegistered,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := o.ledger.SaveLead(ctx, rec); err != nil {
			o.logger.Error("workflow: ledger save lead failed", "card_id", cardID, "err", err)
		}
	}

	o.logger.Info("workflow: lead registered", "card_id", cardID, "email", lead.Email)
	return success(ToolRegisterLead,
		fmt.Sprintf("Lead %s registrado com sucesso no Pipefy.", lead.Name),
		map[string]any{
			"card_id": cardID,
			"email":   lead.Email,
		})
}

// OfferSlots lists candidate meeting slots. It changes no state.
func (o *Orchestrator) OfferSlots(ctx context.Context) Result {
	slots, err := o.slots.ListAvailableSlots(ctx)
	if err != nil {
		return failure(ToolOfferSlots, domain.NewError(domain.KindInternal, "workflow.OfferSlots", "", err))
	}
	return success(ToolOfferSlots,
		"Horários disponíveis para a reunião.",
		map[string]any{"slots": slots})
}

// ScheduleMeeting books the slot the lead chose on an already registered
// card.
func (o *Orchestrator) ScheduleMeeting(ctx context.Context, slotInput, recordID string) Result {
	const op = "workflow.ScheduleMeeting"

	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return failure(ToolScheduleMeeting, domain.NewError(domain.KindInvalidArguments, op, "card_id é obrigatório", nil))
	}

	meetingAt, err := o.dates.Normalize(slotInput)
	if err != nil {
		return failure(ToolScheduleMeeting, err)
	}

	if o.requireKnownRecord {
		rec, found, err := o.ledger.GetLead(ctx, recordID)
		if err != nil {
			return failure(ToolScheduleMeeting, domain.NewError(domain.KindInternal, op, "", err))
		}
		if !found || rec.State == domain.StateUnregistered {
			return failure(ToolScheduleMeeting, domain.NewError(domain.KindUnknownRecord, op,
				fmt.Sprintf("card_id %s desconhecido", recordID), nil))
		}
	}

	link := o.meetingLink()
	if err := o.pipeline.UpdateMeetingFields(ctx, recordID, link, meetingAt); err != nil {
		o.logger.Warn("workflow: schedule meeting failed", "card_id", recordID, "kind", domain.KindOf(err), "err", err)
		return failure(ToolScheduleMeeting, err)
	}

	attrs := []any{"card_id", recordID, "meeting_at", meetingAt}
	if o.ledger != nil {
		if err := o.ledger.SaveMeeting(ctx, recordID, link, meetingAt); err != nil {
			o.logger.Error("workflow: ledger save meeting failed", "card_id", recordID, "err", err)
		} else if n, err := o.ledger.MeetingCount(ctx, recordID); err != nil {
			o.logger.Warn("workflow: ledger meeting count failed", "card_id", recordID, "err", err)
		} else {
			attrs = append(attrs, "meetings", n, "rescheduled", n > 1)
		}
	}

	o.logger.Info("workflow: meeting scheduled", attrs...)
	return success(ToolScheduleMeeting,
		fmt.Sprintf("Reunião agendada para %s. Link: %s", meetingAt, link),
		map[string]any{
			"card_id":      recordID,
			"data_reuniao": meetingAt,
			"link_reuniao": link,
		})
}

func (o *Orchestrator) meetingLink() string {
	base := o.linkBase
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + o.newMeetingID()
}
