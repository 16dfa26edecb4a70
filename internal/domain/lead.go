package domain

import (
	"strings"
	"time"
)

// Need is the canonical display value of a lead's stated need, as shown in
// the pipe's select field.
type Need string

const (
	NeedImplementAI Need = "Implementar IA"
	NeedAutomation  Need = "Automação de Processos"
)

var needsByKey = map[string]Need{
	"implementar ia": NeedImplementAI,
	"automação":      NeedAutomation,
}

// NeedChoices are the inputs ParseNeed accepts, in the form offered to leads.
var NeedChoices = []string{"Implementar IA", "Automação"}

// DescribeNeedChoices renders NeedChoices for prompts and messages, e.g.
// "'Implementar IA' ou 'Automação'".
func DescribeNeedChoices() string {
	quoted := make([]string, len(NeedChoices))
	for i, c := range NeedChoices {
		quoted[i] = "'" + c + "'"
	}
	if len(quoted) < 2 {
		return strings.Join(quoted, "")
	}
	return strings.Join(quoted[:len(quoted)-1], ", ") + " ou " + quoted[len(quoted)-1]
}

// ParseNeed maps a free-text need to its canonical value, ignoring case and
// surrounding whitespace.
func ParseNeed(s string) (Need, bool) {
	n, ok := needsByKey[strings.ToLower(strings.TrimSpace(s))]
	return n, ok
}

// Lead is a prospect qualified by the conversation.
type Lead struct {
	Name    string
	Email   string
	Company string
	Need    string
}

// WorkflowState is the lead's position in the register -> schedule sequence.
type WorkflowState string

const (
	StateUnregistered WorkflowState = "unregistered"
	StateRegistered   WorkflowState = "registered"
	StateScheduled    WorkflowState = "scheduled"
)

// LeadRecord is the ledger entry kept for a card created by this service.
type LeadRecord struct {
	RecordID    string
	Name        string
	Email       string
	Company     string
	Need        Need
	State       WorkflowState
	MeetingLink string
	MeetingAt   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
