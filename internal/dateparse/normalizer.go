// Package dateparse turns free-form Portuguese date/time expressions into the
// canonical timestamp layout stored in pipe fields.
package dateparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	dps "github.com/markusmobius/go-dateparser"

	"sdr-agent/internal/domain"
)

const (
	// Layout is the canonical form: second precision, no offset.
	Layout          = "2006-01-02T15:04:05"
	DefaultTimezone = "America/Sao_Paulo"
)

var (
	hourSuffix = regexp.MustCompile(`\b(\d{1,2})h(\d{2})?\b`)
	// "dia 10", optionally followed by an explicit month ("de novembro", "/11").
	dayOfMonth = regexp.MustCompile(`(?i)\bdia\s+(\d{1,2})\b(\s+de\s+\pL|\s*/\s*\d)?`)
	atWord     = regexp.MustCompile(`(?i)(^|\s)às(\s|$)`)
	// "próxima segunda", "próximo sábado": the future preference already
	// picks the next occurrence, so the qualifier is dropped.
	nextWeekday = regexp.MustCompile(`(?i)\bpr[óo]xim[oa]\s+((?:segunda|terça|terca|quarta|quinta|sexta)(?:-feira)?|s[áa]bado|domingo)`)
	// "segunda que vem"
	weekdayThatComes = regexp.MustCompile(`(?i)\b((?:segunda|terça|terca|quarta|quinta|sexta)(?:-feira)?|s[áa]bado|domingo)\s+que\s+vem\b`)
)

var monthNames = [...]string{
	"janeiro", "fevereiro", "março", "abril", "maio", "junho",
	"julho", "agosto", "setembro", "outubro", "novembro", "dezembro",
}

// Normalizer parses expressions such as "dia 9 de novembro às 20h" or
// "próxima segunda 14h30" relative to its clock, preferring future dates.
type Normalizer struct {
	loc       *time.Location
	now       func() time.Time
	languages []string
}

type Option func(*Normalizer)

// WithClock sets the reference time source used for relative expressions.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

func WithLanguages(langs ...string) Option {
	return func(n *Normalizer) {
		if len(langs) > 0 {
			n.languages = langs
		}
	}
}

// New creates a Normalizer interpreting input in the named IANA timezone.
// An empty name selects DefaultTimezone.
func New(timezone string, opts ...Option) (*Normalizer, error) {
	timezone = strings.TrimSpace(timezone)
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("dateparse: load timezone %q: %w", timezone, err)
	}
	n := &Normalizer{
		loc:       loc,
		now:       time.Now,
		languages: []string{"pt", "en"},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Location returns the timezone input is interpreted in.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Normalize returns input in Layout. Canonical and RFC 3339 input is accepted
// as-is, so Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(input string) (string, error) {
	text := strings.TrimSpace(input)
	if text == "" {
		return "", domain.NewError(domain.KindDateParse, "dateparse.Normalize", "data inválida ou vazia", nil)
	}

	if t, err := time.ParseInLocation(Layout, text, n.loc); err == nil {
		return t.Format(Layout), nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t.In(n.loc).Format(Layout), nil
	}

	cfg := &dps.Configuration{
		Languages:           n.languages,
		DefaultTimezone:     n.loc,
		CurrentTime:         n.now().In(n.loc),
		PreferredDateSource: dps.Future,
	}
	dt, err := dps.Parse(cfg, prepare(text, cfg.CurrentTime))
	if err != nil {
		return "", domain.NewError(domain.KindDateParse, "dateparse.Normalize", fmt.Sprintf("não foi possível interpretar a data: %s", input), err)
	}
	if dt.Time.IsZero() {
		return "", domain.NewError(domain.KindDateParse, "dateparse.Normalize", fmt.Sprintf("não foi possível interpretar a data: %s", input), nil)
	}
	return dt.Time.In(n.loc).Format(Layout), nil
}

// prepare rewrites Portuguese idioms the grammar does not cover: the "às"
// connective, "20h"/"14h30" hours, "próxima <weekday>" and "dia N". A bare
// "dia N" is anchored to the next month that has day N on or after now, so
// the number is never mistaken for a month.
func prepare(text string, now time.Time) string {
	text = atWord.ReplaceAllString(text, " ")
	text = nextWeekday.ReplaceAllString(text, "$1")
	text = weekdayThatComes.ReplaceAllString(text, "$1")
	text = dayOfMonth.ReplaceAllStringFunc(text, func(m string) string {
		parts := dayOfMonth.FindStringSubmatch(m)
		if parts[2] != "" {
			return parts[1] + parts[2]
		}
		day, _ := strconv.Atoi(parts[1])
		y, mo, ok := nextMonthWithDay(now, day)
		if !ok {
			return parts[1]
		}
		return fmt.Sprintf("%d de %s de %d", day, monthNames[mo-1], y)
	})
	text = hourSuffix.ReplaceAllStringFunc(text, func(m string) string {
		parts := hourSuffix.FindStringSubmatch(m)
		minutes := parts[2]
		if minutes == "" {
			minutes = "00"
		}
		return parts[1] + ":" + minutes
	})
	return strings.Join(strings.Fields(text), " ")
}

// nextMonthWithDay finds the first month, starting with now's, whose day
// falls on or after now's date.
func nextMonthWithDay(now time.Time, day int) (int, time.Month, bool) {
	if day < 1 || day > 31 {
		return 0, 0, false
	}
	y, mo, d := now.Date()
	for i := 0; i < 13; i++ {
		first := time.Date(y, mo, 1, 0, 0, 0, 0, time.UTC)
		daysIn := first.AddDate(0, 1, -1).Day()
		if day <= daysIn && (i > 0 || day >= d) {
			return y, mo, true
		}
		next := first.AddDate(0, 1, 0)
		y, mo = next.Year(), next.Month()
	}
	return 0, 0, false
}
