// Package schedule allocates publish slots for content items under a
// publishing cadence. NextSlot is pure: identical inputs always give an
// identical slot, so retried writes schedule the same way.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rectangular-labs/workspacesync/internal/content"
)

var (
	ErrInvalidCadence = errors.New("invalid publishing cadence")
	ErrNoSlot         = errors.New("no schedule slot available")
)

const (
	Horizon      = 365
	firstSlotUTC = 9
	slotSpacing  = 2 * time.Hour
)

type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

type Cadence struct {
	Period      Period         `json:"period" yaml:"period"`
	Frequency   int            `json:"frequency" yaml:"frequency"`
	AllowedDays []time.Weekday `json:"allowedDays" yaml:"allowedDays"`
}

func (c Cadence) Validate() error {
	switch c.Period {
	case Daily, Weekly, Monthly:
	default:
		return fmt.Errorf("%w: unknown period %q", ErrInvalidCadence, c.Period)
	}
	if c.Frequency < 1 {
		return fmt.Errorf("%w: frequency must be at least 1", ErrInvalidCadence)
	}
	if len(c.AllowedDays) == 0 {
		return fmt.Errorf("%w: no allowed days", ErrInvalidCadence)
	}
	return nil
}

func (c Cadence) allows(day time.Weekday) bool {
	for _, allowed := range c.AllowedDays {
		if allowed == day {
			return true
		}
	}
	return false
}

func (c Cadence) distinctDays() int {
	seen := map[time.Weekday]struct{}{}
	for _, day := range c.AllowedDays {
		seen[day] = struct{}{}
	}
	return len(seen)
}

// MaxPerAllowedDay is how many items a single allowed day may hold.
func (c Cadence) MaxPerAllowedDay() int {
	days := c.distinctDays()
	switch c.Period {
	case Weekly:
		return ceilDiv(c.Frequency, days)
	case Monthly:
		return ceilDiv(c.Frequency, days*4)
	default:
		return c.Frequency
	}
}

func (c Cadence) periodKey(t time.Time) string {
	switch c.Period {
	case Weekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Monthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// Item is the scheduling view of an existing content item.
type Item struct {
	Status       content.Status
	ScheduledFor time.Time
}

// NextSlot returns the first publish time on or after now that fits the
// cadence given the slots already held by items.
func NextSlot(items []Item, cadence Cadence, now time.Time) (time.Time, error) {
	if err := cadence.Validate(); err != nil {
		return time.Time{}, err
	}
	perDay := map[string]int{}
	perPeriod := map[string]int{}
	for _, item := range items {
		if !item.Status.OccupiesSlot() || item.ScheduledFor.IsZero() {
			continue
		}
		at := item.ScheduledFor.UTC()
		perDay[at.Format("2006-01-02")]++
		perPeriod[cadence.periodKey(at)]++
	}
	maxPerDay := cadence.MaxPerAllowedDay()

	now = now.UTC()
	cursor := time.Date(now.Year(), now.Month(), now.Day(), firstSlotUTC, 0, 0, 0, time.UTC)
	if now.After(cursor) {
		cursor = cursor.AddDate(0, 0, 1)
	}
	for i := 0; i < Horizon; i++ {
		day := cursor.AddDate(0, 0, i)
		if !cadence.allows(day.Weekday()) {
			continue
		}
		if perPeriod[cadence.periodKey(day)] >= cadence.Frequency {
			continue
		}
		used := perDay[day.Format("2006-01-02")]
		if used >= maxPerDay {
			continue
		}
		return day.Add(time.Duration(used) * slotSpacing), nil
	}
	return time.Time{}, ErrNoSlot
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(raw string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for day := time.Sunday; day <= time.Saturday; day++ {
		full := strings.ToLower(day.String())
		if name == full || name == full[:3] {
			return day, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidCadence, raw)
}

// ParseCadence builds a cadence from its textual form, e.g. period
// "weekly", frequency 3, days ["mon", "wed", "fri"].
func ParseCadence(period string, frequency int, days []string) (Cadence, error) {
	c := Cadence{Period: Period(strings.ToLower(strings.TrimSpace(period))), Frequency: frequency}
	for _, raw := range days {
		day, err := ParseWeekday(raw)
		if err != nil {
			return Cadence{}, err
		}
		c.AllowedDays = append(c.AllowedDays, day)
	}
	if err := c.Validate(); err != nil {
		return Cadence{}, err
	}
	return c, nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
