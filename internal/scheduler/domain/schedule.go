package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNotFound indicates a missing schedule.
var ErrNotFound = errors.New("schedule: not found")

// Weekday abbreviations in schedule order. A schedule with no explicit days
// runs every day.
var DefaultDaysOfWeek = []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// MaxLabelLen caps the display label length.
const MaxLabelLen = 20

// Schedule is a recurring feeding rule: at wall-clock Time on each listed
// weekday, dispense PortionSize grams. Label is a short display name
// ("Breakfast") carried through to firmware snapshots.
type Schedule struct {
	ID          int64
	DeviceID    string
	Label       string
	Time        string // "HH:MM" wall clock in the configured timezone
	PortionSize float64
	DaysOfWeek  []string
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HourMinute parses the schedule's wall-clock time.
func (s Schedule) HourMinute() (int, int, error) {
	t, err := time.Parse("15:04", s.Time)
	if err != nil {
		return 0, 0, fmt.Errorf("schedule %d: bad time %q: %w", s.ID, s.Time, err)
	}
	return t.Hour(), t.Minute(), nil
}

// RunsOn reports whether the schedule is active on the given weekday
// abbreviation ("Mon".."Sun"). An empty day list means every day.
func (s Schedule) RunsOn(day string) bool {
	if len(s.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range s.DaysOfWeek {
		if strings.EqualFold(d, day) {
			return true
		}
	}
	return false
}

// NormalizeDays canonicalizes weekday abbreviations, rejecting unknown ones.
// nil input selects DefaultDaysOfWeek.
func NormalizeDays(days []string) ([]string, error) {
	if len(days) == 0 {
		out := make([]string, len(DefaultDaysOfWeek))
		copy(out, DefaultDaysOfWeek)
		return out, nil
	}
	var out []string
	for _, day := range days {
		matched := ""
		for _, known := range DefaultDaysOfWeek {
			if strings.EqualFold(strings.TrimSpace(day), known) {
				matched = known
				break
			}
		}
		if matched == "" {
			return nil, fmt.Errorf("schedule: unknown day %q", day)
		}
		out = append(out, matched)
	}
	return out, nil
}

// Validate checks a schedule before it is stored.
func (s Schedule) Validate() error {
	if s.DeviceID == "" {
		return errors.New("schedule: device_id required")
	}
	if _, _, err := s.HourMinute(); err != nil {
		return err
	}
	if s.PortionSize < 1 || s.PortionSize > 100 {
		return errors.New("schedule: portion_size must be between 1 and 100")
	}
	if utf8.RuneCountInString(s.Label) > MaxLabelLen {
		return fmt.Errorf("schedule: label must be at most %d characters", MaxLabelLen)
	}
	return nil
}

// Store persists feeding schedules. Listings are ordered by ascending id so
// the oldest schedule wins when two collide on the same minute.
type Store interface {
	Create(ctx context.Context, s *Schedule) (*Schedule, error)
	Update(ctx context.Context, s *Schedule) (*Schedule, error)
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*Schedule, error)
	List(ctx context.Context, deviceID string) ([]Schedule, error)
	ListEnabled(ctx context.Context) ([]Schedule, error)
}
