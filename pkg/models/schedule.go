package models

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Frequency names how often a backup schedule fires.
type Frequency string

const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyCron   Frequency = "cron"
)

const maxPeriodLookback = 2 * 366 * 24 * time.Hour

var (
	// ErrInvalidSchedule is returned when a schedule cannot be turned into a cron expression.
	ErrInvalidSchedule = errors.New("invalid schedule configuration")

	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	weekdays = map[string]time.Weekday{
		"sunday": time.Sunday, "sun": time.Sunday,
		"monday": time.Monday, "mon": time.Monday,
		"tuesday": time.Tuesday, "tue": time.Tuesday,
		"wednesday": time.Wednesday, "wed": time.Wednesday,
		"thursday": time.Thursday, "thu": time.Thursday,
		"friday": time.Friday, "fri": time.Friday,
		"saturday": time.Saturday, "sat": time.Saturday,
	}
)

// BackupSchedule drives periodic backups of one repository into one target directory.
// LastRunAt and LastAttemptAt are persisted so a restarted process never repeats a period.
type BackupSchedule struct {
	ID             string     `json:"id"                        validate:"required,max=128,excludesall=/\\"`
	RepoPath       string     `json:"repo_path"                 validate:"required"`
	TargetDir      string     `json:"target_dir"                validate:"required"`
	Frequency      Frequency  `json:"frequency"                 validate:"required,oneof=hourly daily weekly cron"`
	TimeOfDay      string     `json:"time_of_day,omitempty"     validate:"omitempty,datetime=15:04"`
	Weekday        string     `json:"weekday,omitempty"         validate:"omitempty,oneof=sunday monday tuesday wednesday thursday friday saturday sun mon tue wed thu fri sat"`
	CronExpression string     `json:"cron_expression,omitempty" validate:"required_if=Frequency cron"`
	Timezone       string     `json:"timezone,omitempty"        validate:"omitempty,timezone"`
	RetentionDays  int        `json:"retention_days"            validate:"min=0"`
	Excludes       []string   `json:"excludes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastBackupID   string     `json:"last_backup_id,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

func (s *BackupSchedule) Clone() *BackupSchedule {
	clone := *s
	clone.Excludes = slices.Clone(s.Excludes)

	if s.LastRunAt != nil {
		t := *s.LastRunAt
		clone.LastRunAt = &t
	}

	if s.LastAttemptAt != nil {
		t := *s.LastAttemptAt
		clone.LastAttemptAt = &t
	}

	return &clone
}

// CronSpec renders the schedule as a standard 5-field cron expression.
func (s *BackupSchedule) CronSpec() (string, error) {
	if s.Frequency == FrequencyCron {
		if strings.TrimSpace(s.CronExpression) == "" {
			return "", fmt.Errorf("%w: cron frequency requires an expression", ErrInvalidSchedule)
		}

		return s.CronExpression, nil
	}

	hour, minute, err := s.clock()
	if err != nil {
		return "", err
	}

	switch s.Frequency {
	case FrequencyHourly:
		return fmt.Sprintf("%d * * * *", minute), nil
	case FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case FrequencyWeekly:
		weekday := time.Sunday

		if s.Weekday != "" {
			day, ok := weekdays[strings.ToLower(s.Weekday)]
			if !ok {
				return "", fmt.Errorf("%w: unknown weekday %q", ErrInvalidSchedule, s.Weekday)
			}

			weekday = day
		}

		return fmt.Sprintf("%d %d * * %d", minute, hour, weekday), nil
	default:
		return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency)
	}
}

func (s *BackupSchedule) clock() (int, int, error) {
	if s.TimeOfDay == "" {
		return 0, 0, nil
	}

	hh, mm, ok := strings.Cut(s.TimeOfDay, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: time of day %q", ErrInvalidSchedule, s.TimeOfDay)
	}

	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: time of day %q", ErrInvalidSchedule, s.TimeOfDay)
	}

	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: time of day %q", ErrInvalidSchedule, s.TimeOfDay)
	}

	return hour, minute, nil
}

func (s *BackupSchedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return loc, nil
}

func (s *BackupSchedule) parse() (cron.Schedule, *time.Location, error) {
	spec, err := s.CronSpec()
	if err != nil {
		return nil, nil, err
	}

	parsed, err := cronParser.Parse(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	loc, err := s.location()
	if err != nil {
		return nil, nil, err
	}

	return parsed, loc, nil
}

// PeriodStart returns the latest scheduled fire time that is not after now.
func (s *BackupSchedule) PeriodStart(now time.Time) (time.Time, error) {
	parsed, loc, err := s.parse()
	if err != nil {
		return time.Time{}, err
	}

	local := now.In(loc)

	for window := time.Hour; window <= maxPeriodLookback; window *= 2 {
		var latest time.Time

		for next := parsed.Next(local.Add(-window)); !next.After(local); next = parsed.Next(next) {
			latest = next
		}

		if !latest.IsZero() {
			return latest.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: no fire time within lookback", ErrInvalidSchedule)
}

// NextDue returns the first fire time strictly after now.
func (s *BackupSchedule) NextDue(now time.Time) (time.Time, error) {
	parsed, loc, err := s.parse()
	if err != nil {
		return time.Time{}, err
	}

	return parsed.Next(now.In(loc)).UTC(), nil
}

// IsDue reports whether the period containing now still needs a backup.
// A period started before the schedule existed is never due, and a period
// already attempted (successfully or deferred) is not due again.
func (s *BackupSchedule) IsDue(now time.Time) (bool, time.Time, error) {
	period, err := s.PeriodStart(now)
	if err != nil {
		return false, time.Time{}, err
	}

	if period.Before(s.CreatedAt) {
		return false, period, nil
	}

	if s.LastAttemptAt != nil && !s.LastAttemptAt.Before(period) {
		return false, period, nil
	}

	if s.LastRunAt != nil && !s.LastRunAt.Before(period) {
		return false, period, nil
	}

	return true, period, nil
}

// RetentionCutoff returns the instant at or before which backups are expired.
// Zero retention disables pruning and yields the zero time.
func (s *BackupSchedule) RetentionCutoff(now time.Time) time.Time {
	if s.RetentionDays <= 0 {
		return time.Time{}
	}

	return now.Add(-time.Duration(s.RetentionDays) * 24 * time.Hour)
}
