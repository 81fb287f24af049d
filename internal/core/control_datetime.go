package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const naiveTimestampLayout = "2006-01-02T15:04:05"

var errInvalidSchedule = errors.New("invalid schedule")

type dateTimeAttributes struct {
	Start          string      `json:"start"`
	End            string      `json:"end"`
	Recurring      *recurrence `json:"recurring"`
	HideOnSchedule bool        `json:"hideOnSchedule"`
}

type recurrence struct {
	Days     []string `json:"days"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Cron     string   `json:"cron"`
	Duration string   `json:"duration"`
	Timezone string   `json:"timezone"`
}

func dateTimeControl() Definition {
	return Definition{
		ID:          ControlDateTime,
		Label:       "Date & time",
		Icon:        "calendar",
		SettingSlug: "date_time",
		Defaults:    json.RawMessage(`{}`),
		Evaluator:   EvaluatorFunc(evaluateDateTime),
	}
}

// evaluateDateTime fails closed: a schedule that cannot be understood hides
// the block.
func evaluateDateTime(in Input, ctx Context) TriState {
	var attrs dateTimeAttributes
	if err := json.Unmarshal(in.Attributes, &attrs); err != nil {
		return ApplicableFalse
	}
	if attrs.Start == "" && attrs.End == "" && attrs.Recurring == nil {
		return NotApplicable
	}
	if ctx.Now.IsZero() {
		return NotApplicable
	}

	loc := ctx.location()

	start, err := parseTimestamp(attrs.Start, loc)
	if err != nil {
		return ApplicableFalse
	}
	end, err := parseTimestamp(attrs.End, loc)
	if err != nil {
		return ApplicableFalse
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return ApplicableFalse
	}

	scheduled := (start.IsZero() || !ctx.Now.Before(start)) && (end.IsZero() || !ctx.Now.After(end))

	if attrs.Recurring != nil {
		inWindow, err := attrs.Recurring.contains(ctx.Now, loc)
		if err != nil {
			return ApplicableFalse
		}
		scheduled = scheduled && inWindow
	}

	if attrs.HideOnSchedule {
		return Verdict(!scheduled)
	}
	return Verdict(scheduled)
}

func parseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.ParseInLocation(naiveTimestampLayout, value, loc)
}

func (r recurrence) contains(now time.Time, loc *time.Location) (bool, error) {
	if r.Timezone != "" {
		zone, err := time.LoadLocation(r.Timezone)
		if err != nil {
			return false, fmt.Errorf("%w: timezone %q", errInvalidSchedule, r.Timezone)
		}
		loc = zone
	}
	local := now.In(loc)

	if r.Cron != "" {
		return r.cronContains(local)
	}

	days, err := parseWeekdays(r.Days)
	if err != nil {
		return false, err
	}
	if r.Start == "" && r.End == "" {
		return days.has(local.Weekday()), nil
	}

	startMinute, err := parseClock(r.Start, 0)
	if err != nil {
		return false, err
	}
	endMinute, err := parseClock(r.End, 24*60)
	if err != nil {
		return false, err
	}

	minute := local.Hour()*60 + local.Minute()

	if startMinute <= endMinute {
		return days.has(local.Weekday()) && minute >= startMinute && minute < endMinute, nil
	}

	// Overnight window: the part after midnight belongs to the previous day.
	if minute >= startMinute {
		return days.has(local.Weekday()), nil
	}
	if minute < endMinute {
		return days.has(local.AddDate(0, 0, -1).Weekday()), nil
	}
	return false, nil
}

// cronContains reports whether now falls within duration of an activation.
func (r recurrence) cronContains(now time.Time) (bool, error) {
	schedule, err := cron.ParseStandard(r.Cron)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errInvalidSchedule, err)
	}
	duration, err := time.ParseDuration(r.Duration)
	if err != nil || duration <= 0 {
		return false, fmt.Errorf("%w: duration %q", errInvalidSchedule, r.Duration)
	}

	next := schedule.Next(now.Add(-duration))
	return !next.After(now), nil
}

type weekdaySet uint8

func (s weekdaySet) has(day time.Weekday) bool {
	return s == 0 || s&(1<<uint(day)) != 0
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// parseWeekdays returns an empty set, meaning every day, for no input.
func parseWeekdays(values []string) (weekdaySet, error) {
	var set weekdaySet
	for _, value := range values {
		name := strings.ToLower(strings.TrimSpace(value))
		day, ok := weekdayNames[name]
		if !ok {
			n, err := strconv.Atoi(name)
			if err != nil || n < 0 || n > 6 {
				return 0, fmt.Errorf("%w: day %q", errInvalidSchedule, value)
			}
			day = time.Weekday(n)
		}
		set |= 1 << uint(day)
	}
	return set, nil
}

func parseClock(value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	clock, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("%w: time of day %q", errInvalidSchedule, value)
	}
	return clock.Hour()*60 + clock.Minute(), nil
}
