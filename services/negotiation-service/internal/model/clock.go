package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a time of day in minutes since midnight. It is rendered as
// "HH:mm" only at the edges (JSON, events).
type ClockTime int

const minutesPerDay = 24 * 60

var ErrInvalidClockTime = errors.New("invalid time of day")

var (
	clock24 = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)
	clock12 = regexp.MustCompile(`^(0?[1-9]|1[0-2]):([0-5][0-9]) ?([AaPp][Mm])$`)
)

// ParseClockTime accepts "H:mm"/"HH:mm" (24-hour) and "h:mm AM"/"h:mmPM"
// (12-hour, case-insensitive). Anything else, including inputs that only
// partially match one of those forms, is rejected.
func ParseClockTime(raw string) (ClockTime, error) {
	s := strings.TrimSpace(raw)
	if m := clock24.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		return ClockTime(h*60 + min), nil
	}
	if m := clock12.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		h %= 12
		if strings.EqualFold(m[3], "pm") {
			h += 12
		}
		return ClockTime(h*60 + min), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidClockTime, raw)
}

func MustClockTime(raw string) ClockTime {
	c, err := ParseClockTime(raw)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ClockTime) Valid() bool {
	return c >= 0 && c < minutesPerDay
}

func (c ClockTime) Minutes() int {
	return int(c)
}

// String renders the 24-hour "HH:mm" form.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Add shifts c by d minutes; ok is false when the result leaves the day.
func (c ClockTime) Add(d int) (ClockTime, bool) {
	out := ClockTime(int(c) + d)
	return out, out.Valid()
}

// Date is a calendar day at UTC midnight. Comparison is date-only.
type Date struct {
	t time.Time
}

const DateLayout = "2006-01-02"

var ErrInvalidDate = errors.New("invalid date")

func ParseDate(raw string) (Date, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return Date{t: t}, nil
}

func MustDate(raw string) Date {
	d, err := ParseDate(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return Date{t: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)}
}

func (d Date) Time() time.Time    { return d.t }
func (d Date) IsZero() bool       { return d.t.IsZero() }
func (d Date) Equal(o Date) bool  { return d.t.Equal(o.t) }
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }
func (d Date) After(o Date) bool  { return d.t.After(o.t) }

func (d Date) String() string {
	if d.t.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}
