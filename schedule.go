package main

import (
	"strconv"
	"strings"
	"time"
)

// ScheduleResult is the outcome of a business-hours check. Message is
// the tenant's closed-hours notice and is empty while open.
type ScheduleResult struct {
	Open    bool
	Message string
}

// EvaluateSchedule decides whether a tenant is open at the given moment.
// hours carries one row per configured weekday; a missing or inactive
// weekday means closed for the whole day. The close bound is inclusive,
// the lunch interval (when present) is closed with the same message.
// Pure function: no clock, no I/O.
func EvaluateSchedule(hours []BusinessHour, closedMessage string, now time.Time) ScheduleResult {
	closed := ScheduleResult{Open: false, Message: closedMessage}
	if len(hours) == 0 {
		// Tenant never configured a schedule: always open.
		return ScheduleResult{Open: true}
	}

	var day *BusinessHour
	for i := range hours {
		if hours[i].Weekday == int(now.Weekday()) {
			day = &hours[i]
			break
		}
	}
	if day == nil || !day.Active {
		return closed
	}

	minute := now.Hour()*60 + now.Minute()
	opens := minuteOfDay(day.OpensAt, 8*60)
	closes := minuteOfDay(day.ClosesAt, 18*60)
	if minute < opens || minute > closes {
		return closed
	}

	if day.LunchStart.Valid && day.LunchEnd.Valid {
		ls := minuteOfDay(day.LunchStart.String, -1)
		le := minuteOfDay(day.LunchEnd.String, -1)
		if ls >= 0 && le >= 0 && minute >= ls && minute < le {
			return closed
		}
	}
	return ScheduleResult{Open: true}
}

// minuteOfDay parses "HH:MM" into minutes since midnight.
func minuteOfDay(s string, def int) int {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return def
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return def
	}
	return hh*60 + mm
}
