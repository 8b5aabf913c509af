package afk

import (
	"strconv"
	"strings"
	"time"
)

// Schedule expresses when a recurring enqueue fires: either a fixed
// interval, or a clock spec "HH:MM <recurrence>" where recurrence is one of
//
//   - once               fires one time, then the entry disables itself
//   - daily              fires every day at the given time
//   - custom(mon,fri)    fires on the named days of the week
//   - weekly(monday)     fires once a week
//   - monthly(15)        fires once a month on the given day number
//
// The clock time is local to TZOffset, whole hours from UTC. An interval
// takes precedence over a spec when both are set.
type Schedule struct {
	Every    time.Duration `json:"every,omitempty" toml:"every"`
	Spec     string        `json:"spec,omitempty" toml:"spec"`
	TZOffset int           `json:"tz_offset,omitempty" toml:"tz_offset"`
}

// Validate rejects schedules that can never fire.
func (s Schedule) Validate() error {
	if s.Every > 0 {
		return nil
	}
	if s.Spec == "" {
		return &ConfigError{Field: "schedule", Reason: "needs an interval or a spec"}
	}
	if _, ok := nextFromSpec(s.Spec, time.Now().Unix(), s.TZOffset); !ok {
		return &ConfigError{Field: "schedule", Reason: "invalid spec " + strconv.Quote(s.Spec)}
	}
	return nil
}

// Next returns the first fire time after now, in UTC. ok is false when the
// schedule is invalid.
func (s Schedule) Next(now time.Time) (time.Time, bool) {
	if s.Every > 0 {
		return now.Add(s.Every), true
	}
	ts, ok := nextFromSpec(s.Spec, now.Unix(), s.TZOffset)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(ts, 0).UTC(), true
}

// Once reports whether the schedule fires a single time.
func (s Schedule) Once() bool {
	if s.Every > 0 {
		return false
	}
	parts := strings.SplitN(s.Spec, " ", 2)
	return len(parts) == 2 && strings.TrimSpace(parts[1]) == "once"
}

// nextFromSpec computes the next UTC unix timestamp for a clock spec. All
// arithmetic is integral on unix days so it holds for any tz offset without
// touching the locale database.
func nextFromSpec(spec string, nowUnix int64, tzOffset int) (int64, bool) {
	parts := strings.SplitN(spec, " ", 2)
	if len(parts) != 2 {
		return 0, false
	}

	timeParts := strings.Split(parts[0], ":")
	if len(timeParts) != 2 {
		return 0, false
	}
	hour := specParseInt(timeParts[0])
	minute := specParseInt(timeParts[1])
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, false
	}

	offsetSecs := int64(tzOffset) * 3600
	localNow := nowUnix + offsetSecs
	localDays := localNow / 86400
	localTimeOfDay := localNow % 86400
	targetTimeOfDay := int64(hour)*3600 + int64(minute)*60

	recurrence := strings.TrimSpace(parts[1])

	switch {
	case recurrence == "once" || recurrence == "daily":
		targetDay := localDays
		if localTimeOfDay >= targetTimeOfDay {
			targetDay++
		}
		localTS := targetDay*86400 + targetTimeOfDay
		return localTS - offsetSecs, true

	case strings.HasPrefix(recurrence, "custom("):
		daysStr := strings.TrimPrefix(recurrence, "custom(")
		daysStr = strings.TrimSuffix(daysStr, ")")
		currentDOW := ((localDays % 7) + 3) % 7 // Monday=0

		var bestAhead int64 = -1
		for _, dayName := range strings.Split(daysStr, ",") {
			targetDOW, ok := dayNameToDOW(strings.TrimSpace(dayName))
			if !ok {
				return 0, false
			}
			ahead := targetDOW - currentDOW
			if ahead < 0 {
				ahead += 7
			}
			if ahead == 0 && localTimeOfDay >= targetTimeOfDay {
				ahead = 7
			}
			if bestAhead < 0 || ahead < bestAhead {
				bestAhead = ahead
			}
		}
		if bestAhead < 0 {
			return 0, false
		}
		targetDay := localDays + bestAhead
		localTS := targetDay*86400 + targetTimeOfDay
		return localTS - offsetSecs, true

	case strings.HasPrefix(recurrence, "weekly("):
		dayName := strings.TrimPrefix(recurrence, "weekly(")
		dayName = strings.TrimSuffix(dayName, ")")
		targetDOW, ok := dayNameToDOW(dayName)
		if !ok {
			return 0, false
		}
		currentDOW := ((localDays % 7) + 3) % 7
		daysAhead := targetDOW - currentDOW
		if daysAhead < 0 {
			daysAhead += 7
		}
		if daysAhead == 0 && localTimeOfDay >= targetTimeOfDay {
			daysAhead = 7
		}
		targetDay := localDays + daysAhead
		localTS := targetDay*86400 + targetTimeOfDay
		return localTS - offsetSecs, true

	case strings.HasPrefix(recurrence, "monthly("):
		domStr := strings.TrimPrefix(recurrence, "monthly(")
		domStr = strings.TrimSuffix(domStr, ")")
		targetDOM := specParseInt(domStr)
		if targetDOM < 1 || targetDOM > 31 {
			return 0, false
		}
		y, m, d := unixDaysToDate(localDays)
		targetY, targetM := y, m
		if int64(d) > int64(targetDOM) || (int64(d) == int64(targetDOM) && localTimeOfDay >= targetTimeOfDay) {
			if m == 12 {
				targetY = y + 1
				targetM = 1
			} else {
				targetM = m + 1
			}
		}
		targetDays := dateToUnixDays(targetY, targetM, targetDOM)
		localTS := targetDays*86400 + targetTimeOfDay
		return localTS - offsetSecs, true
	}

	return 0, false
}

// dayNameToDOW maps a day name or three-letter abbreviation to day-of-week
// with Monday=0.
func dayNameToDOW(name string) (int64, bool) {
	switch strings.ToLower(name) {
	case "monday", "mon":
		return 0, true
	case "tuesday", "tue":
		return 1, true
	case "wednesday", "wed":
		return 2, true
	case "thursday", "thu":
		return 3, true
	case "friday", "fri":
		return 4, true
	case "saturday", "sat":
		return 5, true
	case "sunday", "sun":
		return 6, true
	}
	return 0, false
}

// specParseInt parses a non-negative integer, returning -1 on any
// non-digit input.
func specParseInt(s string) int {
	if s == "" {
		return -1
	}
	n := 0
	for _, c := range s {
		if c >= '0' && c <= '9' {
			n = n*10 + int(c-'0')
		} else {
			return -1
		}
	}
	return n
}

// unixDaysToDate converts days since the Unix epoch to year/month/day.
// Algorithm from http://howardhinnant.github.io/date_algorithms.html
func unixDaysToDate(days int64) (year, month, day int) {
	z := days + 719468
	era := z / 146097
	if z < 0 {
		era = (z - 146096) / 146097
	}
	doe := z - era*146097
	yoe := (doe - doe/1460 + doe/36524 - doe/146096) / 365
	y := yoe + era*400
	doy := doe - (365*yoe + yoe/4 - yoe/100)
	mp := (5*doy + 2) / 153
	d := doy - (153*mp+2)/5 + 1
	m := mp + 3
	if mp >= 10 {
		m = mp - 9
	}
	if m <= 2 {
		y++
	}
	return int(y), int(m), int(d)
}

// dateToUnixDays converts year/month/day to days since the Unix epoch.
// Inverse of unixDaysToDate.
func dateToUnixDays(year, month, day int) int64 {
	y := int64(year)
	m := int64(month)
	d := int64(day)
	if m <= 2 {
		y--
	}
	era := y / 400
	if y < 0 {
		era = (y - 399) / 400
	}
	yoe := y - era*400
	var doy int64
	if m > 2 {
		doy = (153*(m-3)+2)/5 + d - 1
	} else {
		doy = (153*(m+9)+2)/5 + d - 1
	}
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe - 719468
}
