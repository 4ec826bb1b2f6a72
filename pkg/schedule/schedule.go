// Package schedule maps a wall-clock instant to the companion's simulated
// activity using static per-weekday tables.
package schedule

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultTable []byte

// Weekday names in table order (0=Monday).
var dayNames = [7]string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// Entry is one time range of a day table.
type Entry struct {
	Start    time.Duration // offset from midnight
	End      time.Duration
	Activity string
}

// Matches reports whether the time-of-day offset falls within the entry.
// Ranges with Start > End wrap past midnight.
func (e Entry) Matches(offset time.Duration) bool {
	if e.Start > e.End {
		return offset >= e.Start || offset <= e.End
	}
	return e.Start <= offset && offset <= e.End
}

// Table holds entries keyed by weekday index (0=Monday..6=Sunday).
type Table struct {
	days [7][]Entry
}

// Activity returns the activity for now, or false when no range matches.
func (t *Table) Activity(now time.Time) (string, bool) {
	if t == nil {
		return "", false
	}
	offset := timeOfDay(now)
	for _, entry := range t.days[MondayIndex(now.Weekday())] {
		if entry.Matches(offset) {
			return entry.Activity, true
		}
	}
	return "", false
}

// Day returns a copy of the entries for weekday index day.
func (t *Table) Day(day int) []Entry {
	if t == nil || day < 0 || day > 6 {
		return nil
	}
	return append([]Entry(nil), t.days[day]...)
}

// MondayIndex converts time.Weekday (Sunday=0) to a Monday-first index.
func MondayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// Default returns the embedded table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("schedule: embedded table: %v", err))
	}
	return t
}

// Load reads a YAML table from path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schedule: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML table of the form
//
//	monday:
//	  "06:00-07:00": "Morning run"
//
// Days may be omitted; unknown day names are rejected.
func Parse(data []byte) (*Table, error) {
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("schedule: decode: %w", err)
	}
	t := &Table{}
	for name, ranges := range raw {
		day := dayIndex(name)
		if day < 0 {
			return nil, fmt.Errorf("schedule: unknown day %q", name)
		}
		entries := make([]Entry, 0, len(ranges))
		for span, activity := range ranges {
			start, end, err := parseRange(span)
			if err != nil {
				return nil, fmt.Errorf("schedule: %s %q: %w", name, span, err)
			}
			entries = append(entries, Entry{Start: start, End: end, Activity: strings.TrimSpace(activity)})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })
		t.days[day] = entries
	}
	return t, nil
}

func dayIndex(name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, d := range dayNames {
		if d == name {
			return i
		}
	}
	if n, err := strconv.Atoi(name); err == nil && n >= 0 && n <= 6 {
		return n
	}
	return -1
}

func parseRange(span string) (time.Duration, time.Duration, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(span), "-")
	if !ok {
		return 0, 0, fmt.Errorf("want HH:MM-HH:MM")
	}
	start, err := parseClock(from)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(to)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (time.Duration, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}

func timeOfDay(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}
