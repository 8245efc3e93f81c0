// Package pattern implements date-templated path patterns: expanding date
// tokens (YYYY, MM, DD, hh, mm) into concrete paths, extracting the data
// time back out of discovered file names, and splitting a pattern into its
// static and dynamic layers.
package pattern

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/regexp"
)

// CycleUnit is the temporal granularity at which a task partitions data.
// It drives both the scan-window step and the data-time format.
type CycleUnit string

const (
	Year      CycleUnit = "Y"
	Month     CycleUnit = "M"
	Day       CycleUnit = "D"
	Hour      CycleUnit = "h"
	Minute    CycleUnit = "m"
	TenMinute CycleUnit = "10m"
)

// compareLayout is the minute-precision layout used whenever two wall-clock
// strings are compared (current time vs. should-start time).
const compareLayout = "200601021504"

var ErrUnknownCycleUnit = errors.New("unknown cycle unit")

// ParseCycleUnit validates a cycle unit read from a task profile.
func ParseCycleUnit(s string) (CycleUnit, error) {
	switch CycleUnit(s) {
	case Year, Month, Day, Hour, Minute, TenMinute:
		return CycleUnit(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCycleUnit, s)
}

// Approx returns the unit's nominal duration: months and years use fixed
// lengths (30 and 365 days), matching ParseOffset.
func (c CycleUnit) Approx() time.Duration {
	switch c {
	case Year:
		return 365 * 24 * time.Hour
	case Month:
		return 30 * 24 * time.Hour
	case Day:
		return 24 * time.Hour
	case Hour:
		return time.Hour
	case Minute:
		return time.Minute
	case TenMinute:
		return 10 * time.Minute
	}
	return time.Hour
}

// Layout returns the Go time layout that renders a data time at this unit's
// granularity.
func (c CycleUnit) Layout() string {
	switch c {
	case Year:
		return "2006"
	case Month:
		return "200601"
	case Day:
		return "20060102"
	case Hour:
		return "2006010215"
	case Minute, TenMinute:
		return "200601021504"
	}
	return compareLayout
}

// Truncate quantises t down to the start of its cycle.
func (c CycleUnit) Truncate(t time.Time) time.Time {
	switch c {
	case Year:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location())
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	case Minute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
	case TenMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()-t.Minute()%10, 0, 0, t.Location())
	}
	return t
}

// Next returns the start of the cycle following the one containing t.
func (c CycleUnit) Next(t time.Time) time.Time {
	t = c.Truncate(t)
	switch c {
	case Year:
		return t.AddDate(1, 0, 0)
	case Month:
		return t.AddDate(0, 1, 0)
	case Day:
		return t.AddDate(0, 0, 1)
	case Hour:
		return t.Add(time.Hour)
	case Minute:
		return t.Add(time.Minute)
	case TenMinute:
		return t.Add(10 * time.Minute)
	}
	return t
}

// token is one date token recognised inside a path pattern.
type token struct {
	text   string // literal token text, e.g. "YYYY"
	layout string // Go layout fragment it renders with
	digits int
}

// Tokens are matched longest-first so that "MM" inside "YYYYMMDD" is not
// shadowed by a shorter candidate. Two-digit years are rejected outright.
var tokens = []token{
	{"YYYY", "2006", 4},
	{"MM", "01", 2},
	{"DD", "02", 2},
	{"HH", "15", 2},
	{"hh", "15", 2},
	{"mm", "04", 2},
}

// DefaultLocation is the time zone date tokens render in when the engine is
// built without an explicit one. UTC+8 matches the upstream data platforms
// this agent feeds.
var DefaultLocation = time.FixedZone("GMT+08:00", 8*60*60)

// Engine renders and extracts date tokens under a fixed time zone. The zero
// value is not usable; construct with NewEngine.
type Engine struct {
	loc *time.Location
}

// NewEngine returns an engine rendering in loc, or DefaultLocation when loc
// is nil.
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = DefaultLocation
	}
	return &Engine{loc: loc}
}

// Location returns the engine's time zone.
func (e *Engine) Location() *time.Location { return e.loc }

var errTwoDigitYear = errors.New("two-digit year token is not supported")

// Render substitutes every date token in pattern with its value at t.
// Unknown tokens pass through verbatim.
func (e *Engine) Render(pattern string, t time.Time) string {
	t = t.In(e.loc)
	var b strings.Builder
	for i := 0; i < len(pattern); {
		if tk, ok := tokenAt(pattern, i); ok {
			b.WriteString(t.Format(tk.layout))
			i += len(tk.text)
			continue
		}
		b.WriteByte(pattern[i])
		i++
	}
	return b.String()
}

// FormatMillis renders epoch milliseconds at the cycle unit's granularity.
func (e *Engine) FormatMillis(ms int64, c CycleUnit) string {
	return c.Truncate(time.UnixMilli(ms).In(e.loc)).Format(c.Layout())
}

// CurrentTime renders now at minute precision for comparisons against
// ShouldStartTime results.
func (e *Engine) CurrentTime(now time.Time) string {
	return now.In(e.loc).Format(compareLayout)
}

// DateRegion enumerates every cycle boundary in [start, end] inclusive.
func (e *Engine) DateRegion(start, end time.Time, c CycleUnit) []time.Time {
	var region []time.Time
	for t := c.Truncate(start.In(e.loc)); !t.After(end.In(e.loc)); t = c.Next(t) {
		region = append(region, t)
	}
	return region
}

// ParseDataTime interprets a digits-only data time by its length: 4 digits
// is a year, 6 a month, 8 a day, 10 an hour and 12 a minute.
func (e *Engine) ParseDataTime(dataTime string) (time.Time, error) {
	layouts := map[int]string{4: "2006", 6: "200601", 8: "20060102", 10: "2006010215", 12: "200601021504"}
	layout, ok := layouts[len(dataTime)]
	if !ok {
		return time.Time{}, fmt.Errorf("data time %q has no recognised granularity", dataTime)
	}
	return time.ParseInLocation(layout, dataTime, e.loc)
}

// ShouldStartTime returns the wall-clock moment, rendered at minute
// precision, at which files carrying dataTime become due: the start of the
// data time's cycle plus the task's time offset. An empty data time is due
// immediately and yields the empty string, which compares before any clock
// reading.
func (e *Engine) ShouldStartTime(dataTime string, c CycleUnit, offset time.Duration) string {
	if dataTime == "" {
		return ""
	}
	t, err := e.ParseDataTime(dataTime)
	if err != nil {
		return ""
	}
	return c.Truncate(t).Add(offset).Format(compareLayout)
}

// ValidInWindow reports whether dataTime falls within ±window of now.
func (e *Engine) ValidInWindow(dataTime string, now time.Time, window time.Duration) bool {
	t, err := e.ParseDataTime(dataTime)
	if err != nil {
		return false
	}
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// ValidForCycle reports whether dataTime is acceptable for live collection:
// within the timeout window of the offset-shifted clock.
func (e *Engine) ValidForCycle(dataTime string, now time.Time, offset, window time.Duration) bool {
	return e.ValidInWindow(dataTime, now.Add(offset), window)
}

var offsetRe = regexp.MustCompile(`\A([+-]?)(\d+)(Y|M|D|d|h|m|s)\z`)

// ParseOffset parses a signed offset expressed in cycle units, e.g. "-1h"
// or "+2D". Months and years are additive with fixed lengths (30 and 365
// days). The empty expression is a zero offset.
func ParseOffset(expr string) (time.Duration, error) {
	if expr == "" {
		return 0, nil
	}
	m := offsetRe.FindStringSubmatch(expr)
	if m == nil {
		return 0, fmt.Errorf("malformed time offset %q", expr)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, fmt.Errorf("malformed time offset %q: %w", expr, err)
	}
	var unit time.Duration
	switch m[3] {
	case "Y":
		unit = 365 * 24 * time.Hour
	case "M":
		unit = 30 * 24 * time.Hour
	case "D", "d":
		unit = 24 * time.Hour
	case "h":
		unit = time.Hour
	case "m":
		unit = time.Minute
	case "s":
		unit = time.Second
	}
	d := time.Duration(n) * unit
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

// tokenAt matches the longest date token starting at offset i.
func tokenAt(pattern string, i int) (token, bool) {
	for _, tk := range tokens {
		if strings.HasPrefix(pattern[i:], tk.text) {
			return tk, true
		}
	}
	return token{}, false
}

// HasDateTokens reports whether pattern contains at least one date token,
// i.e. whether a data time can be extracted from paths it matches.
func HasDateTokens(pattern string) bool {
	for i := range pattern {
		if _, ok := tokenAt(pattern, i); ok {
			return true
		}
	}
	return false
}

// ValidateTokens rejects patterns the engine cannot express, currently only
// the two-digit year.
func ValidateTokens(pattern string) error {
	for i := 0; i < len(pattern); {
		if tk, ok := tokenAt(pattern, i); ok {
			i += len(tk.text)
			continue
		}
		if strings.HasPrefix(pattern[i:], "YY") {
			return errTwoDigitYear
		}
		i++
	}
	return nil
}

// dateRunSeparators may appear between tokens inside one date region, e.g.
// the '-' and '_' of "YYYY-MM-DD_hh".
const dateRunSeparators = "-_.: "

// longestDateRun locates the longest contiguous region of date tokens
// (tokens optionally joined by single separator characters) in pattern.
// It returns the byte range of the region, or ok=false when the pattern
// carries no date token.
func longestDateRun(pattern string) (start, end int, ok bool) {
	bestLen := 0
	for i := 0; i < len(pattern); {
		tk, found := tokenAt(pattern, i)
		if !found {
			i++
			continue
		}
		runStart := i
		j := i + len(tk.text)
		for j < len(pattern) {
			next, found := tokenAt(pattern, j)
			if found {
				j += len(next.text)
				continue
			}
			if strings.ContainsRune(dateRunSeparators, rune(pattern[j])) {
				if sep, found := tokenAt(pattern, j+1); found {
					j += 1 + len(sep.text)
					continue
				}
			}
			break
		}
		if j-runStart > bestLen {
			bestLen = j - runStart
			start, end, ok = runStart, j, true
		}
		i = j
	}
	return start, end, ok
}

// LongestDatePattern returns the longest date token region of pattern, or
// the empty string when there is none.
func LongestDatePattern(pattern string) string {
	s, e, ok := longestDateRun(pattern)
	if !ok {
		return ""
	}
	return pattern[s:e]
}

// ExtractDataTime reads the region of filePath that corresponds to the
// longest date token run of pattern and returns its digits-only
// normalisation, e.g. "2024-01-02_05" becomes "2024010205". It returns the
// empty string when the pattern has no date token or the path does not
// match.
func (e *Engine) ExtractDataTime(filePath, pattern string) string {
	s, en, ok := longestDateRun(pattern)
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString(`\A`)
	translateInto(&b, pattern[:s])
	b.WriteString("(")
	translateInto(&b, pattern[s:en])
	b.WriteString(")")
	translateInto(&b, pattern[en:])
	re, err := regexp.Compile(b.String())
	if err != nil {
		return ""
	}
	m := re.FindStringSubmatch(filePath)
	if m == nil {
		return ""
	}
	return stripNonDigits(m[1])
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
