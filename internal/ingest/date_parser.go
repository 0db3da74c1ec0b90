package ingest

import (
	"regexp"
	"strings"
	"time"
)

var dateLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2 January 2006",
	"02 January 2006",
	"2 January 2006 3:04 PM",
	"January 2, 2006",
	"January 2 2006",
	"January 2, 2006 3:04 PM",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"01/02/2006",
	"1/2/2006",
	"01/02/2006 3:04 PM",
	"Mon, 02 Jan 2006 15:04:05 MST",
}

var (
	isoDateRegex   = regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)
	usDateRegex    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(20\d{2})\b`)
	monthDateRegex = regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(20\d{2})\b`)
	dayMonthRegex  = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\.?,?\s+(20\d{2})\b`)

	labeledDateRegex = regexp.MustCompile(`(?i)(?:application deadline|deadline|closing date|close date|due date|applications due|closes)\s*(?:is|on)?\s*:?\s*([^\n;|]{6,40})`)
)

// parseDate attempts to parse a date in the layouts sources commonly use.
// Date-only values resolve to the end of that day in UTC so that a listing
// stays open through its closing day.
func parseDate(text string) (time.Time, bool) {
	text = cleanDateString(text)
	if text == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02", text); err == nil {
		return toEndOfDay(t), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			if strings.Contains(layout, ":") {
				return t.UTC(), true
			}
			return toEndOfDay(t), true
		}
	}
	if t := parseDateWithRegex(text); !t.IsZero() {
		return toEndOfDay(t), true
	}
	return time.Time{}, false
}

// findLabeledDate looks for "Deadline: <date>" style phrases in free text.
func findLabeledDate(text string) (time.Time, bool) {
	for _, m := range labeledDateRegex.FindAllStringSubmatch(text, -1) {
		if t, ok := parseDate(m[1]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// toEndOfDay sets the time to 23:59:59.999999999 UTC
func toEndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, time.UTC)
}

// parseDateWithRegex extracts the first recognizable date embedded in text.
func parseDateWithRegex(text string) time.Time {
	if m := isoDateRegex.FindString(text); m != "" {
		if t, err := time.Parse("2006-01-02", m); err == nil {
			return t
		}
	}

	if m := usDateRegex.FindString(text); m != "" {
		if t, err := time.Parse("1/2/2006", m); err == nil {
			return t
		}
	}

	if m := monthDateRegex.FindStringSubmatch(text); len(m) == 4 {
		if t, ok := parseMonthDayYear(m[1], m[2], m[3]); ok {
			return t
		}
	}
	if m := dayMonthRegex.FindStringSubmatch(text); len(m) == 4 {
		if t, ok := parseMonthDayYear(m[2], m[1], m[3]); ok {
			return t
		}
	}
	return time.Time{}
}

func parseMonthDayYear(month, day, year string) (time.Time, bool) {
	month = strings.ToLower(strings.TrimSuffix(month, "."))
	if len(month) > 3 {
		month = month[:3]
	}
	month = strings.ToUpper(month[:1]) + month[1:]
	t, err := time.Parse("Jan 2 2006", month+" "+day+" "+year)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// cleanDateString removes common prefixes and cleans up date strings
func cleanDateString(s string) string {
	prefixes := []string{
		"Closing date:", "Deadline:", "Application deadline:", "Open:",
		"Publication date:", "Due date:", "Expires:", "Ends:",
	}
	sLower := strings.ToLower(s)
	for _, p := range prefixes {
		if idx := strings.Index(sLower, strings.ToLower(p)); idx != -1 {
			s = s[idx+len(p):]
			sLower = sLower[idx+len(p):]
		}
	}
	s = strings.ReplaceAll(s, "a.m.", "AM")
	s = strings.ReplaceAll(s, "p.m.", "PM")
	return strings.Join(strings.Fields(s), " ")
}
