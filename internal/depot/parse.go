package depot

import (
	"net/http"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the 14-digit YYYYMMDDHHMMSS form archives embed in
// snapshot URLs.
const TimestampLayout = "20060102150405"

const lastMementoRel = "last memento"

var timestampPattern = regexp.MustCompile(`[0-9]{14}`)

// MementoURLFromHeaders picks the snapshot URL out of a TimeGate response.
// Location wins; then the Link entry with rel="last memento"; then, scanning
// from the end, any Link entry mentioning "memento". The second return value
// names the source ("location", "link", "link-heuristic") or is empty.
func MementoURLFromHeaders(headers http.Header) (string, string) {
	if loc := headers.Get("Location"); loc != "" {
		return loc, "location"
	}
	link := strings.Join(headers.Values("Link"), ",")
	if link == "" {
		return "", ""
	}
	entries := strings.Split(link, ",")
	if u := lastMementoFromLinks(entries); u != "" {
		return u, "link"
	}
	if u := anyMementoFromLinks(entries); u != "" {
		return u, "link-heuristic"
	}
	return "", ""
}

func lastMementoFromLinks(entries []string) string {
	for _, entry := range entries {
		if linkRel(entry) != lastMementoRel {
			continue
		}
		if u, ok := linkTarget(entry); ok {
			return u
		}
	}
	return ""
}

func anyMementoFromLinks(entries []string) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if !strings.Contains(entries[i], "memento") {
			continue
		}
		if u, ok := linkTarget(entries[i]); ok {
			return u
		}
	}
	return ""
}

// linkTarget returns the text between the first '<' and the first '>' after it.
func linkTarget(entry string) (string, bool) {
	start := strings.Index(entry, "<")
	if start < 0 {
		return "", false
	}
	end := strings.Index(entry[start+1:], ">")
	if end < 0 {
		return "", false
	}
	u := strings.TrimSpace(entry[start+1 : start+1+end])
	return u, u != ""
}

// linkRel returns the unquoted rel parameter of one Link entry.
func linkRel(entry string) string {
	params := strings.Split(entry, ";")
	for _, p := range params[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"`)
	}
	return ""
}

// TimestampFromURL extracts the first run of 14 digits in a memento URL and
// converts it to a UTC time.
func TimestampFromURL(mementoURL string) (time.Time, bool) {
	digits := timestampPattern.FindString(mementoURL)
	if digits == "" {
		return time.Time{}, false
	}
	return ParseTimestamp(digits)
}

// ParseTimestamp converts a 14-digit archive timestamp. Values that are not
// a real calendar instant (month 13, day 32) are rejected.
func ParseTimestamp(digits string) (time.Time, bool) {
	if len(digits) != len(TimestampLayout) {
		return time.Time{}, false
	}
	ts, err := time.Parse(TimestampLayout, digits)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
