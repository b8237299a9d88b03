// internal/pipeline/normalize.go
package pipeline

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/valpere/ProxyHarvester/pkg/types"
)

var (
	ipv4Pattern = regexp.MustCompile(`^(?:25[0-5]|2[0-4]\d|[01]?\d\d?)(?:\.(?:25[0-5]|2[0-4]\d|[01]?\d\d?)){3}$`)
	ipv4Find    = regexp.MustCompile(`(?:25[0-5]|2[0-4]\d|[01]?\d\d?)(?:\.(?:25[0-5]|2[0-4]\d|[01]?\d\d?)){3}`)
	portFind    = regexp.MustCompile(`\b([1-9]\d{0,4})\b`)
	tagPattern  = regexp.MustCompile(`<[^>]*>`)
	isoPattern  = regexp.MustCompile(`\(([A-Za-z]{2})\)`)
	upperISO    = regexp.MustCompile(`\b([A-Z]{2})\b`)

	titleCaser = cases.Title(language.English)
)

// StripHTML removes tag fragments and collapses whitespace. Cell text must
// be stripped before any regex matching.
func StripHTML(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// ValidIPv4 reports whether s is a dotted-quad IPv4 address.
func ValidIPv4(s string) bool {
	return ipv4Pattern.MatchString(strings.TrimSpace(s))
}

// FindIPv4 extracts the first IPv4 address embedded in s, or "".
func FindIPv4(s string) string {
	return ipv4Find.FindString(s)
}

// ParsePort parses a port from arbitrary cell text. Returns 0 when no
// value in [1,65535] is present.
func ParsePort(s string) int {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 1 && n <= 65535 {
			return n
		}
		return 0
	}
	for _, m := range portFind.FindAllString(s, -1) {
		if n, err := strconv.Atoi(m); err == nil && n >= 1 && n <= 65535 {
			return n
		}
	}
	return 0
}

// anonymityRules maps case-insensitive substrings onto the canonical enum.
// Order matters: more specific markers first.
var anonymityRules = []struct {
	marker string
	level  types.Anonymity
}{
	{"elite", types.AnonymityElite},
	{"high anonym", types.AnonymityElite},
	{"高匿", types.AnonymityElite},
	{"transparent", types.AnonymityTransparent},
	{"透明", types.AnonymityTransparent},
	{"anonym", types.AnonymityAnonymous},
	{"匿名", types.AnonymityAnonymous},
	{"普匿", types.AnonymityAnonymous},
}

// NormalizeAnonymity maps arbitrary anonymity strings to the four-valued
// enum.
func NormalizeAnonymity(s string) types.Anonymity {
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, rule := range anonymityRules {
		if strings.Contains(lower, rule.marker) {
			return rule.level
		}
	}
	return types.AnonymityUnknown
}

// NormalizeProtocol maps protocol cell text to the canonical protocol.
// Unknown values default to http.
func NormalizeProtocol(s string) types.Protocol {
	lower := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(lower, "socks5"):
		return types.ProtocolSOCKS5
	case strings.Contains(lower, "socks4"):
		return types.ProtocolSOCKS4
	case strings.Contains(lower, "https") || lower == "yes": // "Https: yes" column style
		return types.ProtocolHTTPS
	default:
		return types.ProtocolHTTP
	}
}

// ExtractCountryCode pulls an ISO-2 country code out of cell text.
// Preference order: parenthesized code ("United States (US)"), a bare
// two-letter uppercase token, then a known country name.
func ExtractCountryCode(s string) string {
	s = StripHTML(s)
	if m := isoPattern.FindStringSubmatch(s); m != nil {
		return strings.ToUpper(m[1])
	}
	if m := upperISO.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if code, ok := countryNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return code
	}
	return ""
}

// NormalizeCountryName renders a country display name in title case.
func NormalizeCountryName(s string) string {
	return titleCaser.String(strings.ToLower(strings.TrimSpace(s)))
}

// countryNames is a minimal name→ISO-2 table for sources that only print
// full names. Unlisted names resolve to "".
var countryNames = map[string]string{
	"united states":  "US",
	"china":          "CN",
	"hong kong":      "HK",
	"taiwan":         "TW",
	"japan":          "JP",
	"south korea":    "KR",
	"germany":        "DE",
	"france":         "FR",
	"united kingdom": "GB",
	"netherlands":    "NL",
	"russia":         "RU",
	"brazil":         "BR",
	"india":          "IN",
	"canada":         "CA",
	"singapore":      "SG",
	"indonesia":      "ID",
	"vietnam":        "VN",
	"thailand":       "TH",
	"mexico":         "MX",
	"ukraine":        "UA",
	"中国":             "CN",
	"香港":             "HK",
	"台湾":             "TW",
	"美国":             "US",
}

var relativeTimePattern = regexp.MustCompile(`(?i)(\d+)\s*(second|sec|minute|min|hour|hr|day)s?\s*ago`)

// cjkUnits maps CJK relative-time units to durations.
var cjkUnits = []struct {
	marker string
	unit   time.Duration
}{
	{"秒前", time.Second},
	{"分鐘前", time.Minute},
	{"分钟前", time.Minute},
	{"小時前", time.Hour},
	{"小时前", time.Hour},
	{"天前", 24 * time.Hour},
}

// ParseRelativeTime converts human "N units ago" text (English or CJK)
// into an absolute UTC timestamp relative to now. Returns the zero time
// when the text is unrecognized.
func ParseRelativeTime(s string, now time.Time) time.Time {
	s = strings.TrimSpace(StripHTML(s))
	if s == "" {
		return time.Time{}
	}

	lower := strings.ToLower(s)
	if lower == "just now" || strings.Contains(s, "剛剛") || strings.Contains(s, "刚刚") {
		return now.UTC()
	}

	if m := relativeTimePattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}
		}
		var unit time.Duration
		switch strings.ToLower(m[2]) {
		case "second", "sec":
			unit = time.Second
		case "minute", "min":
			unit = time.Minute
		case "hour", "hr":
			unit = time.Hour
		case "day":
			unit = 24 * time.Hour
		}
		return now.Add(-time.Duration(n) * unit).UTC()
	}

	for _, cu := range cjkUnits {
		if idx := strings.Index(s, cu.marker); idx > 0 {
			digits := strings.TrimSpace(s[:idx])
			if n, err := strconv.Atoi(digits); err == nil {
				return now.Add(-time.Duration(n) * cu.unit).UTC()
			}
		}
	}

	// Absolute timestamps some sources print directly.
	for _, layout := range []string{"2006/1/2 15:4:5", "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}

	return time.Time{}
}
