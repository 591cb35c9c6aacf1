package receipt

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var dateLayouts = []string{
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05 Z0700",
	"2006-01-02 15:04:05 MST",
}

// parseDate parses the verifyReceipt date formats, including the
// "Etc/GMT" zone suffix.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if base, ok := strings.CutSuffix(s, " Etc/GMT"); ok {
		t, err := time.ParseInLocation(time.DateTime, base, time.UTC)
		return t, err == nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseMillis(s string) (time.Time, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// entryDate reads "<field>" with "<field>_ms" as fallback. present reports
// whether either key exists; ok whether a value was parsed.
func entryDate(entry gjson.Result, field string) (t time.Time, present, ok bool) {
	formatted := entry.Get(field)
	millis := entry.Get(field + "_ms")
	present = formatted.Exists() || millis.Exists()
	if formatted.Exists() {
		if t, ok = parseDate(formatted.String()); ok {
			return t, present, true
		}
	}
	if millis.Exists() {
		if t, ok = parseMillis(millis.String()); ok {
			return t, present, true
		}
	}
	return time.Time{}, present, false
}
