package har

import (
	"strings"
	"time"
)

// Filename returns the suggested download name for an archive created at t,
// e.g. har-capture-2024-05-01T10-20-30_123Z.har.
func Filename(t time.Time) string {
	stamp := FormatTime(t)
	stamp = strings.ReplaceAll(stamp, ":", "-")
	stamp = strings.ReplaceAll(stamp, ".", "_")
	return "har-capture-" + stamp + ".har"
}
