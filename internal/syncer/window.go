package syncer

import (
	"fmt"
	"strings"
	"time"
)

// WindowStart resolves the lower bound of the reconciliation window.
type WindowStart func(now time.Time) time.Time

// ParseWindowStart accepts "now" (or ""), a signed duration relative to now
// such as "-24h", or an RFC 3339 instant.
func ParseWindowStart(s string) (WindowStart, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "now") {
		return func(now time.Time) time.Time { return now }, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return func(now time.Time) time.Time { return now.Add(d) }, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return func(time.Time) time.Time { return t }, nil
	}
	return nil, fmt.Errorf("invalid window start %q: want now, a duration or an RFC 3339 time", s)
}
