package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// parseSince reads a backfill bound as RFC 3339, a duration before now, or
// a natural language expression relative to now.
func parseSince(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since duration must be positive: %q", raw)
		}
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(raw, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", raw, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized --since %q", raw)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("--since %q is in the future", raw)
	}
	return r.Time, nil
}
