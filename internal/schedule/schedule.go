package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Kind selects how a schedule's next run is computed.
type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

// Schedule is the stored JSON shape of one schedule expression.
type Schedule struct {
	Kind       Kind   `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`   // if kind=cron
	IntervalMs int64  `json:"interval_ms,omitempty"` // if kind=interval
	AtMs       int64  `json:"at_ms,omitempty"`       // unix ms, if kind=once
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Next computes the schedule's next run after now. It returns nil when
// there is no next run (an exhausted one-off).
func (s *Schedule) Next(now time.Time) *time.Time {
	var next time.Time

	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	default:
		return nil
	}

	return &next
}

// NextRun parses raw and computes the next run after now; nil on
// malformed input or an exhausted schedule.
func NextRun(raw string, now time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	return s.Next(now)
}

// Normalize accepts either the JSON schedule shape or a bare cron
// expression, validates it, and returns the canonical JSON form.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		switch s.Kind {
		case KindCron:
			if !gronx.New().IsValid(s.CronExpr) {
				return "", fmt.Errorf("invalid cron expression: %s", s.CronExpr)
			}
		case KindInterval:
			if s.IntervalMs <= 0 {
				return "", fmt.Errorf("interval_ms must be positive")
			}
		case KindOnce:
			if s.AtMs <= 0 {
				return "", fmt.Errorf("at_ms must be positive")
			}
		default:
			return "", fmt.Errorf("unknown schedule kind: %s", s.Kind)
		}
		return raw, nil
	}

	// Not JSON, try as a plain cron expression.
	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not valid JSON or cron expression: %s", raw)
	}

	wrapped := Schedule{Kind: KindCron, CronExpr: raw}
	data, err := json.Marshal(wrapped)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Describe returns a short human-readable description for listings.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}

	switch s.Kind {
	case KindCron:
		return "cron " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		return "every " + d.String()
	case KindOnce:
		return "once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	default:
		return raw
	}
}
