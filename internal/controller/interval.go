package controller

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultInterval applies to empty, malformed or out-of-range fetch intervals.
const DefaultInterval = 15 * time.Minute

var intervalPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

var intervalUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseInterval converts "<digits><s|m|h|d>" into a duration. Values that do
// not fit in a time.Duration are rejected.
func ParseInterval(spec string) (time.Duration, error) {
	match := intervalPattern.FindStringSubmatch(strings.TrimSpace(spec))
	if match == nil {
		return 0, &ConfigError{Field: "fetchInterval", Reason: "expected <number><s|m|h|d>, got " + strconv.Quote(spec)}
	}

	unit := intervalUnits[match[2]]
	value, err := strconv.ParseUint(match[1], 10, 63)
	if err != nil || value > uint64(math.MaxInt64/int64(unit)) {
		return 0, &ConfigError{Field: "fetchInterval", Reason: strconv.Quote(spec) + " is too long"}
	}
	return time.Duration(value) * unit, nil
}

// IntervalDuration is ParseInterval with invalid input degraded to DefaultInterval.
func IntervalDuration(spec string) time.Duration {
	interval, err := ParseInterval(spec)
	if err != nil {
		return DefaultInterval
	}
	return interval
}
