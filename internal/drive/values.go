package drive

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	unknownValueMarker = "-"

	epochMillisecondsThreshold = 100_000_000_000

	// Plain integers in these ranges are read as unix seconds or milliseconds between 2001 and 2099.
	epochSecondsMinimum      = 1_000_000_000
	epochSecondsMaximum      = 4_102_444_800
	epochMillisecondsMinimum = epochSecondsMinimum * 1000
	epochMillisecondsMaximum = epochSecondsMaximum * 1000
)

var (
	humanSizePattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*([kmgtp]?)(i?b)?$`)

	sizeUnitMultipliers = map[string]float64{
		"":  1,
		"k": 1 << 10,
		"m": 1 << 20,
		"g": 1 << 30,
		"t": 1 << 40,
		"p": 1 << 50,
	}

	timestampLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"02-Jan-2006 15:04:05",
		"02-Jan-2006 15:04",
		"2006-Jan-02 15:04",
		time.RFC1123,
		time.RFC1123Z,
		"2006-01-02",
	}
)

// parseSize accepts raw byte counts and human readable sizes such as "1.5 MiB" or "120K".
func parseSize(raw string) (int64, bool) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if trimmed == "" || trimmed == unknownValueMarker {
		return 0, false
	}
	matches := humanSizePattern.FindStringSubmatch(trimmed)
	if matches == nil {
		return 0, false
	}
	unit := strings.ToLower(matches[2])
	if matches[3] == "" && unit == "" && strings.Contains(matches[1], ".") {
		return 0, false
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, false
	}
	bytes := value * sizeUnitMultipliers[unit]
	if bytes > math.MaxInt64/2 {
		return 0, false
	}
	return int64(math.Round(bytes)), true
}

// parseTimestamp accepts the textual layouts seen in worker listings.
func parseTimestamp(raw string) (time.Time, bool) {
	trimmed := strings.Join(strings.Fields(raw), " ")
	if trimmed == "" || trimmed == unknownValueMarker {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseEpoch interprets numeric timestamps as unix seconds, or milliseconds when too large for seconds.
func parseEpoch(value float64) (time.Time, bool) {
	if value <= 0 || math.IsInf(value, 0) || math.IsNaN(value) {
		return time.Time{}, false
	}
	if value >= epochMillisecondsThreshold {
		return time.UnixMilli(int64(value)).UTC(), true
	}
	return time.Unix(int64(value), 0).UTC(), true
}

// parseEpochText reads an integer cell as a unix timestamp when it falls in the epoch ranges.
func parseEpochText(raw string) (time.Time, bool) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	inSeconds := value >= epochSecondsMinimum && value < epochSecondsMaximum
	inMilliseconds := value >= epochMillisecondsMinimum && value < epochMillisecondsMaximum
	if !inSeconds && !inMilliseconds {
		return time.Time{}, false
	}
	return parseEpoch(float64(value))
}
