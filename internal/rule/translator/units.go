package translator

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var durationUnits = map[string]time.Duration{
	"ms":   time.Millisecond,
	"s":    time.Second,
	"sec":  time.Second,
	"m":    time.Minute,
	"min":  time.Minute,
	"h":    time.Hour,
	"hr":   time.Hour,
	"hour": time.Hour,
	"d":    24 * time.Hour,
	"day":  24 * time.Hour,
}

var sizeUnits = map[string]int64{
	"":   1,
	"b":  1,
	"k":  1 << 10,
	"kb": 1 << 10,
	"m":  1 << 20,
	"mb": 1 << 20,
	"g":  1 << 30,
	"gb": 1 << 30,
	"t":  1 << 40,
	"tb": 1 << 40,
}

// splitQuantity splits "10min" into 10 and "min".
func splitQuantity(s string) (int64, string, error) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad number %q", ErrSyntax, s)
	}
	return n, strings.ToLower(s[i:]), nil
}

// ParseDuration parses 500ms, 5s, 10min, 2h or 1d.
func ParseDuration(s string) (time.Duration, error) {
	n, unit, err := splitQuantity(s)
	if err != nil {
		return 0, err
	}
	d, ok := durationUnits[unit]
	if !ok {
		return 0, fmt.Errorf("%w: unknown duration unit in %q", ErrSyntax, s)
	}
	return time.Duration(n) * d, nil
}

// ParseSize parses 512, 4KB, 10MB or 1GB (1024 based).
func ParseSize(s string) (int64, error) {
	n, unit, err := splitQuantity(s)
	if err != nil {
		return 0, err
	}
	mul, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("%w: unknown size unit in %q", ErrSyntax, s)
	}
	return n * mul, nil
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// parseTime accepts RFC3339, "2006-01-02 15:04:05" or a date, in local time.
func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad time %q", ErrSyntax, s)
}
