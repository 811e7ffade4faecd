package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrEmptyTimestamp = errors.New("empty timestamp")

// Layouts accepted for requested_datetime. The feed sends RFC3339 with an
// offset; the naive forms show up in older exports and are read as UTC.
var requestedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseRequestedAt parses a feed timestamp and returns it in UTC.
func ParseRequestedAt(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrEmptyTimestamp
	}
	for _, layout := range requestedAtLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// Bounds for the year part of a usable service request identifier.
const (
	MinRequestYear = 2000
	MaxRequestYear = 2100
)

// ParseServiceRequestID splits "<sequence>-<year>" at the first dash. Both
// parts must be plain ASCII digits; signs and spaces inside are rejected so
// that every accepted identifier round-trips through FormatServiceRequestID
// up to leading zeros.
func ParseServiceRequestID(id string) (sequence, year int, ok bool) {
	seqPart, yearPart, found := strings.Cut(strings.TrimSpace(id), "-")
	if !found || !allDigits(seqPart) || !allDigits(yearPart) {
		return 0, 0, false
	}
	seq, err := strconv.Atoi(seqPart)
	if err != nil {
		return 0, 0, false
	}
	y, err := strconv.Atoi(yearPart)
	if err != nil {
		return 0, 0, false
	}
	return seq, y, true
}

// ValidServiceRequestID parses id and additionally requires a positive
// sequence and a year within [MinRequestYear, MaxRequestYear].
func ValidServiceRequestID(id string) (sequence, year int, ok bool) {
	seq, y, ok := ParseServiceRequestID(id)
	if !ok || seq <= 0 || y < MinRequestYear || y > MaxRequestYear {
		return 0, 0, false
	}
	return seq, y, true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// FormatServiceRequestID is the inverse of ParseServiceRequestID.
func FormatServiceRequestID(sequence, year int) string {
	return strconv.Itoa(sequence) + "-" + strconv.Itoa(year)
}

// RoundCoord rounds v half away from zero to precision decimals.
func RoundCoord(v float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}
