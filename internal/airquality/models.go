// Package airquality provides the Airparif index domain types shared by the
// upstream clients, the line protocol formatter and the exporter.
package airquality

import (
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/civil"
)

// Error kinds. Every failure surfaced by this module wraps exactly one of them.
var (
	// ErrArgument reports missing or malformed command line input.
	ErrArgument = errors.New("invalid argument")

	// ErrAPI reports a pollution API transport or decoding failure.
	ErrAPI = errors.New("airparif api error")

	// ErrResolve reports a geocoding failure, including an explicit error payload.
	ErrResolve = errors.New("insee resolution error")
)

// Day selects which relative-day query is issued to the pollution API.
type Day int

const (
	Yesterday Day = iota
	Today
	Tomorrow
)

// Days lists the three relative days in the order they are fetched.
var Days = []Day{Yesterday, Today, Tomorrow}

// QueryValue returns the value of the upstream "date" parameter for d.
func (d Day) QueryValue() string {
	switch d {
	case Yesterday:
		return "hier"
	case Today:
		return "jour"
	case Tomorrow:
		return "demain"
	default:
		return ""
	}
}

func (d Day) String() string {
	switch d {
	case Yesterday:
		return "yesterday"
	case Today:
		return "today"
	case Tomorrow:
		return "tomorrow"
	default:
		return "Day(" + strconv.Itoa(int(d)) + ")"
	}
}

// IndexRecord is one pollution index for a calendar date.
type IndexRecord struct {
	// Date the index applies to.
	Date civil.Date

	// Index is the severity value.
	Index int

	// AreaCode is the INSEE code of the commune; nil for the region-wide index.
	AreaCode *string

	// Pollutants contributing to the index, as returned upstream.
	// Empty means all pollutants implicitly.
	Pollutants []string
}

// HasAreaCode reports whether the record is scoped to a commune.
func (r IndexRecord) HasAreaCode() bool {
	return r.AreaCode != nil
}

// AreaNameMap maps INSEE codes to display names.
// It is built once per run and read-only afterwards; an empty map disables
// city annotation.
type AreaNameMap map[string]string

// Lookup returns the display name for code.
func (m AreaNameMap) Lookup(code string) (string, bool) {
	name, ok := m[code]
	return name, ok
}

// NormalizeAreaCode validates an INSEE code given on the command line and
// returns its canonical decimal form.
func NormalizeAreaCode(code string) (string, error) {
	n, err := strconv.ParseUint(code, 10, 32)
	if err != nil {
		return "", fmt.Errorf("%w: area code %q is not a number", ErrArgument, code)
	}
	return strconv.FormatUint(n, 10), nil
}

// AreaCode returns a pointer to code, for building records.
func AreaCode(code string) *string {
	return &code
}
