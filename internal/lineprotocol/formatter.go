// Package lineprotocol renders Airparif index records as InfluxDB line
// protocol, the input format of Telegraf's exec plugin.
package lineprotocol

import (
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/breatheroute/airparif-influx/internal/airquality"
)

// Measurement is the measurement name of every emitted line.
const Measurement = "pollution"

// Day tag values.
const (
	DayPrevious = "previous"
	DayCurrent  = "current"
	DayNext     = "next"
)

const (
	unknownCity  = "none"
	regionInsee  = "0"
	indexField   = "index"
	tagSeparator = `\ `
)

// ErrNoRecords is returned when a collapsed line is requested for an empty day.
var ErrNoRecords = errors.New("no index records to format")

// Formatter renders records relative to a fixed reference time.
// It never modifies the records it is given.
type Formatter struct {
	now   time.Time
	today civil.Date
	names airquality.AreaNameMap
}

// NewFormatter returns a Formatter whose day tags and timestamps are computed
// against now, in now's location. names may be nil or empty, in which case no
// city tag is emitted.
func NewFormatter(now time.Time, names airquality.AreaNameMap) *Formatter {
	return &Formatter{
		now:   now,
		today: civil.DateOf(now),
		names: names,
	}
}

// Format renders one record:
//
//	pollution,insee=<code|0>[,city=<name>],day=<tag>[,pollutant=<list>] index=<n> <ns>
func (f *Formatter) Format(rec airquality.IndexRecord) string {
	var b strings.Builder
	b.WriteString(Measurement)

	b.WriteString(",insee=")
	if rec.HasAreaCode() {
		b.WriteString(*rec.AreaCode)
		if len(f.names) > 0 {
			b.WriteString(",city=")
			if name, ok := f.names.Lookup(*rec.AreaCode); ok {
				b.WriteString(EscapeTagValue(name))
			} else {
				b.WriteString(unknownCity)
			}
		}
	} else {
		b.WriteString(regionInsee)
	}

	b.WriteString(",day=")
	b.WriteString(f.DayTag(rec.Date))

	if len(rec.Pollutants) > 0 {
		pollutants := slices.Clone(rec.Pollutants)
		slices.Sort(pollutants)
		b.WriteString(",pollutant=")
		b.WriteString(strings.Join(pollutants, tagSeparator))
	}

	b.WriteByte(' ')
	b.WriteString(indexField)
	b.WriteByte('=')
	b.WriteString(strconv.Itoa(rec.Index))

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(f.Timestamp(rec.Date), 10))

	return b.String()
}

// FormatCollapsed renders all region-wide records of one day as a single line
// with one field per pollutant, in record order:
//
//	pollution,insee=0,day=<tag> global=35,no2=17,o3=35,pm10=31 <ns>
//
// The day tag and timestamp come from the first record. A record without
// pollutants is emitted under the "index" field.
func (f *Formatter) FormatCollapsed(recs []airquality.IndexRecord) (string, error) {
	if len(recs) == 0 {
		return "", ErrNoRecords
	}
	first := recs[0]

	var b strings.Builder
	b.WriteString(Measurement)
	b.WriteString(",insee=")
	b.WriteString(regionInsee)
	b.WriteString(",day=")
	b.WriteString(f.DayTag(first.Date))
	b.WriteByte(' ')

	for i, rec := range recs {
		if i > 0 {
			b.WriteByte(',')
		}
		field := indexField
		if len(rec.Pollutants) > 0 {
			field = rec.Pollutants[0]
		}
		b.WriteString(field)
		b.WriteByte('=')
		b.WriteString(strconv.Itoa(rec.Index))
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(f.Timestamp(first.Date), 10))

	return b.String(), nil
}

// DayTag classifies date against the formatter's current date.
func (f *Formatter) DayTag(date civil.Date) string {
	switch {
	case date.Before(f.today):
		return DayPrevious
	case date.After(f.today):
		return DayNext
	default:
		return DayCurrent
	}
}

// Timestamp returns midnight of date in nanoseconds since the epoch. The UTC
// offset is the one in effect at the reference time, not on date itself, so
// a date across a DST change is shifted by the DST delta.
func (f *Formatter) Timestamp(date civil.Date) int64 {
	_, offset := f.now.Zone()
	zone := time.FixedZone("", offset)
	return time.Date(date.Year, date.Month, date.Day, 0, 0, 0, 0, zone).UnixNano()
}

// EscapeTagValue escapes spaces in a tag value. No other character is escaped.
func EscapeTagValue(v string) string {
	return strings.ReplaceAll(v, " ", tagSeparator)
}
