// Package expiry implements the Expiry Oracle (C2): a pure, side-effect-free
// classifier that decides whether a Deribit instrument name is past its
// settlement moment.
//
// Grounded on original_source/scripts/instrument_expiry_checker.py: the name
// format, the 08:00 UTC settlement convention, and the "unparseable means
// not expired" safety rule are carried over unchanged, just expressed with
// Go's time package instead of Python's datetime/re.
package expiry

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultBuffer is the grace period after settlement before an instrument
// is treated as expired, per spec §4.2.
const DefaultBuffer = 5 * time.Minute

// settlementHourUTC is Deribit's settlement time of day for every
// expiring instrument.
const settlementHourUTC = 8

// namePattern matches the shared prefix of both the option format
// (CCY-DDMMMYY-STRIKE-[CP]) and the future format (CCY-DDMMMYY); the
// strike/type suffix, if present, is irrelevant to expiry classification.
var namePattern = regexp.MustCompile(`^[A-Za-z]+-(\d{1,2})([A-Za-z]{3})(\d{2})(-.*)?$`)

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// ParseSettlement extracts the settlement moment (08:00 UTC on the named
// date) encoded in a Deribit instrument name. ok is false if the name does
// not match the expected format.
func ParseSettlement(instrumentName string) (t time.Time, ok bool) {
	m := namePattern.FindStringSubmatch(instrumentName)
	if m == nil {
		return time.Time{}, false
	}

	day, err := strconv.Atoi(m[1])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}

	month, ok := months[strings.ToUpper(m[2])]
	if !ok {
		return time.Time{}, false
	}

	yy, err := strconv.Atoi(m[3])
	if err != nil {
		return time.Time{}, false
	}
	year := 2000 + yy

	return time.Date(year, month, day, settlementHourUTC, 0, 0, 0, time.UTC), true
}

// IsExpired reports whether now is at or past the instrument's settlement
// moment plus buffer. A name that cannot be parsed is conservatively
// treated as not expired — we never drop what we can't classify.
func IsExpired(instrumentName string, now time.Time, buffer time.Duration) bool {
	settlement, ok := ParseSettlement(instrumentName)
	if !ok {
		return false
	}
	return !now.Before(settlement.Add(buffer))
}

// NextExpiry returns the earliest settlement moment among the given
// instrument names, or ok=false if none parse.
func NextExpiry(instrumentNames []string) (next time.Time, ok bool) {
	for _, name := range instrumentNames {
		settlement, parsed := ParseSettlement(name)
		if !parsed {
			continue
		}
		if !ok || settlement.Before(next) {
			next = settlement
			ok = true
		}
	}
	return next, ok
}
