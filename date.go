package sdfat

import (
	"time"
)

// Bit layout of the 16 bit date and time stamps of directory entries.
const (
	dayMask     = 0x001F
	monthMask   = 0x01E0
	monthShift  = 5
	yearMask    = 0xFE00
	yearShift   = 9
	secondsMask = 0x001F
	minuteMask  = 0x07E0
	minuteShift = 5
	hourMask    = 0xF800
	hourShift   = 11
	dosEpoch    = 1980
	maxDOSYear  = 127
)

// ParseDate decodes a directory entry date stamp:
//  bits 0-4:  day of month, 1-31
//  bits 5-8:  month, 1-12
//  bits 9-15: years since 1980, 0-127
// The result always has the time 00:00:00 UTC.
//
// A day or month of 0 is invalid and results in time.Time{}, so
// time.Time.IsZero() detects it. Months above 12 roll over into the next year.
func ParseDate(input uint16) time.Time {
	day := input & dayMask
	month := input & monthMask >> monthShift
	year := input & yearMask >> yearShift

	if day == 0 || month == 0 {
		return time.Time{}
	}

	return time.Date(dosEpoch+int(year), time.Month(month), int(day), 0, 0, 0, 0, time.UTC)
}

// ParseTime decodes a directory entry time stamp:
//  bits 0-4:   seconds / 2, 0-29
//  bits 5-10:  minutes, 0-59
//  bits 11-15: hours, 0-23
// The result is on January 1 of year 1, so midnight is time.Time{}.
// Out of range values are clamped to 23:59:59.
func ParseTime(input uint16) time.Time {
	seconds := int(input&secondsMask) * 2
	minutes := input & minuteMask >> minuteShift
	hours := input & hourMask >> hourShift

	result := time.Date(1, 1, 1, int(hours), int(minutes), seconds, 0, time.UTC)
	if result.Day() > 1 {
		return time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC)
	}
	return result
}

// FormatDate encodes the date of t in the format read by ParseDate.
// Dates before 1980 are stored as 1980-01-01, dates after 2107 as 2107-12-31.
func FormatDate(t time.Time) uint16 {
	year := t.Year() - dosEpoch
	switch {
	case year < 0:
		return 1<<monthShift | 1
	case year > maxDOSYear:
		return maxDOSYear<<yearShift | 12<<monthShift | 31
	}
	return uint16(year)<<yearShift | uint16(t.Month())<<monthShift | uint16(t.Day())
}

// FormatTime encodes the time of t in the format read by ParseTime.
// Odd seconds are rounded down.
func FormatTime(t time.Time) uint16 {
	return uint16(t.Hour())<<hourShift | uint16(t.Minute())<<minuteShift | uint16(t.Second()/2)
}
