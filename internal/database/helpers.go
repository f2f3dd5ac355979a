package database

import (
	"database/sql"
	"errors"
	"time"
)

// TimeLayout is fixed width so stored timestamps compare correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in the stored timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(TimeLayout, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

// NullTime converts a nullable column into a *time.Time.
func NullTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := ParseTime(value.String)
	if err != nil {
		return nil
	}
	return &t
}

// NullableString maps empty strings to NULL.
func NullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// NullableTime maps nil or zero times to NULL.
func NullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return FormatTime(*value)
}

// BoolToInt maps a bool onto SQLite's integer booleans.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Placeholders returns a comma separated list of count bind markers.
func Placeholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
