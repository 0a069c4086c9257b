package db

import "time"

// parseSQLiteTime decodes sqlite's datetime('now') text format.
// A malformed value yields the zero time rather than failing the row.
func parseSQLiteTime(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}
	}
	return t
}
