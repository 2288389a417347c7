package source

import "time"

// TimeCursor encodes a modified-since watermark.
func TimeCursor(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimeCursor decodes a TimeCursor. ok is false for empty or opaque
// cursors such as history ids and sync tokens.
func ParseTimeCursor(c string) (t time.Time, ok bool) {
	if c == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, c)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Rewind moves a timestamp cursor back by overlap so late-committed source
// rows are re-read. Opaque cursors are returned unchanged.
func Rewind(c string, overlap time.Duration) string {
	t, ok := ParseTimeCursor(c)
	if !ok || overlap <= 0 {
		return c
	}
	return TimeCursor(t.Add(-overlap))
}

// MaxTime returns the later of a and b.
func MaxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// LaterCursor picks the cursor to store after a poll that started at old
// and reported next. Timestamp cursors never move backwards. Opaque cursors
// are source-defined, so next always wins.
func LaterCursor(old, next string) string {
	if next == "" {
		return old
	}
	o, okOld := ParseTimeCursor(old)
	n, okNext := ParseTimeCursor(next)
	if okOld && okNext && n.Before(o) {
		return old
	}
	return next
}
