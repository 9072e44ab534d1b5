package event

import (
	"strconv"
	"strings"
	"time"
)

// formatTimestamp renders ts (in UTC) using a Joda-style pattern such as
// "yyyy.MM.dd" or "HH:mm:ss.SSS". Text in single quotes is copied verbatim.
func formatTimestamp(ts time.Time, pattern string) string {
	ts = ts.UTC()

	var b strings.Builder
	for i := 0; i < len(pattern); {
		c := pattern[i]

		if c == '\'' {
			end := strings.IndexByte(pattern[i+1:], '\'')
			if end < 0 {
				b.WriteString(pattern[i+1:])
				break
			}
			if end == 0 {
				b.WriteByte('\'')
			} else {
				b.WriteString(pattern[i+1 : i+1+end])
			}
			i += end + 2
			continue
		}

		n := 1
		for i+n < len(pattern) && pattern[i+n] == c {
			n++
		}
		b.WriteString(formatField(ts, c, n, pattern[i:i+n]))
		i += n
	}
	return b.String()
}

func formatField(ts time.Time, letter byte, n int, literal string) string {
	switch letter {
	case 'y', 'Y':
		if n == 2 {
			return pad(ts.Year()%100, 2)
		}
		return pad(ts.Year(), n)
	case 'M':
		switch {
		case n >= 4:
			return ts.Month().String()
		case n == 3:
			return ts.Month().String()[:3]
		default:
			return pad(int(ts.Month()), n)
		}
	case 'd':
		return pad(ts.Day(), n)
	case 'D':
		return pad(ts.YearDay(), n)
	case 'H':
		return pad(ts.Hour(), n)
	case 'h':
		h := ts.Hour() % 12
		if h == 0 {
			h = 12
		}
		return pad(h, n)
	case 'm':
		return pad(ts.Minute(), n)
	case 's':
		return pad(ts.Second(), n)
	case 'S':
		frac := pad(ts.Nanosecond(), 9)
		if n <= 9 {
			return frac[:n]
		}
		return frac + strings.Repeat("0", n-9)
	case 'a':
		if ts.Hour() < 12 {
			return "AM"
		}
		return "PM"
	case 'E':
		if n >= 4 {
			return ts.Weekday().String()
		}
		return ts.Weekday().String()[:3]
	case 'Z':
		if n >= 2 {
			return "+00:00"
		}
		return "+0000"
	default:
		return literal
	}
}

func pad(v, width int) string {
	s := strconv.Itoa(v)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
