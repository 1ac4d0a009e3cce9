package ics

import "strings"

// Unfold joins continuation lines (lines starting with a space or tab) onto
// the previous line and normalizes line endings to CRLF-free "\n".
func Unfold(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	var b strings.Builder
	b.Grow(len(text))
	for i, line := range lines {
		if i > 0 && len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			b.WriteString(line[1:])
			continue
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}

// eventSpans returns the BEGIN:VEVENT..END:VEVENT blocks of unfolded text.
// A block that is never closed before the next BEGIN:VEVENT is dropped.
func eventSpans(unfolded string) []string {
	var (
		spans []string
		cur   []string
		open  bool
	)
	for _, raw := range strings.Split(unfolded, "\n") {
		line := strings.TrimRight(raw, " \t")
		switch strings.ToUpper(line) {
		case "BEGIN:VEVENT":
			cur = cur[:0]
			open = true
			cur = append(cur, line)
			continue
		case "END:VEVENT":
			if open {
				cur = append(cur, line)
				spans = append(spans, strings.Join(cur, "\r\n"))
			}
			open = false
			continue
		}
		if open {
			cur = append(cur, line)
		}
	}
	return spans
}

func wrapEvent(span string) string {
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//weekcal//fallback//EN\r\n" + span + "\r\nEND:VCALENDAR\r\n"
}
