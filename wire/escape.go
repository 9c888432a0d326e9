package wire

import "strings"

// EscapeIndexField %-escapes spaces (and the escape character itself) in a
// name or path so it survives the index file's whitespace-delimited ASCII
// grammar.
func EscapeIndexField(s string) string {
	if !strings.ContainsAny(s, " %\n") {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ':
			b.WriteString("%20")
		case '%':
			b.WriteString("%25")
		case '\n':
			b.WriteString("%0A")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UnescapeIndexField reverses EscapeIndexField.
func UnescapeIndexField(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			switch s[i+1 : i+3] {
			case "20":
				b.WriteByte(' ')
				i += 2
				continue
			case "25":
				b.WriteByte('%')
				i += 2
				continue
			case "0A", "0a":
				b.WriteByte('\n')
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
