package main

import (
	"fmt"
	"strings"
)

const promptFormat = "Answer in %d characters or less, no markdown formatting: %s"

// questionText reconstructs the dotted name from wire labels and recovers
// the text the client typed. The configured domain suffix is removed when
// it matches the tail of the name (case-insensitive); a name without the
// suffix is used whole, which keeps the server usable as a catch-all
// resolver. Presentation escapes are decoded last so an escaped dot never
// interferes with the suffix match.
func questionText(labels []string, suffix string) string {
	name := strings.Join(labels, ".")
	suffix = strings.Trim(suffix, ".")

	if suffix != "" {
		if strings.EqualFold(name, suffix) {
			name = ""
		} else if n := len(name) - len(suffix) - 1; n > 0 &&
			name[n] == '.' && strings.EqualFold(name[n+1:], suffix) {
			name = name[:n]
		}
	}

	return unescapeName(name)
}

// unescapeName decodes the escapes resolvers apply to unusual bytes in a
// label: \DDD is a decimal byte value, \X is the literal character X.
func unescapeName(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			v := int(s[i+1]-'0')*100 + int(s[i+2]-'0')*10 + int(s[i+3]-'0')
			if v < 256 {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// buildPrompt wraps the question in a fixed instruction so answers come
// back short and unformatted. Prompt shaping only, never on the wire.
func buildPrompt(question string, maxChars int) string {
	return fmt.Sprintf(promptFormat, maxChars, question)
}
