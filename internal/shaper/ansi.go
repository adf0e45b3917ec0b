package shaper

import "strings"

// stripEscapes removes ANSI escape sequences from b.
//
// Handled forms:
//   - CSI: ESC '[' parameter/intermediate bytes, terminated by 0x40-0x7E
//   - OSC: ESC ']' payload, terminated by BEL or ST (ESC '\')
//   - two-byte escapes: ESC followed by a single final byte
//
// A sequence cut off at the end of b is returned as carry so the caller
// can prepend it to the next chunk.
func stripEscapes(b []byte) (out []byte, carry []byte) {
	out = make([]byte, 0, len(b))
	i := 0
	for i < len(b) {
		c := b[i]
		if c != 0x1b {
			out = append(out, c)
			i++
			continue
		}
		// ESC at end of chunk: sequence may continue in the next read.
		if i+1 == len(b) {
			return out, b[i:]
		}
		switch b[i+1] {
		case '[':
			// CSI: skip until a final byte in 0x40-0x7E.
			j := i + 2
			for j < len(b) && (b[j] < 0x40 || b[j] > 0x7e) {
				j++
			}
			if j == len(b) {
				return out, b[i:]
			}
			i = j + 1
		case ']':
			// OSC: skip until BEL or ST.
			j := i + 2
			for j < len(b) {
				if b[j] == 0x07 {
					j++
					break
				}
				if b[j] == 0x1b && j+1 < len(b) && b[j+1] == '\\' {
					j += 2
					break
				}
				j++
			}
			if j >= len(b) && !endsOSC(b[i:]) {
				return out, b[i:]
			}
			i = j
		default:
			// Two-byte escape (e.g. ESC 7, ESC =).
			i += 2
		}
	}
	return out, nil
}

func endsOSC(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	if b[len(b)-1] == 0x07 {
		return true
	}
	return len(b) >= 2 && b[len(b)-2] == 0x1b && b[len(b)-1] == '\\'
}

// normalizeText folds CRLF to LF and discards carriage-return overwrites:
// within a line, text followed by '\r' with no following '\n' is dropped
// and only the content after the last '\r' survives. This collapses
// progress-bar style in-place updates to their final state.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if !strings.ContainsRune(s, '\r') {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
			lines[i] = line[idx+1:]
		}
	}
	return strings.Join(lines, "\n")
}

// Normalize strips ANSI escape sequences and normalizes line endings.
// The result is stable under re-application: Normalize(Normalize(b))
// equals Normalize(b).
func Normalize(b []byte) string {
	stripped, _ := stripEscapes(b)
	return normalizeText(string(stripped))
}
