package obd

import (
	"encoding/hex"
	"strings"
	"unicode"
)

// adapter status words that carry no payload
var noPayload = []string{
	"NODATA",
	"UNABLETOCONNECT",
	"BUSINIT",
	"BUSBUSY",
	"BUSERROR",
	"CANERROR",
	"DATAERROR",
	"BUFFERFULL",
	"STOPPED",
	"ERROR",
	"?",
}

// Normalize strips whitespace and uppercases every line of an adapter response,
// dropping empty lines, the prompt, and the "SEARCHING..." banner ELM327
// adapters print while auto-detecting the bus protocol.
func Normalize(response string) []string {
	response = strings.ReplaceAll(response, ">", "")
	raw := strings.FieldsFunc(response, func(r rune) bool { return r == '\r' || r == '\n' })

	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return unicode.ToUpper(r)
		}, l)
		if l == "" || strings.HasPrefix(l, "SEARCHING") {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// IsNoData reports whether a normalised line is an adapter status word
// rather than a payload.
func IsNoData(line string) bool {
	for _, w := range noPayload {
		if strings.HasPrefix(line, w) {
			return true
		}
	}
	return false
}

// payloadAfter finds header in line and decodes the hex that follows it.
// Odd trailing nibbles are dropped. Any offset is accepted so that replies
// with 11-bit CAN headers ("7E8 04 41 0C ...") still match.
func payloadAfter(line, header string) ([]byte, bool) {
	for i := 0; i+len(header) <= len(line); i++ {
		if line[i:i+len(header)] != header {
			continue
		}
		rest := line[i+len(header):]
		if len(rest)%2 == 1 {
			rest = rest[:len(rest)-1]
		}
		b, err := hex.DecodeString(rest)
		if err != nil {
			return nil, false
		}
		return b, true
	}
	return nil, false
}

// stripFrameIndex removes the "0:" / "1:" prefixes of multi-frame CAN replies.
func stripFrameIndex(line string) (string, bool) {
	if idx := strings.IndexByte(line, ':'); idx > 0 && idx <= 2 {
		return line[idx+1:], true
	}
	return line, false
}
