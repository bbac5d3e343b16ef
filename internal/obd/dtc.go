package obd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"obdlink/internal/models"
)

const (
	// ModeReadDTCs requests stored trouble codes.
	ModeReadDTCs = "03"
	// ModeClearDTCs clears stored codes and the MIL.
	ModeClearDTCs = "04"

	readDTCsResponse  = "43"
	clearDTCsResponse = "44"
)

// How to read DTC codes
//
//	A7 A6    category      A5 A4    second digit
//	-- --    --------      -- --    ------------
//	 0  0    P             0-3 as binary
//	 0  1    C
//	 1  0    B
//	 1  1    U
//
// The remaining 12 bits (A3..A0, B7..B0) are three hex digits.
// Example: 01 33 -> P0133, E1 03 -> U2103.

// DecodeDTC decodes one 2-byte trouble code. The all-zero pair is padding
// and reports ok=false.
func DecodeDTC(a, b byte) (models.DTCRecord, bool) {
	if a == 0 && b == 0 {
		return models.DTCRecord{}, false
	}

	category := models.Category(a >> 6)
	digit := (a >> 4) & 0x03
	code := fmt.Sprintf("%c%d%X%02X", category.Letter(), digit, a&0x0F, b)

	return models.DTCRecord{
		Code:        code,
		Category:    category,
		Description: Describe(code),
	}, true
}

// ParseDTCs parses a Mode 03 reply into trouble codes, order preserved.
// It understands single-line legacy frames ("43 01 33 00 00 00 00"), CAN
// frames with a leading count byte ("43 01 01 33"), several ECUs answering
// on separate lines, and multi-frame ISO-TP replies ("0: 43 04 ...").
// Anything it cannot make sense of is skipped.
func ParseDTCs(response string) []models.DTCRecord {
	records, _ := ParseDTCReply(response)
	return records
}

// ParseDTCReply is ParseDTCs that also reports whether the reply was a
// Mode 03 answer at all: a "43" message or NO DATA (no stored codes).
func ParseDTCReply(response string) ([]models.DTCRecord, bool) {
	var (
		records []models.DTCRecord
		valid   bool
	)
	lines := Normalize(response)
	for _, line := range lines {
		if strings.HasPrefix(line, "NODATA") {
			valid = true
		}
	}
	for _, msg := range messages(lines) {
		if !strings.HasPrefix(msg, readDTCsResponse) {
			continue
		}
		valid = true
		body := msg[len(readDTCsResponse):]
		if len(body)%2 == 1 {
			body = body[:len(body)-1]
		}
		data, err := hex.DecodeString(body)
		if err != nil {
			continue
		}
		// CAN replies carry a count byte which makes the payload odd.
		if len(data)%2 == 1 {
			data = data[1:]
		}
		for i := 0; i+1 < len(data); i += 2 {
			if rec, ok := DecodeDTC(data[i], data[i+1]); ok {
				records = append(records, rec)
			}
		}
	}
	return records, valid
}

// ParseClear reports whether a Mode 04 reply acknowledged the clear.
func ParseClear(response string) bool {
	for _, line := range Normalize(response) {
		if strings.HasPrefix(line, clearDTCsResponse) {
			return true
		}
	}
	return false
}

// messages groups normalised lines into logical replies. Multi-frame replies
// (lines prefixed "0:", "1:", ...) are joined, honouring the optional byte
// length line that precedes them.
func messages(lines []string) []string {
	var (
		out      []string
		frames   strings.Builder
		inFrames bool
		length   = -1
	)
	for _, line := range lines {
		if IsNoData(line) {
			continue
		}
		if body, ok := stripFrameIndex(line); ok {
			inFrames = true
			frames.WriteString(body)
			continue
		}
		if len(line) <= 3 {
			if n, err := strconv.ParseUint(line, 16, 16); err == nil {
				length = int(n)
				continue
			}
		}
		out = append(out, line)
	}
	if inFrames {
		joined := frames.String()
		if length >= 0 && length*2 < len(joined) {
			joined = joined[:length*2]
		}
		out = append(out, joined)
	}
	return out
}
