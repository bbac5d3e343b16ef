package models

// Category is the system a diagnostic trouble code belongs to.
type Category int

const (
	Powertrain Category = iota
	Chassis
	Body
	Network
)

var categoryLetters = [...]byte{'P', 'C', 'B', 'U'}

// Letter returns the code prefix letter (P, C, B or U).
func (c Category) Letter() byte {
	if c < Powertrain || c > Network {
		return '?'
	}
	return categoryLetters[c]
}

func (c Category) String() string {
	switch c {
	case Powertrain:
		return "Powertrain"
	case Chassis:
		return "Chassis"
	case Body:
		return "Body"
	case Network:
		return "Network"
	default:
		return "Unknown"
	}
}

// DTCRecord represents a diagnostic trouble code with an optional description.
type DTCRecord struct {
	Code        string   `json:"code"`
	Category    Category `json:"category"`
	Description string   `json:"description,omitempty"`
}

// HasDescription reports whether the lookup table knew this code.
func (d DTCRecord) HasDescription() bool {
	return d.Description != ""
}

// CloneDTCs returns a copy of records so that callers never share backing arrays.
func CloneDTCs(records []DTCRecord) []DTCRecord {
	out := make([]DTCRecord, len(records))
	copy(out, records)
	return out
}

// Codes returns only the code strings of records, in order.
func Codes(records []DTCRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Code)
	}
	return out
}
