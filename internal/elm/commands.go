// Package elm speaks the ELM327 AT dialect over a link: one command in
// flight at a time, replies terminated by the '>' prompt.
package elm

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	CommandReset           = "ATZ"
	CommandIdentify        = "ATI"
	CommandEchoOff         = "ATE0"
	CommandLineFeedsOff    = "ATL0"
	CommandHeadersOn       = "ATH1"
	CommandSpacesOff       = "ATS0"
	CommandSetProtocolAuto = "ATSP0"
	CommandSetTimeout      = "ATST32" // 0x32 * 4ms = 200ms per ECU reply
	CommandLowPower        = "ATLP"
	CommandProtocolNum     = "ATDPN"
	CommandReadVoltage     = "ATRV"

	CR     = "\r"
	Prompt = '>'

	// Supported protocol IDs
	ProtocolAuto          = "0" // Automatic mode
	ProtocolJ1850PWM      = "1" // SAE J1850 PWM
	ProtocolJ1850VPW      = "2" // SAE J1850 VPW
	ProtocolISO9141       = "3" // ISO 9141-2
	ProtocolISO14230_5    = "4" // ISO 14230-4 (KWP 5BAUD)
	ProtocolISO14230      = "5" // ISO 14230-4 (KWP FAST)
	ProtocolISO15765_11   = "6" // ISO 15765-4 (CAN 11/500)
	ProtocolISO15765_29   = "7" // ISO 15765-4 (CAN 29/500)
	ProtocolISO15765_11_2 = "8" // ISO 15765-4 (CAN 11/250)
	ProtocolISO15765_29_2 = "9" // ISO 15765-4 (CAN 29/250)
	ProtocolSAEJ1939      = "A" // SAE J1939 (CAN 29/250)
)

var protocolNames = map[string]string{
	ProtocolAuto:          "Auto",
	ProtocolJ1850PWM:      "SAE J1850 PWM (41.6 kbaud)",
	ProtocolJ1850VPW:      "SAE J1850 VPW (10.4 kbaud)",
	ProtocolISO9141:       "ISO 9141-2 (5 baud init)",
	ProtocolISO14230_5:    "ISO 14230-4 KWP (5 baud init)",
	ProtocolISO14230:      "ISO 14230-4 KWP (fast init)",
	ProtocolISO15765_11:   "ISO 15765-4 CAN (11 bit ID, 500 kbaud)",
	ProtocolISO15765_29:   "ISO 15765-4 CAN (29 bit ID, 500 kbaud)",
	ProtocolISO15765_11_2: "ISO 15765-4 CAN (11 bit ID, 250 kbaud)",
	ProtocolISO15765_29_2: "ISO 15765-4 CAN (29 bit ID, 250 kbaud)",
	ProtocolSAEJ1939:      "SAE J1939 CAN (29 bit ID, 250 kbaud)",
}

// ProtocolName returns the human-readable name of an ATDPN protocol number.
// A leading "A" (protocol chosen by auto-detection) is ignored.
func ProtocolName(num string) string {
	if len(num) == 2 && (num[0] == 'A' || num[0] == 'a') {
		num = num[1:]
	}
	if name, ok := protocolNames[num]; ok {
		return name
	}
	return "Unknown"
}

// Answers reports whether reply is recognisably the positive response to an
// OBD request: "010C" is answered by a line starting "41 0C", "03" by "43".
// AT commands and status replies such as NO DATA are never recognised.
func Answers(command, reply string) bool {
	cmd := strings.ToUpper(strings.ReplaceAll(command, " ", ""))
	if len(cmd)%2 == 1 {
		// trailing response count hint, e.g. "010C1"
		cmd = cmd[:len(cmd)-1]
	}
	raw, err := hex.DecodeString(cmd)
	if err != nil || len(raw) == 0 || raw[0] >= 0x40 {
		return false
	}
	want := fmt.Sprintf("%02X", raw[0]+0x40) + cmd[2:]

	for _, line := range strings.FieldsFunc(reply, func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = strings.ToUpper(strings.ReplaceAll(line, " ", ""))
		// multi-frame index, e.g. "0:43..."
		if i := strings.IndexByte(line, ':'); i >= 0 && i <= 2 {
			line = line[i+1:]
		}
		if strings.HasPrefix(line, want) {
			return true
		}
	}
	return false
}
