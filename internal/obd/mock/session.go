package mock

import (
	"strings"

	"obdlink/internal/elm"
	"obdlink/internal/obd"
)

// Session is the command state of one client: what a real adapter keeps
// between power cycles of its host connection.
type Session struct {
	sim       *Simulator
	echo      bool
	linefeeds bool
	spaces    bool
}

// NewSession starts in the power-up defaults: echo, linefeeds and spaces on.
func (s *Simulator) NewSession() *Session {
	return &Session{sim: s, echo: true, linefeeds: true, spaces: true}
}

// Handle processes one command line (without the carriage return) and
// returns everything the adapter would print, prompt included.
func (ss *Session) Handle(line string) string {
	cmd := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(line), " ", ""))
	if cmd == "" {
		return ">"
	}

	var out strings.Builder
	if ss.echo {
		out.WriteString(line + "\r")
	}

	reply := ss.process(cmd)
	if !ss.spaces {
		reply = strings.ReplaceAll(reply, " ", "")
	}
	eol := "\r"
	if ss.linefeeds {
		eol = "\r\n"
	}
	out.WriteString(reply + eol + eol + ">")
	return out.String()
}

func (ss *Session) process(cmd string) string {
	switch {
	case cmd == elm.CommandReset:
		ss.echo, ss.linefeeds, ss.spaces = true, true, true
		return "\r" + DefaultVersion
	case cmd == elm.CommandIdentify:
		return DefaultVersion
	case cmd == elm.CommandEchoOff:
		ss.echo = false
		return "OK"
	case cmd == "ATE1":
		ss.echo = true
		return "OK"
	case cmd == elm.CommandLineFeedsOff:
		ss.linefeeds = false
		return "OK"
	case cmd == "ATL1":
		ss.linefeeds = true
		return "OK"
	case cmd == elm.CommandSpacesOff:
		ss.spaces = false
		return "OK"
	case cmd == "ATS1":
		ss.spaces = true
		return "OK"
	case cmd == elm.CommandProtocolNum:
		return "A" + DefaultProtocol
	case cmd == "ATDP":
		return "AUTO, " + elm.ProtocolName(DefaultProtocol)
	case cmd == elm.CommandReadVoltage:
		return ss.sim.voltageReply()
	case strings.HasPrefix(cmd, "AT"):
		return "OK"
	case cmd == obd.ModeReadDTCs:
		return "SEARCHING...\r" + ss.sim.dtcReply()
	case cmd == obd.ModeClearDTCs:
		ss.sim.clearDTCs()
		return "44"
	case strings.HasPrefix(cmd, "01"):
		if reply, ok := ss.sim.pidReply(cmd); ok {
			return reply
		}
		return "NO DATA"
	default:
		return "?"
	}
}
