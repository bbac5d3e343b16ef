package elm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"obdlink/pkg/log"

	"go.uber.org/zap"
)

// ErrAdapterInitFailed means the bring-up sequence could not be delivered.
var ErrAdapterInitFailed = errors.New("elm: adapter initialization failed")

const (
	DefaultDelay          = 100 * time.Millisecond
	DefaultResetTimeout   = 3 * time.Second
	DefaultCommandTimeout = time.Second

	// LowVoltage is the battery voltage below which a warning is logged.
	LowVoltage = 6.0
)

// Querier issues one command and returns its reply.
type Querier interface {
	Query(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, command string, timeout time.Duration) (string, error)

func (f QuerierFunc) Query(ctx context.Context, command string, timeout time.Duration) (string, error) {
	return f(ctx, command, timeout)
}

// Step is one command of the bring-up sequence.
type Step struct {
	Command string
	// Expect is a substring a well-behaved adapter includes in its reply.
	// A mismatch is logged and counted, never fatal by itself.
	Expect string
	Reset  bool
}

// Sequence is the fixed bring-up order.
var Sequence = []Step{
	{Command: CommandReset, Expect: "ELM", Reset: true},
	{Command: CommandEchoOff, Expect: "OK"},
	{Command: CommandLineFeedsOff, Expect: "OK"},
	{Command: CommandSpacesOff, Expect: "OK"},
	{Command: CommandSetProtocolAuto, Expect: "OK"},
	{Command: CommandSetTimeout, Expect: "OK"},
}

// InitOptions tunes an Initializer.
type InitOptions struct {
	Delay          time.Duration
	ResetTimeout   time.Duration
	CommandTimeout time.Duration
	// MaxUnexpectedReplies aborts bring-up once that many replies were
	// missing or unexpected. Zero never aborts.
	MaxUnexpectedReplies int
}

// Initializer brings a freshly connected adapter into a known state.
type Initializer struct {
	opts InitOptions
}

func NewInitializer(opts InitOptions) *Initializer {
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = DefaultResetTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	return &Initializer{opts: opts}
}

// Run sends Sequence in order. Replies are logged but only loosely checked,
// since adapters vary in what they print; only a transport failure (write
// error, disconnect, closed channel, cancelled ctx) fails with
// ErrAdapterInitFailed. A timed out step counts as an unexpected reply.
func (i *Initializer) Run(ctx context.Context, q Querier) error {
	unexpected := 0
	for n, step := range Sequence {
		if n > 0 && i.opts.Delay > 0 {
			select {
			case <-time.After(i.opts.Delay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrAdapterInitFailed, ctx.Err())
			}
		}

		timeout := i.opts.CommandTimeout
		if step.Reset {
			timeout = i.opts.ResetTimeout
		}

		resp, err := q.Query(ctx, step.Command, timeout)
		switch {
		case err == nil:
			log.Info("adapter init step", zap.String("command", step.Command), zap.String("response", resp))
			if !strings.Contains(strings.ToUpper(resp), step.Expect) {
				unexpected++
				log.Warn("unexpected reply during adapter init",
					zap.String("command", step.Command),
					zap.String("response", resp),
					zap.String("expected", step.Expect))
			}
		case errors.Is(err, ErrTimeout):
			unexpected++
			log.Warn("no reply during adapter init", zap.String("command", step.Command), zap.Error(err))
		default:
			return fmt.Errorf("%w: %s: %w", ErrAdapterInitFailed, step.Command, err)
		}

		if limit := i.opts.MaxUnexpectedReplies; limit > 0 && unexpected >= limit {
			return fmt.Errorf("%w: %d unexpected replies", ErrAdapterInitFailed, unexpected)
		}
	}
	return nil
}

// AdapterInfo is what the adapter says about itself after bring-up.
type AdapterInfo struct {
	Version      string
	Protocol     string
	ProtocolName string
	Voltage      float64
}

// Identify queries version, protocol and battery voltage. It never fails;
// fields the adapter does not answer stay empty.
func (i *Initializer) Identify(ctx context.Context, q Querier) AdapterInfo {
	var info AdapterInfo

	if resp, err := q.Query(ctx, CommandIdentify, i.opts.CommandTimeout); err == nil {
		info.Version = firstLine(resp, CommandIdentify)
	} else {
		log.Warn("failed to read adapter version", zap.Error(err))
	}

	if resp, err := q.Query(ctx, CommandProtocolNum, i.opts.CommandTimeout); err == nil {
		info.Protocol = strings.ToUpper(firstLine(resp, CommandProtocolNum))
		// "A6" means protocol 6 found by auto-detection.
		if len(info.Protocol) == 2 && info.Protocol[0] == 'A' {
			info.Protocol = info.Protocol[1:]
		}
		info.ProtocolName = ProtocolName(info.Protocol)
	} else {
		log.Warn("failed to read protocol", zap.Error(err))
	}

	if resp, err := q.Query(ctx, CommandReadVoltage, i.opts.CommandTimeout); err == nil {
		if v, err := parseVoltage(firstLine(resp, CommandReadVoltage)); err == nil {
			info.Voltage = v
			if v < LowVoltage {
				log.Warn("battery voltage low", zap.Float64("voltage", v))
			}
		} else {
			log.Warn("failed to parse voltage", zap.String("response", resp), zap.Error(err))
		}
	} else {
		log.Warn("failed to read voltage", zap.Error(err))
	}

	log.Info("adapter identified",
		zap.String("version", info.Version),
		zap.String("protocol", info.Protocol),
		zap.String("protocol_name", info.ProtocolName),
		zap.Float64("voltage", info.Voltage))
	return info
}

// firstLine returns the first non-empty reply line that is not the echoed
// command.
func firstLine(resp, command string) string {
	for _, l := range strings.FieldsFunc(resp, func(r rune) bool { return r == '\r' || r == '\n' }) {
		l = strings.TrimSpace(l)
		if l == "" || strings.EqualFold(strings.ReplaceAll(l, " ", ""), command) {
			continue
		}
		return l
	}
	return ""
}

// parseVoltage parses an ELM voltage response like "12.5V".
func parseVoltage(response string) (float64, error) {
	response = strings.TrimSpace(strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(response)), "V"))
	return strconv.ParseFloat(response, 64)
}
