package elm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"obdlink/internal/link"
	"obdlink/pkg/log"

	"go.uber.org/zap"
)

var (
	// ErrTimeout means no prompt arrived before the request timeout.
	ErrTimeout = errors.New("elm: request timed out")
	// ErrClosed is returned for requests made after Close.
	ErrClosed = errors.New("elm: channel closed")
	// ErrDisconnected means the link dropped before the reply completed.
	ErrDisconnected = errors.New("elm: link disconnected")
	// ErrWrite means the command could not be written to the link.
	ErrWrite = errors.New("elm: write failed")
)

const (
	DefaultTimeout     = 2 * time.Second
	DefaultDrainWindow = 500 * time.Millisecond
)

// ChannelOptions tunes NewChannel.
type ChannelOptions struct {
	// Timeout applies to Submit calls given a non-positive timeout.
	Timeout time.Duration
	// DrainWindow bounds how long a request waits for the prompt of an
	// earlier, timed out request before it sends its own command.
	DrainWindow time.Duration
}

// Channel turns a half-duplex link into a request/response API. A single
// worker goroutine owns the link's notification stream and serves one
// request at a time; callers queue in FIFO order on an unbuffered channel.
type Channel struct {
	link link.Link
	opts ChannelOptions

	reqs chan *request
	quit chan struct{}
	done chan struct{}
	seq  atomic.Uint64

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

type request struct {
	ctx     context.Context
	seq     uint64
	command string
	timeout time.Duration
	resp    chan result
}

type result struct {
	text string
	err  error
}

// NewChannel starts the worker for l.
func NewChannel(l link.Link, opts ChannelOptions) *Channel {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DrainWindow <= 0 {
		opts.DrainWindow = DefaultDrainWindow
	}
	c := &Channel{
		link: l,
		opts: opts,
		reqs: make(chan *request),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.run()
	return c
}

// Submit sends command and waits for the reply up to the prompt. The reply
// is returned without the prompt and with surrounding whitespace trimmed.
//
// A timeout resolves only this request; the channel stays usable. Once the
// link drops or Close is called, Submit fails with ErrDisconnected or
// ErrClosed.
func (c *Channel) Submit(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	req := &request{
		ctx:     ctx,
		seq:     c.seq.Add(1),
		command: command,
		timeout: timeout,
		resp:    make(chan result, 1),
	}

	select {
	case c.reqs <- req:
	case <-c.quit:
		return "", c.Err()
	case <-c.done:
		return "", c.Err()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	r := <-req.resp
	return r.text, r.err
}

// Query is Submit under the name the initializer and DTC service use.
func (c *Channel) Query(ctx context.Context, command string, timeout time.Duration) (string, error) {
	return c.Submit(ctx, command, timeout)
}

// Close stops accepting requests. The in-flight request, if any, resolves
// normally; queued callers fail with ErrClosed. Close does not close the
// link and may be called more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.setErr(ErrClosed)
		close(c.quit)
	})
}

// Done is closed once the worker has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, or nil while the channel is serving.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Channel) run() {
	defer close(c.done)

	// owed counts prompts still due from requests that gave up waiting.
	owed := 0
	for {
		select {
		case <-c.quit:
			return
		case <-c.link.Disconnected():
			c.setErr(ErrDisconnected)
			return
		case chunk := <-c.link.Notifications():
			// Between requests the only thing that can arrive is the tail
			// of a reply we already gave up on.
			log.Debug("discarding unsolicited data", zap.ByteString("data", chunk))
			owed = max(0, owed-bytes.Count(chunk, []byte{Prompt}))
		case req := <-c.reqs:
			select {
			case <-c.quit:
				req.resp <- result{err: ErrClosed}
				continue
			default:
			}

			var r result
			r, owed = c.serve(req, owed)
			req.resp <- r
			if errors.Is(r.err, ErrDisconnected) {
				c.setErr(ErrDisconnected)
				return
			}
		}
	}
}

// serve runs one request. owed is the number of prompts still due from
// earlier requests; serve returns how many are due once it is done.
//
// While a prompt is owed, a prompt-terminated frame is taken as the tail of
// the abandoned reply and dropped, unless it is recognisably the answer to
// this command. The adapter handles one command at a time, so such an answer
// also means the abandoned reply will never come.
func (c *Channel) serve(req *request, owed int) (result, int) {
	fields := []zap.Field{zap.Uint64("seq", req.seq), zap.String("command", req.command)}

	if err := req.ctx.Err(); err != nil {
		return result{err: err}, owed
	}
	if owed > 0 {
		var ok bool
		if owed, ok = c.drainStale(owed); !ok {
			return result{err: ErrDisconnected}, 0
		}
	}
	if owed == 0 {
		c.discardPending()
	}

	log.Debug("sending command", fields...)
	if err := c.link.Send([]byte(req.command + CR)); err != nil {
		if errors.Is(err, link.ErrTransportDisconnected) {
			return result{err: ErrDisconnected}, 0
		}
		return result{err: fmt.Errorf("%w: %s: %v", ErrWrite, req.command, err)}, owed
	}

	timer := time.NewTimer(req.timeout)
	defer timer.Stop()

	var buf bytes.Buffer
	for {
		select {
		case chunk := <-c.link.Notifications():
			buf.Write(chunk)
			for {
				idx := bytes.IndexByte(buf.Bytes(), Prompt)
				if idx < 0 {
					break
				}
				text := strings.TrimSpace(string(buf.Next(idx + 1)[:idx]))
				if owed > 0 {
					if !Answers(req.command, text) {
						log.Debug("dropping late reply", append(fields, zap.String("reply", text))...)
						owed--
						continue
					}
					owed = 0
				}
				log.Debug("received reply", append(fields, zap.String("reply", text))...)
				return result{text: text}, 0
			}
		case <-timer.C:
			log.Warn("command timed out", append(fields,
				zap.Duration("timeout", req.timeout),
				zap.String("partial", buf.String()))...)
			return result{err: fmt.Errorf("%w: %s after %v", ErrTimeout, req.command, req.timeout)}, owed + 1
		case <-c.link.Disconnected():
			log.Warn("link dropped mid-request", fields...)
			return result{err: ErrDisconnected}, 0
		case <-req.ctx.Done():
			return result{err: req.ctx.Err()}, owed + 1
		}
	}
}

// drainStale waits up to DrainWindow for the prompts that end timed out
// replies so that their tails cannot be read as the answer to the next
// command. It returns how many are still owed, and false if the link
// dropped meanwhile.
func (c *Channel) drainStale(owed int) (int, bool) {
	timer := time.NewTimer(c.opts.DrainWindow)
	defer timer.Stop()
	for owed > 0 {
		select {
		case chunk := <-c.link.Notifications():
			log.Debug("drained stale reply", zap.ByteString("data", chunk))
			owed = max(0, owed-bytes.Count(chunk, []byte{Prompt}))
		case <-timer.C:
			log.Debug("stale reply still outstanding", zap.Int("owed", owed))
			return owed, true
		case <-c.link.Disconnected():
			return 0, false
		}
	}
	return 0, true
}

// discardPending empties whatever is already queued on the link so every
// request starts from a clean buffer.
func (c *Channel) discardPending() {
	for {
		select {
		case chunk := <-c.link.Notifications():
			log.Debug("discarding pending data", zap.ByteString("data", chunk))
		default:
			return
		}
	}
}
