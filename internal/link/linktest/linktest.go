// Package linktest provides scripted in-memory links and platforms for tests.
package linktest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"obdlink/internal/link"
)

// Reply describes how the fake adapter answers one command.
type Reply struct {
	// Text is sent back followed by the "\r\r>" prompt.
	Text string
	// Delay postpones the reply.
	Delay time.Duration
	// Drop suppresses the reply entirely, so the caller times out.
	Drop bool
	// NoPrompt sends Text without the trailing prompt.
	NoPrompt bool
}

// Responder maps a command (carriage return stripped) to a reply.
type Responder func(cmd string) Reply

// Static answers from a fixed table; unknown commands get "?".
func Static(table map[string]string) Responder {
	return func(cmd string) Reply {
		if r, ok := table[cmd]; ok {
			return Reply{Text: r}
		}
		return Reply{Text: "?"}
	}
}

// OK answers every command with "OK".
func OK(string) Reply { return Reply{Text: "OK"} }

// Link is a fake adapter link.
type Link struct {
	// Chunk, when positive, splits every reply into notifications of at
	// most Chunk bytes.
	Chunk int

	mu      sync.Mutex
	respond Responder
	sent    []string
	sendErr error
	closed  bool

	notes    chan []byte
	gone     chan struct{}
	goneOnce sync.Once
}

var _ link.Link = (*Link)(nil)

// NewLink creates a link answering with respond. A nil respond never answers.
func NewLink(respond Responder) *Link {
	if respond == nil {
		respond = func(string) Reply { return Reply{Drop: true} }
	}
	return &Link{
		respond: respond,
		notes:   make(chan []byte, 256),
		gone:    make(chan struct{}),
	}
}

// SetResponder swaps the responder.
func (l *Link) SetResponder(respond Responder) {
	l.mu.Lock()
	l.respond = respond
	l.mu.Unlock()
}

// FailSends makes every later Send return err.
func (l *Link) FailSends(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

func (l *Link) Send(data []byte) error {
	select {
	case <-l.gone:
		return link.ErrTransportDisconnected
	default:
	}

	cmd := strings.TrimRight(string(data), "\r")

	l.mu.Lock()
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return err
	}
	l.sent = append(l.sent, cmd)
	reply := l.respond(cmd)
	l.mu.Unlock()

	if reply.Drop {
		return nil
	}
	text := reply.Text
	if !reply.NoPrompt {
		text += "\r\r>"
	}

	go func() {
		if reply.Delay > 0 {
			select {
			case <-time.After(reply.Delay):
			case <-l.gone:
				return
			}
		}
		l.Inject(text)
	}()
	return nil
}

// Inject pushes raw bytes as if the adapter had sent them unprompted.
func (l *Link) Inject(text string) {
	data := []byte(text)
	size := l.Chunk
	if size <= 0 {
		size = len(data)
	}
	for len(data) > 0 {
		n := min(size, len(data))
		chunk := make([]byte, n)
		copy(chunk, data[:n])
		data = data[n:]
		select {
		case l.notes <- chunk:
		case <-l.gone:
			return
		}
	}
}

func (l *Link) Notifications() <-chan []byte { return l.notes }

func (l *Link) Disconnected() <-chan struct{} { return l.gone }

// Disconnect simulates the peer dropping the link.
func (l *Link) Disconnect() {
	l.goneOnce.Do(func() { close(l.gone) })
}

func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.Disconnect()
	return nil
}

// Closed reports whether Close was called.
func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Sent returns the commands received so far, in order.
func (l *Link) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.sent))
	copy(out, l.sent)
	return out
}

// Count returns how many times cmd was received.
func (l *Link) Count(cmd string) int {
	n := 0
	for _, c := range l.Sent() {
		if c == cmd {
			n++
		}
	}
	return n
}

// Platform is a fake link.Platform.
type Platform struct {
	// CheckErr is returned by Check.
	CheckErr error
	// Devices are reported by Scan, then Scan waits for ctx.
	Devices []link.Device
	// DialErrs are returned by successive Dial calls before dials succeed.
	DialErrs []error
	// DialDelay postpones every Dial.
	DialDelay time.Duration
	// NewLink builds the link of a successful dial.
	NewLink func() *Link

	mu    sync.Mutex
	dials int
	scans int
	links []*Link
}

var _ link.Platform = (*Platform)(nil)

// NewPlatform creates a platform whose links answer with respond.
func NewPlatform(respond Responder) *Platform {
	return &Platform{NewLink: func() *Link { return NewLink(respond) }}
}

func (p *Platform) Name() string { return "fake" }

func (p *Platform) Check(ctx context.Context) error { return p.CheckErr }

func (p *Platform) Scan(ctx context.Context, found func(link.Device)) error {
	p.mu.Lock()
	p.scans++
	devices := append([]link.Device(nil), p.Devices...)
	p.mu.Unlock()

	for _, d := range devices {
		found(d)
	}
	<-ctx.Done()
	return nil
}

func (p *Platform) Dial(ctx context.Context, address string) (link.Link, error) {
	if p.DialDelay > 0 {
		select {
		case <-time.After(p.DialDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	attempt := p.dials
	p.dials++
	if attempt < len(p.DialErrs) && p.DialErrs[attempt] != nil {
		return nil, p.DialErrs[attempt]
	}
	if p.NewLink == nil {
		return nil, errors.New("no link factory")
	}
	l := p.NewLink()
	p.links = append(p.links, l)
	return l, nil
}

// Dials returns the number of Dial calls.
func (p *Platform) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// Scans returns the number of Scan calls.
func (p *Platform) Scans() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scans
}

// Last returns the most recently dialled link, or nil.
func (p *Platform) Last() *Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.links) == 0 {
		return nil
	}
	return p.links[len(p.links)-1]
}
