package mock

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"obdlink/internal/link"
	"obdlink/pkg/log"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Address is what the in-process platform reports and accepts.
const Address = "sim:0"

// Platform exposes the simulator as an in-process transport.
func (s *Simulator) Platform() link.Platform {
	return &platform{sim: s}
}

type platform struct {
	sim *Simulator
}

func (p *platform) Name() string { return "sim" }

func (p *platform) Check(ctx context.Context) error { return nil }

func (p *platform) Scan(ctx context.Context, found func(link.Device)) error {
	found(link.Device{Address: Address, Name: "OBDII (simulated)", RSSI: -40})
	<-ctx.Done()
	return nil
}

func (p *platform) Dial(ctx context.Context, address string) (link.Link, error) {
	if address != Address {
		return nil, errors.New("sim: unknown address " + address)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.sim.newLink(), nil
}

// simLink answers in order from a single writer goroutine, split into
// ChunkSize notifications the way a BLE adapter does.
type simLink struct {
	sess    *Session
	chunk   int
	latency time.Duration

	mu      sync.Mutex
	pending strings.Builder

	outbox   chan string
	notes    chan []byte
	gone     chan struct{}
	goneOnce sync.Once
}

func (s *Simulator) newLink() *simLink {
	l := &simLink{
		sess:    s.NewSession(),
		chunk:   s.opts.ChunkSize,
		latency: s.opts.Latency,
		outbox:  make(chan string, 16),
		notes:   make(chan []byte, 64),
		gone:    make(chan struct{}),
	}
	go l.writer()
	return l
}

func (l *simLink) Send(data []byte) error {
	select {
	case <-l.gone:
		return link.ErrTransportDisconnected
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending.Write(data)
	buffered := l.pending.String()
	idx := strings.LastIndexByte(buffered, '\r')
	if idx < 0 {
		return nil
	}
	l.pending.Reset()
	l.pending.WriteString(buffered[idx+1:])

	for _, line := range strings.Split(buffered[:idx], "\r") {
		line = strings.Trim(line, "\n")
		if line == "" {
			continue
		}
		select {
		case l.outbox <- l.sess.Handle(line):
		case <-l.gone:
			return link.ErrTransportDisconnected
		}
	}
	return nil
}

func (l *simLink) writer() {
	for {
		select {
		case reply := <-l.outbox:
			if l.latency > 0 {
				select {
				case <-time.After(l.latency):
				case <-l.gone:
					return
				}
			}
			data := []byte(reply)
			for len(data) > 0 {
				n := min(l.chunk, len(data))
				select {
				case l.notes <- append([]byte(nil), data[:n]...):
				case <-l.gone:
					return
				}
				data = data[n:]
			}
		case <-l.gone:
			return
		}
	}
}

func (l *simLink) Notifications() <-chan []byte { return l.notes }

func (l *simLink) Disconnected() <-chan struct{} { return l.gone }

func (l *simLink) Close() error {
	l.goneOnce.Do(func() { close(l.gone) })
	return nil
}

// Serve accepts TCP clients on ln, each with its own session, until ctx is
// done. It is what a WiFi ELM327 looks like on the network.
func (s *Simulator) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			log.Info("simulator client connected", zap.String("remote", conn.RemoteAddr().String()))
			go s.serveConn(ctx, conn)
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Simulator) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sess := s.NewSession()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			log.Info("simulator client disconnected", zap.String("remote", conn.RemoteAddr().String()))
			return
		}
		line = strings.Trim(line, "\r\n")
		if line == "" {
			continue
		}
		if s.opts.Latency > 0 {
			time.Sleep(s.opts.Latency)
		}
		if _, err := conn.Write([]byte(sess.Handle(line))); err != nil {
			log.Warn("simulator write failed", zap.Error(err))
			return
		}
	}
}
