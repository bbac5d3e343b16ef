package link

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"obdlink/pkg/log"

	"go.uber.org/zap"
)

const (
	defaultReadSize   = 256
	defaultNotifyBuff = 64
	// hangupReads is how many quick EOFs in a row mean the peer hung up.
	hangupReads = 20
)

// StreamOptions tunes NewStream.
type StreamOptions struct {
	// Name identifies the stream in logs.
	Name string
	// ReadSize is the read buffer size, i.e. the largest notification.
	ReadSize int
	// IgnoreEOF treats io.EOF as "nothing to read yet". Serial ports with a
	// read timeout report an idle line that way.
	IgnoreEOF bool
	// IdleRead is how long an idle read blocks before it reports io.EOF. A
	// hung up tty returns EOF at once, so with IgnoreEOF a run of EOFs that
	// come back in under half of IdleRead marks the link gone.
	IdleRead time.Duration
	// Probe is called on every ignored EOF; an error marks the link gone.
	Probe func() error
}

// Stream adapts a plain io.ReadWriteCloser (serial port, TCP socket,
// websocket bridge) to the Link contract. A reader goroutine turns every
// successful Read into one notification.
type Stream struct {
	rwc  io.ReadWriteCloser
	opts StreamOptions

	notes chan []byte
	done  chan struct{}
	gone  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	goneOnce  sync.Once
}

var _ Link = (*Stream)(nil)

// NewStream starts reading from rwc and returns the link.
func NewStream(rwc io.ReadWriteCloser, opts StreamOptions) *Stream {
	if opts.ReadSize <= 0 {
		opts.ReadSize = defaultReadSize
	}
	s := &Stream{
		rwc:   rwc,
		opts:  opts,
		notes: make(chan []byte, defaultNotifyBuff),
		done:  make(chan struct{}),
		gone:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	buf := make([]byte, s.opts.ReadSize)
	quickEOFs := 0
	for {
		start := time.Now()
		n, err := s.rwc.Read(buf)
		if n > 0 {
			quickEOFs = 0
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.notes <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && s.opts.IgnoreEOF && n == 0 {
				if s.opts.IdleRead > 0 && time.Since(start) < s.opts.IdleRead/2 {
					quickEOFs++
				} else {
					quickEOFs = 0
				}
				err = s.hungUp(quickEOFs)
			} else if errors.Is(err, io.EOF) && s.opts.IgnoreEOF {
				err = nil
			}
			if err == nil {
				select {
				case <-s.done:
					return
				default:
					continue
				}
			}
			select {
			case <-s.done:
			default:
				log.Warn("link read failed", zap.String("link", s.opts.Name), zap.Error(err))
			}
			s.markGone()
			return
		}
	}
}

// hungUp decides whether an ignored EOF really was the end of the line.
func (s *Stream) hungUp(quickEOFs int) error {
	if quickEOFs >= hangupReads {
		return fmt.Errorf("%w: %d immediate EOFs", io.ErrUnexpectedEOF, quickEOFs)
	}
	if s.opts.Probe != nil {
		if err := s.opts.Probe(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// Send writes data in one call.
func (s *Stream) Send(data []byte) error {
	select {
	case <-s.gone:
		return ErrTransportDisconnected
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.rwc.Write(data)
	if err != nil {
		return fmt.Errorf("write %s: %w", s.opts.Name, err)
	}
	if n != len(data) {
		return fmt.Errorf("write %s: incomplete write: %d/%d bytes", s.opts.Name, n, len(data))
	}
	return nil
}

func (s *Stream) Notifications() <-chan []byte { return s.notes }

func (s *Stream) Disconnected() <-chan struct{} { return s.gone }

// Close stops the reader and closes the underlying transport. It is safe to
// call more than once; only the first call reports the close error.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.rwc.Close()
		s.markGone()
	})
	return err
}
