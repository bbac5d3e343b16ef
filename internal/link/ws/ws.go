// Package ws reaches adapters behind a serial-to-WebSocket bridge.
package ws

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"obdlink/internal/link"
	"obdlink/pkg/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultHandshakeTimeout = 10 * time.Second

// Platform dials one bridge URL with optional HTTP Basic auth.
type Platform struct {
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
}

var _ link.Platform = (*Platform)(nil)

func New(rawURL string) *Platform {
	return &Platform{URL: rawURL}
}

func (p *Platform) Name() string { return "websocket" }

func (p *Platform) Check(ctx context.Context) error {
	_, err := validateURL(p.URL)
	return err
}

func validateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", link.ErrPlatformUnavailable, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return u, nil
	default:
		return nil, fmt.Errorf("%w: unsupported URL scheme %q (use ws:// or wss://)", link.ErrPlatformUnavailable, u.Scheme)
	}
}

func (p *Platform) Scan(ctx context.Context, found func(link.Device)) error {
	found(link.Device{Address: p.URL, Name: "websocket bridge"})
	<-ctx.Done()
	return nil
}

func (p *Platform) Dial(ctx context.Context, address string) (link.Link, error) {
	if address == "" {
		address = p.URL
	}
	u, err := validateURL(address)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: p.SkipSSLVerify}
	}

	headers := http.Header{}
	if p.Username != "" && p.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := dialer.DialContext(ctx, address, headers)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: websocket handshake (HTTP %d): %v", link.ErrPermissionDenied, resp.StatusCode, err)
			}
			return nil, fmt.Errorf("websocket handshake (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	log.Info("websocket link established", zap.String("url", address))
	return link.NewStream(NewConn(conn), link.StreamOptions{Name: address}), nil
}

// Conn exposes a WebSocket as a byte stream. Text and binary messages are
// both accepted since bridges differ in which they use for ASCII traffic.
type Conn struct {
	conn *websocket.Conn

	buf       []byte
	bufOffset int

	writeMu sync.Mutex
}

// NewConn wraps an established websocket connection.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.bufOffset < len(c.buf) {
		n := copy(p, c.buf[c.bufOffset:])
		c.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		c.buf = data
		n := copy(p, c.buf)
		c.bufOffset = n
		return n, nil
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
