// Package websocket implements [uplink.Link] over a WebSocket connection.
//
// Every capture is sent as two frames: a JSON text header describing the
// audio, followed by a binary frame holding either little-endian 16-bit PCM
// or length-prefixed 20 ms Opus packets (see [WithEncoding]). Text frames
// from the backend are decoded as JSON objects and passed to the OnMessage
// handler. The link reconnects with exponential backoff while Run is active.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/puertocho/pkg/audio"
	"github.com/MrWong99/puertocho/pkg/provider/uplink"
)

// Default connection parameters.
const (
	defaultBackoff      = 1 * time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
)

// AudioHeader is the JSON text frame that precedes each binary PCM frame.
type AudioHeader struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Encoding   string    `json:"encoding"`
	FrameMs    int       `json:"frame_ms,omitempty"`
	Samples    int       `json:"samples"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Link is a reconnecting WebSocket connection to the backend. All methods are
// safe for concurrent use.
type Link struct {
	url          string
	header       http.Header
	backoff      time.Duration
	maxBackoff   time.Duration
	writeTimeout time.Duration
	encoding     string

	mu       sync.Mutex
	conn     *ws.Conn
	handlers uplink.Handlers

	// writeMu keeps a header and its payload adjacent on the wire.
	writeMu sync.Mutex
}

// Option is a functional option for [New].
type Option func(*Link)

// WithHeader adds an HTTP header to the opening handshake.
func WithHeader(key, value string) Option {
	return func(l *Link) { l.header.Add(key, value) }
}

// WithBackoff sets the initial and maximum delay between reconnect attempts.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(l *Link) {
		l.backoff = initial
		l.maxBackoff = maxDelay
	}
}

// WithWriteTimeout bounds each Deliver call.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Link) { l.writeTimeout = d }
}

// WithEncoding selects the payload encoding: [EncodingPCM] (default) or
// [EncodingOpus].
func WithEncoding(enc string) Option {
	return func(l *Link) { l.encoding = enc }
}

// WithHandlers sets the lifecycle handlers.
func WithHandlers(h uplink.Handlers) Option {
	return func(l *Link) { l.handlers = h }
}

// New creates a Link to rawURL, which must use the ws or wss scheme.
func New(rawURL string, opts ...Option) (*Link, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("websocket: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket: url scheme must be ws or wss, got %q", u.Scheme)
	}
	l := &Link{
		url:          rawURL,
		header:       http.Header{},
		backoff:      defaultBackoff,
		maxBackoff:   defaultMaxBackoff,
		writeTimeout: defaultWriteTimeout,
		encoding:     EncodingPCM,
	}
	for _, o := range opts {
		o(l)
	}
	if l.encoding != EncodingPCM && l.encoding != EncodingOpus {
		return nil, fmt.Errorf("websocket: unknown encoding %q", l.encoding)
	}
	if l.backoff <= 0 {
		l.backoff = defaultBackoff
	}
	if l.maxBackoff < l.backoff {
		l.maxBackoff = l.backoff
	}
	return l, nil
}

// SetHandlers replaces the lifecycle handlers. Call it before Run.
func (l *Link) SetHandlers(h uplink.Handlers) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = h
}

// Connected implements [uplink.Link].
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Run implements [uplink.Link].
func (l *Link) Run(ctx context.Context) error {
	backoff := l.backoff
	for attempt := 1; ; attempt++ {
		conn, _, err := ws.Dial(ctx, l.url, &ws.DialOptions{HTTPHeader: l.header})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("uplink: connect failed",
				"url", l.url,
				"attempt", attempt,
				"backoff", backoff,
				"err", err,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, l.maxBackoff)
			continue
		}

		conn.SetReadLimit(defaultReadLimit)
		slog.Info("uplink: connected", "url", l.url, "attempt", attempt)
		attempt, backoff = 0, l.backoff
		h := l.setConn(conn)
		if h.OnConnect != nil {
			h.OnConnect()
		}

		err = l.readLoop(ctx, conn, h)

		l.setConn(nil)
		if ctx.Err() != nil {
			conn.Close(ws.StatusNormalClosure, "shutting down")
			if h.OnDisconnect != nil {
				h.OnDisconnect(nil)
			}
			return nil
		}
		conn.CloseNow()
		slog.Warn("uplink: disconnected", "url", l.url, "err", err)
		if h.OnDisconnect != nil {
			h.OnDisconnect(err)
		}
	}
}

func (l *Link) setConn(conn *ws.Conn) uplink.Handlers {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
	return l.handlers
}

func (l *Link) readLoop(ctx context.Context, conn *ws.Conn, h uplink.Handlers) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != ws.MessageText {
			slog.Debug("uplink: ignoring binary message", "bytes", len(data))
			continue
		}
		msg, err := decodeMessage(data)
		if err != nil {
			slog.Warn("uplink: malformed backend message", "err", err)
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	}
}

func decodeMessage(data []byte) (uplink.Message, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return uplink.Message{}, err
	}
	kind, _ := payload["type"].(string)
	if kind == "" {
		return uplink.Message{}, errors.New("missing type field")
	}
	return uplink.Message{Kind: kind, Payload: payload}, nil
}

// Deliver implements [uplink.Consumer].
func (l *Link) Deliver(ctx context.Context, c audio.Capture) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return uplink.ErrNotConnected
	}

	p, err := l.encodePayload(c)
	if err != nil {
		return fmt.Errorf("websocket: encode audio: %w", err)
	}
	h := AudioHeader{
		Type:       "audio",
		ID:         uuid.NewString(),
		SampleRate: p.format.SampleRate,
		Channels:   p.format.Channels,
		Encoding:   l.encoding,
		Samples:    p.samples,
		Start:      c.Start,
		End:        c.End,
	}
	if l.encoding == EncodingOpus {
		h.FrameMs = opusFrameMs
	}
	header, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("websocket: encode header: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.Write(ctx, ws.MessageText, header); err != nil {
		return fmt.Errorf("websocket: write header: %w", err)
	}
	if err := conn.Write(ctx, ws.MessageBinary, p.data); err != nil {
		return fmt.Errorf("websocket: write audio: %w", err)
	}
	return nil
}

// Ensure Link implements uplink.Link at compile time.
var _ uplink.Link = (*Link)(nil)
