// Package transport maintains the persistent WebSocket link to the
// sync authority: dialing, heartbeats, automatic reconnection with
// backoff, and decoding inbound frames into typed events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/halcyonchat/chatsync/internal/syncerrors"
	"github.com/halcyonchat/chatsync/internal/wire"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	readLimit = 16 * 1024 * 1024
)

// Conn is the subset of the WebSocket connection the client uses.
// Abstracted so tests can drive the event flow without a server.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc establishes one connection to the authority.
type DialFunc func(ctx context.Context) (Conn, error)

// Dialer returns the production DialFunc for the given server.
func Dialer(host, authToken string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		url := host
		if !strings.Contains(url, "://") {
			url = "wss://" + url
		}

		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + authToken},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("dialing websocket: %w", err)
		}
		conn.SetReadLimit(readLimit)

		return conn, nil
	}
}

// Notification is an item on the transport's event stream: either a
// decoded server event or a connection state change.
type Notification interface {
	notification()
}

// Inbound wraps one decoded server event.
type Inbound struct {
	Event wire.Event
}

// ConnectionUp signals a (re)established connection. The consumer is
// expected to send its hello and re-enter cache priming.
type ConnectionUp struct{}

// ConnectionDown signals a lost connection; the transport is already
// backing off towards a reconnect.
type ConnectionDown struct {
	Err error
}

func (Inbound) notification()        {}
func (ConnectionUp) notification()   {}
func (ConnectionDown) notification() {}

// Client owns the connection lifecycle. A reader goroutine feeds raw
// frames into the per-connection loop; Send may be called from any
// goroutine and serializes writes with a mutex.
type Client struct {
	dial   DialFunc
	logger *slog.Logger

	events chan Notification

	connMu sync.RWMutex
	conn   Conn

	writeMu sync.Mutex

	lastMsgMu   sync.Mutex
	lastMessage time.Time
}

// New creates a transport client; Run must be started for events to flow.
func New(dial DialFunc, logger *slog.Logger) *Client {
	return &Client{
		dial:   dial,
		logger: logger,
		events: make(chan Notification, 64),
	}
}

// Events is the stream of inbound events and connection changes.
func (c *Client) Events() <-chan Notification {
	return c.events
}

// Connected reports whether a live connection exists right now.
func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return c.conn != nil
}

// Send encodes and writes one client message. Returns
// ErrTransportUnavailable when no live connection exists or the write
// fails; the caller queues the underlying mutation instead.
func (c *Client) Send(ctx context.Context, msg any) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return syncerrors.ErrTransportUnavailable
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = conn.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", syncerrors.ErrTransportUnavailable, err)
	}

	return nil
}

// Run dials and serves connections until ctx is cancelled, reconnecting
// with exponential backoff and jitter after any failure.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			c.logger.Warn("Connection attempt failed",
				"error", err, "backoff", backoff)

			if err := sleepBackoff(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		c.setConn(conn)
		c.touchLastMessage()
		c.emit(ctx, ConnectionUp{})
		backoff = reconnectMin

		err = c.serve(ctx, conn)
		c.setConn(nil)
		conn.Close(websocket.StatusGoingAway, "closing")

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("Connection lost, reconnecting",
			"error", err, "backoff", backoff)
		c.emit(ctx, ConnectionDown{Err: err})

		if err := sleepBackoff(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

type inboundFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// serve handles one connection: a reader goroutine feeds frames, the
// loop dispatches them and drives the heartbeat. Returns when the
// connection fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan inboundFrame, 64)
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case frames <- inboundFrame{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case frame := <-frames:
			if frame.err != nil {
				return fmt.Errorf("reading frame: %w", frame.err)
			}
			c.touchLastMessage()

			if frame.typ == websocket.MessageBinary {
				c.logger.Debug("Ignoring unexpected binary frame", "bytes", len(frame.data))
				continue
			}

			c.dispatch(ctx, frame.data)

		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("Heartbeat timed out, closing connection")
				conn.Close(websocket.StatusGoingAway, "timeout")
				return errors.New("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := c.Send(ctx, map[string]string{"type": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch decodes one text frame and emits it. Pongs are absorbed
// here; unknown kinds are logged and skipped, never guessed at.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	if gjson.GetBytes(data, "type").Str == "pong" {
		return
	}

	ev, err := wire.Decode(data)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownEvent) {
			c.logger.Debug("Skipping unknown event", "error", err)
		} else {
			c.logger.Warn("Failed to decode event", "error", err)
		}
		return
	}

	c.emit(ctx, Inbound{Event: ev})
}

func (c *Client) emit(ctx context.Context, n Notification) {
	select {
	case c.events <- n:
	case <-ctx.Done():
	}
}

func (c *Client) setConn(conn Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

func sleepBackoff(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
