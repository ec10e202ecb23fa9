// Package websocket delivers subscription sessions to WebSocket clients and
// accepts call-through requests over the same connection.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marko911/lnpulse/internal/delivery/session"
	"github.com/marko911/lnpulse/pkg/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB
)

// Caller runs call-through requests received from clients.
type Caller interface {
	Call(ctx context.Context, backend, method string, args json.RawMessage) (any, error)
}

// Destination pumps one session to one WebSocket connection.
type Destination struct {
	id       string
	conn     *websocket.Conn
	session  *session.Session
	caller   Caller
	logger   *slog.Logger
	send     chan []byte
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
	metadata map[string]string

	pingPeriod time.Duration
	pongWait   time.Duration

	// Callbacks
	onClose func(d *Destination)
	onSent  func()
}

// DestinationConfig holds configuration for a WebSocket destination.
type DestinationConfig struct {
	// ID is the client id the session was registered under.
	ID string

	// Conn is the underlying WebSocket connection.
	Conn *websocket.Conn

	// Session supplies the events. It is cancelled when the destination
	// closes.
	Session *session.Session

	// Caller handles "call" messages. nil rejects them.
	Caller Caller

	// SendBufferSize is the channel buffer size for outgoing messages.
	SendBufferSize int

	// PingPeriod overrides the keepalive interval; the pong deadline is
	// derived from it.
	PingPeriod time.Duration

	// Metadata holds optional client metadata.
	Metadata map[string]string

	Logger *slog.Logger

	// OnClose is called once when the connection closes.
	OnClose func(d *Destination)

	// OnSent is called after each message is written.
	OnSent func()
}

// NewDestination creates a new WebSocket destination.
func NewDestination(cfg DestinationConfig) *Destination {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ping, pong := pingPeriod, pongWait
	if cfg.PingPeriod > 0 {
		ping = cfg.PingPeriod
		pong = ping * 10 / 9
	}

	return &Destination{
		id:         cfg.ID,
		conn:       cfg.Conn,
		session:    cfg.Session,
		caller:     cfg.Caller,
		logger:     cfg.Logger.With("client_id", cfg.ID),
		send:       make(chan []byte, cfg.SendBufferSize),
		done:       make(chan struct{}),
		metadata:   cfg.Metadata,
		pingPeriod: ping,
		pongWait:   pong,
		onClose:    cfg.OnClose,
		onSent:     cfg.OnSent,
	}
}

func (d *Destination) ID() string {
	return d.id
}

func (d *Destination) Session() *session.Session {
	return d.session
}

// Metadata returns the client metadata.
func (d *Destination) Metadata() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metadata
}

// Close cancels the session and closes the connection.
func (d *Destination) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	onClose := d.onClose
	d.mu.Unlock()

	close(d.done)
	if d.session != nil {
		d.session.Cancel()
	}

	if onClose != nil {
		onClose(d)
	}

	d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return d.conn.Close()
}

// Done is closed once the destination is closed.
func (d *Destination) Done() <-chan struct{} {
	return d.done
}

func (d *Destination) IsClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Destination) detach() {
	d.mu.Lock()
	d.onClose = nil
	d.mu.Unlock()
}

// Run pumps the session to the client until either side goes away. It
// blocks; the connection is closed on return.
func (d *Destination) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.writePump(ctx)
	if d.session != nil {
		go d.drain(ctx)
	}
	d.readPump(ctx)
}

// drain moves session events onto the send buffer. A full buffer blocks
// here, so overflow is absorbed by the session queue.
func (d *Destination) drain(ctx context.Context) {
	defer d.Close()
	for {
		ev, err := d.session.Next(ctx)
		if err != nil {
			if errors.Is(err, session.ErrCancelled) {
				d.logger.Debug("session cancelled")
			}
			return
		}
		msg, err := marshalEvent(ev)
		if err != nil {
			d.logger.Error("failed to marshal event", "event_id", ev.ID, "error", err)
			continue
		}
		select {
		case d.send <- msg:
		case <-d.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readPump handles incoming messages from the WebSocket connection.
func (d *Destination) readPump(ctx context.Context) {
	defer d.Close()

	d.conn.SetReadLimit(maxMessageSize)
	d.conn.SetReadDeadline(time.Now().Add(d.pongWait))
	d.conn.SetPongHandler(func(string) error {
		d.conn.SetReadDeadline(time.Now().Add(d.pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		default:
		}

		_, message, err := d.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				d.logger.Warn("unexpected close", "error", err)
			}
			return
		}
		d.handleMessage(ctx, message)
	}
}

// writePump handles outgoing messages to the WebSocket connection.
func (d *Destination) writePump(ctx context.Context) {
	ticker := time.NewTicker(d.pingPeriod)
	defer func() {
		ticker.Stop()
		d.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return

		case message := <-d.send:
			d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			if d.onSent != nil {
				d.onSent()
			}

		case <-ticker.C:
			d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (d *Destination) handleMessage(ctx context.Context, message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		d.reply(ServerMessage{Type: "error", Error: "malformed message"})
		return
	}

	switch msg.Type {
	case "ping":
		d.reply(ServerMessage{Type: "pong", ID: msg.ID})
	case "heartbeat":
	case "call":
		// Calls may block on the backend; the read loop keeps serving pongs.
		go d.handleCall(ctx, msg)
	default:
		d.reply(ServerMessage{Type: "error", ID: msg.ID, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (d *Destination) handleCall(ctx context.Context, msg ClientMessage) {
	if d.caller == nil {
		d.reply(ServerMessage{Type: "error", ID: msg.ID, Error: "calls are not enabled"})
		return
	}
	out, err := d.caller.Call(ctx, msg.Backend, msg.Method, msg.Data)
	if err != nil {
		d.reply(ServerMessage{Type: "error", ID: msg.ID, Kind: domain.KindOf(err).String(), Error: err.Error()})
		return
	}
	d.reply(ServerMessage{Type: "result", ID: msg.ID, Data: out})
}

// reply queues a control message. Replies are dropped when the buffer is
// full.
func (d *Destination) reply(msg ServerMessage) {
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		d.logger.Error("failed to marshal reply", "type", msg.Type, "error", err)
		return
	}
	select {
	case d.send <- data:
	case <-d.done:
	default:
		d.logger.Warn("send buffer full, reply dropped", "type", msg.Type)
	}
}

func marshalEvent(ev *domain.Event) ([]byte, error) {
	return json.Marshal(ServerMessage{
		Type:      "event",
		Timestamp: time.Now().UTC(),
		Data:      ev,
	})
}

// ClientMessage represents an incoming message from a WebSocket client.
type ClientMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Backend string          `json:"backend,omitempty"`
	Method  string          `json:"method,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ServerMessage represents an outgoing message to a WebSocket client.
type ServerMessage struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Kind      string      `json:"kind,omitempty"`
	Error     string      `json:"error,omitempty"`
}
