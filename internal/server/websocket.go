package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

const (
	MessageTypeTimeline  = "timeline"
	MessageTypeLog       = "log"
	MessageTypeCompleted = "jobCompleted"
	MessageTypeAck       = "ack"
)

// Message is the envelope of every frame exchanged with the server. Requests are acknowledged
// by an ack carrying the request id.
type Message struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *MessageError   `json:"error,omitempty"`
}

type MessageError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *MessageError) err() error {
	switch e.Code {
	case CodePlanNotFound:
		return fmt.Errorf("%w: %s", ErrPlanNotFound, e.Message)
	case CodePlanSecurity:
		return fmt.Errorf("%w: %s", ErrPlanSecurity, e.Message)
	}

	return fmt.Errorf("server error %s: %s", e.Code, e.Message)
}

type websocketOption func(*WebsocketClient)

func WithLogger(log logr.Logger) websocketOption {
	return func(c *WebsocketClient) {
		c.log = log
	}
}

func WithDialer(dialer *websocket.Dialer) websocketOption {
	return func(c *WebsocketClient) {
		c.dialer = dialer
	}
}

// WebsocketClient talks to the server through a job scoped websocket.
type WebsocketClient struct {
	url    string
	token  string
	dialer *websocket.Dialer
	log    logr.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Message
	closed  chan struct{}
	err     error
}

// NewWebsocketClient creates a client for the job planID/jobID on the server at serverURL.
func NewWebsocketClient(serverURL, planID, jobID, token string, opts ...websocketOption) (*WebsocketClient, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	u = u.JoinPath("_apis", "distributedtask", "plans", planID, "jobs", jobID)

	c := &WebsocketClient{
		url:     u.String(),
		token:   token,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     logr.Discard(),
		pending: make(map[string]chan Message),
	}

	for _, o := range opts {
		o(c)
	}

	return c, nil
}

func (c *WebsocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrPlanNotFound, c.url)
		}

		return fmt.Errorf("failed to connect websocket: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.conn = conn
	c.closed = make(chan struct{})
	c.err = nil

	go c.readPump(conn, c.closed)
	go c.pingPump(conn, c.closed)

	c.log.V(1).Info("connected to server", "url", c.url)
	return nil
}

func (c *WebsocketClient) readPump(conn *websocket.Conn, closed chan struct{}) {
	var err error
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.err = err
		}
		c.mu.Unlock()
		close(closed)
	}()

	for {
		var msg Message
		if err = conn.ReadJSON(&msg); err != nil {
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()

		if !ok {
			c.log.V(1).Info("unexpected message from server", "type", msg.Type, "id", msg.ID)
			continue
		}

		ch <- msg
	}
}

func (c *WebsocketClient) pingPump(conn *websocket.Conn, closed chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *WebsocketClient) call(ctx context.Context, messageType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", messageType, err)
	}

	msg := Message{ID: uuid.NewString(), Type: messageType, Data: payload}
	ack := make(chan Message, 1)

	c.mu.Lock()
	conn, closed := c.conn, c.closed
	if conn == nil {
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}

		return ErrNotConnected
	}

	c.pending[msg.ID] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", messageType, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		return fmt.Errorf("%w: connection closed while waiting for %s", ErrNotConnected, messageType)
	case reply := <-ack:
		if reply.Error != nil {
			return reply.Error.err()
		}

		return nil
	}
}

func (c *WebsocketClient) UpdateTimeline(ctx context.Context, records []TimelineRecord) error {
	return c.call(ctx, MessageTypeTimeline, records)
}

type logLines struct {
	RecordID string   `json:"recordId"`
	Lines    []string `json:"lines"`
}

func (c *WebsocketClient) AppendLog(ctx context.Context, recordID string, lines []string) error {
	return c.call(ctx, MessageTypeLog, logLines{RecordID: recordID, Lines: lines})
}

func (c *WebsocketClient) RaiseCompleted(ctx context.Context, event JobCompleted) error {
	return c.call(ctx, MessageTypeCompleted, event)
}

func (c *WebsocketClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}
