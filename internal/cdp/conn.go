package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/harcollector/internal/types"
)

// ErrClosed is returned by Call once the websocket is gone.
var ErrClosed = errors.New("cdp: connection closed")

// EventHandler receives one CDP event. Handlers run on the read loop, in
// arrival order, and must not issue blocking calls on the same Conn.
type EventHandler func(sessionID string, params json.RawMessage)

// Conn is a browser-level CDP websocket speaking the flat session protocol.
type Conn struct {
	httpBase string
	client   *http.Client

	mu   sync.Mutex
	conn net.Conn
	done chan struct{}
	seq  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan json.RawMessage

	eventMu  sync.RWMutex
	handlers map[string][]handlerEntry
}

type handlerEntry struct {
	id int64
	fn EventHandler
}

// NewConn returns an unconnected Conn for the DevTools HTTP endpoint
// (e.g. http://127.0.0.1:9222).
func NewConn(httpBase string) *Conn {
	return &Conn{
		httpBase: strings.TrimRight(httpBase, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		pending:  make(map[int64]chan json.RawMessage),
		handlers: make(map[string][]handlerEntry),
	}
}

// Connect dials the browser websocket, retrying with exponential backoff up
// to retries extra attempts.
func (c *Conn) Connect(ctx context.Context, retries int) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(retries, 0))), ctx)

	return backoff.RetryNotify(func() error {
		err := c.dial(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		slog.Warn("cdp connect failed, retrying", "endpoint", c.httpBase, "wait", wait, "error", err)
	})
}

func (c *Conn) dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	wsURL, err := c.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("cdp: browser ws url: %w", err)
	}

	slog.Debug("cdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("cdp: dial: %w", err)
	}

	c.conn = conn
	c.done = make(chan struct{})
	c.pendingMu.Lock()
	c.pending = make(map[int64]chan json.RawMessage)
	c.pendingMu.Unlock()
	go c.readLoop(conn, c.done)
	return nil
}

// Done is closed when the read loop of the current connection exits.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close drops the websocket. Pending calls fail with ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Conn) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("cdp read loop exit", "error", err)
			c.closeAllPending()
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}

		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- json.RawMessage(data)
			}
		} else if msg.Method != "" {
			c.dispatch(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (c *Conn) closeAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Conn) deletePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Call sends a command and returns its result object. An empty sessionID
// addresses the browser target.
func (c *Conn) Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrClosed
	}

	id := c.seq.Add(1)
	data, err := json.Marshal(struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params})
	if err != nil {
		return nil, fmt.Errorf("cdp: marshal %s: %w", method, err)
	}

	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	c.mu.Unlock()
	if err != nil {
		c.deletePending(id)
		return nil, fmt.Errorf("cdp: send %s: %w", method, err)
	}

	var resp json.RawMessage
	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		resp = r
	case <-ctx.Done():
		c.deletePending(id)
		return nil, ctx.Err()
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return nil, fmt.Errorf("cdp: unmarshal %s: %w", method, err)
	}
	if envelope.Error != nil {
		return nil, &CallError{Method: method, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return envelope.Result, nil
}

// CallError is a protocol-level error reply.
type CallError struct {
	Method  string
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("cdp: %s: %s (%d)", e.Method, e.Message, e.Code)
}

// On registers fn for a CDP event method and returns an unregister func.
func (c *Conn) On(method string, fn EventHandler) func() {
	id := c.seq.Add(1)
	c.eventMu.Lock()
	c.handlers[method] = append(c.handlers[method], handlerEntry{id: id, fn: fn})
	c.eventMu.Unlock()
	return func() {
		c.eventMu.Lock()
		defer c.eventMu.Unlock()
		hs := c.handlers[method]
		for i, h := range hs {
			if h.id == id {
				c.handlers[method] = append(hs[:i:i], hs[i+1:]...)
				break
			}
		}
	}
}

func (c *Conn) dispatch(method, sessionID string, params json.RawMessage) {
	c.eventMu.RLock()
	hs := make([]handlerEntry, len(c.handlers[method]))
	copy(hs, c.handlers[method])
	c.eventMu.RUnlock()
	for _, h := range hs {
		h.fn(sessionID, params)
	}
}

// ListTargets fetches open targets via the HTTP /json/list endpoint.
func (c *Conn) ListTargets(ctx context.Context) ([]types.TargetInfo, error) {
	body, err := c.getJSON(ctx, "/json/list")
	if err != nil {
		return nil, err
	}
	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("cdp: decode /json/list: %w", err)
	}
	out := make([]types.TargetInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.TargetInfo{TargetID: e.ID, Type: e.Type, Title: e.Title, URL: e.URL})
	}
	return out, nil
}

func (c *Conn) browserWSURL(ctx context.Context) (string, error) {
	body, err := c.getJSON(ctx, "/json/version")
	if err != nil {
		return "", err
	}
	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("cdp: decode /json/version: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", errors.New("cdp: empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}

func (c *Conn) getJSON(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp: %s: HTTP %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
