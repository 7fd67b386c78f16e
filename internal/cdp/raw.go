package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/harcollector/internal/capture"
	"github.com/dgnsrekt/harcollector/internal/types"
)

// RawDriver attaches flat sessions over a single browser websocket. It avoids
// chromedp's per-target session setup and is the default driver.
type RawDriver struct {
	conn *Conn
	sink EventSink
	tabs *TabRegistry
	opts Options

	attachMu   sync.Mutex
	unregister []func()
}

// NewRawDriver returns a driver for the DevTools endpoint at httpBase.
func NewRawDriver(httpBase string, sink EventSink, opts Options) *RawDriver {
	return &RawDriver{
		conn: NewConn(httpBase),
		sink: sink,
		tabs: NewTabRegistry(),
		opts: opts,
	}
}

// Start connects, installs event routing and turns on target discovery.
func (d *RawDriver) Start(ctx context.Context) error {
	if err := d.conn.Connect(ctx, d.opts.ConnectRetries); err != nil {
		return err
	}
	for _, m := range []string{capture.MethodRequestWillBeSent, capture.MethodResponseReceived, capture.MethodLoadingFinished} {
		method := m
		d.unregister = append(d.unregister, d.conn.On(method, func(sessionID string, params json.RawMessage) {
			d.onNetworkEvent(method, sessionID, params)
		}))
	}
	d.unregister = append(d.unregister,
		d.conn.On("Target.targetCreated", d.onTargetInfo),
		d.conn.On("Target.targetInfoChanged", d.onTargetInfo),
		d.conn.On("Target.targetDestroyed", d.onTargetGone),
		d.conn.On("Target.detachedFromTarget", d.onTargetGone),
	)

	if _, err := d.conn.Call(ctx, "", "Target.setDiscoverTargets", map[string]any{"discover": true}); err != nil {
		return fmt.Errorf("cdp: enable target discovery: %w", err)
	}
	slog.Info("cdp raw driver started", "endpoint", d.conn.httpBase)
	return nil
}

// Done is closed when the browser connection drops.
func (d *RawDriver) Done() <-chan struct{} { return d.conn.Done() }

// Targets lists browser targets with their attachment state.
func (d *RawDriver) Targets(ctx context.Context) ([]types.TargetInfo, error) {
	list, err := d.conn.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	return d.tabs.Merge(list), nil
}

// Attach starts capturing targetID. Attaching an already attached target is
// a no-op.
func (d *RawDriver) Attach(ctx context.Context, targetID string) error {
	d.attachMu.Lock()
	defer d.attachMu.Unlock()

	if d.tabs.Session(targetID) != "" {
		return nil
	}

	raw, err := d.conn.Call(ctx, "", "Target.attachToTarget", map[string]any{"targetId": targetID, "flatten": true})
	if err != nil {
		return fmt.Errorf("cdp: attach %s: %w", targetID, err)
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.SessionID == "" {
		return fmt.Errorf("cdp: attach %s: no session id", targetID)
	}

	// The session must exist before Network.enable so no event is missed.
	d.tabs.Bind(targetID, resp.SessionID)
	d.sink.StartSession(targetID)

	if _, err := d.conn.Call(ctx, resp.SessionID, "Network.enable", map[string]any{}); err != nil {
		d.tabs.Unbind(targetID)
		d.sink.StopSession(targetID)
		_, _ = d.conn.Call(ctx, "", "Target.detachFromTarget", map[string]any{"sessionId": resp.SessionID})
		return fmt.Errorf("cdp: enable network on %s: %w", targetID, err)
	}

	info, _ := d.tabs.Get(targetID)
	slog.Info("attached to target", "target_id", targetID, "session_id", resp.SessionID, "url", truncateURL(info.URL))
	return nil
}

// Detach stops capturing targetID and discards its records.
func (d *RawDriver) Detach(ctx context.Context, targetID string) error {
	d.attachMu.Lock()
	defer d.attachMu.Unlock()

	sessionID := d.tabs.Unbind(targetID)
	d.sink.StopSession(targetID)
	if sessionID == "" {
		return nil
	}
	if _, err := d.conn.Call(ctx, "", "Target.detachFromTarget", map[string]any{"sessionId": sessionID}); err != nil {
		var ce *CallError
		if errors.As(err, &ce) || errors.Is(err, ErrClosed) {
			slog.Debug("detach ignored", "target_id", targetID, "error", err)
			return nil
		}
		return fmt.Errorf("cdp: detach %s: %w", targetID, err)
	}
	slog.Info("detached from target", "target_id", targetID)
	return nil
}

// DetachAll detaches every attached target.
func (d *RawDriver) DetachAll(ctx context.Context) error {
	n := d.tabs.Count()
	var errs []error
	for _, id := range d.tabs.Attached() {
		if err := d.Detach(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Info("detached all targets", "sessions", n, "failed", len(errs))
	return errors.Join(errs...)
}

// Close unregisters handlers and drops the websocket.
func (d *RawDriver) Close() error {
	for _, fn := range d.unregister {
		fn()
	}
	d.unregister = nil
	return d.conn.Close()
}

func (d *RawDriver) fetcher(sessionID string) capture.BodyFetcher {
	return capture.BodyFetcherFunc(func(ctx context.Context, requestID string) (capture.Body, error) {
		raw, err := d.conn.Call(ctx, sessionID, "Network.getResponseBody", map[string]any{"requestId": requestID})
		if err != nil {
			return capture.Body{}, err
		}
		var resp struct {
			Body          string `json:"body"`
			Base64Encoded bool   `json:"base64Encoded"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return capture.Body{}, fmt.Errorf("cdp: decode response body: %w", err)
		}
		return capture.Body{Text: resp.Body, Base64Encoded: resp.Base64Encoded}, nil
	})
}

func (d *RawDriver) onNetworkEvent(method, sessionID string, params json.RawMessage) {
	targetID, ok := d.tabs.TargetForSession(sessionID)
	if !ok {
		return
	}
	ev, err := capture.Decode(method, params)
	if err != nil {
		slog.Debug("dropping network event", "target_id", targetID, "method", method, "error", err)
		return
	}
	d.sink.Apply(targetID, ev, d.fetcher(sessionID))
}

func (d *RawDriver) onTargetInfo(_ string, params json.RawMessage) {
	var p struct {
		TargetInfo struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
			Title    string `json:"title"`
			URL      string `json:"url"`
		} `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TargetInfo.TargetID == "" {
		return
	}
	info := d.tabs.Update(types.TargetInfo{
		TargetID: p.TargetInfo.TargetID,
		Type:     p.TargetInfo.Type,
		Title:    p.TargetInfo.Title,
		URL:      p.TargetInfo.URL,
	})
	d.opts.targetChanged(info)
}

func (d *RawDriver) onTargetGone(_ string, params json.RawMessage) {
	var p struct {
		TargetID  string `json:"targetId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	targetID := p.TargetID
	if targetID == "" {
		targetID, _ = d.tabs.TargetForSession(p.SessionID)
	}
	if targetID == "" {
		return
	}
	wasAttached := d.tabs.Session(targetID) != ""
	if wasAttached && p.SessionID != "" && d.tabs.Session(targetID) != p.SessionID {
		return
	}
	d.tabs.Remove(targetID)
	if !wasAttached {
		return
	}
	d.sink.StopSession(targetID)
	slog.Info("target gone, session stopped", "target_id", targetID)
	d.opts.targetGone(targetID)
}
