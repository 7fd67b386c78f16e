package cdp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/harcollector/internal/capture"
	"github.com/dgnsrekt/harcollector/internal/types"
)

// ChromedpDriver captures through chromedp target contexts. Header order is
// not observable through its typed events; headers arrive sorted by name.
type ChromedpDriver struct {
	cdpURL string
	sink   EventSink
	opts   Options
	tabs   *TabRegistry

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu      sync.Mutex
	targets map[string]*tabContext

	// getBody runs Network.getResponseBody on a target context.
	getBody func(ctx context.Context, requestID string) ([]byte, error)
}

type tabContext struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	active atomic.Bool
}

// NewChromedpDriver returns a driver for the DevTools endpoint at cdpURL.
func NewChromedpDriver(cdpURL string, sink EventSink, opts Options) *ChromedpDriver {
	return &ChromedpDriver{
		cdpURL:  cdpURL,
		sink:    sink,
		opts:    opts,
		tabs:    NewTabRegistry(),
		targets: make(map[string]*tabContext),
		getBody: getResponseBody,
	}
}

func getResponseBody(ctx context.Context, requestID string) ([]byte, error) {
	var body []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(actx context.Context) error {
		var err error
		body, err = network.GetResponseBody(network.RequestID(requestID)).Do(actx)
		return err
	}))
	return body, err
}

// Start connects to the browser and subscribes to target lifecycle events.
func (d *ChromedpDriver) Start(ctx context.Context) error {
	slog.Info("connecting to chromium", "url", d.cdpURL)
	d.allocCtx, d.allocCancel = chromedp.NewRemoteAllocator(context.Background(), d.cdpURL)
	d.browserCtx, d.browserCancel = chromedp.NewContext(d.allocCtx)

	if err := chromedp.Run(d.browserCtx); err != nil {
		d.allocCancel()
		return fmt.Errorf("cdp: connect to browser: %w", err)
	}

	chromedp.ListenBrowser(d.browserCtx, d.onBrowserEvent)
	err := chromedp.Run(d.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdproto.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	}))
	if err != nil {
		return fmt.Errorf("cdp: enable target discovery: %w", err)
	}
	slog.Info("cdp chromedp driver started", "url", d.cdpURL)
	return nil
}

// Done is closed when the browser connection is torn down.
func (d *ChromedpDriver) Done() <-chan struct{} {
	if d.browserCtx == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return d.browserCtx.Done()
}

// Targets lists browser targets with their attachment state.
func (d *ChromedpDriver) Targets(ctx context.Context) ([]types.TargetInfo, error) {
	infos, err := chromedp.Targets(d.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("cdp: enumerate targets: %w", err)
	}
	list := make([]types.TargetInfo, 0, len(infos))
	for _, t := range infos {
		list = append(list, targetInfo(t))
	}
	return d.tabs.Merge(list), nil
}

// Attach starts capturing targetID.
func (d *ChromedpDriver) Attach(ctx context.Context, targetID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tab, ok := d.targets[targetID]
	if ok && tab.active.Load() {
		return nil
	}
	if !ok {
		tabCtx, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(target.ID(targetID)))
		tab = &tabContext{id: targetID, ctx: tabCtx, cancel: cancel}
		chromedp.ListenTarget(tabCtx, d.eventHandler(tab))
		d.targets[targetID] = tab
	}

	d.sink.StartSession(targetID)
	tab.active.Store(true)
	if err := chromedp.Run(tab.ctx, network.Enable()); err != nil {
		tab.active.Store(false)
		d.sink.StopSession(targetID)
		return fmt.Errorf("cdp: enable network on %s: %w", targetID, err)
	}
	d.tabs.Bind(targetID, targetID)
	info, _ := d.tabs.Get(targetID)
	slog.Info("attached to target", "target_id", targetID, "url", truncateURL(info.URL))
	return nil
}

// Detach stops capturing targetID. The target context is kept for reuse;
// cancelling it would close the page.
func (d *ChromedpDriver) Detach(ctx context.Context, targetID string) error {
	d.mu.Lock()
	tab, ok := d.targets[targetID]
	d.mu.Unlock()

	d.tabs.Unbind(targetID)
	d.sink.StopSession(targetID)
	if !ok || !tab.active.Swap(false) {
		return nil
	}
	if err := chromedp.Run(tab.ctx, network.Disable()); err != nil {
		slog.Debug("network disable failed", "target_id", targetID, "error", err)
	}
	slog.Info("detached from target", "target_id", targetID)
	return nil
}

// DetachAll detaches every attached target.
func (d *ChromedpDriver) DetachAll(ctx context.Context) error {
	var errs []error
	for _, id := range d.tabs.Attached() {
		if err := d.Detach(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the allocator.
func (d *ChromedpDriver) Close() error {
	d.mu.Lock()
	d.targets = make(map[string]*tabContext)
	d.mu.Unlock()
	if d.browserCancel != nil {
		d.browserCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
	slog.Info("cdp client closed")
	return nil
}

func (d *ChromedpDriver) eventHandler(tab *tabContext) func(ev any) {
	fetcher := capture.BodyFetcherFunc(func(ctx context.Context, requestID string) (capture.Body, error) {
		runCtx, cancel := context.WithCancel(tab.ctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		body, err := d.getBody(runCtx, requestID)
		if err != nil {
			return capture.Body{}, err
		}
		return bodyFromBytes(body), nil
	})

	return func(ev any) {
		if !tab.active.Load() {
			return
		}
		e, ok := capture.FromNetworkEvent(ev)
		if !ok {
			return
		}
		d.sink.Apply(tab.id, e, fetcher)
	}
}

func (d *ChromedpDriver) onBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo != nil {
			d.opts.targetChanged(d.tabs.Update(targetInfo(e.TargetInfo)))
		}
	case *target.EventTargetInfoChanged:
		if e.TargetInfo != nil {
			d.opts.targetChanged(d.tabs.Update(targetInfo(e.TargetInfo)))
		}
	case *target.EventTargetDestroyed:
		id := string(e.TargetID)
		attached := d.tabs.Session(id) != ""
		d.tabs.Remove(id)
		d.mu.Lock()
		tab, ok := d.targets[id]
		delete(d.targets, id)
		d.mu.Unlock()
		if ok {
			tab.active.Store(false)
		}
		if attached {
			d.sink.StopSession(id)
			slog.Info("target gone, session stopped", "target_id", id)
			d.opts.targetGone(id)
		}
	}
}

func targetInfo(t *target.Info) types.TargetInfo {
	return types.TargetInfo{
		TargetID: string(t.TargetID),
		Type:     string(t.Type),
		Title:    t.Title,
		URL:      t.URL,
	}
}

// bodyFromBytes re-encodes binary bodies, which chromedp hands back decoded.
func bodyFromBytes(b []byte) capture.Body {
	if utf8.Valid(b) {
		return capture.Body{Text: string(b)}
	}
	return capture.Body{Text: base64.StdEncoding.EncodeToString(b), Base64Encoded: true}
}
