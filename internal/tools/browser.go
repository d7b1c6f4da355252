package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rahul/concierge/internal/store"
)

// BrowserTool renders JavaScript-heavy pages in a shared headless Chrome
// and returns their visible text. It only reads; no clicks or typing.
type BrowserTool struct {
	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewBrowserTool() *BrowserTool {
	return &BrowserTool{}
}

func (b *BrowserTool) Name() string {
	return "web.render"
}

func (b *BrowserTool) Description() string {
	return "Open a URL in a headless browser, optionally wait for a CSS selector, and return the rendered page text. Use when web.read returns an empty page."
}

func (b *BrowserTool) Kind() store.StepKind { return store.KindRead }

func (b *BrowserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to render",
			},
			"wait_selector": map[string]any{
				"type":        "string",
				"description": "CSS selector to wait for before reading the page",
			},
		},
		"required": []string{"url"},
	}
}

func (b *BrowserTool) initBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx)
}

func (b *BrowserTool) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// Close shuts down the shared browser.
func (b *BrowserTool) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
}

func (b *BrowserTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		URL          string `json:"url"`
		WaitSelector string `json:"wait_selector"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", InvalidInput("%v", err)
	}
	if !strings.HasPrefix(args.URL, "http://") && !strings.HasPrefix(args.URL, "https://") {
		return "", InvalidInput("url must be http(s): %q", args.URL)
	}

	if err := b.initBrowser(); err != nil {
		return "", fmt.Errorf("failed to initialize browser: %w", err)
	}

	// A fresh tab per call; the caller's deadline also bounds the tab.
	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()
	actionCtx, cancel := context.WithTimeout(tabCtx, 60*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	actions := []chromedp.Action{chromedp.Navigate(args.URL)}
	if args.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(args.WaitSelector, chromedp.ByQuery))
	}

	var html string
	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		node, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		return err
	}))

	if err := chromedp.Run(actionCtx, actions...); err != nil {
		return "", fmt.Errorf("browser render failed: %w", err)
	}

	text := strings.Join(strings.Fields(bluemonday.StrictPolicy().Sanitize(html)), " ")
	return truncate(text, maxContentChars), nil
}
