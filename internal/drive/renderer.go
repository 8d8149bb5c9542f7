package drive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	defaultRenderTimeout     = 20 * time.Second
	defaultRenderConcurrency = 2
)

// ErrRendererDisabled indicates rendering has been disabled via configuration.
var ErrRendererDisabled = errors.New("renderer_disabled")

// Renderer executes a worker page in a browser and returns the resulting DOM.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, error)
}

// RendererConfig controls the headless browser.
type RendererConfig struct {
	MaxConcurrency int
	Timeout        time.Duration
	UserAgent      string
}

// ChromedpRenderer renders worker pages that build their listing client side.
type ChromedpRenderer struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	slots           chan struct{}
	timeout         time.Duration
	userAgent       string
}

// NewChromedpRenderer starts a headless browser shared by all renders.
func NewChromedpRenderer(config RendererConfig, logger *zap.Logger) (*ChromedpRenderer, error) {
	if config.MaxConcurrency < 0 {
		return nil, ErrRendererDisabled
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = defaultRenderConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultRenderTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	options := chromedp.DefaultExecAllocatorOptions[:]
	options = append(options,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)
	if config.UserAgent != "" {
		options = append(options, chromedp.UserAgent(config.UserAgent))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), options...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &ChromedpRenderer{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		slots:           make(chan struct{}, config.MaxConcurrency),
		timeout:         config.Timeout,
		userAgent:       config.UserAgent,
	}, nil
}

// Close tears down the browser.
func (renderer *ChromedpRenderer) Close() {
	if renderer == nil {
		return
	}
	renderer.browserCancel()
	renderer.allocatorCancel()
}

// Render loads the page with JavaScript enabled and returns the outer HTML of the document.
func (renderer *ChromedpRenderer) Render(ctx context.Context, pageURL string) ([]byte, error) {
	if renderer == nil {
		return nil, ErrRendererDisabled
	}

	release, err := renderer.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	tabCtx, cancelTab := chromedp.NewContext(renderer.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, renderer.timeout)
	defer cancelTask()

	stopForward := context.AfterFunc(ctx, cancelTask)
	defer stopForward()

	var document string
	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &document, chromedp.ByQuery),
	}
	if renderer.userAgent != "" {
		tasks = append(chromedp.Tasks{emulation.SetUserAgentOverride(renderer.userAgent)}, tasks...)
	}
	if runErr := chromedp.Run(taskCtx, tasks); runErr != nil {
		renderer.logger.Debug("drive_render_failed", zap.String("page_url", pageURL), zap.Error(runErr))
		return nil, fmt.Errorf("chromedp run: %w", runErr)
	}
	return []byte(document), nil
}

func (renderer *ChromedpRenderer) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case renderer.slots <- struct{}{}:
		return func() { <-renderer.slots }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}
