// Package browser drives the page the bridge harvests from. The page's own
// session cookie authenticates the credential fetch, so the token comes out
// exactly as the page would see it.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/tokenbridge/tokenbridge/internal/credential"
	"github.com/tokenbridge/tokenbridge/internal/transport"
)

const probeTimeout = 5 * time.Second

type Options struct {
	PageURL     string
	SessionPath string
	// UserDataDir keeps the profile, and so the login, across runs.
	UserDataDir string
	Headless    bool
	// Install downloads the browser on first use.
	Install bool
	Logger  *slog.Logger
}

// Host is one Chromium page in a persistent profile.
type Host struct {
	opts   Options
	logger *slog.Logger

	pw      *playwright.Playwright
	context playwright.BrowserContext
	page    playwright.Page

	// evalMu serialises evaluations against page navigation.
	evalMu sync.Mutex
}

func Launch(opts Options) (*Host, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if opts.Install {
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("installing playwright: %w", err)
		}
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(opts.UserDataDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("launching chromium: %w", err)
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else if page, err = bctx.NewPage(); err != nil {
		bctx.Close()
		pw.Stop()
		return nil, fmt.Errorf("opening page: %w", err)
	}

	return &Host{opts: opts, logger: opts.Logger, pw: pw, context: bctx, page: page}, nil
}

// Watch hooks the page lifecycle and navigates to the page URL. onLoad runs
// on every load, including reloads; onClose runs when the page goes away.
func (h *Host) Watch(onLoad, onClose func()) error {
	h.page.OnLoad(func(p playwright.Page) {
		h.logger.Info("page loaded", "url", p.URL())
		onLoad()
	})
	h.page.OnClose(func(playwright.Page) {
		h.logger.Info("page closed")
		onClose()
	})
	if _, err := h.page.Goto(h.opts.PageURL); err != nil {
		return fmt.Errorf("opening %s: %w", h.opts.PageURL, err)
	}
	return nil
}

const sessionScript = `async ({ path, timeout }) => {
  const res = await fetch(path, {
    credentials: 'include',
    headers: { Accept: 'application/json' },
    signal: AbortSignal.timeout(timeout),
  });
  return { status: res.status, body: await res.text() };
}`

// Session fetches the session endpoint from inside the page.
func (h *Host) Session(ctx context.Context) ([]byte, error) {
	timeout := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	arg := map[string]any{"path": h.opts.SessionPath, "timeout": timeout.Milliseconds()}

	v, err := h.evaluate(ctx, sessionScript, arg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, credential.ErrTimeout
		}
		return nil, err
	}
	return sessionBody(v)
}

func sessionBody(v any) ([]byte, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected session result %T", v)
	}
	status := toInt(m["status"])
	body, _ := m["body"].(string)
	if status >= 300 {
		return nil, fmt.Errorf("GET session: %d %s", status, body)
	}
	return []byte(body), nil
}

// Reload reloads the page. The load event that follows restarts the bridge.
func (h *Host) Reload() {
	h.evalMu.Lock()
	defer h.evalMu.Unlock()
	if _, err := h.page.Reload(); err != nil {
		h.logger.Warn("page reload failed", "error", err)
	}
}

const probeScript = `({ url, timeout }) => new Promise((resolve) => {
  const origin = url.split('/').slice(0, 3).join('/');
  let violation = '';
  const onViolation = (e) => {
    if (String(e.blockedURI).startsWith(origin)) violation = e.violatedDirective;
  };
  document.addEventListener('securitypolicyviolation', onViolation);
  const done = (r) => {
    document.removeEventListener('securitypolicyviolation', onViolation);
    resolve(r);
  };
  const started = performance.now();
  let ws;
  try {
    ws = new WebSocket(url);
  } catch (e) {
    done({ ok: false, error: String((e && e.message) || e) });
    return;
  }
  const timer = setTimeout(() => {
    try { ws.close(); } catch (_) {}
    done({ ok: false, error: 'timeout' });
  }, timeout);
  ws.onopen = () => {
    clearTimeout(timer);
    const ms = performance.now() - started;
    ws.close(1000, 'probe');
    done({ ok: true, ms });
  };
  ws.onerror = () => {
    clearTimeout(timer);
    setTimeout(() => done({
      ok: false,
      error: violation ? 'blocked by Content Security Policy directive ' + violation : 'connection failed',
    }), 0);
  };
})`

// Probe opens a WebSocket from inside the page, where the page's Content
// Security Policy applies.
func (h *Host) Probe(ctx context.Context, url string) transport.ProbeResult {
	if err := transport.ValidateURL(url); err != nil {
		return transport.ProbeResult{URL: url, Err: err}
	}
	v, err := h.evaluate(ctx, probeScript, map[string]any{"url": url, "timeout": probeTimeout.Milliseconds()})
	if err != nil {
		return transport.ProbeResult{URL: url, Err: err}
	}
	return probeResult(url, v)
}

func probeResult(url string, v any) transport.ProbeResult {
	res := transport.ProbeResult{URL: url}
	m, ok := v.(map[string]any)
	if !ok {
		res.Err = fmt.Errorf("unexpected probe result %T", v)
		return res
	}
	if ok, _ := m["ok"].(bool); ok {
		res.Connected = true
		res.Latency = time.Duration(toFloat(m["ms"]) * float64(time.Millisecond))
		return res
	}
	msg, _ := m["error"].(string)
	if msg == "" {
		msg = "connection failed"
	}
	res.Err = errors.New(msg)
	return res
}

// evaluate runs script in the page, giving up when ctx ends. The
// evaluation itself keeps running in the page until it settles.
func (h *Host) evaluate(ctx context.Context, script string, arg any) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		h.evalMu.Lock()
		defer h.evalMu.Unlock()
		v, err := h.page.Evaluate(script, arg)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the browser and the playwright driver down.
func (h *Host) Close() error {
	var errs []error
	if err := h.context.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing browser: %w", err))
	}
	if err := h.pw.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping playwright: %w", err))
	}
	return errors.Join(errs...)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
