package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/rendis/browseflow/pkg/schema"
)

// DefaultElementTimeout bounds how long an element-targeting action waits for
// its target.
const DefaultElementTimeout = 10 * time.Second

// RodConfig configures the go-rod launcher.
type RodConfig struct {
	BinPath        string // empty uses launcher.LookPath
	Headless       bool
	ElementTimeout time.Duration
	ViewportWidth  int
	ViewportHeight int
	UserDataDir    string
}

// RodLauncher starts one Chromium process lazily and opens a page per session.
type RodLauncher struct {
	cfg RodConfig

	mu      sync.Mutex
	l       *launcher.Launcher
	browser *rod.Browser
}

// NewRodLauncher creates a launcher. The browser process starts on the first
// NewSession call.
func NewRodLauncher(cfg RodConfig) *RodLauncher {
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = DefaultElementTimeout
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 800
	}
	return &RodLauncher{cfg: cfg}
}

func (r *RodLauncher) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	path := r.cfg.BinPath
	if path == "" {
		path, _ = launcher.LookPath()
	}
	l := launcher.New().Bin(path).Headless(r.cfg.Headless)
	if r.cfg.UserDataDir != "" {
		l = l.UserDataDir(r.cfg.UserDataDir)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	r.l = l
	r.browser = b
	return b, nil
}

// NewSession opens a blank page with the configured viewport.
func (r *RodLauncher) NewSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := r.connect()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, err.Error()).WithCause(err)
	}
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "open page: "+err.Error()).WithCause(err)
	}
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             r.cfg.ViewportWidth,
		Height:            r.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		_ = page.Close()
		return nil, schema.NewError(schema.ErrCodeActionFailed, "set viewport: "+err.Error()).WithCause(err)
	}
	return &RodSession{page: page, timeout: r.cfg.ElementTimeout}, nil
}

// Close shuts the browser process down.
func (r *RodLauncher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.l.Kill()
	r.browser = nil
	r.l = nil
	return err
}

// RodSession is a Session backed by one rod page.
type RodSession struct {
	page    *rod.Page
	timeout time.Duration
}

func (s *RodSession) Navigate(ctx context.Context, url string) error {
	p := s.page.Context(ctx).Timeout(s.timeout * 3)
	defer p.CancelTimeout()

	if err := p.Navigate(url); err != nil {
		return classify(err, phaseAct, "navigate to "+url)
	}
	if err := p.WaitLoad(); err != nil {
		return classify(err, phaseReady, "wait for load of "+url)
	}
	return nil
}

func (s *RodSession) Click(ctx context.Context, sel schema.SelectorSet) error {
	return s.withElement(ctx, sel, "click", func(el *rod.Element) error {
		return el.Click(proto.InputMouseButtonLeft, 1)
	})
}

func (s *RodSession) Type(ctx context.Context, sel schema.SelectorSet, text string) error {
	return s.withElement(ctx, sel, "type into", func(el *rod.Element) error {
		if err := el.SelectAllText(); err != nil {
			return err
		}
		return el.Input(text)
	})
}

func (s *RodSession) SelectOption(ctx context.Context, sel schema.SelectorSet, text string) error {
	return s.withElement(ctx, sel, "select option in", func(el *rod.Element) error {
		return el.Select([]string{text}, true, rod.SelectorTypeText)
	})
}

func (s *RodSession) KeyPress(ctx context.Context, sel schema.SelectorSet, key string) error {
	k, ok := LookupKey(key)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeActionFailed, "unsupported key %q", key)
	}
	return s.withElement(ctx, sel, "press "+key+" on", func(el *rod.Element) error {
		if err := el.Focus(); err != nil {
			return err
		}
		return el.Type(k)
	})
}

func (s *RodSession) Scroll(ctx context.Context, dx, dy int) error {
	p := s.page.Context(ctx).Timeout(s.timeout)
	defer p.CancelTimeout()
	if err := p.Mouse.Scroll(float64(dx), float64(dy), 4); err != nil {
		return classify(err, phaseAct, "scroll")
	}
	return nil
}

func (s *RodSession) PageText(ctx context.Context) (string, error) {
	p := s.page.Context(ctx).Timeout(s.timeout)
	defer p.CancelTimeout()
	res, err := p.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", classify(err, phaseAct, "read page text")
	}
	return res.Value.Str(), nil
}

// observeJS lists visible interactive elements with a usable CSS selector.
const observeJS = `() => {
	const out = [];
	const nodes = document.querySelectorAll('a[href], button, input:not([type="hidden"]), textarea, select, [role="button"], [onclick]');
	const sel = (el) => {
		if (el.id && /^[A-Za-z][\w-]*$/.test(el.id)) return '#' + el.id;
		if (el.name) return el.tagName.toLowerCase() + '[name="' + el.name + '"]';
		const parts = [];
		let cur = el;
		while (cur && cur.nodeType === 1 && parts.length < 5) {
			let p = cur.tagName.toLowerCase();
			const parent = cur.parentElement;
			if (parent) {
				const same = Array.from(parent.children).filter(c => c.tagName === cur.tagName);
				if (same.length > 1) p += ':nth-of-type(' + (same.indexOf(cur) + 1) + ')';
			}
			parts.unshift(p);
			cur = parent;
		}
		return parts.join(' > ');
	};
	nodes.forEach((el) => {
		if (!el.offsetParent && el.tagName !== 'BODY') return;
		const text = (el.innerText || el.value || el.placeholder || el.getAttribute('aria-label') || '').trim().slice(0, 80);
		out.push({index: out.length, tag: el.tagName.toLowerCase(), text: text, selector: sel(el)});
	});
	return {url: location.href, title: document.title, elements: out.slice(0, 150)};
}`

func (s *RodSession) Observe(ctx context.Context) (*Observation, error) {
	p := s.page.Context(ctx).Timeout(s.timeout)
	defer p.CancelTimeout()
	res, err := p.Eval(observeJS)
	if err != nil {
		return nil, classify(err, phaseAct, "observe page")
	}
	var obs Observation
	if err := res.Value.Unmarshal(&obs); err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "decode observation").WithCause(err)
	}
	return &obs, nil
}

func (s *RodSession) Close() error {
	return s.page.Close()
}

// withElement locates the target (CSS first, XPath second), waits for it to
// become interactable and runs act, all within the element timeout.
func (s *RodSession) withElement(ctx context.Context, sel schema.SelectorSet, what string, act func(*rod.Element) error) error {
	p := s.page.Context(ctx).Timeout(s.timeout)
	defer p.CancelTimeout()

	desc := what + " " + sel.String()
	el, err := s.locate(p, sel)
	if err != nil {
		return classify(err, phaseLocate, desc)
	}
	if _, err := el.WaitInteractable(); err != nil {
		return classify(err, phaseReady, desc)
	}
	if err := act(el); err != nil {
		return classify(err, phaseAct, desc)
	}
	return nil
}

func (s *RodSession) locate(p *rod.Page, sel schema.SelectorSet) (*rod.Element, error) {
	if sel.Empty() {
		return nil, &rod.ElementNotFoundError{}
	}
	if sel.CSSSelector == "" {
		return p.ElementX(sel.XPath)
	}
	if sel.XPath == "" {
		return p.Element(sel.CSSSelector)
	}

	// Both locators: give CSS half the budget so XPath still gets a chance.
	half := p.Timeout(s.timeout / 2)
	el, err := half.Element(sel.CSSSelector)
	half.CancelTimeout()
	if err == nil {
		return el.Context(p.GetContext()), nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	return p.ElementX(sel.XPath)
}

type phase int

const (
	phaseLocate phase = iota
	phaseReady
	phaseAct
)

// classify maps a driver error onto the capability's failure codes.
func classify(err error, ph phase, desc string) error {
	var notFound *rod.ElementNotFoundError
	switch {
	case errors.As(err, &notFound):
		return schema.NewError(schema.ErrCodeElementNotFound, desc+": element not found").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded) && ph == phaseLocate:
		return schema.NewError(schema.ErrCodeElementNotFound, desc+": element did not appear in time").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewError(schema.ErrCodeTimeout, desc+": timed out").WithCause(err)
	default:
		return schema.NewError(schema.ErrCodeActionFailed, desc+": "+err.Error()).WithCause(err)
	}
}

var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"return":     input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"esc":        input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"space":      input.Space,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
}

// LookupKey resolves a recorded key name ("Enter", "ArrowDown", "a") to a
// rod key.
func LookupKey(name string) (input.Key, bool) {
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k, true
	}
	r := []rune(name)
	if len(r) == 1 && r[0] >= 0x20 && r[0] < 0x7f {
		return input.Key(r[0]), true
	}
	return 0, false
}
