package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// ErrNoActiveWindow is returned when the active window was closed and no
// other window has been switched to yet.
var ErrNoActiveWindow = errors.New("no active window")

// RodDriver implements Driver on top of a rod browser connection. Window
// handles are CDP target IDs.
type RodDriver struct {
	browser *rod.Browser
	cleanup func()

	mu   sync.Mutex
	page *rod.Page
}

// NewRodDriver wraps an already created page. cleanup runs on Close and may be nil.
func NewRodDriver(b *rod.Browser, page *rod.Page, cleanup func()) *RodDriver {
	if cleanup == nil {
		cleanup = noopCleanup
	}
	return &RodDriver{
		browser: b,
		page:    page,
		cleanup: cleanup,
	}
}

func (d *RodDriver) active() (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.page == nil {
		return nil, ErrNoActiveWindow
	}
	return d.page, nil
}

// Navigate loads url in the active window and waits for the load event.
func (d *RodDriver) Navigate(ctx context.Context, url string) error {
	page, err := d.active()
	if err != nil {
		return err
	}
	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("failed to wait for page load: %w", err)
	}
	return nil
}

// Back goes one entry back in the active window's history.
func (d *RodDriver) Back(ctx context.Context) error {
	page, err := d.active()
	if err != nil {
		return err
	}
	if err := page.Context(ctx).NavigateBack(); err != nil {
		return fmt.Errorf("failed to navigate back: %w", err)
	}
	return nil
}

// CurrentURL returns the location of the active window.
func (d *RodDriver) CurrentURL(ctx context.Context) (string, error) {
	page, err := d.active()
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("failed to read page info: %w", err)
	}
	return info.URL, nil
}

// Title returns the document title of the active window.
func (d *RodDriver) Title(ctx context.Context) (string, error) {
	page, err := d.active()
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("failed to read page info: %w", err)
	}
	return info.Title, nil
}

// HTML returns a serialized snapshot of the active document.
func (d *RodDriver) HTML(ctx context.Context) (string, error) {
	page, err := d.active()
	if err != nil {
		return "", err
	}
	html, err := page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("failed to read page html: %w", err)
	}
	return html, nil
}

// FindElements returns every element currently matching the selector.
func (d *RodDriver) FindElements(ctx context.Context, by By, value string) ([]Element, error) {
	q, err := Translate(by, value)
	if err != nil {
		return nil, err
	}
	page, err := d.active()
	if err != nil {
		return nil, err
	}

	p := page.Context(ctx)
	var found rod.Elements
	if q.XPath != "" {
		found, err = p.ElementsX(q.XPath)
	} else {
		found, err = p.Elements(q.CSS)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s %q: %w", by, value, err)
	}

	elements := make([]Element, 0, len(found))
	for _, el := range found {
		elements = append(elements, &rodElement{el: el})
	}
	return elements, nil
}

// WindowHandles lists the target IDs of every open page.
func (d *RodDriver) WindowHandles(ctx context.Context) ([]string, error) {
	pages, err := d.browser.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	handles := make([]string, 0, len(pages))
	for _, p := range pages {
		handles = append(handles, string(p.TargetID))
	}
	return handles, nil
}

// CurrentWindow returns the handle of the active window.
func (d *RodDriver) CurrentWindow(ctx context.Context) (string, error) {
	page, err := d.active()
	if err != nil {
		return "", err
	}
	return string(page.TargetID), nil
}

// SwitchWindow makes handle the active window.
func (d *RodDriver) SwitchWindow(ctx context.Context, handle string) error {
	page, err := d.browser.PageFromTarget(proto.TargetTargetID(handle))
	if err != nil {
		return fmt.Errorf("failed to attach to window %s: %w", handle, err)
	}
	if _, err := page.Context(ctx).Activate(); err != nil {
		return fmt.Errorf("failed to activate window %s: %w", handle, err)
	}

	d.mu.Lock()
	d.page = page
	d.mu.Unlock()
	return nil
}

// CloseWindow closes the window with the given handle. Closing the active
// window leaves the driver without an active window until SwitchWindow.
func (d *RodDriver) CloseWindow(ctx context.Context, handle string) error {
	page, err := d.browser.PageFromTarget(proto.TargetTargetID(handle))
	if err != nil {
		return fmt.Errorf("failed to attach to window %s: %w", handle, err)
	}
	if err := page.Context(ctx).Close(); err != nil {
		return fmt.Errorf("failed to close window %s: %w", handle, err)
	}

	d.mu.Lock()
	if d.page != nil && string(d.page.TargetID) == handle {
		d.page = nil
	}
	d.mu.Unlock()
	return nil
}

// Close closes the active page and releases whatever the launcher attached.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	page := d.page
	d.page = nil
	d.mu.Unlock()

	var err error
	if page != nil {
		err = page.Close()
	}
	d.cleanup()
	return err
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	text, err := e.el.Context(ctx).Text()
	return text, classifyElementError("text", err)
}

func (e *rodElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	value, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, classifyElementError("attribute", err)
	}
	if value == nil {
		return "", false, nil
	}
	return *value, true, nil
}

func (e *rodElement) Visible(ctx context.Context) (bool, error) {
	visible, err := e.el.Context(ctx).Visible()
	return visible, classifyElementError("visible", err)
}

func (e *rodElement) Enabled(ctx context.Context) (bool, error) {
	disabled, err := e.el.Context(ctx).Disabled()
	return !disabled, classifyElementError("enabled", err)
}

func (e *rodElement) Click(ctx context.Context) error {
	return classifyElementError("click", e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1))
}

func (e *rodElement) Input(ctx context.Context, text string) error {
	return classifyElementError("input", e.el.Context(ctx).Input(text))
}

func (e *rodElement) Press(ctx context.Context, key Key) error {
	var k input.Key
	switch key {
	case KeyEnter:
		k = input.Enter
	case KeyEscape:
		k = input.Escape
	case KeyTab:
		k = input.Tab
	default:
		return fmt.Errorf("unsupported key: %q", key)
	}
	return classifyElementError("press", e.el.Context(ctx).Type(k))
}

func (e *rodElement) Select(ctx context.Context, text string) error {
	return classifyElementError("select", e.el.Context(ctx).Select([]string{text}, true, rod.SelectorTypeText))
}

func noopCleanup() {}
