package browsertest

import (
	"context"
	"sync"

	"github.com/ahrdadan/flowcheck/internal/browser"
)

// Hook reacts to an interaction by mutating the driver.
type Hook func(d *Driver) error

// Element is a fake browser.Element. It is visible and enabled by default.
type Element struct {
	mu       sync.Mutex
	driver   *Driver
	text     string
	attrs    map[string]string
	hidden   bool
	disabled bool
	stale    bool
	onClick  Hook
	onSelect func(d *Driver, text string) error

	clicks   int
	inputs   []string
	keys     []browser.Key
	selected []string
}

var _ browser.Element = (*Element)(nil)

// NewElement returns a visible, enabled element with the given text.
func NewElement(text string) *Element {
	return &Element{text: text, attrs: make(map[string]string)}
}

func (e *Element) bind(d *Driver) {
	e.mu.Lock()
	e.driver = d
	e.mu.Unlock()
}

// WithAttr sets an attribute.
func (e *Element) WithAttr(name, value string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attrs[name] = value
	return e
}

// OnClick installs a click hook.
func (e *Element) OnClick(h Hook) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClick = h
	return e
}

// OnSelect installs a hook for Select.
func (e *Element) OnSelect(h func(d *Driver, text string) error) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSelect = h
	return e
}

// Hide makes the element invisible.
func (e *Element) Hide() *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hidden = true
	return e
}

// Show makes the element visible.
func (e *Element) Show() *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hidden = false
	return e
}

// Disable marks the element as not interactable.
func (e *Element) Disable() *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled = true
	return e
}

// Enable marks the element as interactable.
func (e *Element) Enable() *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled = false
	return e
}

// SetText replaces the element's text.
func (e *Element) SetText(text string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text = text
	return e
}

// Detach makes every further operation fail with a stale reference error.
func (e *Element) Detach() *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stale = true
	return e
}

// Clicks returns how many times the element was clicked.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Inputs returns every text typed into the element.
func (e *Element) Inputs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.inputs...)
}

// Keys returns every key pressed on the element.
func (e *Element) Keys() []browser.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]browser.Key(nil), e.keys...)
}

// Selected returns every option text passed to Select.
func (e *Element) Selected() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.selected...)
}

func (e *Element) staleErr(op string) error {
	if e.stale {
		return &browser.StaleReferenceError{Op: op}
	}
	return nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.staleErr("text"); err != nil {
		return "", err
	}
	return e.text, nil
}

func (e *Element) Attribute(ctx context.Context, name string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.staleErr("attribute"); err != nil {
		return "", false, err
	}
	v, ok := e.attrs[name]
	return v, ok, nil
}

func (e *Element) Visible(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.staleErr("visible"); err != nil {
		return false, err
	}
	return !e.hidden, nil
}

func (e *Element) Enabled(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.staleErr("enabled"); err != nil {
		return false, err
	}
	return !e.disabled, nil
}

func (e *Element) Click(ctx context.Context) error {
	e.mu.Lock()
	if err := e.staleErr("click"); err != nil {
		e.mu.Unlock()
		return err
	}
	e.clicks++
	hook, d := e.onClick, e.driver
	e.mu.Unlock()

	if hook == nil {
		return nil
	}
	if d == nil {
		return ErrDetached
	}
	return hook(d)
}

func (e *Element) Input(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.staleErr("input"); err != nil {
		return err
	}
	e.inputs = append(e.inputs, text)
	e.attrs["value"] = text
	return nil
}

func (e *Element) Press(ctx context.Context, key browser.Key) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.staleErr("press"); err != nil {
		return err
	}
	e.keys = append(e.keys, key)
	return nil
}

func (e *Element) Select(ctx context.Context, text string) error {
	e.mu.Lock()
	if err := e.staleErr("select"); err != nil {
		e.mu.Unlock()
		return err
	}
	e.selected = append(e.selected, text)
	hook, d := e.onSelect, e.driver
	e.mu.Unlock()

	if hook == nil {
		return nil
	}
	if d == nil {
		return ErrDetached
	}
	return hook(d, text)
}
