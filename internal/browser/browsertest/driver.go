// Package browsertest provides an in-memory browser.Driver for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ahrdadan/flowcheck/internal/browser"
)

type selector struct {
	by    browser.By
	value string
}

// Window is one fake tab. Its fields are guarded by the owning Driver.
type Window struct {
	handle   string
	url      string
	title    string
	html     string
	history  []string
	elements map[selector][]*Element
}

// Driver is a scriptable browser.Driver. Elements live per window; click and
// select hooks mutate the driver to simulate page reactions.
type Driver struct {
	mu        sync.Mutex
	windows   map[string]*Window
	order     []string
	current   string
	nextID    int
	queryErrs map[selector]error
	queries   map[selector]int
	navErr    error
	navHook   func(d *Driver, url string)
	closeErr  error
	closed    bool
}

var _ browser.Driver = (*Driver)(nil)

// New returns a driver with one window showing url.
func New(url string) *Driver {
	d := &Driver{
		windows:   make(map[string]*Window),
		queryErrs: make(map[selector]error),
		queries:   make(map[selector]int),
	}
	d.current = d.openLocked(url)
	return d
}

func (d *Driver) openLocked(url string) string {
	d.nextID++
	handle := "w" + strconv.Itoa(d.nextID)
	d.windows[handle] = &Window{
		handle:   handle,
		url:      url,
		elements: make(map[selector][]*Element),
	}
	d.order = append(d.order, handle)
	return handle
}

func (d *Driver) activeLocked() (*Window, error) {
	w, ok := d.windows[d.current]
	if !ok {
		return nil, browser.ErrNoActiveWindow
	}
	return w, nil
}

// OpenWindow opens a background window at url without switching to it.
func (d *Driver) OpenWindow(url string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openLocked(url)
}

// SetURL changes the active window's location, recording history.
func (d *Driver) SetURL(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, err := d.activeLocked(); err == nil {
		w.history = append(w.history, w.url)
		w.url = url
	}
}

// SetWindowURL changes the location of a specific window.
func (d *Driver) SetWindowURL(handle, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.windows[handle]; ok {
		w.history = append(w.history, w.url)
		w.url = url
	}
}

// SetTitle sets the active window's title.
func (d *Driver) SetTitle(title string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, err := d.activeLocked(); err == nil {
		w.title = title
	}
}

// SetHTML replaces the active window's document snapshot.
func (d *Driver) SetHTML(html string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, err := d.activeLocked(); err == nil {
		w.html = html
	}
}

// Add attaches elements matching (by, value) to the active window.
func (d *Driver) Add(by browser.By, value string, els ...*Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.activeLocked()
	if err != nil {
		return
	}
	key := selector{by, value}
	w.elements[key] = append(w.elements[key], els...)
}

// Remove detaches every element matching (by, value) from the active window.
func (d *Driver) Remove(by browser.By, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, err := d.activeLocked(); err == nil {
		delete(w.elements, selector{by, value})
	}
}

// FailQuery makes every FindElements for (by, value) return err. A nil err clears it.
func (d *Driver) FailQuery(by browser.By, value string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.queryErrs, selector{by, value})
		return
	}
	d.queryErrs[selector{by, value}] = err
}

// FailNavigation makes Navigate return err.
func (d *Driver) FailNavigation(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navErr = err
}

// OnNavigate installs a hook run after every successful Navigate, so a test
// can render the page that lives at url.
func (d *Driver) OnNavigate(h func(d *Driver, url string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navHook = h
}

// FailClose makes CloseWindow return err without closing anything.
func (d *Driver) FailClose(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeErr = err
}

// Queries returns how many times (by, value) was looked up.
func (d *Driver) Queries(by browser.By, value string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries[selector{by, value}]
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Navigate implements browser.Page.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.navErr != nil {
		d.mu.Unlock()
		return d.navErr
	}
	w, err := d.activeLocked()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	w.history = append(w.history, w.url)
	w.url = url
	hook := d.navHook
	d.mu.Unlock()

	if hook != nil {
		hook(d, url)
	}
	return nil
}

// Back implements browser.Page.
func (d *Driver) Back(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.activeLocked()
	if err != nil {
		return err
	}
	if len(w.history) == 0 {
		return nil
	}
	w.url = w.history[len(w.history)-1]
	w.history = w.history[:len(w.history)-1]
	return nil
}

// CurrentURL implements browser.Page.
func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.activeLocked()
	if err != nil {
		return "", err
	}
	return w.url, nil
}

// Title implements browser.Page.
func (d *Driver) Title(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.activeLocked()
	if err != nil {
		return "", err
	}
	return w.title, nil
}

// HTML implements browser.Page.
func (d *Driver) HTML(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.activeLocked()
	if err != nil {
		return "", err
	}
	return w.html, nil
}

// FindElements implements browser.Finder.
func (d *Driver) FindElements(ctx context.Context, by browser.By, value string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	key := selector{by, value}
	d.queries[key]++
	if err := d.queryErrs[key]; err != nil {
		return nil, err
	}
	w, err := d.activeLocked()
	if err != nil {
		return nil, err
	}

	found := make([]browser.Element, 0, len(w.elements[key]))
	for _, el := range w.elements[key] {
		el.bind(d)
		found = append(found, el)
	}
	return found, nil
}

// WindowHandles implements browser.Windows, in opening order.
func (d *Driver) WindowHandles(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...), nil
}

// CurrentWindow implements browser.Windows.
func (d *Driver) CurrentWindow(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.activeLocked(); err != nil {
		return "", err
	}
	return d.current, nil
}

// SwitchWindow implements browser.Windows.
func (d *Driver) SwitchWindow(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.windows[handle]; !ok {
		return fmt.Errorf("no such window: %s", handle)
	}
	d.current = handle
	return nil
}

// CloseWindow implements browser.Windows.
func (d *Driver) CloseWindow(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	if _, ok := d.windows[handle]; !ok {
		return fmt.Errorf("no such window: %s", handle)
	}
	delete(d.windows, handle)
	for i, h := range d.order {
		if h == handle {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	if d.current == handle {
		d.current = ""
	}
	return nil
}

// Close implements browser.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// ErrDetached is returned by operations on an element that was never found
// through a Driver.
var ErrDetached = errors.New("element not attached to a driver")
