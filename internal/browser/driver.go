package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// By selects how an element selector is interpreted.
type By string

const (
	ByCSS             By = "css"
	ByXPath           By = "xpath"
	ByID              By = "id"
	ByName            By = "name"
	ByClassName       By = "class"
	ByLinkText        By = "link_text"
	ByPartialLinkText By = "partial_link_text"
)

// Valid reports whether b is a known strategy.
func (b By) Valid() bool {
	switch b {
	case ByCSS, ByXPath, ByID, ByName, ByClassName, ByLinkText, ByPartialLinkText:
		return true
	}
	return false
}

// Key is a keyboard key that can be dispatched to an element.
type Key string

const (
	KeyEnter  Key = "Enter"
	KeyEscape Key = "Escape"
	KeyTab    Key = "Tab"
)

// Element is a handle to one element of the active page.
type Element interface {
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
	Visible(ctx context.Context) (bool, error)
	Enabled(ctx context.Context) (bool, error)
	Click(ctx context.Context) error
	Input(ctx context.Context, text string) error
	Press(ctx context.Context, key Key) error
	// Select picks the option of a <select> whose visible text equals text.
	Select(ctx context.Context, text string) error
}

// Finder queries the active page for elements. It never waits: an empty
// result means nothing matches right now.
type Finder interface {
	FindElements(ctx context.Context, by By, value string) ([]Element, error)
}

// Page covers the operations on whichever window is currently active.
type Page interface {
	Finder
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
}

// Windows enumerates and switches browser windows/tabs. Only the window
// correlator is expected to call SwitchWindow and CloseWindow.
type Windows interface {
	WindowHandles(ctx context.Context) ([]string, error)
	CurrentWindow(ctx context.Context) (string, error)
	SwitchWindow(ctx context.Context, handle string) error
	CloseWindow(ctx context.Context, handle string) error
}

// Driver is the full transport capability set used by scenarios.
type Driver interface {
	Page
	Windows
	Close() error
}

// ErrStaleReference is matched by errors.Is for every StaleReferenceError.
var ErrStaleReference = errors.New("stale element reference")

// StaleReferenceError reports that a previously resolved element no longer
// corresponds to a live node. Callers should resolve the element again.
type StaleReferenceError struct {
	Op  string
	Err error
}

func (e *StaleReferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: element is stale: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: element is stale", e.Op)
}

func (e *StaleReferenceError) Unwrap() error { return e.Err }

func (e *StaleReferenceError) Is(target error) bool { return target == ErrStaleReference }

// IsStale reports whether err means the element handle went stale.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleReference)
}

var staleMarkers = []string{
	"could not find node with given id",
	"no node with given id",
	"node with given id does not belong to the document",
	"cannot find context with specified id",
	"cannot find object with id",
	"execution context was destroyed",
	"stale element reference",
}

// classifyElementError maps transport errors that mean "node is gone" to a
// StaleReferenceError and leaves everything else untouched.
func classifyElementError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range staleMarkers {
		if strings.Contains(msg, marker) {
			return &StaleReferenceError{Op: op, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
