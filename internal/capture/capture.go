// Package capture reads lists of values off a page in one go so that an
// ordering check never mixes two renders.
package capture

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ahrdadan/flowcheck/internal/browser"
	"github.com/ahrdadan/flowcheck/internal/locator"
)

// Snapshotter returns the serialized document of the active page.
type Snapshotter interface {
	HTML(ctx context.Context) (string, error)
}

// Texts takes one HTML snapshot and returns the trimmed text of every node
// matching the CSS selector, in document order.
func Texts(ctx context.Context, page Snapshotter, selector string) ([]string, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading page snapshot: %w", err)
	}
	return TextsFromHTML(html, selector)
}

// TextsFromHTML is Texts over an already captured document.
func TextsFromHTML(html, selector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing page snapshot: %w", err)
	}

	sel := doc.Find(selector)
	values := make([]string, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		values = append(values, strings.Join(strings.Fields(s.Text()), " "))
	})
	return values, nil
}

// Page is what FromSet needs: a snapshot source and a finder.
type Page interface {
	Snapshotter
	browser.Finder
}

// FromSet resolves which candidate of set applies on this page and captures
// every element it matches. CSS candidates are read from a single snapshot;
// other strategies fall back to reading each element's text.
func FromSet(ctx context.Context, page Page, resolver *locator.Resolver, set locator.CandidateSet) ([]string, error) {
	m, err := resolver.Resolve(ctx, set, 0)
	if err != nil {
		return nil, err
	}

	if m.Candidate.By == browser.ByCSS {
		values, err := Texts(ctx, page, m.Candidate.Value)
		if err != nil {
			return nil, err
		}
		if len(values) > 0 {
			return values, nil
		}
		// the live DOM matched but the serialized one did not, e.g. shadow content
	}

	elements, err := page.FindElements(ctx, m.Candidate.By, m.Candidate.Value)
	if err != nil {
		return nil, fmt.Errorf("capturing %s: %w", m.Candidate, err)
	}
	values := make([]string, 0, len(elements))
	for i, el := range elements {
		text, err := el.Text(ctx)
		if err != nil {
			return nil, fmt.Errorf("capturing %s item %d: %w", m.Candidate, i, err)
		}
		values = append(values, strings.Join(strings.Fields(text), " "))
	}
	return values, nil
}
