package browser

import (
	"fmt"
	"strings"
)

// Query is a selector translated into the two query languages the CDP
// transports understand. Exactly one of CSS and XPath is set.
type Query struct {
	CSS   string
	XPath string
}

// Translate maps a strategy/value pair onto a CSS or XPath query.
func Translate(by By, value string) (Query, error) {
	if value == "" {
		return Query{}, fmt.Errorf("empty %s selector", by)
	}

	switch by {
	case ByCSS:
		return Query{CSS: value}, nil
	case ByXPath:
		return Query{XPath: value}, nil
	case ByID:
		return Query{CSS: fmt.Sprintf(`[id="%s"]`, cssString(value))}, nil
	case ByName:
		return Query{CSS: fmt.Sprintf(`[name="%s"]`, cssString(value))}, nil
	case ByClassName:
		if strings.ContainsAny(value, " \t\n") {
			return Query{}, fmt.Errorf("compound class names are not supported: %q", value)
		}
		return Query{CSS: fmt.Sprintf(`[class~="%s"]`, cssString(value))}, nil
	case ByLinkText:
		return Query{XPath: fmt.Sprintf(`//a[normalize-space(.)=%s]`, xpathLiteral(value))}, nil
	case ByPartialLinkText:
		return Query{XPath: fmt.Sprintf(`//a[contains(normalize-space(.), %s)]`, xpathLiteral(value))}, nil
	default:
		return Query{}, fmt.Errorf("unknown selector strategy: %q", by)
	}
}

func cssString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, `'`) {
		return `'` + s + `'`
	}

	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, len(parts)*2)
	for i, part := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		if part != "" {
			quoted = append(quoted, `"`+part+`"`)
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
