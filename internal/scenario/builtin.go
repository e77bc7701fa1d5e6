package scenario

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ahrdadan/flowcheck/internal/verify"
)

// Scenario is one user-facing flow.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, s *Session) error
}

var builtins = []Scenario{
	{Name: "login", Description: "standard user signs in and lands on the product list", Run: runLogin},
	{Name: "login-locked-out", Description: "locked out user is refused with an error message", Run: runLockedOut},
	{Name: "sort-name", Description: "product names follow every name sort option", Run: sortScenario(verify.Text)},
	{Name: "sort-price", Description: "product prices follow every price sort option", Run: sortScenario(verify.Numeric)},
	{Name: "checkout", Description: "one product goes through cart and checkout", Run: runCheckout},
	{Name: "menu", Description: "side menu navigates away and logs out", Run: runMenu},
	{Name: "external-links", Description: "footer social links reach their sites", Run: runExternalLinks},
}

// Builtins returns every built-in scenario in execution order.
func Builtins() []Scenario {
	return append([]Scenario(nil), builtins...)
}

// Names lists the built-in scenario names.
func Names() []string {
	names := make([]string, len(builtins))
	for i, sc := range builtins {
		names[i] = sc.Name
	}
	return names
}

// Lookup returns the named scenarios in the order given; no names means all.
func Lookup(names []string) ([]Scenario, error) {
	if len(names) == 0 {
		return Builtins(), nil
	}
	byName := make(map[string]Scenario, len(builtins))
	for _, sc := range builtins {
		byName[sc.Name] = sc
	}

	var (
		out     []Scenario
		unknown []string
	)
	for _, n := range names {
		sc, ok := byName[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		out = append(out, sc)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown scenarios: %s (available: %s)",
			strings.Join(unknown, ", "), strings.Join(Names(), ", "))
	}
	return out, nil
}

func loggedIn(ctx context.Context, s *Session) error {
	return s.Step(ctx, "log in as standard user", func(ctx context.Context) error {
		if err := s.Login(ctx, "standard"); err != nil {
			return err
		}
		return s.ExpectURL(ctx, "landed on inventory", s.Profile.Page("inventory"))
	})
}

func runLogin(ctx context.Context, s *Session) error {
	if err := loggedIn(ctx, s); err != nil {
		return err
	}
	return s.Step(ctx, "product list is shown", func(ctx context.Context) error {
		return s.ExpectText(ctx, "page title", "page_title", s.Profile.Text("products_title"))
	})
}

func runLockedOut(ctx context.Context, s *Session) error {
	if err := s.Step(ctx, "log in as locked out user", func(ctx context.Context) error {
		return s.Login(ctx, "locked_out")
	}); err != nil {
		return err
	}
	return s.Step(ctx, "login is refused", func(ctx context.Context) error {
		if err := s.ExpectTextContains(ctx, "locked out message", "login_error", s.Profile.Text("locked_out_error")); err != nil {
			return err
		}
		u, err := s.Driver.CurrentURL(ctx)
		if err != nil {
			return err
		}
		return s.Check(verify.True("stayed on login page",
			!strings.Contains(u, s.Profile.Page("inventory")),
			fmt.Sprintf("location after refused login: %s", u)))
	})
}

func sortScenario(kind verify.Kind) func(ctx context.Context, s *Session) error {
	return func(ctx context.Context, s *Session) error {
		if err := loggedIn(ctx, s); err != nil {
			return err
		}
		ran := 0
		for _, opt := range s.Profile.Sorts {
			if opt.Kind != kind {
				continue
			}
			ran++
			opt := opt
			err := s.Step(ctx, "sort by "+opt.Option, func(ctx context.Context) error {
				if err := s.Select(ctx, "sort_select", opt.Option); err != nil {
					return err
				}
				// the list is only captured once the control reports the new option
				if err := s.ExpectText(ctx, "active sort option", "active_sort", opt.Option); err != nil {
					return err
				}
				values, err := s.Capture(ctx, opt.Element)
				if err != nil {
					return err
				}
				out, err := verify.VerifyOrder(verify.Sequence{Label: opt.Element, Kind: opt.Kind, Values: values}, opt.Direction)
				if err != nil {
					return err
				}
				return s.Check(out)
			})
			if err != nil {
				return err
			}
		}
		if ran == 0 {
			return fmt.Errorf("profile %s defines no %s sort options", s.Profile.Name, kind)
		}
		return nil
	}
}

func runCheckout(ctx context.Context, s *Session) error {
	if err := loggedIn(ctx, s); err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"add product to cart", func(ctx context.Context) error {
			if err := s.Click(ctx, "add_to_cart"); err != nil {
				return err
			}
			return s.ExpectText(ctx, "cart badge", "cart_badge", "1")
		}},
		{"open cart", func(ctx context.Context) error {
			if err := s.Click(ctx, "cart_link"); err != nil {
				return err
			}
			if err := s.ExpectURL(ctx, "on cart page", s.Profile.Page("cart")); err != nil {
				return err
			}
			items, err := s.Capture(ctx, "cart_items")
			if err != nil {
				return err
			}
			return s.Check(verify.Equal("cart item count", "1", strconv.Itoa(len(items))))
		}},
		{"enter customer details", func(ctx context.Context) error {
			if err := s.Click(ctx, "checkout_button"); err != nil {
				return err
			}
			if err := s.ExpectURL(ctx, "on checkout form", s.Profile.Page("checkout_step_one")); err != nil {
				return err
			}
			c := s.Profile.Checkout
			for _, field := range []struct{ element, value string }{
				{"first_name", c.FirstName},
				{"last_name", c.LastName},
				{"postal_code", c.PostalCode},
			} {
				if err := s.Type(ctx, field.element, field.value); err != nil {
					return err
				}
			}
			if err := s.Click(ctx, "continue_button"); err != nil {
				return err
			}
			return s.ExpectURL(ctx, "on checkout overview", s.Profile.Page("checkout_step_two"))
		}},
		{"finish order", func(ctx context.Context) error {
			if err := s.Click(ctx, "finish_button"); err != nil {
				return err
			}
			if err := s.ExpectURL(ctx, "on confirmation", s.Profile.Page("checkout_complete")); err != nil {
				return err
			}
			return s.ExpectText(ctx, "confirmation header", "complete_header", s.Profile.Text("order_complete"))
		}},
	}
	for _, st := range steps {
		if err := s.Step(ctx, st.name, st.fn); err != nil {
			return err
		}
	}
	return nil
}

func runMenu(ctx context.Context, s *Session) error {
	if err := loggedIn(ctx, s); err != nil {
		return err
	}

	if err := s.Step(ctx, "about leaves the shop", func(ctx context.Context) error {
		if err := s.Click(ctx, "menu_button"); err != nil {
			return err
		}
		out, err := s.Windows.WithNewWindow(ctx, func(ctx context.Context) error {
			return s.Click(ctx, "menu_about")
		}, "saucelabs.com", 0)
		if err != nil {
			return err
		}
		return s.Check(out)
	}); err != nil {
		return err
	}

	return s.Step(ctx, "logout returns to login", func(ctx context.Context) error {
		// going back from the external page reloads the shop with the menu closed
		open, err := s.Visible(ctx, "menu_logout")
		if err != nil {
			return err
		}
		if !open {
			if err := s.Click(ctx, "menu_button"); err != nil {
				return err
			}
		}
		if err := s.Click(ctx, "menu_logout"); err != nil {
			return err
		}
		return s.ExpectVisible(ctx, "login form shown", "username")
	})
}

func runExternalLinks(ctx context.Context, s *Session) error {
	if err := loggedIn(ctx, s); err != nil {
		return err
	}
	if len(s.Profile.Links) == 0 {
		return fmt.Errorf("profile %s defines no external links", s.Profile.Name)
	}

	var failed error
	for _, link := range s.Profile.Links {
		link := link
		err := s.Step(ctx, "follow "+link.Name, func(ctx context.Context) error {
			out, err := s.Windows.WithNewWindow(ctx, func(ctx context.Context) error {
				return s.Click(ctx, link.Element)
			}, link.Fragment, 0)
			if err != nil {
				return err
			}
			return s.Check(out)
		})
		switch Classify(err) {
		case StatusErrored:
			return err
		case StatusFailed:
			// keep checking the remaining links
			if failed == nil {
				failed = err
			}
		}
	}
	return failed
}
