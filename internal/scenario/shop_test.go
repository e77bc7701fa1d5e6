package scenario

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/flowcheck/internal/browser"
	"github.com/ahrdadan/flowcheck/internal/browser/browsertest"
	"github.com/ahrdadan/flowcheck/internal/profile"
)

const shopBase = "https://shop.test/"

type product struct {
	name  string
	price float64
}

type rendered struct {
	by    browser.By
	value string
}

// shop renders a small storefront shaped like the default profile's site
// onto a fake driver. Hooks run synchronously on the test goroutine.
type shop struct {
	t        *testing.T
	d        *browsertest.Driver
	products []product
	active   string
	cart     int
	added    []rendered

	// ignoreDescending leaves the list ascending for "Z to A" and "high to low".
	ignoreDescending bool
	// externalSameTab opens social links in the current tab.
	externalSameTab bool
}

func newShop(t *testing.T) *shop {
	s := &shop{
		t: t,
		d: browsertest.New("about:blank"),
		products: []product{
			{"Jacket", 49.99},
			{"Backpack", 29.99},
			{"Bike Light", 9.99},
		},
	}
	s.d.OnNavigate(func(d *browsertest.Driver, url string) {
		if url == shopBase {
			s.showLogin()
		}
	})
	return s
}

func (s *shop) add(by browser.By, value string, el *browsertest.Element) *browsertest.Element {
	s.d.Add(by, value, el)
	s.added = append(s.added, rendered{by, value})
	return el
}

func (s *shop) clear() {
	for _, r := range s.added {
		s.d.Remove(r.by, r.value)
	}
	s.added = nil
	s.d.SetHTML("")
}

func (s *shop) goTo(path string, render func()) {
	s.d.SetURL(shopBase + path)
	s.clear()
	render()
}

func (s *shop) showLogin() {
	s.clear()
	user := s.add(browser.ByID, "user-name", browsertest.NewElement(""))
	s.add(browser.ByID, "password", browsertest.NewElement(""))
	s.add(browser.ByID, "login-button", browsertest.NewElement("Login").OnClick(func(d *browsertest.Driver) error {
		inputs := user.Inputs()
		if len(inputs) == 0 {
			return nil
		}
		switch inputs[len(inputs)-1] {
		case "locked_out_user":
			s.add(browser.ByCSS, "[data-test=error]",
				browsertest.NewElement("Epic sadface: Sorry, this user has been locked out."))
		default:
			s.cart = 0
			s.active = ""
			s.goTo("inventory.html", s.showInventory)
		}
		return nil
	}))
}

func (s *shop) sortBy(option string) {
	s.active = option
	switch option {
	case "Name (A to Z)":
		sort.Slice(s.products, func(i, j int) bool { return s.products[i].name < s.products[j].name })
	case "Name (Z to A)":
		sort.Slice(s.products, func(i, j int) bool {
			if s.ignoreDescending {
				return s.products[i].name < s.products[j].name
			}
			return s.products[i].name > s.products[j].name
		})
	case "Price (low to high)":
		sort.Slice(s.products, func(i, j int) bool { return s.products[i].price < s.products[j].price })
	case "Price (high to low)":
		sort.Slice(s.products, func(i, j int) bool {
			if s.ignoreDescending {
				return s.products[i].price < s.products[j].price
			}
			return s.products[i].price > s.products[j].price
		})
	}
}

func (s *shop) showInventory() {
	if s.active == "" {
		s.sortBy("Name (A to Z)")
	}
	s.add(browser.ByCSS, "[data-test=title]", browsertest.NewElement("Products"))
	active := s.add(browser.ByCSS, "[data-test=active-option]", browsertest.NewElement(s.active))
	s.add(browser.ByCSS, "[data-test=product-sort-container]", browsertest.NewElement("").
		OnSelect(func(d *browsertest.Driver, text string) error {
			s.sortBy(text)
			active.SetText(text)
			s.renderProducts()
			return nil
		}))
	s.renderProducts()

	s.add(browser.ByCSS, "[data-test^=add-to-cart]", browsertest.NewElement("Add to cart").OnClick(func(d *browsertest.Driver) error {
		s.cart++
		s.add(browser.ByCSS, "[data-test=shopping-cart-badge]", browsertest.NewElement(strconv.Itoa(s.cart)))
		return nil
	}))
	s.add(browser.ByCSS, "[data-test=shopping-cart-link]", browsertest.NewElement("").OnClick(func(d *browsertest.Driver) error {
		s.goTo("cart.html", s.showCart)
		return nil
	}))

	logout := browsertest.NewElement("Logout").Hide().OnClick(func(d *browsertest.Driver) error {
		s.goTo("", s.showLogin)
		return nil
	})
	about := browsertest.NewElement("About").Hide().OnClick(func(d *browsertest.Driver) error {
		d.SetURL("https://saucelabs.com/")
		return nil
	})
	s.add(browser.ByID, "react-burger-menu-btn", browsertest.NewElement("Open Menu").OnClick(func(d *browsertest.Driver) error {
		logout.Show()
		about.Show()
		return nil
	}))
	s.add(browser.ByID, "logout_sidebar_link", logout)
	s.add(browser.ByID, "about_sidebar_link", about)

	s.add(browser.ByCSS, "[data-test=social-twitter]", browsertest.NewElement("Twitter").OnClick(func(d *browsertest.Driver) error {
		s.openExternal(d, "https://twitter.com/saucelabs")
		return nil
	}))
	s.add(browser.ByCSS, "[data-test=social-facebook]", browsertest.NewElement("Facebook").OnClick(func(d *browsertest.Driver) error {
		s.openExternal(d, "https://www.facebook.com/saucelabs")
		return nil
	}))
	s.add(browser.ByCSS, "[data-test=social-linkedin]", browsertest.NewElement("LinkedIn").OnClick(func(d *browsertest.Driver) error {
		d.SetURL("https://www.linkedin.com/company/sauce-labs/")
		return nil
	}))
}

func (s *shop) openExternal(d *browsertest.Driver, url string) {
	if s.externalSameTab {
		d.SetURL(url)
		return
	}
	h := d.OpenWindow("about:blank")
	time.AfterFunc(10*time.Millisecond, func() { d.SetWindowURL(h, url) })
}

func (s *shop) renderProducts() {
	s.d.Remove(browser.ByCSS, "[data-test=inventory-item-name]")
	s.d.Remove(browser.ByCSS, "[data-test=inventory-item-price]")

	var html strings.Builder
	html.WriteString("<html><body><div class=\"inventory_list\">")
	for _, p := range s.products {
		price := fmt.Sprintf("$%.2f", p.price)
		s.add(browser.ByCSS, "[data-test=inventory-item-name]", browsertest.NewElement(p.name))
		s.add(browser.ByCSS, "[data-test=inventory-item-price]", browsertest.NewElement(price))
		fmt.Fprintf(&html, `<div class="inventory_item"><div data-test="inventory-item-name">%s</div><div data-test="inventory-item-price">%s</div></div>`, p.name, price)
	}
	html.WriteString("</div></body></html>")
	s.d.SetHTML(html.String())
}

func (s *shop) showCart() {
	var html strings.Builder
	html.WriteString("<html><body>")
	for i := 0; i < s.cart; i++ {
		name := s.products[i%len(s.products)].name
		s.add(browser.ByCSS, "[data-test=inventory-item-name]", browsertest.NewElement(name))
		fmt.Fprintf(&html, `<div class="cart_item"><div data-test="inventory-item-name">%s</div></div>`, name)
	}
	html.WriteString("</body></html>")
	s.d.SetHTML(html.String())

	s.add(browser.ByID, "checkout", browsertest.NewElement("Checkout").OnClick(func(d *browsertest.Driver) error {
		s.goTo("checkout-step-one.html", s.showCheckoutForm)
		return nil
	}))
}

func (s *shop) showCheckoutForm() {
	first := s.add(browser.ByID, "first-name", browsertest.NewElement(""))
	last := s.add(browser.ByID, "last-name", browsertest.NewElement(""))
	postal := s.add(browser.ByID, "postal-code", browsertest.NewElement(""))
	s.add(browser.ByID, "continue", browsertest.NewElement("Continue").OnClick(func(d *browsertest.Driver) error {
		for _, el := range []*browsertest.Element{first, last, postal} {
			if len(el.Inputs()) == 0 {
				s.add(browser.ByCSS, "[data-test=error]", browsertest.NewElement("Error: field is required"))
				return nil
			}
		}
		s.goTo("checkout-step-two.html", s.showOverview)
		return nil
	}))
}

func (s *shop) showOverview() {
	s.add(browser.ByID, "finish", browsertest.NewElement("Finish").OnClick(func(d *browsertest.Driver) error {
		s.cart = 0
		s.goTo("checkout-complete.html", func() {
			s.add(browser.ByCSS, "[data-test=complete-header]", browsertest.NewElement("Thank you for your order!"))
		})
		return nil
	}))
}

func (s *shop) profile() *profile.Profile {
	s.t.Helper()
	p, err := profile.Default()
	require.NoError(s.t, err)
	require.NoError(s.t, p.Override(shopBase, "", ""))
	return p
}

func (s *shop) options() Options {
	logger, _ := test.NewNullLogger()
	return Options{
		WaitTimeout:  300 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Logger:       logger,
	}
}

func (s *shop) session() *Session {
	return NewSession(s.d, s.profile(), s.options())
}

func (s *shop) windows() []string {
	s.t.Helper()
	handles, err := s.d.WindowHandles(context.Background())
	require.NoError(s.t, err)
	return handles
}
