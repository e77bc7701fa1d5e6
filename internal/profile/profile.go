// Package profile describes a site under test: where it lives, who can log
// in, and how to find each logical element.
package profile

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ahrdadan/flowcheck/internal/locator"
	"github.com/ahrdadan/flowcheck/internal/verify"
)

//go:embed saucedemo.yaml
var saucedemoYAML []byte

// User is a set of credentials.
type User struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// ExternalLink is a link expected to leave the site.
type ExternalLink struct {
	Name     string `yaml:"name" json:"name"`
	Element  string `yaml:"element" json:"element"`
	Fragment string `yaml:"fragment" json:"fragment"`
}

// SortOption is one entry of the product sort control and the ordering it
// should produce.
type SortOption struct {
	Name      string           `yaml:"name" json:"name"`
	Option    string           `yaml:"option" json:"option"`
	Element   string           `yaml:"element" json:"element"`
	Kind      verify.Kind      `yaml:"kind" json:"kind"`
	Direction verify.Direction `yaml:"direction" json:"direction"`
}

// Checkout holds the customer details typed during checkout.
type Checkout struct {
	FirstName  string `yaml:"first_name" json:"first_name"`
	LastName   string `yaml:"last_name" json:"last_name"`
	PostalCode string `yaml:"postal_code" json:"postal_code"`
}

// Profile is a complete site description.
type Profile struct {
	Name     string                          `yaml:"name" json:"name"`
	BaseURL  string                          `yaml:"base_url" json:"base_url"`
	Users    map[string]User                 `yaml:"users" json:"users"`
	Pages    map[string]string               `yaml:"pages" json:"pages"`
	Texts    map[string]string               `yaml:"texts" json:"texts"`
	Checkout Checkout                        `yaml:"checkout" json:"checkout"`
	Elements map[string]locator.CandidateSet `yaml:"elements" json:"elements"`
	Links    []ExternalLink                  `yaml:"links" json:"links"`
	Sorts    []SortOption                    `yaml:"sorts" json:"sorts"`
}

// Default returns the built-in saucedemo profile.
func Default() (*Profile, error) {
	return Parse(saucedemoYAML)
}

// Load reads a profile from a YAML file. An empty path yields Default.
func Load(path string) (*Profile, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a profile.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	for name, set := range p.Elements {
		if set.Name == "" {
			set.Name = name
			p.Elements[name] = set
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that the base URL is absolute and every reference resolves.
func (p *Profile) Validate() error {
	u, err := url.Parse(p.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL, got %q", p.BaseURL)
	}
	for name, set := range p.Elements {
		if err := set.Validate(); err != nil {
			return fmt.Errorf("element %s: %w", name, err)
		}
	}
	for _, l := range p.Links {
		if _, ok := p.Elements[l.Element]; !ok {
			return fmt.Errorf("link %s: unknown element %q", l.Name, l.Element)
		}
		if l.Fragment == "" {
			return fmt.Errorf("link %s: empty fragment", l.Name)
		}
	}
	for _, s := range p.Sorts {
		if _, ok := p.Elements[s.Element]; !ok {
			return fmt.Errorf("sort %s: unknown element %q", s.Name, s.Element)
		}
		if _, err := verify.ParseDirection(string(s.Direction)); err != nil {
			return fmt.Errorf("sort %s: %w", s.Name, err)
		}
		if s.Kind != verify.Text && s.Kind != verify.Numeric {
			return fmt.Errorf("sort %s: unknown kind %q", s.Name, s.Kind)
		}
	}
	return nil
}

// Set returns the candidate set for a logical element.
func (p *Profile) Set(name string) (locator.CandidateSet, error) {
	set, ok := p.Elements[name]
	if !ok {
		return locator.CandidateSet{}, fmt.Errorf("profile %s has no element %q", p.Name, name)
	}
	return set, nil
}

// User returns the named credentials.
func (p *Profile) User(role string) (User, error) {
	u, ok := p.Users[role]
	if !ok {
		return User{}, fmt.Errorf("profile %s has no user %q", p.Name, role)
	}
	return u, nil
}

// Text returns an expected text, or key itself when the profile has none.
func (p *Profile) Text(key string) string {
	if t, ok := p.Texts[key]; ok {
		return t
	}
	return key
}

// URL resolves a named page (or a relative path) against the base URL.
func (p *Profile) URL(page string) string {
	path := page
	if mapped, ok := p.Pages[page]; ok {
		path = mapped
	}
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return p.BaseURL + path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return p.BaseURL + path
	}
	return base.ResolveReference(ref).String()
}

// Page returns the path fragment used to recognize a named page.
func (p *Profile) Page(page string) string {
	if mapped, ok := p.Pages[page]; ok {
		return mapped
	}
	return page
}

// Sort returns the sort option with the given name.
func (p *Profile) Sort(name string) (SortOption, error) {
	for _, s := range p.Sorts {
		if s.Name == name {
			return s, nil
		}
	}
	return SortOption{}, fmt.Errorf("profile %s has no sort %q", p.Name, name)
}

// Override replaces the base URL and the standard user's credentials where
// the arguments are non-empty.
func (p *Profile) Override(baseURL, username, password string) error {
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		p.BaseURL = baseURL
	}
	if username != "" || password != "" {
		if p.Users == nil {
			p.Users = make(map[string]User)
		}
		u := p.Users["standard"]
		if username != "" {
			u.Username = username
		}
		if password != "" {
			u.Password = password
		}
		p.Users["standard"] = u
	}
	return p.Validate()
}

// ElementNames lists the logical elements, sorted.
func (p *Profile) ElementNames() []string {
	names := make([]string, 0, len(p.Elements))
	for name := range p.Elements {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
