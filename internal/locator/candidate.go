package locator

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ahrdadan/flowcheck/internal/browser"
)

// ErrEmptySet is returned for a candidate set with nothing to try.
var ErrEmptySet = errors.New("candidate set is empty")

// Candidate is one way of finding a logical element.
type Candidate struct {
	By    browser.By `yaml:"by" json:"by"`
	Value string     `yaml:"value" json:"value"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s=%s", c.By, c.Value)
}

// CSS is shorthand for a css candidate.
func CSS(selector string) Candidate { return Candidate{By: browser.ByCSS, Value: selector} }

// XPath is shorthand for an xpath candidate.
func XPath(expr string) Candidate { return Candidate{By: browser.ByXPath, Value: expr} }

// ID is shorthand for an id candidate.
func ID(id string) Candidate { return Candidate{By: browser.ByID, Value: id} }

// Name is shorthand for a name-attribute candidate.
func Name(name string) Candidate { return Candidate{By: browser.ByName, Value: name} }

// ClassName is shorthand for a class candidate.
func ClassName(class string) Candidate { return Candidate{By: browser.ByClassName, Value: class} }

// LinkText is shorthand for an exact link text candidate.
func LinkText(text string) Candidate { return Candidate{By: browser.ByLinkText, Value: text} }

// PartialLinkText is shorthand for a link text substring candidate.
func PartialLinkText(text string) Candidate {
	return Candidate{By: browser.ByPartialLinkText, Value: text}
}

// CandidateSet is an ordered list of candidates for the same logical
// element. Earlier candidates take priority.
type CandidateSet struct {
	Name       string      `yaml:"name" json:"name"`
	Candidates []Candidate `yaml:"candidates" json:"candidates"`
}

// NewSet builds a named set.
func NewSet(name string, candidates ...Candidate) CandidateSet {
	return CandidateSet{Name: name, Candidates: candidates}
}

// Validate rejects empty sets and malformed candidates.
func (s CandidateSet) Validate() error {
	if len(s.Candidates) == 0 {
		return fmt.Errorf("%s: %w", s.label(), ErrEmptySet)
	}
	for i, c := range s.Candidates {
		if !c.By.Valid() {
			return fmt.Errorf("%s: candidate %d: unknown strategy %q", s.label(), i, c.By)
		}
		if strings.TrimSpace(c.Value) == "" {
			return fmt.Errorf("%s: candidate %d: empty selector", s.label(), i)
		}
	}
	return nil
}

func (s CandidateSet) String() string {
	parts := make([]string, len(s.Candidates))
	for i, c := range s.Candidates {
		parts[i] = c.String()
	}
	return fmt.Sprintf("%s[%s]", s.label(), strings.Join(parts, ", "))
}

func (s CandidateSet) label() string {
	if s.Name == "" {
		return "unnamed"
	}
	return s.Name
}

// UnmarshalYAML accepts either the full {name, candidates} mapping or a bare
// list of candidates.
func (s *CandidateSet) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var candidates []Candidate
		if err := node.Decode(&candidates); err != nil {
			return err
		}
		s.Candidates = candidates
		return nil
	}

	type plain CandidateSet
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = CandidateSet(p)
	return nil
}
