package verify

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
)

// Direction is the expected ordering of a sequence.
type Direction string

const (
	Ascending  Direction = "ascending"
	Descending Direction = "descending"
)

// ParseDirection accepts "ascending"/"asc" and "descending"/"desc".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ascending", "asc":
		return Ascending, nil
	case "descending", "desc":
		return Descending, nil
	}
	return "", fmt.Errorf("unknown sort direction: %q", s)
}

// Kind selects how sequence values compare.
type Kind string

const (
	Text    Kind = "text"
	Numeric Kind = "numeric"
)

// Sequence is a list of values read from the page at one instant.
type Sequence struct {
	Label  string
	Kind   Kind
	Values []string
}

// TextSequence builds a lexicographically compared sequence.
func TextSequence(label string, values []string) Sequence {
	return Sequence{Label: label, Kind: Text, Values: values}
}

// NumericSequence builds a sequence of currency-like numbers.
func NumericSequence(label string, values []string) Sequence {
	return Sequence{Label: label, Kind: Numeric, Values: values}
}

// InputError means a value could not be read as a number. It is not an
// assertion failure: the observation itself is unusable.
type InputError struct {
	Index int
	Value string
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("value %d (%q) is not numeric: %v", e.Index, e.Value, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// ParseNumeric reads a currency-like value, ignoring currency symbols,
// thousands separators and whitespace.
func ParseNumeric(s string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r), unicode.Is(unicode.Sc, r):
			return -1
		case r == ',', r == '\'', r == '_':
			return -1
		}
		return r
	}, s)
	if cleaned == "" {
		return 0, fmt.Errorf("no digits in %q", s)
	}
	if i := strings.IndexFunc(cleaned, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.' && r != '-' && r != '+'
	}); i >= 0 {
		return 0, fmt.Errorf("unexpected %q in %q", cleaned[i:i+1], s)
	}
	return strconv.ParseFloat(cleaned, 64)
}

// VerifyOrder checks every adjacent pair of seq against dir. Equal
// neighbours are allowed in both directions and sequences shorter than two
// always pass. The error return is reserved for unparseable numeric input.
func VerifyOrder(seq Sequence, dir Direction) (Outcome, error) {
	check := fmt.Sprintf("%s %s order", seq.Label, dir)
	if dir != Ascending && dir != Descending {
		return Outcome{}, fmt.Errorf("unknown sort direction: %q", dir)
	}

	cmp, err := comparator(seq)
	if err != nil {
		return Outcome{}, err
	}

	n := len(seq.Values)
	for i := 0; i+1 < n; i++ {
		c := cmp(i, i+1)
		if (dir == Ascending && c > 0) || (dir == Descending && c < 0) {
			msg := fmt.Sprintf("%s order violated at positions %d-%d: %q before %q",
				dir, i, i+1, seq.Values[i], seq.Values[i+1])
			return Fail(check, msg).
				With("observed", strings.Join(seq.Values, " | ")).
				With("offending_index", strconv.Itoa(i)).
				With("diff", orderDiff(seq.Values, cmp, dir)), nil
		}
	}

	return Pass(check, fmt.Sprintf("%d values in %s order", n, dir)).
		With("observed", strings.Join(seq.Values, " | ")), nil
}

// comparator returns a three-way comparison over indexes of seq.Values.
func comparator(seq Sequence) (func(i, j int) int, error) {
	switch seq.Kind {
	case Numeric:
		nums := make([]float64, len(seq.Values))
		for i, v := range seq.Values {
			f, err := ParseNumeric(v)
			if err != nil {
				return nil, &InputError{Index: i, Value: v, Err: err}
			}
			nums[i] = f
		}
		return func(i, j int) int {
			switch {
			case nums[i] < nums[j]:
				return -1
			case nums[i] > nums[j]:
				return 1
			}
			return 0
		}, nil
	case Text, "":
		return func(i, j int) int {
			return strings.Compare(seq.Values[i], seq.Values[j])
		}, nil
	default:
		return nil, fmt.Errorf("unknown sequence kind: %q", seq.Kind)
	}
}

func orderDiff(values []string, cmp func(i, j int) int, dir Direction) string {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		c := cmp(idx[a], idx[b])
		if dir == Descending {
			return c > 0
		}
		return c < 0
	})

	expected := make([]string, len(values))
	for i, j := range idx {
		expected[i] = values[j] + "\n"
	}
	actual := make([]string, len(values))
	for i, v := range values {
		actual[i] = v + "\n"
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        expected,
		B:        actual,
		FromFile: "expected",
		ToFile:   "observed",
		Context:  1,
	})
	if err != nil {
		return ""
	}
	return diff
}
