package registry

import (
	"fmt"
	"regexp"

	"github.com/awksedgreep/timeless/internal/errs"
)

// MatchOp is a label matcher operator (orig §4.3, GLOSSARY "Matcher").
type MatchOp int

const (
	OpEqual MatchOp = iota
	OpNotEqual
	OpMatch    // =~ , anchored full-match regex
	OpNotMatch // !~ , anchored full-match regex
)

// Matcher is a single label predicate: name op value.
type Matcher struct {
	Name  string
	Op    MatchOp
	Value string

	re *regexp.Regexp // compiled by NewMatcher for OpMatch/OpNotMatch
}

// NewMatcher builds and, for regex ops, compiles a Matcher. Regex
// matchers are anchored full-match per orig §4.3.
func NewMatcher(name string, op MatchOp, value string) (*Matcher, error) {
	m := &Matcher{Name: name, Op: op, Value: value}
	if op == OpMatch || op == OpNotMatch {
		re, err := regexp.Compile("^(?:" + value + ")$")
		if err != nil {
			return nil, fmt.Errorf("%w: bad regex matcher %q: %v", errs.ErrInvalidInput, value, err)
		}
		m.re = re
	}
	return m, nil
}

// Matches reports whether the given label value satisfies the matcher.
// A missing label is treated as the empty string, matching Prometheus
// label-matcher semantics (so name!="" does not match series without
// that label).
func (m *Matcher) Matches(value string) bool {
	switch m.Op {
	case OpEqual:
		return value == m.Value
	case OpNotEqual:
		return value != m.Value
	case OpMatch:
		return m.re.MatchString(value)
	case OpNotMatch:
		return !m.re.MatchString(value)
	default:
		return false
	}
}

// MatchesAll reports whether every matcher in the slice is satisfied
// by the given label set.
func MatchesAll(labels map[string]string, matchers []*Matcher) bool {
	for _, m := range matchers {
		if !m.Matches(labels[m.Name]) {
			return false
		}
	}
	return true
}
