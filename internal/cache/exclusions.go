package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList decides whether a model or family name is kept out of
// routing memoization. Operators exclude volatile families (band configs
// under active tuning) or models whose evaluator verdicts should stay
// fresh. Two rule kinds:
//
//   - Exact: the name must equal the rule verbatim.
//   - Pattern: the name is tested against a compiled regexp.
//
// A nil *ExclusionList is safe to call; Matches always returns false.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles exact strings and regex patterns into an
// ExclusionList. A pattern that fails to compile is a startup error, not a
// silently dead rule.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			el.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether name is excluded from memoization. Exact rules
// are checked first, then patterns in order.
func (el *ExclusionList) Matches(name string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[name]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Len returns the total number of exclusion rules configured.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
