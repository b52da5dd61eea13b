package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList decides which model names bypass the response cache.
// Rules come from the CACHE_EXCLUDE_MODELS (literal names) and
// CACHE_EXCLUDE_PATTERNS (regular expressions) settings; a model matching
// either kind is never cached. A nil *ExclusionList is safe to call and
// excludes nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList builds an ExclusionList from literal names and regex
// patterns. A pattern that fails to compile is a configuration error and
// fails the whole list, so bad config surfaces at startup rather than as
// silently-uncached models.
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

// Matches reports whether model is excluded from caching. Literal rules
// are consulted first, then patterns in declaration order.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len reports how many rules are configured, counting literals and
// patterns alike. Used by startup logging.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
