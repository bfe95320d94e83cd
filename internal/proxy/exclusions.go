package proxy

import (
	"fmt"
	"regexp"
	"strings"
)

// ModelExclusions holds per-deployment model rules that bypass the cache.
// A rule containing regexp metacharacters is compiled as an anchored
// expression; anything else matches the model name literally.
type ModelExclusions struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewModelExclusions parses the rule list. An empty list yields a matcher
// that excludes nothing.
func NewModelExclusions(rules []string) (*ModelExclusions, error) {
	m := &ModelExclusions{exact: make(map[string]struct{}, len(rules))}
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		if !strings.ContainsAny(rule, `\^$.|?*+()[]{}`) {
			m.exact[rule] = struct{}{}
			continue
		}
		re, err := regexp.Compile("^(?:" + rule + ")$")
		if err != nil {
			return nil, fmt.Errorf("proxy: invalid cache exclusion %q: %w", rule, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Matches reports whether model is excluded from caching.
func (m *ModelExclusions) Matches(model string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.exact[model]; ok {
		return true
	}
	for _, re := range m.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}
