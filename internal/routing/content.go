package routing

import (
	"fmt"
	"sort"
	"strings"
)

// ContentClass is a caller-chosen caching policy for a family of CMS content.
type ContentClass string

const (
	// ClassStatic covers rarely changing content such as legal pages.
	ClassStatic ContentClass = "static"
	// ClassList covers index and listing views.
	ClassList ContentClass = "list"
	// ClassDynamic covers frequently edited content. It is the fallback class.
	ClassDynamic ContentClass = "dynamic"
)

// ParseContentClass validates s. The empty string yields ClassDynamic.
func ParseContentClass(s string) (ContentClass, error) {
	switch ContentClass(strings.ToLower(s)) {
	case "", ClassDynamic:
		return ClassDynamic, nil
	case ClassStatic:
		return ClassStatic, nil
	case ClassList:
		return ClassList, nil
	}
	return "", fmt.Errorf("unknown content class %q (want static, list or dynamic)", s)
}

// Rule maps a path prefix to a content class.
type Rule struct {
	Prefix string
	Class  ContentClass
}

// Classifier picks the content class for a request path using the longest
// matching prefix rule.
type Classifier struct {
	rules []Rule
}

// NewClassifier sorts rules by descending prefix length so the most
// specific rule wins.
func NewClassifier(rules []Rule) *Classifier {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Classifier{rules: sorted}
}

// ClassFor returns the class of path, or ClassDynamic when no rule matches.
func (c *Classifier) ClassFor(path string) ContentClass {
	if c == nil {
		return ClassDynamic
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, r := range c.rules {
		if MatchesPrefix(path, r.Prefix) {
			return r.Class
		}
	}
	return ClassDynamic
}

// Rules returns the rules in match order.
func (c *Classifier) Rules() []Rule {
	if c == nil {
		return nil
	}
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}
