package routing

import "sort"

// Engine is the rule-evaluation collaborator. Given a routing context
// and the registered rules, it returns the rules whose predicate holds,
// ordered by descending priority. Implementations may compile or cache
// predicates however they like; the router only relies on this contract.
type Engine interface {
	Match(rctx *Context, rules []Rule) []Rule
}

// predicateEngine evaluates plain Go predicate functions.
type predicateEngine struct{}

// NewPredicateEngine returns the default engine, which evaluates each
// rule's When function directly.
func NewPredicateEngine() Engine { return predicateEngine{} }

func (predicateEngine) Match(rctx *Context, rules []Rule) []Rule {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	var matched []Rule
	for _, r := range ordered {
		if r.When == nil || r.When(rctx) {
			matched = append(matched, r)
		}
	}
	return matched
}
