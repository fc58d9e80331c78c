package autoconfigure

import (
	"slices"
	"strings"
)

// defaultTerm stands in for a clause no server grants; any default server
// may satisfy it.
const defaultTerm = "DEFAULT"

// Disjunction is a set of server URLs any one of which satisfies a term.
// Members are kept sorted and unique so equal sets compare equal.
type Disjunction struct {
	members []string
}

// NewDisjunction builds a Disjunction from urls, ignoring the default term.
func NewDisjunction(urls ...string) Disjunction {
	members := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == defaultTerm {
			continue
		}
		members = append(members, u)
	}
	slices.Sort(members)
	return Disjunction{members: slices.Compact(members)}
}

// Members returns the sorted server URLs.
func (d Disjunction) Members() []string {
	return slices.Clone(d.members)
}

func (d Disjunction) Len() int { return len(d.members) }

// Equal reports whether d and o hold the same servers.
func (d Disjunction) Equal(o Disjunction) bool {
	return slices.Equal(d.members, o.members)
}

func (d Disjunction) String() string {
	if len(d.members) == 1 {
		return d.members[0]
	}
	return "(" + strings.Join(d.members, "⋁") + ")"
}

// keyClause is one attribute's servers combined under its rule.
type keyClause struct {
	rule RuleType
	urls []string
}

// keyExpression is the conjunction of every attribute's clause.
type keyExpression []keyClause

// reduce returns the distinct terms that must all be satisfied. anyOf
// clauses contribute one disjunction; every other rule contributes one
// singleton term per server.
func (e keyExpression) reduce() []Disjunction {
	var conj []Disjunction
	add := func(d Disjunction) {
		if d.Len() == 0 {
			return
		}
		for _, existing := range conj {
			if existing.Equal(d) {
				return
			}
		}
		conj = append(conj, d)
	}

	for _, clause := range e {
		if clause.rule == RuleAnyOf {
			add(NewDisjunction(clause.urls...))
			continue
		}
		for _, u := range clause.urls {
			add(NewDisjunction(u))
		}
	}
	return conj
}

func expressionString(terms []Disjunction) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, "&")
}
