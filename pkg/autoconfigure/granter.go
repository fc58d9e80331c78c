package autoconfigure

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opentdf/tdf/pkg/kas"
)

var (
	ErrNoDefaultKAS       = errors.New("autoconfigure: no default key access server for ungranted policy")
	ErrAttributeNotFound  = errors.New("autoconfigure: attribute not found")
	ErrAttributeMismatch  = errors.New("autoconfigure: value does not belong to attribute")
	ErrNoAttributeService = errors.New("autoconfigure: no attribute service")
)

// SplitStep assigns one server to one split.
type SplitStep struct {
	KAS     string `yaml:"kas" json:"kas"`
	SplitID string `yaml:"split_id,omitempty" json:"splitID,omitempty"`
}

// AttributeService resolves attribute value FQNs to their definitions and
// grants. Results are keyed by AttributeValueFQN.Key.
type AttributeService interface {
	Resolve(ctx context.Context, values []AttributeValueFQN) (map[string]AttributeAndValue, error)
}

type grant struct {
	attr Attribute
	urls []string
}

func (g *grant) add(url string) {
	url = kas.NormalizeURL(url)
	if url == "" || slices.Contains(g.urls, url) {
		return
	}
	g.urls = append(g.urls, url)
}

// Granter holds an ordered policy and the servers granting each value.
// It is built once and then only read.
type Granter struct {
	policy []AttributeValueFQN
	grants map[string]*grant
	logger logrus.FieldLogger
}

func newGranter() *Granter {
	return &Granter{
		grants: make(map[string]*grant),
		logger: logrus.StandardLogger(),
	}
}

// NewGranterFromAttributes builds a Granter from values resolved offline, in
// policy order.
func NewGranterFromAttributes(values ...AttributeAndValue) (*Granter, error) {
	g := newGranter()
	for _, av := range values {
		if err := g.addValue(av.Value, av); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// NewGranterFromService resolves fqns through svc. Public keys carried by
// grants are stored in cache when it is non-nil.
func NewGranterFromService(ctx context.Context, svc AttributeService, cache *kas.KeyCache, fqns ...string) (*Granter, error) {
	if svc == nil {
		return nil, ErrNoAttributeService
	}
	values, err := ParseAttributeValueFQNs(fqns...)
	if err != nil {
		return nil, err
	}

	resolved, err := svc.Resolve(ctx, values)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve attributes: %w", err)
	}

	g := newGranter()
	for _, v := range values {
		av, ok := resolved[v.Key()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAttributeNotFound, v)
		}
		if err := g.addValue(v, av); err != nil {
			return nil, err
		}
		seedCache(cache, av.Attribute.Grants)
		seedCache(cache, av.Grants)
	}
	return g, nil
}

func seedCache(cache *kas.KeyCache, grants []kas.KASInfo) {
	for _, info := range grants {
		cache.Store(info)
	}
}

// SetLogger sets the logger used for planning diagnostics.
func (g *Granter) SetLogger(logger logrus.FieldLogger) {
	g.logger = logger
}

func (g *Granter) addValue(fqn AttributeValueFQN, av AttributeAndValue) error {
	if fqn.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidFQN)
	}
	attr := av.Attribute
	if attr.FQN.IsZero() {
		attr.FQN = fqn.Prefix()
	} else if attr.FQN.Key() != fqn.Prefix().Key() {
		return fmt.Errorf("%w: %s is not a value of %s", ErrAttributeMismatch, fqn, attr.FQN)
	}

	g.policy = append(g.policy, fqn)

	gr, ok := g.grants[fqn.Key()]
	if !ok {
		gr = &grant{attr: attr}
		g.grants[fqn.Key()] = gr
	}
	for _, info := range attr.Grants {
		gr.add(info.URL)
	}
	for _, info := range av.Grants {
		gr.add(info.URL)
	}
	return nil
}

// Policy returns the policy values in order.
func (g *Granter) Policy() []AttributeValueFQN {
	return slices.Clone(g.policy)
}

// PolicyStrings returns the policy values as FQN strings, in order.
func (g *Granter) PolicyStrings() []string {
	out := make([]string, len(g.policy))
	for i, v := range g.policy {
		out[i] = v.String()
	}
	return out
}

// Grants returns the servers granting value, or nil.
func (g *Granter) Grants(value AttributeValueFQN) []string {
	gr, ok := g.grants[value.Key()]
	if !ok {
		return nil
	}
	return slices.Clone(gr.urls)
}

type attributeClause struct {
	def    Attribute
	values []AttributeValueFQN
}

// expression groups the policy by attribute, in first-seen order, and maps
// each group to the servers granting its values.
func (g *Granter) expression() keyExpression {
	index := make(map[string]int)
	var clauses []*attributeClause
	for _, v := range g.policy {
		p := v.Prefix().Key()
		if i, ok := index[p]; ok {
			clauses[i].values = append(clauses[i].values, v)
			continue
		}
		def := Attribute{FQN: v.Prefix(), Rule: RuleUnspecified}
		if gr, ok := g.grants[v.Key()]; ok {
			def = gr.attr
		}
		index[p] = len(clauses)
		clauses = append(clauses, &attributeClause{def: def, values: []AttributeValueFQN{v}})
	}

	expr := make(keyExpression, 0, len(clauses))
	for _, c := range clauses {
		var urls []string
		for _, v := range c.values {
			if gr, ok := g.grants[v.Key()]; ok {
				urls = append(urls, gr.urls...)
			}
		}
		if len(urls) == 0 {
			urls = []string{defaultTerm}
		}
		expr = append(expr, keyClause{rule: g.rule(c.def), urls: urls})
	}
	return expr
}

func (g *Granter) rule(def Attribute) RuleType {
	rule, ok := ParseRuleType(string(def.Rule))
	fields := logrus.Fields{
		"attribute": def.FQN.String(),
		"rule":      string(def.Rule),
	}
	switch {
	case !ok:
		g.logger.WithFields(fields).Warn("Unknown attribute rule type, treating as unspecified")
	case rule == RuleUnspecified:
		g.logger.WithFields(fields).Warn("Attribute rule type unspecified, splitting per server")
	}
	return rule
}

// Expression returns the reduced key expression, e.g. "a&(b⋁c)".
func (g *Granter) Expression() string {
	return expressionString(g.expression().reduce())
}

// Plan produces the split plan. Each reduced term becomes one split; a
// policy nobody grants splits across defaultKASes instead. genSplitID may be
// nil, in which case split ids are random UUIDs.
func (g *Granter) Plan(defaultKASes []string, genSplitID func() string) ([]SplitStep, error) {
	if genSplitID == nil {
		genSplitID = uuid.NewString
	}

	terms := g.expression().reduce()
	if len(terms) == 0 {
		switch len(defaultKASes) {
		case 0:
			return nil, ErrNoDefaultKAS
		case 1:
			return []SplitStep{{KAS: defaultKASes[0]}}, nil
		}
		steps := make([]SplitStep, 0, len(defaultKASes))
		for _, k := range defaultKASes {
			steps = append(steps, SplitStep{KAS: k, SplitID: genSplitID()})
		}
		return steps, nil
	}

	var steps []SplitStep
	for _, term := range terms {
		sid := ""
		if len(terms) > 1 {
			sid = genSplitID()
		}
		for _, k := range term.members {
			steps = append(steps, SplitStep{KAS: k, SplitID: sid})
		}
	}

	g.logger.WithFields(logrus.Fields{
		"expression": expressionString(terms),
		"splits":     len(terms),
	}).Debug("Planned key splits")
	return steps, nil
}
