// Package autoconfigure turns an attribute policy into a key split plan.
//
// Each attribute value in a policy is granted by zero or more key access
// servers. Values are grouped by attribute, each group becomes a clause
// combined according to the attribute's rule, and the reduced conjunction of
// clauses becomes one split per term.
package autoconfigure

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var ErrInvalidFQN = errors.New("autoconfigure: invalid attribute FQN")

var (
	nameFQNPattern  = regexp.MustCompile(`(?i)^(https?://[^/\s]+)/attr/([^/\s]+)$`)
	valueFQNPattern = regexp.MustCompile(`(?i)^(https?://[^/\s]+)/attr/([^/\s]+)/value/([^/\s]+)$`)
)

// AttributeNameFQN identifies an attribute definition, for example
// "https://example.com/attr/Classification". The original spelling is kept
// for String; comparisons use the lower-cased Key.
type AttributeNameFQN struct {
	url       string
	key       string
	authority string
	name      string
}

// ParseAttributeNameFQN parses an attribute definition FQN.
func ParseAttributeNameFQN(s string) (AttributeNameFQN, error) {
	m := nameFQNPattern.FindStringSubmatch(s)
	if m == nil {
		return AttributeNameFQN{}, fmt.Errorf("%w: %q", ErrInvalidFQN, s)
	}
	name, err := url.PathUnescape(m[2])
	if err != nil {
		return AttributeNameFQN{}, fmt.Errorf("%w: %q: %w", ErrInvalidFQN, s, err)
	}
	return AttributeNameFQN{url: s, key: strings.ToLower(s), authority: m[1], name: name}, nil
}

// NewAttributeNameFQN builds the FQN of attribute name under authority.
func NewAttributeNameFQN(authority, name string) (AttributeNameFQN, error) {
	return ParseAttributeNameFQN(authority + "/attr/" + url.PathEscape(name))
}

func (a AttributeNameFQN) String() string { return a.url }

// Key is the case-insensitive identity of the attribute.
func (a AttributeNameFQN) Key() string { return a.key }

func (a AttributeNameFQN) Authority() string { return a.authority }

// Name returns the decoded attribute name.
func (a AttributeNameFQN) Name() string { return a.name }

// IsZero reports whether a was never parsed.
func (a AttributeNameFQN) IsZero() bool { return a.url == "" }

// Select returns the FQN of value under this attribute.
func (a AttributeNameFQN) Select(value string) (AttributeValueFQN, error) {
	return ParseAttributeValueFQN(a.url + "/value/" + url.PathEscape(value))
}

// AttributeValueFQN identifies one value of an attribute, for example
// "https://example.com/attr/Classification/value/Secret".
type AttributeValueFQN struct {
	url       string
	key       string
	authority string
	name      string
	value     string
	prefixLen int
}

// ParseAttributeValueFQN parses an attribute value FQN.
func ParseAttributeValueFQN(s string) (AttributeValueFQN, error) {
	m := valueFQNPattern.FindStringSubmatch(s)
	if m == nil {
		return AttributeValueFQN{}, fmt.Errorf("%w: %q", ErrInvalidFQN, s)
	}
	name, err := url.PathUnescape(m[2])
	if err != nil {
		return AttributeValueFQN{}, fmt.Errorf("%w: %q: %w", ErrInvalidFQN, s, err)
	}
	value, err := url.PathUnescape(m[3])
	if err != nil {
		return AttributeValueFQN{}, fmt.Errorf("%w: %q: %w", ErrInvalidFQN, s, err)
	}
	return AttributeValueFQN{
		url:       s,
		key:       strings.ToLower(s),
		authority: m[1],
		name:      name,
		value:     value,
		prefixLen: len(m[1]) + len("/attr/") + len(m[2]),
	}, nil
}

// ParseAttributeValueFQNs parses every string, failing on the first bad one.
func ParseAttributeValueFQNs(values ...string) ([]AttributeValueFQN, error) {
	out := make([]AttributeValueFQN, 0, len(values))
	for _, v := range values {
		fqn, err := ParseAttributeValueFQN(v)
		if err != nil {
			return nil, err
		}
		out = append(out, fqn)
	}
	return out, nil
}

func (a AttributeValueFQN) String() string { return a.url }

// Key is the case-insensitive identity of the value.
func (a AttributeValueFQN) Key() string { return a.key }

func (a AttributeValueFQN) Authority() string { return a.authority }

// Name returns the decoded attribute name.
func (a AttributeValueFQN) Name() string { return a.name }

// Value returns the decoded value.
func (a AttributeValueFQN) Value() string { return a.value }

// Prefix returns the FQN of the attribute this value belongs to.
func (a AttributeValueFQN) Prefix() AttributeNameFQN {
	prefix := a.url[:a.prefixLen]
	return AttributeNameFQN{
		url:       prefix,
		key:       strings.ToLower(prefix),
		authority: a.authority,
		name:      a.name,
	}
}

// IsZero reports whether a was never parsed.
func (a AttributeValueFQN) IsZero() bool { return a.url == "" }
