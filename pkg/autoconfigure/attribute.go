package autoconfigure

import (
	"strings"

	"github.com/opentdf/tdf/pkg/kas"
)

// RuleType says how the values of one attribute combine.
type RuleType string

const (
	// RuleAllOf requires every value's servers.
	RuleAllOf RuleType = "allOf"

	// RuleAnyOf is satisfied by any one of the values' servers.
	RuleAnyOf RuleType = "anyOf"

	// RuleHierarchy orders values; for key planning it combines like allOf.
	RuleHierarchy RuleType = "hierarchy"

	RuleUnspecified RuleType = "unspecified"
)

// ParseRuleType maps a rule name to its RuleType. Matching ignores case and
// underscores, so "ALL_OF" and "allof" both name RuleAllOf. Unknown names
// report false.
func ParseRuleType(s string) (RuleType, bool) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "allof":
		return RuleAllOf, true
	case "anyof":
		return RuleAnyOf, true
	case "hierarchy":
		return RuleHierarchy, true
	case "unspecified", "":
		return RuleUnspecified, true
	default:
		return RuleUnspecified, false
	}
}

// Attribute is an attribute definition.
type Attribute struct {
	FQN  AttributeNameFQN
	Rule RuleType

	// Grants lists the servers granting every value of the attribute.
	Grants []kas.KASInfo
}

// AttributeAndValue is one resolved policy value with its definition.
type AttributeAndValue struct {
	Attribute Attribute
	Value     AttributeValueFQN

	// Grants lists the servers granting this value specifically.
	Grants []kas.KASInfo
}
