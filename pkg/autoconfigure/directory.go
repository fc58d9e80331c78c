package autoconfigure

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/opentdf/tdf/pkg/kas"
)

// StaticDirectory is an AttributeService backed by a fixed set of attribute
// definitions, typically loaded from YAML:
//
//	attributes:
//	  - fqn: https://example.com/attr/Classification
//	    rule: hierarchy
//	    grants:
//	      - url: https://kas.example.com
//	    values:
//	      - value: Secret
//	        grants:
//	          - url: https://kas.uk
//	            public_key: |
//	              -----BEGIN PUBLIC KEY-----
//	              ...
//
// Values not listed under a definition resolve with the definition's grants
// only.
type StaticDirectory struct {
	attributes map[string]Attribute
	values     map[string][]kas.KASInfo
}

type directoryFile struct {
	Attributes []directoryAttribute `yaml:"attributes"`
}

type directoryAttribute struct {
	FQN    string           `yaml:"fqn"`
	Rule   string           `yaml:"rule"`
	Grants []kas.KASInfo    `yaml:"grants"`
	Values []directoryValue `yaml:"values"`
}

type directoryValue struct {
	Value  string        `yaml:"value"`
	Grants []kas.KASInfo `yaml:"grants"`
}

// NewStaticDirectory returns an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		attributes: make(map[string]Attribute),
		values:     make(map[string][]kas.KASInfo),
	}
}

// LoadDirectory reads a YAML directory from r.
func LoadDirectory(r io.Reader) (*StaticDirectory, error) {
	var file directoryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse attribute directory: %w", err)
	}

	d := NewStaticDirectory()
	for _, a := range file.Attributes {
		name, err := ParseAttributeNameFQN(a.FQN)
		if err != nil {
			return nil, err
		}
		d.AddAttribute(Attribute{FQN: name, Rule: RuleType(a.Rule), Grants: a.Grants})

		for _, v := range a.Values {
			value, err := name.Select(v.Value)
			if err != nil {
				return nil, err
			}
			d.AddValue(value, v.Grants...)
		}
	}
	return d, nil
}

// AddAttribute adds or replaces a definition.
func (d *StaticDirectory) AddAttribute(attr Attribute) {
	d.attributes[attr.FQN.Key()] = attr
}

// AddValue adds grants for one value.
func (d *StaticDirectory) AddValue(value AttributeValueFQN, grants ...kas.KASInfo) {
	d.values[value.Key()] = append(d.values[value.Key()], grants...)
}

// Resolve implements AttributeService.
func (d *StaticDirectory) Resolve(ctx context.Context, values []AttributeValueFQN) (map[string]AttributeAndValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]AttributeAndValue, len(values))
	for _, v := range values {
		attr, ok := d.attributes[v.Prefix().Key()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAttributeNotFound, v.Prefix())
		}
		out[v.Key()] = AttributeAndValue{
			Attribute: attr,
			Value:     v,
			Grants:    d.values[v.Key()],
		}
	}
	return out, nil
}
