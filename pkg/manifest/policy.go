package manifest

import (
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"
)

// Policy defines the access control rules for the TDF.
// This object is JSON-stringified and Base64-encoded when stored in the manifest.
type Policy struct {
	// UUID uniquely identifies this policy instance.
	UUID string `json:"uuid"`

	// Body contains the core access control constraints.
	Body PolicyBody `json:"body"`
}

// PolicyBody contains the access control constraints.
type PolicyBody struct {
	// DataAttributes specifies the attributes required to access this data.
	DataAttributes []Attribute `json:"dataAttributes"`

	// Dissem is an optional dissemination list. If present and non-empty, an
	// entity must be in this list in addition to satisfying DataAttributes.
	Dissem []string `json:"dissem"`
}

// Attribute represents a data attribute value FQN.
// Format: {scheme}://{authority}/attr/{name}/value/{value}
type Attribute struct {
	Attribute string `json:"attribute"`
}

// NewPolicy creates a new policy with a generated UUID holding the given
// attribute value FQNs in order.
func NewPolicy(attributes ...string) *Policy {
	p := &Policy{
		UUID: uuid.NewString(),
		Body: PolicyBody{
			DataAttributes: []Attribute{},
			Dissem:         []string{},
		},
	}
	for _, a := range attributes {
		p.AddAttribute(a)
	}
	return p
}

// AddAttribute adds an attribute to the policy.
func (p *Policy) AddAttribute(attributeFQN string) {
	p.Body.DataAttributes = append(p.Body.DataAttributes, Attribute{
		Attribute: attributeFQN,
	})
}

// AddDissemination adds an entity to the dissemination list.
func (p *Policy) AddDissemination(entityID string) {
	p.Body.Dissem = append(p.Body.Dissem, entityID)
}

// Attributes returns the attribute FQNs in policy order.
func (p *Policy) Attributes() []string {
	out := make([]string, len(p.Body.DataAttributes))
	for i, a := range p.Body.DataAttributes {
		out[i] = a.Attribute
	}
	return out
}

// ToBase64 encodes the policy as Base64(JSON).
// This is the format stored in the manifest's encryptionInformation.policy field.
func (p *Policy) ToBase64() (string, error) {
	jsonBytes, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// PolicyFromBase64 decodes a policy from Base64-encoded JSON.
func PolicyFromBase64(encoded string) (*Policy, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	var p Policy
	if err := json.Unmarshal(jsonBytes, &p); err != nil {
		return nil, err
	}

	return &p, nil
}
