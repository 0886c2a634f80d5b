package pdp

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const policySchemaURL = "https://wheel.schemas.local/policy.schema.json"

//go:embed policy.schema.json
var policySchemaJSON []byte

var policySchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(policySchemaURL, bytes.NewReader(policySchemaJSON)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	return c.Compile(policySchemaURL)
})

// PolicyDocument is the on-disk form of a RuleSet.
type PolicyDocument struct {
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Rules       []Rule `yaml:"rules" json:"rules"`
}

// LoadPolicyFile reads a YAML policy document from path and compiles it.
func LoadPolicyFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	rs, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return rs, nil
}

// ParsePolicy validates a YAML policy document against the embedded JSON
// Schema, checks that its version is a semantic version, and compiles
// its rules.
func ParsePolicy(data []byte) (*RuleSet, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON types only.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	var generic any
	if err := json.Unmarshal(asJSON, &generic); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	schema, err := policySchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("policy schema validation failed: %w", err)
	}

	var doc PolicyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	v, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("policy version %q: %w", doc.Version, err)
	}
	return NewRuleSet(v.String(), doc.Rules)
}
