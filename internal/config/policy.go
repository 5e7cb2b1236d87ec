package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/luthien-dev/luthien-proxy/internal/policy"
)

// PolicyFile is the on-disk policy definition.
type PolicyFile struct {
	Policy PolicySpec `yaml:"policy"`
}

// PolicySpec names a registered policy class and its options.
type PolicySpec struct {
	Class  string         `yaml:"class"`
	Config map[string]any `yaml:"config"`
}

// PolicyFactory builds a policy instance from its YAML options.
type PolicyFactory func(options map[string]any) (policy.Policy, error)

var policyRegistry = map[string]PolicyFactory{
	"noop": func(map[string]any) (policy.Policy, error) {
		return policy.NewNoOp(), nil
	},
	"tool_call_guard": func(options map[string]any) (policy.Policy, error) {
		rule, _ := options["rule"].(string)
		return policy.NewToolCallGuard(rule)
	},
}

// RegisterPolicy adds a policy class to the registry. Intended for init-time
// use; not safe against concurrent LoadPolicy calls.
func RegisterPolicy(class string, factory PolicyFactory) {
	policyRegistry[class] = factory
}

// PolicyClasses lists the registered class names.
func PolicyClasses() []string {
	names := make([]string, 0, len(policyRegistry))
	for name := range policyRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadPolicy reads the policy YAML at path and instantiates the named class.
// An empty path selects the pass-through policy.
func LoadPolicy(path string) (policy.Policy, error) {
	if path == "" {
		return policy.NewNoOp(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy config: %w", err)
	}
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy config: %w", err)
	}
	if file.Policy.Class == "" {
		return nil, fmt.Errorf("policy config %s: missing policy.class", path)
	}

	factory, ok := policyRegistry[file.Policy.Class]
	if !ok {
		return nil, fmt.Errorf("unknown policy class %q (registered: %v)", file.Policy.Class, PolicyClasses())
	}
	p, err := factory(file.Policy.Config)
	if err != nil {
		return nil, fmt.Errorf("build policy %q: %w", file.Policy.Class, err)
	}
	return p, nil
}
