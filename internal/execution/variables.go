package execution

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/raffis/rageta-agent/internal/mask"
)

var ErrReadOnlyVariable = errors.New("variable is read-only")

var macroPattern = regexp.MustCompile(`\$\(([^()$]+)\)`)

type Variable struct {
	Name     string
	Value    string
	Secret   bool
	ReadOnly bool
}

type VariableOption func(*Variable)

func AsSecret() VariableOption {
	return func(v *Variable) {
		v.Secret = true
	}
}

func AsReadOnly() VariableOption {
	return func(v *Variable) {
		v.ReadOnly = true
	}
}

// Variables is a case-insensitive variable scope. A child scope overlays its parent: reads fall
// through, writes stay in the child.
type Variables struct {
	mu      sync.RWMutex
	parent  *Variables
	values  map[string]Variable
	secrets *mask.SecretStore
}

func NewVariables(secrets *mask.SecretStore) *Variables {
	if secrets == nil {
		secrets = mask.NewSecretStore(nil)
	}

	return &Variables{
		values:  make(map[string]Variable),
		secrets: secrets,
	}
}

func (v *Variables) Child() *Variables {
	return &Variables{
		parent:  v,
		values:  make(map[string]Variable),
		secrets: v.secrets,
	}
}

// Root returns the job-wide scope.
func (v *Variables) Root() *Variables {
	root := v
	for root.parent != nil {
		root = root.parent
	}

	return root
}

func (v *Variables) lookup(name string) (Variable, bool) {
	key := strings.ToLower(name)
	for scope := v; scope != nil; scope = scope.parent {
		scope.mu.RLock()
		variable, ok := scope.values[key]
		scope.mu.RUnlock()

		if ok {
			return variable, true
		}
	}

	return Variable{}, false
}

func (v *Variables) Get(name string) (string, bool) {
	variable, ok := v.lookup(name)
	return variable.Value, ok
}

func (v *Variables) GetOrDefault(name, defaultValue string) string {
	if value, ok := v.Get(name); ok && value != "" {
		return value
	}

	return defaultValue
}

// Bool parses a variable as boolean, unset or malformed values are false.
func (v *Variables) Bool(name string) bool {
	value, ok := v.Get(name)
	if !ok {
		return false
	}

	b, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && b
}

func (v *Variables) IsSecret(name string) bool {
	variable, ok := v.lookup(name)
	return ok && variable.Secret
}

// Set writes a variable into this scope. Read-only variables from any scope can not be overridden.
func (v *Variables) Set(name, value string, opts ...VariableOption) error {
	if existing, ok := v.lookup(name); ok && existing.ReadOnly {
		return fmt.Errorf("%w: %s", ErrReadOnlyVariable, name)
	}

	variable := Variable{
		Name:  name,
		Value: value,
	}

	for _, opt := range opts {
		opt(&variable)
	}

	if variable.Secret {
		v.secrets.AddSecrets(value)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[strings.ToLower(name)] = variable
	return nil
}

// Map returns the flattened view with child values taking precedence.
func (v *Variables) Map() map[string]string {
	result := make(map[string]string)
	var scopes []*Variables
	for scope := v; scope != nil; scope = scope.parent {
		scopes = append(scopes, scope)
	}

	for i := len(scopes) - 1; i >= 0; i-- {
		scopes[i].mu.RLock()
		for _, variable := range scopes[i].values {
			for k := range result {
				if strings.EqualFold(k, variable.Name) {
					delete(result, k)
				}
			}

			result[variable.Name] = variable.Value
		}
		scopes[i].mu.RUnlock()
	}

	return result
}

// Public returns the flattened view without secret values.
func (v *Variables) Public() map[string]string {
	all := v.Map()
	maps.DeleteFunc(all, func(name, _ string) bool {
		return v.IsSecret(name)
	})

	return all
}

func (v *Variables) Secrets() *mask.SecretStore {
	return v.secrets
}

// Expand replaces $(name) references with known variable values. Unknown references are kept.
func (v *Variables) Expand(s string) string {
	if !strings.Contains(s, "$(") {
		return s
	}

	return macroPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-1])
		if value, ok := v.Get(name); ok {
			return value
		}

		return match
	})
}

func (v *Variables) ExpandMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}

	result := make(map[string]string, len(m))
	for k, value := range m {
		result[k] = v.Expand(value)
	}

	return result
}
