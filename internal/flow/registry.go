package flow

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
)

//go:embed definitions.yaml
var definitionsYAML []byte

type definitionsFile struct {
	Definitions []Definition `yaml:"definitions"`
}

// Registry is the static catalog of flow definitions.
type Registry struct {
	definitions map[FlowType]Definition
}

// NewRegistry parses and validates a definitions document.
func NewRegistry(data []byte) (*Registry, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse flow definitions: %w", err)
	}

	r := &Registry{definitions: make(map[FlowType]Definition, len(file.Definitions))}
	for _, def := range file.Definitions {
		if _, err := ParseFlowType(string(def.Type)); err != nil {
			return nil, err
		}
		if _, dup := r.definitions[def.Type]; dup {
			return nil, fmt.Errorf("flow %s: defined more than once", def.Type)
		}
		if err := validateDefinition(def); err != nil {
			return nil, err
		}
		r.definitions[def.Type] = def
	}
	return r, nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the registry built from the compiled-in definitions.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		r, err := NewRegistry(definitionsYAML)
		if err != nil {
			panic(fmt.Sprintf("flow: invalid compiled-in definitions: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// Definition returns the definition for a flow type.
func (r *Registry) Definition(flowType FlowType) (Definition, error) {
	def, ok := r.definitions[flowType]
	if !ok {
		return Definition{}, errors.New(errors.ErrCodeUnknownFlowType, "unknown flow type: "+string(flowType))
	}
	return def, nil
}

// Types lists the registered flow types.
func (r *Registry) Types() []FlowType {
	out := make([]FlowType, 0, len(r.definitions))
	for _, ft := range []FlowType{TypeImprestRequest, TypeImprestRecap, TypePettyCash} {
		if _, ok := r.definitions[ft]; ok {
			out = append(out, ft)
		}
	}
	return out
}

func validateDefinition(def Definition) error {
	if len(def.Steps) == 0 {
		return fmt.Errorf("flow %s: no steps", def.Type)
	}
	switch def.CompletionStatus {
	case RequestApproved, RequestRecapNeeded:
	default:
		return fmt.Errorf("flow %s: invalid completion status %q", def.Type, def.CompletionStatus)
	}

	requesters, autos := 0, 0
	seen := make(map[string]bool, len(def.Steps))
	for idx, step := range def.Steps {
		if step.Order != idx+1 {
			return fmt.Errorf("flow %s: step %s has order %d, want %d", def.Type, step.ID, step.Order, idx+1)
		}
		if !step.Role.Valid() {
			return fmt.Errorf("flow %s: step %s has unknown role %q", def.Type, step.ID, step.Role)
		}
		if step.ID == "" || seen[step.ID] {
			return fmt.Errorf("flow %s: step id %q is empty or duplicated", def.Type, step.ID)
		}
		seen[step.ID] = true

		switch step.Role {
		case RoleRequester:
			requesters++
			if step.Order != 1 {
				return fmt.Errorf("flow %s: requester step must be first", def.Type)
			}
		case RoleFinanceAuto:
			autos++
		}
	}
	if requesters != 1 {
		return fmt.Errorf("flow %s: want exactly one requester step, got %d", def.Type, requesters)
	}
	if autos > 1 {
		return fmt.Errorf("flow %s: at most one finance_auto step allowed, got %d", def.Type, autos)
	}
	return nil
}
