package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

var (
	_ Action       = (*Configured[struct{}])(nil)
	_ Declarer     = (*Configured[struct{}])(nil)
	_ Configurable = (*Configured[struct{}])(nil)
)

// Configured is an action built from a typed configuration C. Its
// declaration carries the JSON schema of C, and step configuration is
// validated against that schema before being decoded into C.
type Configured[C any] struct {
	decl     Declaration
	resolved *jsonschema.Resolved
	build    func(C) (Action, error)
	defaults C
}

// NewConfigured returns a Configured action. defaults is used when a step
// gives no configuration, and as the base that configuration is decoded
// onto.
func NewConfigured[C any](decl Declaration, defaults C, build func(C) (Action, error)) (*Configured[C], error) {
	schema, err := jsonschema.For[C](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("action: config schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("action: resolve config schema: %w", err)
	}
	decl.Config = schema
	return &Configured[C]{decl: decl, resolved: resolved, build: build, defaults: defaults}, nil
}

// MustConfigured is like NewConfigured but panics on error.
func MustConfigured[C any](decl Declaration, defaults C, build func(C) (Action, error)) *Configured[C] {
	a, err := NewConfigured(decl, defaults, build)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *Configured[C]) Declare() Declaration {
	return a.decl
}

// Configure validates config and builds the configured action.
func (a *Configured[C]) Configure(config map[string]any) (Action, error) {
	c := a.defaults
	if len(config) > 0 {
		if err := a.resolved.Validate(config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		data, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("action: encode config: %w", err)
		}
		if err := unmarshalJSON(data, &c); err != nil {
			return nil, fmt.Errorf("%w: decode: %w", ErrInvalidConfig, err)
		}
	}
	act, err := a.build(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &configuredAction{Action: act, decl: a.decl}, nil
}

// Run runs the action with its default configuration.
func (a *Configured[C]) Run(ctx context.Context, env *Env, in Inputs, out Outputs) error {
	act, err := a.build(a.defaults)
	if err != nil {
		return err
	}
	return act.Run(ctx, env, in, out)
}

// configuredAction keeps the declaration of the action it was built from.
type configuredAction struct {
	Action
	decl Declaration
}

func (c *configuredAction) Declare() Declaration {
	return c.decl
}

// unmarshalJSON decodes data into v, repairing malformed JSON first if the
// plain decode fails with a syntax error.
func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); !ok {
		return err
	}
	fixed, rerr := jsonrepair.JSONRepair(string(data))
	if rerr != nil {
		return err
	}
	return json.Unmarshal([]byte(fixed), v)
}

// UnmarshalJSON decodes data into v like json.Unmarshal, repairing
// truncated or malformed JSON when possible. Model output often needs this.
func UnmarshalJSON(data []byte, v any) error {
	return unmarshalJSON(data, v)
}
