package celengine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

// Variables available to eligibility expressions.
const (
	VarUserID     = "user_id"
	VarTenantPlan = "tenant_plan"
	VarAttributes = "attributes"
)

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error

	programCache = sync.Map{}
)

// Env returns the shared environment eligibility rules compile against.
func Env() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable(VarUserID, cel.StringType),
			cel.Variable(VarTenantPlan, cel.StringType),
			cel.Variable(VarAttributes, cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return env, envErr
}

// Compile checks expr and caches the resulting program. Expressions must
// yield a bool.
func Compile(expr string) (cel.Program, error) {
	if v, ok := programCache.Load(expr); ok {
		return v.(cel.Program), nil
	}

	e, err := Env()
	if err != nil {
		return nil, err
	}

	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", out)
	}

	prg, err := e.Program(ast)
	if err != nil {
		return nil, err
	}

	programCache.Store(expr, prg)
	return prg, nil
}

func ValidateExpression(expr string) error {
	_, err := Compile(expr)
	return err
}

// Evaluate runs expr against vars. Missing variables are bound to their zero
// value so rules can test for presence.
func Evaluate(expr string, vars map[string]any) (bool, error) {
	prg, err := Compile(expr)
	if err != nil {
		return false, err
	}

	activation := map[string]any{
		VarUserID:     "",
		VarTenantPlan: "",
		VarAttributes: map[string]any{},
	}
	for k, v := range vars {
		if v != nil {
			activation[k] = v
		}
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}

	return b, nil
}

// StructToMap converts s into a generic map through its JSON form.
func StructToMap(s any) map[string]any {
	if s == nil {
		return map[string]any{}
	}

	b, err := json.Marshal(s)
	if err != nil {
		zap.L().Debug("failed StructToMap Marshal", zap.Error(err))
		return map[string]any{}
	}

	var result map[string]any
	if err := json.Unmarshal(b, &result); err != nil {
		zap.L().Debug("failed StructToMap Unmarshal", zap.Error(err))
		return map[string]any{}
	}

	return result
}
