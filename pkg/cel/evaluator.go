package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"rulecore/pkg/models"
)

// Evaluator compiles CEL expressions over an envelope. Expressions see
// id, tenant_id, type, originator, payload, metadata and ts.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("originator", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("ts", cel.TimestampType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

// Filter is a compiled boolean expression.
type Filter struct {
	expression string
	program    cel.Program
}

func (f *Filter) Expression() string { return f.expression }

// CompileFilter compiles an expression that must evaluate to bool.
func (e *Evaluator) CompileFilter(expression string) (*Filter, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &Filter{expression: expression, program: program}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.CompileFilter(expression)
	return err
}

// Match evaluates the filter against env.
func (f *Filter) Match(ctx context.Context, env models.Envelope) (bool, error) {
	result, _, err := f.program.ContextEval(ctx, Vars(env))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}
	return boolVal, nil
}

// EvaluateFilter compiles and evaluates expression in one step.
func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, env models.Envelope) (bool, error) {
	f, err := e.CompileFilter(expression)
	if err != nil {
		return false, err
	}
	return f.Match(ctx, env)
}

// Vars exposes env to CEL.
func Vars(env models.Envelope) map[string]interface{} {
	return map[string]interface{}{
		"id":        env.ID.String(),
		"tenant_id": env.TenantID,
		"type":      env.Type,
		"originator": map[string]string{
			"type": env.Originator.Type,
			"id":   env.Originator.ID,
		},
		"ts":       env.Timestamp,
		"payload":  env.Payload.Map(),
		"metadata": env.Metadata.Map(),
	}
}
