// Package cel evaluates CEL expressions against envelopes for the filter's cel
// operator and computed transforms.
package cel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"a2a/pkg/envelope"
)

// Evaluator compiles each distinct expression once and caches the program.
//
// Expressions see: msgType (the envelope type; "type" is a CEL builtin),
// source, destination, correlationId, messageId, timestamp, headers (string
// map of extension headers plus priority/ttl), payload, and value (the
// transform target's current value, null otherwise).
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		ext.Strings(),
		cel.Variable("msgType", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("destination", cel.StringType),
		cel.Variable("correlationId", cel.StringType),
		cel.Variable("messageId", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("value", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}
	return nil
}

func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, env *envelope.Envelope) (bool, error) {
	out, err := e.eval(ctx, expression, env, nil)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", out)
	}
	return b, nil
}

// EvaluateTransform returns the native Go value the expression computes.
func (e *Evaluator) EvaluateTransform(ctx context.Context, expression string, env *envelope.Envelope, current interface{}) (interface{}, error) {
	return e.eval(ctx, expression, env, current)
}

func (e *Evaluator) eval(ctx context.Context, expression string, env *envelope.Envelope, current interface{}) (interface{}, error) {
	program, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	result, _, err := program.ContextEval(ctx, Activation(env, current))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	return native(result.Value()), nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	p, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := e.CompileExpression(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expression] = p
	e.mu.Unlock()
	return p, nil
}

func (e *Evaluator) CompileExpression(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return program, nil
}

// Activation builds the variable bindings for env.
func Activation(env *envelope.Envelope, current interface{}) map[string]interface{} {
	headers := make(map[string]string, len(env.Headers.Extra)+2)
	for k, v := range env.Headers.Extra {
		headers[k] = v
	}
	if env.Headers.Priority != "" {
		headers["priority"] = env.Headers.Priority
	}
	if env.Headers.TTL > 0 {
		headers["ttl"] = fmt.Sprintf("%d", env.Headers.TTL)
	}

	payload := env.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	return map[string]interface{}{
		"msgType":       env.Type,
		"source":        env.Headers.Source,
		"destination":   env.Headers.Destination,
		"correlationId": env.Headers.CorrelationID,
		"messageId":     env.Headers.MessageID,
		"timestamp":     env.Headers.Timestamp,
		"headers":       headers,
		"payload":       payload,
		"value":         current,
	}
}
