// Package selector evaluates message selectors written as jq boolean
// expressions over the message properties.
//
// The properties map is the input document, so `.Colour == "BLUE"` selects
// messages whose Colour property is BLUE. The variables $topic, $id,
// $reliability and $persistent describe the message itself.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/selector"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 50 * time.Millisecond

var (
	// ErrEmptyExpression is returned by Compile for a blank selector.
	ErrEmptyExpression = fmt.Errorf("%w: empty selector expression", rc.ErrValidation)

	variables = []string{"$topic", "$id", "$reliability", "$persistent"}
)

// Rule is a compiled jq selector.
type Rule struct {
	expr string
	code *gojq.Code
}

// Expression returns the source text.
func (r *Rule) Expression() string {
	return r.expr
}

// Evaluator compiles and runs jq selectors. Compiled rules are shared
// between subscriptions that use the same expression.
type Evaluator struct {
	timeout time.Duration
	log     *slog.Logger

	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewEvaluator creates an evaluator. timeout <= 0 selects DefaultTimeout.
func NewEvaluator(timeout time.Duration, log *slog.Logger) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{
		timeout: timeout,
		log:     log,
		rules:   make(map[string]*Rule),
	}
}

// Compile parses and compiles expr.
func (e *Evaluator) Compile(expr string) (selector.Rule, error) {
	if expr == "" {
		return nil, ErrEmptyExpression
	}

	e.mu.RLock()
	r, ok := e.rules[expr]
	e.mu.RUnlock()
	if ok {
		return r, nil
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid selector %q: %v", rc.ErrValidation, expr, err)
	}
	code, err := gojq.Compile(query, gojq.WithVariables(variables))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid selector %q: %v", rc.ErrValidation, expr, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.rules[expr]; ok {
		return existing, nil
	}
	r = &Rule{expr: expr, code: code}
	e.rules[expr] = r
	return r, nil
}

// Evaluate runs rule against msg. Only a boolean true is a Match; a false
// or null result is NoMatch; anything else, including runtime errors, is
// Unknown.
func (e *Evaluator) Evaluate(msg *message.Message, topic string, rule selector.Rule) selector.Result {
	r, ok := rule.(*Rule)
	if !ok || r == nil {
		return selector.Unknown
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	iter := r.code.RunWithContext(ctx, normalizeMap(msg.Properties),
		topic, msg.ID, msg.Reliability.String(), msg.IsPersistent())
	v, ok := iter.Next()
	if !ok {
		return selector.NoMatch
	}

	switch v := v.(type) {
	case bool:
		if v {
			return selector.Match
		}
		return selector.NoMatch
	case nil:
		return selector.NoMatch
	case error:
		e.log.Debug("selector: evaluation failed", "selector", r.expr, "error", v)
		return selector.Unknown
	default:
		return selector.Unknown
	}
}

// Len returns the number of distinct compiled rules.
func (e *Evaluator) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// normalizeMap converts property values to the types gojq accepts.
func normalizeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch v := v.(type) {
	case nil, bool, string, int, float64:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return float64(v)
	case uint:
		return float64(v)
	case float32:
		return float64(v)
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		return normalizeMap(v)
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = normalize(x)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out
	default:
		return fmt.Sprint(v)
	}
}

var _ selector.Evaluator = (*Evaluator)(nil)
