// Package selector defines the message-selector evaluator contract.
//
// The fan-out engine treats evaluation as a pure function of the message,
// its topic and a compiled rule. Unknown results (a rule that cannot be
// evaluated against this message) are treated as NoMatch for delivery.
package selector

import "github.com/rmacdonaldsmith/topicmesh-go/pkg/message"

// Result is the outcome of evaluating a rule.
type Result int

const (
	Match Result = iota
	NoMatch
	Unknown
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case NoMatch:
		return "no-match"
	default:
		return "unknown"
	}
}

// Rule is a compiled selector expression.
type Rule interface {
	// Expression returns the source text the rule was compiled from. Two
	// rules with equal expressions select identically.
	Expression() string
}

// Evaluator compiles and evaluates selector expressions.
type Evaluator interface {
	Compile(expr string) (Rule, error)
	Evaluate(msg *message.Message, topic string, rule Rule) Result
}
