package topic

import (
	"fmt"
	"strings"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

const (
	// MaxDepth is the maximum number of segments in a topic or pattern.
	MaxDepth = 32

	// Separator splits a topic into segments.
	Separator = "/"
	// SingleLevel is the single-level wildcard segment.
	SingleLevel = "+"
	// MultiLevel is the multi-level wildcard segment.
	MultiLevel = "#"
	// SystemPrefix marks the first segment of a system topic.
	SystemPrefix = '$'
)

var (
	// ErrEmpty is returned for a zero-length topic or pattern.
	ErrEmpty = fmt.Errorf("%w: topic cannot be empty", rc.ErrValidation)
	// ErrTooDeep is returned when a topic has more than MaxDepth segments.
	ErrTooDeep = fmt.Errorf("%w: topic exceeds %d segments", rc.ErrValidation, MaxDepth)
	// ErrWildcardInTopic is returned when a publish topic contains "+" or "#".
	ErrWildcardInTopic = fmt.Errorf("%w: wildcard not allowed in publish topic", rc.ErrValidation)
	// ErrMisplacedWildcard is returned when "+" or "#" shares a segment with other characters.
	ErrMisplacedWildcard = fmt.Errorf("%w: wildcard must occupy a whole segment", rc.ErrValidation)
	// ErrNonFinalMultiLevel is returned when "#" is not the final segment under the Strict policy.
	ErrNonFinalMultiLevel = fmt.Errorf("%w: '#' must be the final segment", rc.ErrValidation)
	// ErrNullCharacter is returned for topics containing U+0000.
	ErrNullCharacter = fmt.Errorf("%w: topic contains a null character", rc.ErrValidation)
)

// Policy controls which patterns are accepted.
type Policy int

const (
	// Strict accepts MQTT patterns only: "#" must be the final segment.
	Strict Policy = iota
	// Extended also accepts "#" in non-final positions, e.g. "a/#/b/#".
	Extended
)

// String returns the policy name used in configuration files.
func (p Policy) String() string {
	if p == Extended {
		return "extended"
	}
	return "strict"
}

// ParsePolicy converts a configuration value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "strict", "mqtt":
		return Strict, nil
	case "extended":
		return Extended, nil
	default:
		return Strict, fmt.Errorf("unknown pattern policy %q", s)
	}
}

// Analysis is the decomposition of a topic or pattern.
type Analysis struct {
	Text     string
	Segments []string
	System   bool

	// SingleLevel and MultiLevel count the wildcard segments of a pattern.
	SingleLevel int
	MultiLevel  int
}

// Depth returns the number of segments.
func (a Analysis) Depth() int {
	return len(a.Segments)
}

// HasWildcards reports whether the analysed string is a wildcard pattern.
func (a Analysis) HasWildcards() bool {
	return a.SingleLevel+a.MultiLevel > 0
}

// IsSystem reports whether topic is in the system subtree.
func IsSystem(topic string) bool {
	return len(topic) > 0 && topic[0] == SystemPrefix
}

// Split splits a topic into its segments.
func Split(topic string) []string {
	return strings.Split(topic, Separator)
}

// Join is the inverse of Split.
func Join(segments []string) string {
	return strings.Join(segments, Separator)
}

// AnalyzeTopic validates a publish topic.
func AnalyzeTopic(topic string) (Analysis, error) {
	a, err := analyze(topic)
	if err != nil {
		return Analysis{}, err
	}
	if a.HasWildcards() || strings.ContainsAny(topic, SingleLevel+MultiLevel) {
		return Analysis{}, fmt.Errorf("%q: %w", topic, ErrWildcardInTopic)
	}
	return a, nil
}

// AnalyzePattern validates a subscription pattern under the given policy.
func AnalyzePattern(pattern string, policy Policy) (Analysis, error) {
	a, err := analyze(pattern)
	if err != nil {
		return Analysis{}, err
	}
	last := len(a.Segments) - 1
	for i, seg := range a.Segments {
		if len(seg) > 1 && strings.ContainsAny(seg, SingleLevel+MultiLevel) {
			return Analysis{}, fmt.Errorf("%q: %w", pattern, ErrMisplacedWildcard)
		}
		if seg == MultiLevel && i != last && policy == Strict {
			return Analysis{}, fmt.Errorf("%q: %w", pattern, ErrNonFinalMultiLevel)
		}
	}
	return a, nil
}

func analyze(s string) (Analysis, error) {
	if s == "" {
		return Analysis{}, ErrEmpty
	}
	if strings.IndexByte(s, 0) >= 0 {
		return Analysis{}, ErrNullCharacter
	}
	if strings.Count(s, Separator) >= MaxDepth {
		return Analysis{}, fmt.Errorf("%q: %w", s, ErrTooDeep)
	}

	a := Analysis{
		Text:     s,
		Segments: Split(s),
		System:   IsSystem(s),
	}
	for _, seg := range a.Segments {
		switch seg {
		case SingleLevel:
			a.SingleLevel++
		case MultiLevel:
			a.MultiLevel++
		}
	}
	return a, nil
}

// Match reports whether pattern matches the literal topic. It is the
// reference definition of matching; the topic tree must agree with it.
func Match(pattern, topic string, strictSystem bool) bool {
	p := Split(pattern)
	t := Split(topic)
	if IsSystem(topic) {
		if p[0] == MultiLevel || (strictSystem && p[0] == SingleLevel) {
			return false
		}
	}
	return matchSegments(p, t)
}

func matchSegments(p, t []string) bool {
	if len(p) == 0 {
		return len(t) == 0
	}
	switch p[0] {
	case MultiLevel:
		for i := 0; i <= len(t); i++ {
			if matchSegments(p[1:], t[i:]) {
				return true
			}
		}
		return false
	case SingleLevel:
		return len(t) > 0 && matchSegments(p[1:], t[1:])
	default:
		return len(t) > 0 && t[0] == p[0] && matchSegments(p[1:], t[1:])
	}
}
