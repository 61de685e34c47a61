package topic

import (
	"errors"
	"strings"
	"testing"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

func TestAnalyzeTopic_Depth(t *testing.T) {
	atMax := strings.Repeat("a/", MaxDepth-1) + "a"
	a, err := AnalyzeTopic(atMax)
	if err != nil {
		t.Fatalf("AnalyzeTopic at max depth failed: %v", err)
	}
	if a.Depth() != MaxDepth {
		t.Errorf("Expected depth %d, got %d", MaxDepth, a.Depth())
	}

	_, err = AnalyzeTopic(atMax + "/a")
	if !errors.Is(err, ErrTooDeep) {
		t.Errorf("Expected ErrTooDeep for depth %d, got %v", MaxDepth+1, err)
	}
	if !errors.Is(err, rc.ErrValidation) {
		t.Errorf("Expected ErrTooDeep to wrap rc.ErrValidation")
	}
}

func TestAnalyzeTopic_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		want  error
	}{
		{"empty", "", ErrEmpty},
		{"single level wildcard", "a/+/b", ErrWildcardInTopic},
		{"multi level wildcard", "a/#", ErrWildcardInTopic},
		{"embedded wildcard", "a/b+c", ErrWildcardInTopic},
		{"null character", "a/\x00", ErrNullCharacter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AnalyzeTopic(tt.topic)
			if !errors.Is(err, tt.want) {
				t.Errorf("AnalyzeTopic(%q) error = %v, want %v", tt.topic, err, tt.want)
			}
		})
	}
}

func TestAnalyzeTopic_EmptySegments(t *testing.T) {
	a, err := AnalyzeTopic("//")
	if err != nil {
		t.Fatalf("AnalyzeTopic failed: %v", err)
	}
	if a.Depth() != 3 {
		t.Errorf("Expected 3 segments, got %d", a.Depth())
	}
	for i, seg := range a.Segments {
		if seg != "" {
			t.Errorf("Expected empty segment %d, got %q", i, seg)
		}
	}
}

func TestAnalyzePattern_Policy(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		policy  Policy
		want    error
	}{
		{"final multi level", "a/#", Strict, nil},
		{"root multi level", "#", Strict, nil},
		{"single levels", "+/+/c", Strict, nil},
		{"non-final multi level strict", "a/#/b", Strict, ErrNonFinalMultiLevel},
		{"non-final multi level extended", "a/#/b", Extended, nil},
		{"double multi level extended", "/A/#/#", Extended, nil},
		{"mixed segment plus", "a/b+", Strict, ErrMisplacedWildcard},
		{"mixed segment hash", "a/#b", Extended, ErrMisplacedWildcard},
		{"empty", "", Strict, ErrEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AnalyzePattern(tt.pattern, tt.policy)
			if tt.want == nil {
				if err != nil {
					t.Errorf("AnalyzePattern(%q) unexpected error: %v", tt.pattern, err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("AnalyzePattern(%q) error = %v, want %v", tt.pattern, err, tt.want)
			}
		})
	}
}

func TestAnalyzePattern_Counts(t *testing.T) {
	a, err := AnalyzePattern("$SYS/+/x/#", Strict)
	if err != nil {
		t.Fatalf("AnalyzePattern failed: %v", err)
	}
	if !a.System {
		t.Error("Expected system pattern")
	}
	if a.SingleLevel != 1 || a.MultiLevel != 1 {
		t.Errorf("Expected 1 single and 1 multi level wildcard, got %d and %d", a.SingleLevel, a.MultiLevel)
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		strict  bool
		want    bool
	}{
		{"#", "a/b", false, true},
		{"a/#", "a", false, true},
		{"a/+", "a", false, false},
		{"+/+", "/finance", false, true},
		{"/+", "/finance", false, true},
		{"+", "/finance", false, false},
		{"/finance/+", "/finance/", false, true},
		{"/A/#/#", "/A/B/C/D", false, true},
		{"Z/#/K/#", "Z/K", false, true},
		{"Z/#/K/#", "Z/A/K/U", false, true},
		{"#", "$SYS/node", false, false},
		{"$SYS/#", "$SYS/node", false, true},
		{"+/ANOTHER", "$SYSOTHER/ANOTHER", false, true},
		{"+/ANOTHER", "$SYSOTHER/ANOTHER", true, false},
		{"sport/+", "sport", false, false},
		{"sport/#", "sport", false, true},
		{"+/", "sport/", false, true},
	}

	for _, tt := range tests {
		if got := Match(tt.pattern, tt.topic, tt.strict); got != tt.want {
			t.Errorf("Match(%q, %q, %v) = %v, want %v", tt.pattern, tt.topic, tt.strict, got, tt.want)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("extended")
	if err != nil || p != Extended {
		t.Errorf("ParsePolicy(extended) = %v, %v", p, err)
	}
	p, err = ParsePolicy("")
	if err != nil || p != Strict {
		t.Errorf("ParsePolicy(\"\") = %v, %v", p, err)
	}
	if _, err := ParsePolicy("loose"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}
