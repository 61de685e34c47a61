package delivery

import (
	"errors"
	"testing"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

func TestSubOptions_Names(t *testing.T) {
	o := NoLocal | Durable
	if got := o.String(); got != "no-local|durable" {
		t.Errorf("Expected 'no-local|durable', got %q", got)
	}

	parsed, err := ParseOptions(o.Names())
	if err != nil {
		t.Fatalf("ParseOptions failed: %v", err)
	}
	if parsed != o {
		t.Errorf("Expected %v, got %v", o, parsed)
	}
}

func TestSubOptions_Validate(t *testing.T) {
	if err := (ReliableOnly | UnreliableOnly).Validate(); !errors.Is(err, rc.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if _, err := ParseOptions([]string{"bogus"}); !errors.Is(err, rc.ErrValidation) {
		t.Errorf("Expected validation error for unknown option, got %v", err)
	}
}

func TestSummary_Candidates(t *testing.T) {
	s := Summary{Subscribers: 3, Remotes: 2}
	if s.Candidates() != 5 {
		t.Errorf("Expected 5 candidates, got %d", s.Candidates())
	}
}
