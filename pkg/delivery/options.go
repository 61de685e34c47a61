package delivery

import (
	"fmt"
	"strings"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

// SubOptions are subscription option flags.
type SubOptions uint32

const (
	// NoLocal suppresses delivery of the client's own publications.
	NoLocal SubOptions = 1 << iota
	// ReliableOnly accepts only at-least-once and exactly-once messages.
	ReliableOnly
	// UnreliableOnly accepts only at-most-once messages.
	UnreliableOnly
	// Shared marks a subscription shared by several clients.
	Shared
	// TransactionCapable allows transactional consumption.
	TransactionCapable
	// MessageSelection means the subscription carries a selector.
	MessageSelection
	// Durable subscriptions outlive the client session.
	Durable
	// ShareWithCluster makes the subscription eligible for messages from the cluster forwarder.
	ShareWithCluster
)

var optionNames = []struct {
	flag SubOptions
	name string
}{
	{NoLocal, "no-local"},
	{ReliableOnly, "reliable-only"},
	{UnreliableOnly, "unreliable-only"},
	{Shared, "shared"},
	{TransactionCapable, "transaction-capable"},
	{MessageSelection, "message-selection"},
	{Durable, "durable"},
	{ShareWithCluster, "share-with-cluster"},
}

// Has reports whether all flags in f are set.
func (o SubOptions) Has(f SubOptions) bool {
	return o&f == f
}

// Validate rejects contradictory option combinations.
func (o SubOptions) Validate() error {
	if o.Has(ReliableOnly | UnreliableOnly) {
		return fmtValidation("reliable-only and unreliable-only are mutually exclusive")
	}
	return nil
}

// Names returns the names of the set flags.
func (o SubOptions) Names() []string {
	var names []string
	for _, n := range optionNames {
		if o.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return names
}

// String joins the flag names with "|".
func (o SubOptions) String() string {
	return strings.Join(o.Names(), "|")
}

// ParseOptions converts flag names back into SubOptions.
func ParseOptions(names []string) (SubOptions, error) {
	var o SubOptions
next:
	for _, name := range names {
		for _, n := range optionNames {
			if n.name == name {
				o |= n.flag
				continue next
			}
		}
		return 0, fmtValidation("unknown subscription option " + name)
	}
	return o, o.Validate()
}

func fmtValidation(detail string) error {
	return fmt.Errorf("%w: %s", rc.ErrValidation, detail)
}
