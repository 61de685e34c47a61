package subscription

import (
	"slices"
	"sync"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
)

// Member is one client participating in a shared subscription.
type Member struct {
	ClientID string
	QoS      message.Reliability
}

// Shared is the set of clients sharing one subscription name. It has its own
// lock because delivery reads it far more often than clients join or leave.
type Shared struct {
	mu      sync.RWMutex
	members []Member
}

// Join adds clientID, or updates its QoS. It reports whether the client was
// newly added.
func (sh *Shared) Join(clientID string, qos message.Reliability) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for i := range sh.members {
		if sh.members[i].ClientID == clientID {
			sh.members[i].QoS = qos
			return false
		}
	}
	sh.members = append(sh.members, Member{ClientID: clientID, QoS: qos})
	return true
}

// Leave removes clientID and returns how many members remain.
func (sh *Shared) Leave(clientID string) (remaining int, found bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	i := slices.IndexFunc(sh.members, func(m Member) bool { return m.ClientID == clientID })
	if i < 0 {
		return len(sh.members), false
	}
	sh.members = slices.Delete(sh.members, i, i+1)
	return len(sh.members), true
}

// Contains reports whether clientID is a member.
func (sh *Shared) Contains(clientID string) bool {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return slices.ContainsFunc(sh.members, func(m Member) bool { return m.ClientID == clientID })
}

// Members returns a copy of the member list.
func (sh *Shared) Members() []Member {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return slices.Clone(sh.members)
}

// Len returns the number of members.
func (sh *Shared) Len() int {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.members)
}
