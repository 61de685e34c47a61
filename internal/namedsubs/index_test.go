package namedsubs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

func newSub(clientID, name string) *subscription.Subscription {
	return subscription.New(subscription.Config{ClientID: clientID, Name: name, Pattern: "t/" + name})
}

func assertSorted(t *testing.T, subs []*subscription.Subscription) {
	t.Helper()
	for i := 1; i < len(subs); i++ {
		if subs[i-1].NameHash > subs[i].NameHash {
			t.Fatalf("list not sorted at %d: %d > %d", i, subs[i-1].NameHash, subs[i].NameHash)
		}
	}
}

func TestAddFindRemove(t *testing.T) {
	x := NewIndex()
	subs := make([]*subscription.Subscription, 0, 40)
	for i := range 40 {
		s := newSub("c1", fmt.Sprintf("sub-%d", i))
		if err := x.Add("c1", s); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		subs = append(subs, s)
	}

	if got := x.Len("c1"); got != 40 {
		t.Fatalf("expected 40 subscriptions, got %d", got)
	}
	assertSorted(t, x.List("c1"))

	l, _ := x.list("c1")
	if !l.sentinelOK() {
		t.Fatal("nil sentinel missing after growth")
	}

	found, err := x.Find("c1", "sub-17")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if found != subs[17] {
		t.Error("Find returned the wrong subscription")
	}
	if found.UseCount() != 2 {
		t.Errorf("Find should take a reference, use-count %d", found.UseCount())
	}
	found.Release()

	for i := 0; i < 40; i += 2 {
		if err := x.Remove("c1", subs[i]); err != nil {
			t.Fatalf("Remove(%d) failed: %v", i, err)
		}
		if !subs[i].HasAttr(subscription.UnlinkedFromList) {
			t.Errorf("sub %d not marked unlinked", i)
		}
	}
	if got := x.Len("c1"); got != 20 {
		t.Errorf("expected 20 subscriptions, got %d", got)
	}
	if !l.sentinelOK() {
		t.Error("nil sentinel missing after removals")
	}
	assertSorted(t, x.List("c1"))

	if _, err := x.Find("c1", "sub-0"); !errors.Is(err, rc.ErrNotFound) {
		t.Errorf("expected ErrNotFound for removed name, got %v", err)
	}
	if err := x.Remove("c1", subs[0]); !errors.Is(err, rc.ErrNotFound) {
		t.Errorf("expected ErrNotFound removing twice, got %v", err)
	}
	if _, err := x.Find("nobody", "x"); !errors.Is(err, rc.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown client, got %v", err)
	}
}

func TestDuplicateName(t *testing.T) {
	x := NewIndex()
	if err := x.Add("c1", newSub("c1", "orders")); err != nil {
		t.Fatal(err)
	}
	if err := x.Add("c1", newSub("c1", "orders")); !errors.Is(err, rc.ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if err := x.Add("c2", newSub("c2", "orders")); err != nil {
		t.Errorf("same name for another client failed: %v", err)
	}
}

func TestEqualHashesStayAdjacent(t *testing.T) {
	l := newClientList("c1")
	a := newSub("c1", "a")
	b := newSub("c1", "b")
	c := newSub("c1", "c")
	// Force a collision between a and c.
	c.NameHash = a.NameHash

	for _, s := range []*subscription.Subscription{a, b, c} {
		if err := l.add(s); err != nil {
			t.Fatal(err)
		}
	}
	if s, ok := l.find("c"); !ok || s != c {
		t.Fatal("colliding name not found")
	} else {
		s.Release()
	}

	snap := l.snapshot()
	ia, ic := -1, -1
	for i, s := range snap {
		switch s {
		case a:
			ia = i
		case c:
			ic = i
		}
	}
	if ic != ia+1 {
		t.Errorf("expected colliding entries adjacent, got %d and %d", ia, ic)
	}

	if !l.remove(c) {
		t.Fatal("remove by identity failed")
	}
	if s, ok := l.find("a"); !ok || s != a {
		t.Error("removing c disturbed a")
	} else {
		s.Release()
	}
}

func TestRemoveClient(t *testing.T) {
	x := NewIndex()
	s := newSub("c1", "one")
	if err := x.Add("c1", s); err != nil {
		t.Fatal(err)
	}
	if err := x.RemoveClient("c1"); !errors.Is(err, ErrClientNotEmpty) {
		t.Errorf("expected ErrClientNotEmpty, got %v", err)
	}
	if err := x.Remove("c1", s); err != nil {
		t.Fatal(err)
	}
	if err := x.RemoveClient("c1"); err != nil {
		t.Errorf("RemoveClient failed: %v", err)
	}
	if err := x.RemoveClient("c1"); !errors.Is(err, rc.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if len(x.Clients()) != 0 {
		t.Errorf("expected no clients, got %v", x.Clients())
	}

	// A retired list is replaced on the next add.
	if err := x.Add("c1", newSub("c1", "two")); err != nil {
		t.Fatal(err)
	}
	if got := x.Len("c1"); got != 1 {
		t.Errorf("expected 1 subscription, got %d", got)
	}
}

func TestEach(t *testing.T) {
	x := NewIndex()
	var want []string
	for i := range 25 {
		id := fmt.Sprintf("client-%02d", i)
		want = append(want, id)
		for j := range 3 {
			if err := x.Add(id, newSub(id, fmt.Sprintf("s%d", j))); err != nil {
				t.Fatal(err)
			}
		}
	}

	var got []string
	total := 0
	x.Each(func(id string, subs []*subscription.Subscription) bool {
		got = append(got, id)
		total += len(subs)
		return true
	})
	sort.Strings(got)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Each visited %v", got)
	}
	if total != 75 {
		t.Errorf("expected 75 subscriptions, got %d", total)
	}
}

func TestConcurrentClients(t *testing.T) {
	x := NewIndex()
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%d", w%4)
			for i := range 100 {
				s := newSub(id, fmt.Sprintf("w%d-%d", w, i))
				if err := x.Add(id, s); err != nil {
					t.Errorf("Add failed: %v", err)
					return
				}
				_ = x.Len(id)
				if err := x.Remove(id, s); err != nil {
					t.Errorf("Remove failed: %v", err)
					return
				}
				_ = x.RemoveClient(id)
			}
		}()
	}
	wg.Wait()

	for i := range 4 {
		if got := x.Len(fmt.Sprintf("c%d", i)); got != 0 {
			t.Errorf("client c%d left with %d subscriptions", i, got)
		}
	}
}
