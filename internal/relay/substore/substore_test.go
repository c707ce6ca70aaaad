package substore

import (
	"path/filepath"
	"sort"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subscriptions.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAddEdgeIdempotent(t *testing.T) {
	store := openTestStore(t)

	if err := store.AddEdge("alice", "bob"); err != nil {
		t.Fatalf("AddEdge() error = %v", err)
	}
	if err := store.AddEdge("alice", "bob"); err != nil {
		t.Fatalf("second AddEdge() error = %v", err)
	}

	subs, err := store.SubscribersOf("bob")
	if err != nil {
		t.Fatalf("SubscribersOf() error = %v", err)
	}
	if len(subs) != 1 || subs[0] != "alice" {
		t.Fatalf("SubscribersOf(bob) = %v, want exactly one edge for alice", subs)
	}
}

func TestRemoveEdge(t *testing.T) {
	store := openTestStore(t)

	if err := store.AddEdge("alice", "bob"); err != nil {
		t.Fatalf("AddEdge() error = %v", err)
	}
	if err := store.RemoveEdge("alice", "bob"); err != nil {
		t.Fatalf("RemoveEdge() error = %v", err)
	}

	subs, err := store.SubscribersOf("bob")
	if err != nil {
		t.Fatalf("SubscribersOf() error = %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("SubscribersOf(bob) after RemoveEdge = %v, want empty", subs)
	}

	// Removing an edge that was never there is a no-op, not an error.
	if err := store.RemoveEdge("alice", "carol"); err != nil {
		t.Fatalf("RemoveEdge() of absent edge error = %v, want nil", err)
	}
}

func TestSubscribersOfAndSubscribedBy(t *testing.T) {
	store := openTestStore(t)

	edges := [][2]string{
		{"alice", "carol"},
		{"bob", "carol"},
		{"alice", "dave"},
	}
	for _, e := range edges {
		if err := store.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("AddEdge(%s, %s) error = %v", e[0], e[1], err)
		}
	}

	subs, err := store.SubscribersOf("carol")
	if err != nil {
		t.Fatalf("SubscribersOf() error = %v", err)
	}
	sort.Strings(subs)
	if len(subs) != 2 || subs[0] != "alice" || subs[1] != "bob" {
		t.Fatalf("SubscribersOf(carol) = %v, want [alice bob]", subs)
	}

	targets, err := store.SubscribedBy("alice")
	if err != nil {
		t.Fatalf("SubscribedBy() error = %v", err)
	}
	sort.Strings(targets)
	if len(targets) != 2 || targets[0] != "carol" || targets[1] != "dave" {
		t.Fatalf("SubscribedBy(alice) = %v, want [carol dave]", targets)
	}
}

func TestSubscribersOfEmptyBoundary(t *testing.T) {
	store := openTestStore(t)

	subs, err := store.SubscribersOf("nobody")
	if err != nil {
		t.Fatalf("SubscribersOf() error = %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("SubscribersOf(nobody) = %v, want empty", subs)
	}
}
