package postgres

import (
	"context"
	"os"
	"reflect"
	"testing"

	"github.com/tripboard/tripboard/internal/platform/id"
	"github.com/tripboard/tripboard/internal/services/canvas/crdt"
)

func TestOpenRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), " ", crdt.CanvasEngine{}); err == nil {
		t.Fatal("expected empty url error")
	}
}

func TestOpenRequiresEngine(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), "postgres://localhost/canvas", nil); err == nil {
		t.Fatal("expected missing engine error")
	}
}

func TestNilStoreIsNotConfigured(t *testing.T) {
	t.Parallel()

	var store *Store
	if _, err := store.List(context.Background(), "cat-1"); err == nil {
		t.Fatal("expected not configured error")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func TestAppendReadMergedRoundTrip(t *testing.T) {
	store := openTestStore(t)
	canvasID := uniqueCanvasID(t)

	replica := crdt.NewReplica(5)
	first, err := replica.Set("place-1", crdt.KindPlace, "name", "Sagrada Familia")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	second, err := replica.Set("place-1", crdt.KindPlace, "votes", 3)
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	a, err := store.Append(context.Background(), canvasID, first)
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	b, err := store.Append(context.Background(), canvasID, second)
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if b.Seq <= a.Seq {
		t.Fatalf("seq = %d after %d, want increasing", b.Seq, a.Seq)
	}

	entries, err := store.List(context.Background(), canvasID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Seq != a.Seq || entries[1].Seq != b.Seq {
		t.Fatalf("entries = %+v, want seqs %d, %d", entries, a.Seq, b.Seq)
	}

	merged, err := store.ReadMerged(context.Background(), canvasID)
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	restored := crdt.New()
	if err := restored.ApplyUpdate(merged); err != nil {
		t.Fatalf("apply merged: %v", err)
	}
	if !reflect.DeepEqual(restored.Content(), replica.Doc().Content()) {
		t.Fatalf("restored content = %v, want %v", restored.Content(), replica.Doc().Content())
	}
}

func TestReadMergedUnknownCanvasIsEmpty(t *testing.T) {
	store := openTestStore(t)

	merged, err := store.ReadMerged(context.Background(), uniqueCanvasID(t))
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	if len(merged) != 0 {
		t.Fatalf("merged = %x, want empty", merged)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TRIPBOARD_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TRIPBOARD_TEST_DATABASE_URL not set")
	}
	store, err := Open(context.Background(), url, crdt.CanvasEngine{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func uniqueCanvasID(t *testing.T) string {
	t.Helper()

	canvasID, err := id.NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	return "test-" + canvasID
}
