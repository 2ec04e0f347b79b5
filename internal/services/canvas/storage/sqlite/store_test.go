package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tripboard/tripboard/internal/services/canvas/crdt"
)

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("", crdt.CanvasEngine{}); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenRequiresEngine(t *testing.T) {
	t.Parallel()

	if _, err := Open(filepath.Join(t.TempDir(), "canvas.db"), nil); err == nil {
		t.Fatal("expected missing engine error")
	}
}

func TestAppendListRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.March, 4, 10, 30, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	first, err := store.Append(context.Background(), "cat-1", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	second, err := store.Append(context.Background(), "cat-1", []byte{4})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq = %d after %d, want increasing", second.Seq, first.Seq)
	}
	if !first.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v, want %v", first.CreatedAt, now)
	}

	entries, err := store.List(context.Background(), "cat-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if !reflect.DeepEqual(entries[0], first) {
		t.Fatalf("entry[0] = %+v, want %+v", entries[0], first)
	}
	if !reflect.DeepEqual(entries[1], second) {
		t.Fatalf("entry[1] = %+v, want %+v", entries[1], second)
	}
}

func TestAppendValidatesInput(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if _, err := store.Append(context.Background(), " ", []byte{1}); err == nil {
		t.Fatal("expected canvas id error")
	}
	if _, err := store.Append(context.Background(), "cat-1", nil); err == nil {
		t.Fatal("expected payload error")
	}
}

func TestAppendHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Append(ctx, "cat-1", []byte{1}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestListIsolatesCanvases(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if _, err := store.Append(context.Background(), "cat-a", []byte{1}); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if _, err := store.Append(context.Background(), "cat-b", []byte{2}); err != nil {
		t.Fatalf("append b: %v", err)
	}

	entries, err := store.List(context.Background(), "cat-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].CanvasID != "cat-a" {
		t.Fatalf("entries = %+v, want only cat-a", entries)
	}
}

func TestReadMergedEmptyCanvas(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	merged, err := store.ReadMerged(context.Background(), "missing")
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	if len(merged) != 0 {
		t.Fatalf("merged = %x, want empty", merged)
	}
}

func TestReadMergedRebuildsDocument(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	replica := crdt.NewReplica(11)
	for i, text := range []string{"Eiffel", "Seine cruise", "Montmartre"} {
		update, err := replica.Set(fmt.Sprintf("note-%d", i), crdt.KindNote, "text", text)
		if err != nil {
			t.Fatalf("set: %v", err)
		}
		if _, err := store.Append(context.Background(), "cat-paris", update); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	merged, err := store.ReadMerged(context.Background(), "cat-paris")
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

func TestConcurrentAppendsAreTotallyOrdered(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Append(context.Background(), "cat-1", []byte{byte(i)}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	entries, err := store.List(context.Background(), "cat-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != writers {
		t.Fatalf("entries = %d, want %d", len(entries), writers)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("seq %d not after %d", entries[i].Seq, entries[i-1].Seq)
		}
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "canvas.db")
	store, err := Open(path, crdt.CanvasEngine{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Append(context.Background(), "cat-1", []byte{9}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, crdt.CanvasEngine{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	entries, err := reopened.List(context.Background(), "cat-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
}

func TestNilStoreIsNotConfigured(t *testing.T) {
	t.Parallel()

	var store *Store
	if _, err := store.Append(context.Background(), "cat-1", []byte{1}); err == nil {
		t.Fatal("expected not configured error")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "canvas.db"), crdt.CanvasEngine{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
