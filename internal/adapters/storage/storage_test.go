package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mikey-austin/pubsub/internal/broker"
	"github.com/mikey-austin/pubsub/internal/ports"
)

func sampleState(t *testing.T) broker.State {
	t.Helper()
	dir := broker.NewDirectory()
	for _, step := range []func() error{
		func() error { return dir.Subscribe("news", "c1") },
		func() error { return dir.Subscribe("news", "c2") },
		func() error { return dir.Subscribe("quiet", "c1") },
		func() error { _, err := dir.Publish("news", "p1", 0, "first"); return err },
		func() error { _, err := dir.Publish("news", "p1", 1, "second"); return err },
		func() error { _, err := dir.GetNext("news", "c1", ^uint64(0)-1); return err },
		func() error { _, err := dir.GetNext("news", "c1", ^uint64(0)); return err },
	} {
		if err := step(); err != nil {
			t.Fatalf("build state: %v", err)
		}
	}
	return dir.Snapshot()
}

func assertRoundTrip(t *testing.T, store ports.StateStore) {
	t.Helper()
	ctx := context.Background()
	want := sampleState(t)
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%t err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
	if _, err := broker.Restore(got); err != nil {
		t.Fatalf("restore: %v", err)
	}

	empty := broker.State{Topics: map[string]broker.TopicState{}}
	if err := store.Save(ctx, empty); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	got, _, err = store.Load(ctx)
	if err != nil || len(got.Topics) != 0 {
		t.Fatalf("expected empty state, got %+v %v", got, err)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "state.json"))
	if _, ok, err := store.Load(context.Background()); ok || err != nil {
		t.Fatalf("expected nothing saved, got ok=%t err=%v", ok, err)
	}
	assertRoundTrip(t, store)
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	assertRoundTrip(t, store)

	if err := store.Save(context.Background(), sampleState(t)); err != nil {
		t.Fatalf("save: %v", err)
	}
	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, _, err := reopened.Load(context.Background())
	if err != nil || len(got.Topics) != 2 {
		t.Fatalf("expected state to survive reopen, got %+v %v", got, err)
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("PUBSUB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PUBSUB_TEST_POSTGRES_DSN not set")
	}
	store, err := OpenPostgres(context.Background(), dsn, "test-node", "pubsub_state_test")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	assertRoundTrip(t, store)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := Open(ctx, Options{Path: filepath.Join(dir, "state.json")})
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("expected file store by default, got %T", store)
	}

	store, err = Open(ctx, Options{Backend: "SQLite", Path: filepath.Join(dir, "state.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	_ = store.Close()

	if store, err := Open(ctx, Options{Backend: BackendMemory}); err != nil || store != nil {
		t.Fatalf("expected nil memory store, got %v %v", store, err)
	}
	for _, opts := range []Options{
		{Backend: BackendFile},
		{Backend: BackendSQLite},
		{Backend: BackendPostgres},
		{Backend: "redis"},
	} {
		if _, err := Open(ctx, opts); err == nil {
			t.Fatalf("expected error for %+v", opts)
		}
	}
}
