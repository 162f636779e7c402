package vcam

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()

	store, err := OpenStore(path, WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func waitForChange(t *testing.T, ch <-chan Change, key string) Change {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case change, ok := <-ch:
			if !ok {
				t.Fatalf("change channel closed while waiting for %q", key)
			}
			if change.Key == key {
				return change
			}
		case <-deadline:
			t.Fatalf("no change for %q within deadline", key)
		}
	}
}

func expectNoChanges(t *testing.T, ch <-chan Change) {
	t.Helper()

	// Several poll intervals worth of settling time.
	time.Sleep(200 * time.Millisecond)
	select {
	case change, ok := <-ch:
		if ok {
			t.Fatalf("unexpected change: %+v", change)
		}
	default:
	}
}

func TestOpenStore_RejectsMemoryDatabases(t *testing.T) {
	for _, path := range []string{"", ":memory:", "file::memory:?mode=memory"} {
		if _, err := OpenStore(path); err == nil {
			t.Errorf("OpenStore(%q) succeeded, want error", path)
		}
	}
}

func TestSQLiteStore_GetSetDelete(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want absent", ok, err)
	}

	if err := store.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, ok, err := store.Get(ctx, "k"); err != nil || !ok || v != "v1" {
		t.Fatalf("Get = %q ok=%v err=%v, want v1", v, ok, err)
	}

	if err := store.Set(ctx, "k", "v2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if v, _, _ := store.Get(ctx, "k"); v != "v2" {
		t.Fatalf("Get after overwrite = %q, want v2", v)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("key survived Delete")
	}

	// Deleting an absent key is a no-op.
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete(absent) = %v, want nil", err)
	}
}

func TestSQLiteStore_RejectsOversizeValue(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	huge := strings.Repeat("x", MaxDescriptorBytes+1)
	err := store.Set(context.Background(), "k", huge)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("error = %v, want ErrPayloadTooLarge", err)
	}
	if _, ok, _ := store.Get(context.Background(), "k"); ok {
		t.Error("oversize value was stored anyway")
	}
}

func TestSQLiteStore_OwnWritesNotDelivered(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	ch, cancel, err := store.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	if err := store.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	expectNoChanges(t, ch)
}

func TestSQLiteStore_CrossHandleNotify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	writer := openTestStore(t, path)
	watcher := openTestStore(t, path)

	ch, cancel, err := watcher.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	ctx := context.Background()

	if err := writer.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	change := waitForChange(t, ch, "k")
	if change.Op != ChangeSet || change.Old != "" || change.New != "v1" {
		t.Errorf("create change = %+v, want set \"\" -> v1", change)
	}

	if err := writer.Set(ctx, "k", "v2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	change = waitForChange(t, ch, "k")
	if change.Op != ChangeSet || change.Old != "v1" || change.New != "v2" {
		t.Errorf("update change = %+v, want set v1 -> v2", change)
	}

	if err := writer.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	change = waitForChange(t, ch, "k")
	if change.Op != ChangeDelete || change.Old != "v2" || change.New != "" {
		t.Errorf("delete change = %+v, want delete of v2", change)
	}

	// The reader sees the written value too, not just the notification.
	if v, ok, _ := watcher.Get(ctx, "k"); ok {
		t.Errorf("key still visible after delete: %q", v)
	}
}

func TestSQLiteStore_SameValueWriteNoEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	writer := openTestStore(t, path)

	ctx := context.Background()
	if err := writer.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	watcher := openTestStore(t, path)
	ch, cancel, err := watcher.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	// The commit moves the database version but the value is unchanged,
	// so the diff finds nothing to report.
	if err := writer.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	expectNoChanges(t, ch)
}

func TestSQLiteStore_PreexistingStateNoEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	writer := openTestStore(t, path)

	ctx := context.Background()
	if err := writer.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := writer.Set(ctx, "b", "2"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// A handle opened later starts from the current state; history is not
	// replayed.
	late := openTestStore(t, path)
	ch, cancel, err := late.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	expectNoChanges(t, ch)

	if v, ok, _ := late.Get(ctx, "a"); !ok || v != "1" {
		t.Errorf("Get(a) = %q ok=%v, want 1", v, ok)
	}
}

func TestSQLiteStore_FlagChangeFindsDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	panel := openTestStore(t, path)
	tab := openTestStore(t, path)

	ch, cancel, err := tab.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	desc := &MediaDescriptor{Kind: MediaKindImage, Data: "data:image/png;base64,AQID"}
	if err := PublishDescriptor(ctx, panel, desc); err != nil {
		t.Fatalf("PublishDescriptor failed: %v", err)
	}

	// Whoever wakes on the flag change must be able to read the
	// descriptor immediately.
	change := waitForChange(t, ch, KeyActive)
	if change.New != ActiveValue {
		t.Fatalf("flag change = %+v, want new value %q", change, ActiveValue)
	}
	raw, ok, err := tab.Get(ctx, KeyData)
	if err != nil || !ok {
		t.Fatalf("Get(KeyData) = ok=%v err=%v, want present", ok, err)
	}
	parsed, err := ParseDescriptor(raw)
	if err != nil {
		t.Fatalf("descriptor does not parse: %v", err)
	}
	if parsed.Kind != MediaKindImage {
		t.Errorf("Kind = %q, want image", parsed.Kind)
	}
}

func TestSQLiteStore_SubscribeCancel(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	ch, cancel, err := store.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel delivered after cancel")
	}

	// Cancelling twice is harmless.
	cancel()
}

func TestSQLiteStore_Closed(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))

	ch, _, err := store.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscription channel open after Close")
	}

	ctx := context.Background()
	if err := store.Set(ctx, "k", "v"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Set = %v, want ErrStoreClosed", err)
	}
	if err := store.Delete(ctx, "k"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Delete = %v, want ErrStoreClosed", err)
	}
	if _, _, err := store.Subscribe(); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Subscribe = %v, want ErrStoreClosed", err)
	}

	// Close is idempotent.
	if err := store.Close(); err != nil {
		t.Fatalf("second Close = %v, want nil", err)
	}
}

func TestProfileStorePath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := ProfileStorePath("")
	if err != nil {
		t.Fatalf("ProfileStorePath failed: %v", err)
	}
	if filepath.Base(path) != "default.db" {
		t.Errorf("empty profile path = %q, want default.db file", path)
	}

	path, err = ProfileStorePath("work")
	if err != nil {
		t.Fatalf("ProfileStorePath failed: %v", err)
	}
	if filepath.Base(path) != "work.db" {
		t.Errorf("profile path = %q, want work.db file", path)
	}
	if filepath.Base(filepath.Dir(path)) != "vcam" {
		t.Errorf("profile dir = %q, want vcam", filepath.Dir(path))
	}
}
