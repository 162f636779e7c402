package vcam

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"
)

// DefaultStorePollInterval is how often a store handle checks for writes
// from other handles when the file watcher has nothing to report.
const DefaultStorePollInterval = 200 * time.Millisecond

// storeSubBuffer is the per-subscriber change buffer. Subscribers that
// fall further behind lose changes.
const storeSubBuffer = 8

const storeSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// StoreOption customises OpenStore behaviour.
type StoreOption func(*storeConfig)

type storeConfig struct {
	pollInterval time.Duration
	busyTimeout  int
	fileWatcher  bool
	logger       *slog.Logger
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		pollInterval: DefaultStorePollInterval,
		busyTimeout:  10_000,
		fileWatcher:  true,
		logger:       slog.Default(),
	}
}

// WithPollInterval sets the change poll frequency.
func WithPollInterval(d time.Duration) StoreOption {
	return func(c *storeConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) StoreOption {
	return func(c *storeConfig) { c.busyTimeout = ms }
}

// WithoutFileWatcher disables the fsnotify accelerant, leaving change
// detection to the poll ticker alone.
func WithoutFileWatcher() StoreOption {
	return func(c *storeConfig) { c.fileWatcher = false }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(log *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		if log != nil {
			c.logger = log
		}
	}
}

// SQLiteStore is a StateStore backed by a SQLite file in WAL mode.
//
// Change detection rides PRAGMA data_version on a connection reserved for
// watching: the pragma moves only when a different connection commits, so
// other handles' writes are observable while the handle's own writes can
// be absorbed before the watcher looks. A filesystem watcher on the
// database directory triggers early checks; a ticker backstops it.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *slog.Logger

	// watchMu serialises writes with snapshot reconciliation; that is
	// what keeps a handle's own writes out of its event feed.
	watchMu   sync.Mutex
	watchConn *sql.Conn
	baseline  int64
	snapshot  map[string]string

	subMu  sync.Mutex
	subs   map[*storeSub]struct{}
	closed bool

	cancel context.CancelFunc
	doneCh chan struct{}
	fsw    *fsnotify.Watcher
}

type storeSub struct {
	ch chan Change
}

// ProfileStorePath returns the store path for a named profile under the
// user's configuration directory.
func ProfileStorePath(profile string) (string, error) {
	if profile == "" {
		profile = "default"
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config dir: %w", err)
	}
	return filepath.Join(dir, "vcam", profile+".db"), nil
}

// OpenProfileStore opens the store for a named profile, creating it on
// first use.
func OpenProfileStore(profile string, opts ...StoreOption) (*SQLiteStore, error) {
	path, err := ProfileStorePath(profile)
	if err != nil {
		return nil, err
	}
	return OpenStore(path, opts...)
}

// OpenStore opens (creating if needed) the shared store at path. Every
// process that opens the same path shares the same state. Memory
// databases are rejected: each SQLite connection to ":memory:" is a
// separate database, which breaks cross-connection change detection.
func OpenStore(path string, opts ...StoreOption) (*SQLiteStore, error) {
	cfg := defaultStoreConfig()
	for _, o := range opts {
		o(&cfg)
	}

	if path == "" || path == ":memory:" || strings.Contains(path, "mode=memory") {
		return nil, fmt.Errorf("store requires a file path, got %q", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", p, err)
		}
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create store schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	watchConn, err := db.Conn(ctx)
	if err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("failed to reserve watch connection: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		path:      path,
		log:       cfg.logger,
		watchConn: watchConn,
		subs:      make(map[*storeSub]struct{}),
		cancel:    cancel,
		doneCh:    make(chan struct{}),
	}

	// Seed the baseline so pre-existing state produces no events.
	s.watchMu.Lock()
	if err := s.seedLocked(ctx); err != nil {
		s.watchMu.Unlock()
		cancel()
		watchConn.Close()
		db.Close()
		return nil, err
	}
	s.watchMu.Unlock()

	var fsEvents <-chan fsnotify.Event
	if cfg.fileWatcher {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			err = fsw.Add(filepath.Dir(path))
		}
		if err != nil {
			// Polling still covers change detection, just slower.
			s.log.Warn("store file watcher unavailable, relying on polling", "error", err)
			if fsw != nil {
				fsw.Close()
			}
		} else {
			s.fsw = fsw
			fsEvents = fsw.Events
		}
	}

	go s.watchLoop(ctx, cfg.pollInterval, fsEvents)
	return s, nil
}

// Path returns the backing file path.
func (s *SQLiteStore) Path() string { return s.path }

// Get implements StateStore.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements StateStore. The write is absorbed into the local
// snapshot before the watcher can observe it, so it never comes back on
// this handle's subscriptions. Changes from other handles discovered
// along the way are delivered first.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if len(value) > MaxDescriptorBytes {
		return fmt.Errorf("%w: %d bytes for %q", ErrPayloadTooLarge, len(value), key)
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if err := s.closedErr(); err != nil {
		return err
	}
	if err := s.reconcileLocked(ctx); err != nil {
		s.log.Warn("store reconcile before write failed", "error", err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}

	s.snapshot[key] = value
	return s.absorbLocked(ctx)
}

// Delete implements StateStore.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if err := s.closedErr(); err != nil {
		return err
	}
	if err := s.reconcileLocked(ctx); err != nil {
		s.log.Warn("store reconcile before delete failed", "error", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}

	delete(s.snapshot, key)
	return s.absorbLocked(ctx)
}

// Subscribe implements StateStore.
func (s *SQLiteStore) Subscribe() (<-chan Change, func(), error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.closed {
		return nil, nil, ErrStoreClosed
	}
	sub := &storeSub{ch: make(chan Change, storeSubBuffer)}
	s.subs[sub] = struct{}{}

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel, nil
}

// Close implements StateStore. It is idempotent.
func (s *SQLiteStore) Close() error {
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil
	}
	s.closed = true
	for sub := range s.subs {
		close(sub.ch)
	}
	s.subs = map[*storeSub]struct{}{}
	s.subMu.Unlock()

	s.cancel()
	<-s.doneCh

	if s.fsw != nil {
		s.fsw.Close()
	}

	s.watchMu.Lock()
	s.watchConn.Close()
	s.watchMu.Unlock()

	return s.db.Close()
}

func (s *SQLiteStore) closedErr() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// seedLocked initialises the snapshot and version baseline.
func (s *SQLiteStore) seedLocked(ctx context.Context) error {
	snapshot, err := s.readAllLocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed store snapshot: %w", err)
	}
	version, err := s.dataVersionLocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed store version: %w", err)
	}
	s.snapshot = snapshot
	s.baseline = version
	return nil
}

// dataVersionLocked reads PRAGMA data_version on the watch connection.
// The value moves only when some other connection commits.
func (s *SQLiteStore) dataVersionLocked(ctx context.Context) (int64, error) {
	var v int64
	err := s.watchConn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

func (s *SQLiteStore) readAllLocked(ctx context.Context) (map[string]string, error) {
	rows, err := s.watchConn.QueryContext(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		all[key] = value
	}
	return all, rows.Err()
}

// reconcileLocked diffs the table against the snapshot when the version
// baseline has moved and delivers the differences to subscribers. Keys
// already matching the snapshot, including writes this handle absorbed,
// produce nothing.
func (s *SQLiteStore) reconcileLocked(ctx context.Context) error {
	version, err := s.dataVersionLocked(ctx)
	if err != nil {
		return err
	}
	if version == s.baseline {
		return nil
	}

	current, err := s.readAllLocked(ctx)
	if err != nil {
		return err
	}

	for key, old := range s.snapshot {
		now, ok := current[key]
		switch {
		case !ok:
			s.deliver(Change{Key: key, Op: ChangeDelete, Old: old})
		case now != old:
			s.deliver(Change{Key: key, Op: ChangeSet, Old: old, New: now})
		}
	}
	for key, now := range current {
		if _, ok := s.snapshot[key]; !ok {
			s.deliver(Change{Key: key, Op: ChangeSet, New: now})
		}
	}

	s.snapshot = current
	s.baseline = version
	return nil
}

// absorbLocked advances the version baseline past this handle's own
// write without emitting anything. The snapshot was already updated, so
// if a foreign commit sneaks into the same window its diff still
// surfaces on the next reconcile.
func (s *SQLiteStore) absorbLocked(ctx context.Context) error {
	version, err := s.dataVersionLocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh store baseline: %w", err)
	}
	if version != s.baseline {
		s.baseline = version
		return s.reconcileAgainstSnapshotLocked(ctx)
	}
	return nil
}

// reconcileAgainstSnapshotLocked re-reads the table and diffs it against
// the snapshot without consulting the version gate. Used right after a
// baseline jump that may have swallowed a foreign commit.
func (s *SQLiteStore) reconcileAgainstSnapshotLocked(ctx context.Context) error {
	current, err := s.readAllLocked(ctx)
	if err != nil {
		return err
	}
	for key, old := range s.snapshot {
		now, ok := current[key]
		switch {
		case !ok:
			s.deliver(Change{Key: key, Op: ChangeDelete, Old: old})
		case now != old:
			s.deliver(Change{Key: key, Op: ChangeSet, Old: old, New: now})
		}
	}
	for key, now := range current {
		if _, ok := s.snapshot[key]; !ok {
			s.deliver(Change{Key: key, Op: ChangeSet, New: now})
		}
	}
	s.snapshot = current
	return nil
}

// deliver fans a change out to subscribers without blocking.
func (s *SQLiteStore) deliver(change Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- change:
		default:
			s.log.Warn("store subscriber too slow, dropping change", "key", change.Key)
		}
	}
}

// watchLoop checks for foreign writes until the store closes. File
// events trigger early checks; the ticker guarantees progress when file
// notifications are unavailable or lost.
func (s *SQLiteStore) watchLoop(ctx context.Context, interval time.Duration, fsEvents <-chan fsnotify.Event) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	base := filepath.Base(s.path)

	check := func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if err := s.reconcileLocked(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("store change check failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			check()

		case event, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if name != base && name != base+"-wal" {
				continue
			}
			check()
		}
	}
}

var _ StateStore = (*SQLiteStore)(nil)
