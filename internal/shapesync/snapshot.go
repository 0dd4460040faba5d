package shapesync

import (
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Snapshot is the last successfully fetched full row-set for a source under
// fallback mode.
type Snapshot struct {
	Rows      []Row     `json:"rows"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// SnapshotBackend is an optional durable layer behind the in-memory snapshot
// cache, so a restarted client can render from the last known row-set before
// its first refresh completes.
type SnapshotBackend interface {
	Load(key string) (*Snapshot, error)
	Store(key string, snap *Snapshot) error
	Delete(key string) error
}

type snapshotBackendCloser interface {
	Close() error
}

type SnapshotCacheOptions struct {
	Backend SnapshotBackend
	Logger  *zap.SugaredLogger
}

// SnapshotCache caches snapshots by source key. Reads hit memory first and
// fall through to the backend; writes and invalidations go through to both.
type SnapshotCache struct {
	mem     *gocache.Cache
	backend SnapshotBackend
	logger  *zap.SugaredLogger
}

func NewSnapshotCache(opts SnapshotCacheOptions) *SnapshotCache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SnapshotCache{
		mem:     gocache.New(gocache.NoExpiration, 0),
		backend: opts.Backend,
		logger:  logger,
	}
}

func (c *SnapshotCache) Get(key string) (*Snapshot, bool) {
	if cached, ok := c.mem.Get(key); ok {
		snap, ok := cached.(*Snapshot)
		return snap, ok
	}
	if c.backend == nil {
		return nil, false
	}
	snap, err := c.backend.Load(key)
	if err != nil {
		c.logger.Warnw("snapshot backend load failed", "source", key, "error", err)
		return nil, false
	}
	if snap == nil {
		return nil, false
	}
	c.mem.Set(key, snap, gocache.NoExpiration)
	return snap, true
}

func (c *SnapshotCache) Put(key string, rows []Row) {
	snap := &Snapshot{Rows: rows, FetchedAt: time.Now().UTC()}
	c.mem.Set(key, snap, gocache.NoExpiration)
	if c.backend == nil {
		return
	}
	if err := c.backend.Store(key, snap); err != nil {
		c.logger.Warnw("snapshot backend store failed", "source", key, "error", err)
	}
}

func (c *SnapshotCache) Invalidate(key string) {
	c.mem.Delete(key)
	if c.backend == nil {
		return
	}
	if err := c.backend.Delete(key); err != nil {
		c.logger.Warnw("snapshot backend delete failed", "source", key, "error", err)
	}
}

func (c *SnapshotCache) Close() error {
	if closer, ok := c.backend.(snapshotBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

type InMemorySnapshotBackend struct {
	mu    sync.Mutex
	snaps map[string][]byte
}

func NewInMemorySnapshotBackend() *InMemorySnapshotBackend {
	return &InMemorySnapshotBackend{snaps: map[string][]byte{}}
}

func (b *InMemorySnapshotBackend) Load(key string) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.snaps[key]
	if !ok {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (b *InMemorySnapshotBackend) Store(key string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snaps[key] = data
	return nil
}

func (b *InMemorySnapshotBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snaps, key)
	return nil
}

// JSONDirSnapshotBackend persists one JSON file per source key under a
// directory.
type JSONDirSnapshotBackend struct {
	Dir string
	mu  sync.Mutex
}

func NewJSONDirSnapshotBackend(dir string) *JSONDirSnapshotBackend {
	return &JSONDirSnapshotBackend{Dir: dir}
}

func (b *JSONDirSnapshotBackend) Load(key string) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (b *JSONDirSnapshotBackend) Store(key string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.path(key), data, 0o644)
}

func (b *JSONDirSnapshotBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *JSONDirSnapshotBackend) path(key string) string {
	return filepath.Join(b.Dir, sanitizeSnapshotKey(key)+".json")
}

func sanitizeSnapshotKey(key string) string {
	replacer := strings.NewReplacer("/", "_", "?", "_", "&", "_", "=", "_", ":", "_")
	return replacer.Replace(key)
}

// BuildSnapshotBackendFromDSN selects a snapshot backend by DSN scheme:
// memory://, file://<dir>, or sqlite://<path>. An empty DSN means no durable
// backend.
func BuildSnapshotBackendFromDSN(dsn string) (SnapshotBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemorySnapshotBackend(), nil
	case "", "file":
		return NewJSONDirSnapshotBackend(dsnPath(parsed, dsn)), nil
	case "sqlite", "sqlite3":
		return NewSQLiteSnapshotBackend(dsnPath(parsed, dsn))
	default:
		return nil, errors.New("unsupported snapshot backend scheme: " + scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) string {
	if parsed.Scheme == "" {
		return raw
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	if path == "" {
		path = strings.TrimPrefix(raw, parsed.Scheme+"://")
	}
	return path
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
