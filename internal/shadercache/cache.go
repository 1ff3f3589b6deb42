// Package shadercache persists compiled shader programs reported by the GPU
// process so they can be replayed into the next process for the same client.
package shadercache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/breeze-rmm/gpuhost/internal/logging"
	"github.com/breeze-rmm/gpuhost/internal/workerpool"
)

var log = logging.L("shadercache")

//go:embed schema.sql
var schema string

// DefaultMaxBytes bounds the total size of stored shader data.
const DefaultMaxBytes = 16 * 1024 * 1024

// ErrClosed is returned after Close.
var ErrClosed = errors.New("shadercache: closed")

// Entry is one cached shader.
type Entry struct {
	Key  string
	Data string
}

// Cache is a sqlite-backed shader store. Writes are queued on a worker pool
// so the IPC loop never waits on disk.
type Cache struct {
	db       *sql.DB
	pool     *workerpool.Pool
	maxBytes int64
	now      func() time.Time

	mu     sync.Mutex
	bound  map[int32]struct{}
	closed bool
}

// Open opens (creating if needed) the cache database at path. pool may be
// nil, in which case writes run synchronously.
func Open(ctx context.Context, path string, pool *workerpool.Pool) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("shadercache: database path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("shadercache: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("shadercache: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("shadercache: connect: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("shadercache: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("shadercache: apply schema: %w", err)
	}

	log.Info("shader cache opened", "path", path)
	return &Cache{
		db:       db,
		pool:     pool,
		maxBytes: DefaultMaxBytes,
		now:      time.Now,
		bound:    make(map[int32]struct{}),
	}, nil
}

// SetMaxBytes changes the eviction threshold.
func (c *Cache) SetMaxBytes(n int64) {
	c.mu.Lock()
	c.maxBytes = n
	c.mu.Unlock()
}

// Bind attaches clientID to the cache and returns the entries to replay
// into the GPU process for it.
func (c *Cache) Bind(ctx context.Context, clientID int32) ([]Entry, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.bound[clientID] = struct{}{}
	c.mu.Unlock()
	return c.Entries(ctx)
}

// Unbind detaches clientID; later CacheShader reports for it are ignored.
func (c *Cache) Unbind(clientID int32) {
	c.mu.Lock()
	delete(c.bound, clientID)
	c.mu.Unlock()
}

// IsBound reports whether clientID currently has a cache.
func (c *Cache) IsBound(clientID int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.bound[clientID]
	return ok
}

// Bound returns how many clients are attached.
func (c *Cache) Bound() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bound)
}

// StoreForClient queues a write of key/data if clientID is bound. It reports
// whether the write was accepted.
func (c *Cache) StoreForClient(clientID int32, key, data string) bool {
	if !c.IsBound(clientID) {
		log.Debug("shader for unbound client dropped", logging.KeyClientID, clientID)
		return false
	}
	if c.pool == nil {
		if err := c.Store(context.Background(), key, data); err != nil {
			log.Warn("shader store failed", logging.KeyError, err)
			return false
		}
		return true
	}
	return c.pool.Submit(func(ctx context.Context) {
		if err := c.Store(ctx, key, data); err != nil {
			log.Warn("shader store failed", logging.KeyError, err)
		}
	})
}

// Store writes key/data and evicts least recently used entries past the
// size limit.
func (c *Cache) Store(ctx context.Context, key, data string) error {
	c.mu.Lock()
	closed, maxBytes := c.closed, c.maxBytes
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ts := c.now().UnixNano()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO shaders (key, data, size, created_at, used_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, size = excluded.size, used_at = excluded.used_at`,
		key, data, len(data), ts, ts)
	if err != nil {
		return fmt.Errorf("shadercache: store %q: %w", key, err)
	}
	return c.evict(ctx, maxBytes)
}

func (c *Cache) evict(ctx context.Context, maxBytes int64) error {
	if maxBytes <= 0 {
		return nil
	}
	var total int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM shaders`).Scan(&total); err != nil {
		return fmt.Errorf("shadercache: size: %w", err)
	}
	for total > maxBytes {
		var key string
		var size int64
		err := c.db.QueryRowContext(ctx, `SELECT key, size FROM shaders ORDER BY used_at ASC, key ASC LIMIT 1`).Scan(&key, &size)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("shadercache: evict: %w", err)
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM shaders WHERE key = ?`, key); err != nil {
			return fmt.Errorf("shadercache: evict %q: %w", key, err)
		}
		log.Debug("shader evicted", "key", key, "size", size)
		total -= size
	}
	return nil
}

// Entries returns all cached shaders, most recently used first.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT key, data FROM shaders ORDER BY used_at DESC, key ASC`)
	if err != nil {
		return nil, fmt.Errorf("shadercache: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Data); err != nil {
			return nil, fmt.Errorf("shadercache: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the shader stored under key and marks it used.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	var data string
	err := c.db.QueryRowContext(ctx, `SELECT data FROM shaders WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("shadercache: get %q: %w", key, err)
	}
	if _, err := c.db.ExecContext(ctx, `UPDATE shaders SET used_at = ? WHERE key = ?`, c.now().UnixNano(), key); err != nil {
		return "", false, fmt.Errorf("shadercache: touch %q: %w", key, err)
	}
	return data, true, nil
}

// Stats summarizes the cache for diagnostics.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Clients int   `json:"clients"`
}

// Stats returns entry count, stored bytes and bound clients.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM shaders`).Scan(&s.Entries, &s.Bytes)
	if err != nil {
		return Stats{}, fmt.Errorf("shadercache: stats: %w", err)
	}
	s.Clients = c.Bound()
	return s, nil
}

// Clear removes every stored shader.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM shaders`); err != nil {
		return fmt.Errorf("shadercache: clear: %w", err)
	}
	return nil
}

// Close releases the database. Pending pool writes fail with ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.bound = make(map[int32]struct{})
	c.mu.Unlock()
	return c.db.Close()
}
