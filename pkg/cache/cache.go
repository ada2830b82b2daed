// Package cache is the durable, type-partitioned token store.
//
// Each token type is an independent partition holding the full id→component
// mapping for that type. Partitions survive process restarts through a
// Backend (BoltDB, SQLite or memory) and are kept decoded in a small LRU so
// hot reads skip JSON decoding.
//
// **Consistency:**
//   - Writes are read-modify-write: the partition is replaced with the union
//     of its current entries and the new batch
//   - Writers to the same partition serialize on a per-partition mutex, so
//     concurrent batches never lose each other's entries
//   - Clear excludes all partition operations while it runs
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gnana997/tokensync/pkg/tokens"
)

// Config controls Cache behavior.
type Config struct {
	// MaxPartitions is the number of decoded partitions kept in memory.
	// There are only eight token types, so the default keeps all of them.
	MaxPartitions int

	// Logger for warnings. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns recommended defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxPartitions: 16,
		Logger:        nil,
	}
}

// Stats tracks cache activity (cumulative).
type Stats struct {
	Hits     int64 // partition served from the LRU
	Misses   int64 // partition loaded from the backend (found or not)
	Writes   int64 // partitions written
	Failures int64 // backend operations that returned an error
}

// Cache is the PersistentCache. Safe for concurrent use.
type Cache struct {
	backend Backend
	decoded *lru.Cache[tokens.TokenType, map[string]tokens.TokenComponent]
	logger  *slog.Logger

	// clearMu is held shared by partition operations and exclusively by Clear.
	clearMu sync.RWMutex

	locksMu sync.Mutex
	locks   map[tokens.TokenType]*sync.Mutex

	hits     atomic.Int64
	misses   atomic.Int64
	writes   atomic.Int64
	failures atomic.Int64
}

// New wraps a backend. If config is nil, uses DefaultConfig().
func New(backend Backend, config *Config) (*Cache, error) {
	if backend == nil {
		return nil, fmt.Errorf("cache backend is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxPartitions <= 0 {
		config.MaxPartitions = DefaultConfig().MaxPartitions
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	decoded, err := lru.New[tokens.TokenType, map[string]tokens.TokenComponent](config.MaxPartitions)
	if err != nil {
		return nil, fmt.Errorf("create partition cache: %w", err)
	}

	return &Cache{
		backend: backend,
		decoded: decoded,
		logger:  logger,
		locks:   make(map[tokens.TokenType]*sync.Mutex),
	}, nil
}

// GetTokens returns the union of the requested partitions.
//
// found is false when none of the partitions exist. A missing partition is
// never an error; err is a *StorageError for backend or decode failures.
func (c *Cache) GetTokens(ctx context.Context, types []tokens.TokenType) (map[string]tokens.TokenComponent, bool, error) {
	c.clearMu.RLock()
	defer c.clearMu.RUnlock()

	result := make(map[string]tokens.TokenComponent)
	found := false

	for _, t := range dedupe(types) {
		partition, ok, err := c.readPartition(ctx, t)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		found = true
		for id, comp := range partition {
			result[id] = comp
		}
	}

	return result, found, nil
}

// SetTokens merges components into their type partitions.
//
// Every partition is attempted even if an earlier one fails; the returned
// error joins one *StorageError per failed partition.
func (c *Cache) SetTokens(ctx context.Context, components map[string]tokens.TokenComponent) error {
	if len(components) == 0 {
		return nil
	}

	groups := make(map[tokens.TokenType]map[string]tokens.TokenComponent)
	for id, comp := range components {
		if groups[comp.Type] == nil {
			groups[comp.Type] = make(map[string]tokens.TokenComponent)
		}
		groups[comp.Type][id] = comp
	}

	c.clearMu.RLock()
	defer c.clearMu.RUnlock()

	var errs []error
	for t, batch := range groups {
		if err := c.mergePartition(ctx, t, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear removes every partition.
func (c *Cache) Clear(ctx context.Context) error {
	c.clearMu.Lock()
	defer c.clearMu.Unlock()

	c.decoded.Purge()
	if err := c.backend.Clear(ctx); err != nil {
		c.failures.Add(1)
		return &StorageError{Op: "clear", Err: err}
	}
	return nil
}

// Stats returns current cache metrics.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Writes:   c.writes.Load(),
		Failures: c.failures.Load(),
	}
}

// Close closes the backend and drops decoded partitions.
func (c *Cache) Close() error {
	c.clearMu.Lock()
	defer c.clearMu.Unlock()

	c.decoded.Purge()
	c.logger.Debug("token cache closed",
		"hits", c.hits.Load(),
		"misses", c.misses.Load(),
		"writes", c.writes.Load(),
		"failures", c.failures.Load())
	return c.backend.Close()
}

func (c *Cache) partitionLock(t tokens.TokenType) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	mu, ok := c.locks[t]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[t] = mu
	}
	return mu
}

// readPartition returns the decoded partition for t. The returned map is
// shared with the LRU and must not be modified.
//
// Must be called while holding clearMu.RLock.
func (c *Cache) readPartition(ctx context.Context, t tokens.TokenType) (map[string]tokens.TokenComponent, bool, error) {
	if partition, ok := c.decoded.Get(t); ok {
		c.hits.Add(1)
		return partition, true, nil
	}

	// A concurrent writer may be about to refresh the LRU; wait for it so a
	// stale backend read never overwrites a fresh entry.
	mu := c.partitionLock(t)
	mu.Lock()
	defer mu.Unlock()

	partition, found, err := c.loadLocked(ctx, t)
	if err != nil {
		return nil, false, &StorageError{Op: "get", Partition: string(t), Err: err}
	}
	return partition, found, nil
}

// loadLocked loads a partition, checking the LRU first.
//
// Errors are returned unwrapped so the caller can attribute them to its own
// operation. Must be called while holding the partition lock for t.
func (c *Cache) loadLocked(ctx context.Context, t tokens.TokenType) (map[string]tokens.TokenComponent, bool, error) {
	if partition, ok := c.decoded.Get(t); ok {
		c.hits.Add(1)
		return partition, true, nil
	}
	c.misses.Add(1)

	data, found, err := c.backend.Load(ctx, string(t))
	if err != nil {
		c.failures.Add(1)
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	var partition map[string]tokens.TokenComponent
	if err := json.Unmarshal(data, &partition); err != nil {
		c.failures.Add(1)
		return nil, false, fmt.Errorf("decode partition: %w", err)
	}
	if partition == nil {
		partition = make(map[string]tokens.TokenComponent)
	}

	c.decoded.Add(t, partition)
	return partition, true, nil
}

// mergePartition replaces partition t with existing ∪ batch.
//
// Must be called while holding clearMu.RLock.
func (c *Cache) mergePartition(ctx context.Context, t tokens.TokenType, batch map[string]tokens.TokenComponent) error {
	if t == "" {
		return &StorageError{Op: "set", Partition: string(t), Err: fmt.Errorf("empty type tag")}
	}

	mu := c.partitionLock(t)
	mu.Lock()
	defer mu.Unlock()

	existing, _, err := c.loadLocked(ctx, t)
	if err != nil {
		return &StorageError{Op: "set", Partition: string(t), Err: err}
	}

	merged := make(map[string]tokens.TokenComponent, len(existing)+len(batch))
	for id, comp := range existing {
		merged[id] = comp
	}
	for id, comp := range batch {
		merged[id] = comp
	}

	data, err := json.Marshal(merged)
	if err != nil {
		c.failures.Add(1)
		return &StorageError{Op: "set", Partition: string(t), Err: fmt.Errorf("encode partition: %w", err)}
	}

	if err := c.backend.Store(ctx, string(t), data); err != nil {
		c.failures.Add(1)
		c.decoded.Remove(t)
		return &StorageError{Op: "set", Partition: string(t), Err: err}
	}

	c.writes.Add(1)
	c.decoded.Add(t, merged)
	return nil
}

func dedupe(types []tokens.TokenType) []tokens.TokenType {
	seen := make(map[tokens.TokenType]bool, len(types))
	out := make([]tokens.TokenType, 0, len(types))
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
