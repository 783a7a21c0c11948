// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Cache TTLs: a positive lookup rarely changes, a negative one may heal.
const (
	PositiveTTL = 30 * 24 * time.Hour
	NegativeTTL = 7 * 24 * time.Hour
)

// Cache is a best-effort TTL key-value cache over BadgerDB. Every miss path
// is defined: read errors degrade to a miss and write errors are logged and
// dropped, so the resolver works identically with a broken cache.
type Cache struct {
	db  *badger.DB
	log *slog.Logger
}

// CacheConfig configures the embedded cache store.
type CacheConfig struct {
	// Path is the directory for cache files. Ignored when InMemory is set.
	Path string
	// InMemory keeps the cache off disk, for tests.
	InMemory bool
	Logger   *slog.Logger
}

// OpenCache opens the lookup cache.
func OpenCache(cfg CacheConfig) (*Cache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("cache path is required for a persistent cache")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open lookup cache: %w", err)
	}
	return &Cache{db: db, log: log}, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// cachedLookup is the stored envelope for one remote lookup outcome. Found
// distinguishes a cached hit from a cached miss, which carry different TTLs.
type cachedLookup struct {
	Found   bool            `json:"found"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Get reads a cached lookup. ok is false on miss, expiry, or cache failure.
func (c *Cache) Get(key string) (entry cachedLookup, ok bool) {
	if c == nil || c.db == nil {
		return cachedLookup{}, false
	}
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cachedLookup{}, false
	}
	if err != nil {
		c.log.Warn("lookup cache read failed", "key", key, "error", err)
		return cachedLookup{}, false
	}
	return entry, true
}

// Set stores a lookup outcome with the TTL implied by Found.
func (c *Cache) Set(key string, entry cachedLookup) {
	if c == nil || c.db == nil {
		return
	}
	ttl := NegativeTTL
	if entry.Found {
		ttl = PositiveTTL
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), encoded).WithTTL(ttl))
	})
	if err != nil {
		c.log.Warn("lookup cache write failed", "key", key, "error", err)
	}
}
