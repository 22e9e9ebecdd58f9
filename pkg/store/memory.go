// pkg/store/memory.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryCollection is an in-memory Collection used by tests and dry runs. It
// mirrors the adapter contract exactly: keys sort lexicographically, Scan is
// anchor-based, and writes replace whole documents.
type MemoryCollection struct {
	mu       sync.RWMutex
	name     string
	keyField string
	docs     map[string]Document
	indexes  []Index
	readOnly bool

	// Optional failure injection for worker retry tests. When set, each
	// write calls the hook first and surfaces any returned error.
	WriteHook func(op string, docs []Document) error
	ScanHook  func(afterAnchor string, limit int) error
}

// NewMemoryCollection creates an empty in-memory collection.
func NewMemoryCollection(name, keyField string) *MemoryCollection {
	return &MemoryCollection{
		name:     name,
		keyField: keyField,
		docs:     make(map[string]Document),
	}
}

// SetReadOnly makes subsequent writes fail with ErrReadOnlySource, mimicking
// a warehouse source.
func (c *MemoryCollection) SetReadOnly(ro bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnly = ro
}

// Seed loads documents directly, bypassing read-only checks and hooks.
func (c *MemoryCollection) Seed(docs ...Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range docs {
		pk, err := PrimaryKey(doc, c.keyField)
		if err != nil {
			return err
		}
		c.docs[pk] = cloneDocument(doc)
	}
	return nil
}

// Get returns a copy of the stored document, or nil if absent.
func (c *MemoryCollection) Get(pk string) Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if doc, ok := c.docs[pk]; ok {
		return cloneDocument(doc)
	}
	return nil
}

// Keys returns all primary keys in ascending order.
func (c *MemoryCollection) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedKeysLocked()
}

func (c *MemoryCollection) sortedKeysLocked() []string {
	keys := make([]string, 0, len(c.docs))
	for pk := range c.docs {
		keys = append(keys, pk)
	}
	sort.Strings(keys)
	return keys
}

func (c *MemoryCollection) Name() string { return c.name }

func (c *MemoryCollection) Validate(ctx context.Context) error { return nil }

func (c *MemoryCollection) Count(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.docs)), nil
}

func (c *MemoryCollection) Scan(ctx context.Context, afterAnchor string, limit int) ([]Document, error) {
	if c.ScanHook != nil {
		if err := c.ScanHook(afterAnchor, limit); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Document, 0, limit)
	for _, pk := range c.sortedKeysLocked() {
		if pk <= afterAnchor {
			continue
		}
		out = append(out, cloneDocument(c.docs[pk]))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *MemoryCollection) FetchByIDs(ctx context.Context, ids []string) (map[string]Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Document, len(ids))
	for _, pk := range ids {
		if doc, ok := c.docs[pk]; ok {
			out[pk] = cloneDocument(doc)
		}
	}
	return out, nil
}

func (c *MemoryCollection) Upsert(ctx context.Context, docs []Document) error {
	return c.write("upsert", docs, true)
}

func (c *MemoryCollection) Insert(ctx context.Context, docs []Document) error {
	return c.write("insert", docs, false)
}

func (c *MemoryCollection) write(op string, docs []Document, replace bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readOnly {
		return ErrReadOnlySource
	}
	if c.WriteHook != nil {
		if err := c.WriteHook(op, docs); err != nil {
			return err
		}
	}

	for _, doc := range docs {
		pk, err := PrimaryKey(doc, c.keyField)
		if err != nil {
			return &WriteError{Op: op, Count: len(docs), Err: err}
		}
		// Inserts skip existing keys, matching the SQL adapters' replay
		// behavior on resume.
		if _, exists := c.docs[pk]; exists && !replace {
			continue
		}
		c.docs[pk] = cloneDocument(doc)
	}
	return nil
}

func (c *MemoryCollection) Indexes(ctx context.Context) ([]Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Index, len(c.indexes))
	copy(out, c.indexes)
	return out, nil
}

func (c *MemoryCollection) EnsureIndexes(ctx context.Context, indexes []Index) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readOnly {
		return ErrReadOnlySource
	}
next:
	for _, idx := range indexes {
		for _, have := range c.indexes {
			if have.Name == idx.Name {
				continue next
			}
		}
		c.indexes = append(c.indexes, idx)
	}
	return nil
}

func (c *MemoryCollection) Close() error { return nil }

// cloneDocument deep-copies via JSON so callers never share nested maps with
// the store.
func cloneDocument(doc Document) Document {
	raw, err := json.Marshal(doc)
	if err != nil {
		// Documents are decoded from JSON in the first place, so this
		// only trips on test fixtures holding non-JSON values.
		panic(fmt.Sprintf("clone document: %v", err))
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("clone document: %v", err))
	}
	return out
}

// MemoryCheckpointStore keeps checkpoints in a map. Tests use it to observe
// checkpoint progression without a database.
type MemoryCheckpointStore struct {
	mu    sync.Mutex
	cps   map[string]*Checkpoint
	Saves int
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{cps: make(map[string]*Checkpoint)}
}

func checkpointKey(runID, collection string) string {
	return runID + "/" + collection
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, runID, collection string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[checkpointKey(runID, collection)]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	cpCopy := *cp
	return &cpCopy, nil
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpCopy := *cp
	cpCopy.UpdatedAt = time.Now().UTC()
	s.cps[checkpointKey(cp.RunID, cp.Collection)] = &cpCopy
	s.Saves++
	return nil
}

func (s *MemoryCheckpointStore) Clear(ctx context.Context, runID, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, checkpointKey(runID, collection))
	return nil
}
