// pkg/store/collection.go
package store

import (
	"context"
	"errors"
	"fmt"
)

// Document is one record of a collection: an opaque nested structure keyed by
// an immutable primary key field.
type Document = map[string]interface{}

// PrimaryKey extracts a document's primary key under the given key field.
// All supported backends store the key as a string.
func PrimaryKey(doc Document, keyField string) (string, error) {
	v, ok := doc[keyField]
	if !ok {
		return "", fmt.Errorf("document has no primary key field %q", keyField)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("primary key field %q is not a non-empty string", keyField)
	}
	return s, nil
}

// ErrReadOnlySource is returned by adapters that can only be read from.
var ErrReadOnlySource = errors.New("collection adapter is read-only")

// ConnError marks a failure to reach the backend, as opposed to a failure of
// a specific write. The orchestrator retries these with backoff before giving
// up, while write failures follow the per-batch retry policy.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection failure during %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// WriteError marks a failed bulk write.
type WriteError struct {
	Op    string
	Count int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failure during %s (%d docs): %v", e.Op, e.Count, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsConnError reports whether err is (or wraps) a connection failure.
func IsConnError(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce)
}

// Index describes a secondary structure to rebuild in cross-destination mode.
type Index struct {
	Name   string
	Fields []string
	Unique bool
}

// Collection is the source/sink adapter: cursor iteration ordered by primary
// key plus bulk writes. Scan ordering must be stable so a run can resume from
// a primary-key anchor even if records were deleted concurrently.
type Collection interface {
	// Name returns the collection identifier for logging and checkpoints.
	Name() string

	// Validate verifies connectivity and required structures.
	Validate(ctx context.Context) error

	// Count returns the total number of documents.
	Count(ctx context.Context) (int64, error)

	// Scan returns up to limit documents with primary key strictly greater
	// than afterAnchor, ordered by primary key. An empty afterAnchor starts
	// from the beginning. An empty slice means the cursor is exhausted.
	Scan(ctx context.Context, afterAnchor string, limit int) ([]Document, error)

	// FetchByIDs returns the documents with the given primary keys; missing
	// keys are simply absent from the result.
	FetchByIDs(ctx context.Context, ids []string) (map[string]Document, error)

	// Upsert writes documents keyed by primary key, replacing existing ones.
	// Used for in-situ masking; re-applying an already committed batch must
	// be non-corrupting.
	Upsert(ctx context.Context, docs []Document) error

	// Insert writes documents into an empty destination. Used for
	// cross-destination masking.
	Insert(ctx context.Context, docs []Document) error

	// Indexes lists secondary structures, used by Finalizing in
	// cross-destination mode.
	Indexes(ctx context.Context) ([]Index, error)

	// EnsureIndexes creates the given secondary structures if absent.
	EnsureIndexes(ctx context.Context, indexes []Index) error

	// Close releases backend resources.
	Close() error
}
