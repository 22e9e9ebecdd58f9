package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"maskpipe/pkg/store"
)

func TestPrimaryKey(t *testing.T) {
	pk, err := store.PrimaryKey(store.Document{"_id": "a-1"}, "_id")
	require.NoError(t, err)
	require.Equal(t, "a-1", pk)

	_, err = store.PrimaryKey(store.Document{"other": "x"}, "_id")
	require.Error(t, err)

	_, err = store.PrimaryKey(store.Document{"_id": 42}, "_id")
	require.Error(t, err)

	_, err = store.PrimaryKey(store.Document{"_id": ""}, "_id")
	require.Error(t, err)
}

func TestMemoryCollection_InsertSkipsExistingKeys(t *testing.T) {
	ctx := context.Background()
	c := store.NewMemoryCollection("patients", "_id")
	require.NoError(t, c.Insert(ctx, []store.Document{
		{"_id": "p-1", "Name": "first write"},
	}))

	// Replaying the same batch after a crash-resume must not clobber the
	// committed document.
	require.NoError(t, c.Insert(ctx, []store.Document{
		{"_id": "p-1", "Name": "replayed write"},
		{"_id": "p-2", "Name": "new"},
	}))

	require.Equal(t, "first write", c.Get("p-1")["Name"])
	require.Equal(t, "new", c.Get("p-2")["Name"])
}

func TestMemoryCollection_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	c := store.NewMemoryCollection("patients", "_id")
	require.NoError(t, c.Upsert(ctx, []store.Document{{"_id": "p-1", "Name": "v1"}}))
	require.NoError(t, c.Upsert(ctx, []store.Document{{"_id": "p-1", "Name": "v2"}}))
	require.Equal(t, "v2", c.Get("p-1")["Name"])
}

func TestMemoryCollection_ReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	c := store.NewMemoryCollection("patients", "_id")
	c.SetReadOnly(true)

	err := c.Insert(ctx, []store.Document{{"_id": "p-1"}})
	require.ErrorIs(t, err, store.ErrReadOnlySource)
	err = c.Upsert(ctx, []store.Document{{"_id": "p-1"}})
	require.ErrorIs(t, err, store.ErrReadOnlySource)
}

func TestMemoryCollection_GetReturnsCopy(t *testing.T) {
	c := store.NewMemoryCollection("patients", "_id")
	require.NoError(t, c.Seed(store.Document{"_id": "p-1", "Nested": map[string]interface{}{"City": "Oslo"}}))

	doc := c.Get("p-1")
	doc["Nested"].(map[string]interface{})["City"] = "mutated"

	require.Equal(t, "Oslo", c.Get("p-1")["Nested"].(map[string]interface{})["City"])
}

func TestMemoryCheckpointStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryCheckpointStore()

	_, err := s.Load(ctx, "run-1", "patients")
	require.ErrorIs(t, err, store.ErrCheckpointNotFound)

	cp := &store.Checkpoint{
		RunID:      "run-1",
		Collection: "patients",
		LastAnchor: "p-0099",
		Processed:  100,
		Status:     store.StatusRunning,
	}
	require.NoError(t, s.Save(ctx, cp))

	loaded, err := s.Load(ctx, "run-1", "patients")
	require.NoError(t, err)
	require.Equal(t, "p-0099", loaded.LastAnchor)
	require.Equal(t, int64(100), loaded.Processed)
	require.False(t, loaded.UpdatedAt.IsZero())

	// Save replaces the whole record.
	cp.LastAnchor = "p-0199"
	cp.Processed = 200
	cp.Status = store.StatusPaused
	require.NoError(t, s.Save(ctx, cp))
	loaded, err = s.Load(ctx, "run-1", "patients")
	require.NoError(t, err)
	require.Equal(t, "p-0199", loaded.LastAnchor)
	require.Equal(t, store.StatusPaused, loaded.Status)

	require.NoError(t, s.Clear(ctx, "run-1", "patients"))
	_, err = s.Load(ctx, "run-1", "patients")
	require.ErrorIs(t, err, store.ErrCheckpointNotFound)
}

func TestErrorTypes(t *testing.T) {
	cause := errors.New("socket closed")
	var err error = &store.ConnError{Op: "scan", Err: cause}
	require.True(t, store.IsConnError(err))
	require.ErrorIs(t, err, cause)

	err = &store.WriteError{Op: "insert", Count: 10, Err: cause}
	require.False(t, store.IsConnError(err))
	var we *store.WriteError
	require.True(t, errors.As(err, &we))
	require.Equal(t, 10, we.Count)
}
