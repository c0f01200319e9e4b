package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID        string    `json:"_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func TestMemoryInsertFindUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, m.InsertOne(ctx, "jobs", record{ID: "j1", Status: "queued", CreatedAt: created}))
	assert.Error(t, m.InsertOne(ctx, "jobs", record{ID: "j1"}), "duplicate id")
	assert.Error(t, m.InsertOne(ctx, "jobs", map[string]any{"status": "x"}), "missing id")

	require.NoError(t, m.UpdateByID(ctx, "jobs", "j1", Document{"status": "processed"}))

	var got record
	require.NoError(t, m.FindOne(ctx, "jobs", "j1", &got))
	assert.Equal(t, "processed", got.Status)
	assert.True(t, created.Equal(got.CreatedAt))

	assert.ErrorIs(t, m.FindOne(ctx, "jobs", "nope", &got), ErrNotFound)
	assert.ErrorIs(t, m.UpdateByID(ctx, "jobs", "nope", Document{"status": "x"}), ErrNotFound)
	assert.ErrorIs(t, m.FindOne(ctx, "other", "j1", &got), ErrNotFound)
}

func TestMemoryBulkWriteUpsertSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ids := []string{"gen-1", "gen-2"}
	m.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	models := []WriteModel{
		{Filter: Document{"id": "a"}, Doc: Document{"id": "a", "sessions": 1}, Mode: UpsertSet},
		{Filter: Document{"id": "b"}, Doc: Document{"id": "b", "sessions": 2}, Mode: UpsertSet},
	}
	res, err := m.BulkWrite(ctx, "combined_dimensions", models, false)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Upserted: 2}, res)

	// same content again: matched but unchanged
	res, err = m.BulkWrite(ctx, "combined_dimensions", models[:1], false)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Matched: 1}, res)

	res, err = m.BulkWrite(ctx, "combined_dimensions", []WriteModel{
		{Filter: Document{"id": "a"}, Doc: Document{"id": "a", "sessions": 5}, Mode: UpsertSet},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Matched: 1, Modified: 1}, res)

	docs := m.All("combined_dimensions")
	require.Len(t, docs, 2)
	assert.Equal(t, "gen-1", docs[0][IDField])
	assert.EqualValues(t, 5, docs[0]["sessions"])
}

func TestMemoryBulkWriteSetOnInsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	model := WriteModel{Filter: Document{IDField: "r1"}, Doc: Document{IDField: "r1", "country": "US"}, Mode: UpsertSetOnInsert}
	res, err := m.BulkWrite(ctx, "ga_country", []WriteModel{model}, false)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Upserted: 1}, res)

	model.Doc = Document{IDField: "r1", "country": "DE"}
	res, err = m.BulkWrite(ctx, "ga_country", []WriteModel{model}, false)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Matched: 1}, res)

	var doc Document
	require.NoError(t, m.FindOne(ctx, "ga_country", "r1", &doc))
	assert.Equal(t, "US", doc["country"])
}

func TestMemoryBulkWriteFailures(t *testing.T) {
	ctx := context.Background()
	models := []WriteModel{
		{Filter: Document{}, Doc: Document{"x": 1}},
		{Filter: Document{IDField: "ok"}, Doc: Document{"x": 2}, Mode: UpsertSetOnInsert},
	}

	res, err := NewMemory().BulkWrite(ctx, "c", models, false)
	var bwe *BulkWriteError
	require.ErrorAs(t, err, &bwe)
	assert.Equal(t, 1, res.Upserted, "unordered writes continue past a failure")
	assert.Equal(t, 0, bwe.Failures[0].Index)

	res, err = NewMemory().BulkWrite(ctx, "c", models, true)
	require.Error(t, err)
	assert.Equal(t, 0, res.Upserted, "ordered writes stop at the first failure")
}

func TestMemoryEnsureIndexIsIdempotent(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.EnsureIndex(context.Background(), "c", "date"))
	require.NoError(t, m.EnsureIndex(context.Background(), "c", "date"))
	assert.Equal(t, []string{"date"}, m.Indexes("c"))
}
