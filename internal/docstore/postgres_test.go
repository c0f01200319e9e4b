package docstore

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func TestPostgresInsertAndFind(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ingest.documents (collection, doc_key, doc)")).
		WithArgs("ga_jobs", "j1", `{"_id":"j1","status":"queued"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.InsertOne(ctx, "ga_jobs", map[string]any{"_id": "j1", "status": "queued"}))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT doc FROM ingest.documents")).
		WithArgs("ga_jobs", "j1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(`{"_id":"j1","status":"queued"}`)))
	var doc Document
	require.NoError(t, p.FindOne(ctx, "ga_jobs", "j1", &doc))
	assert.Equal(t, "queued", doc["status"])

	mock.ExpectQuery(regexp.QuoteMeta("SELECT doc FROM ingest.documents")).
		WithArgs("ga_jobs", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))
	assert.ErrorIs(t, p.FindOne(ctx, "ga_jobs", "missing", &doc), ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateByID(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ingest.documents")).
		WithArgs("ga_jobs", "j1", `{"status":"failed"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.UpdateByID(ctx, "ga_jobs", "j1", Document{"status": "failed"}))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ingest.documents")).
		WithArgs("ga_jobs", "nope", `{"status":"failed"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, p.UpdateByID(ctx, "ga_jobs", "nope", Document{"status": "failed"}), ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBulkWrite(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	upsert := regexp.QuoteMeta("ON CONFLICT (collection, doc_key) DO UPDATE")
	mock.ExpectQuery(upsert).
		WithArgs("combined_dimensions", `id="a"`, `{"id":"a","sessions":1}`).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery(upsert).
		WithArgs("combined_dimensions", `id="b"`, `{"id":"b","sessions":2}`).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectQuery(upsert).
		WithArgs("combined_dimensions", `id="c"`, `{"id":"c","sessions":3}`).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}))

	res, err := p.BulkWrite(ctx, "combined_dimensions", []WriteModel{
		{Filter: Document{"id": "a"}, Doc: Document{"id": "a", "sessions": 1}, Mode: UpsertSet},
		{Filter: Document{"id": "b"}, Doc: Document{"id": "b", "sessions": 2}, Mode: UpsertSet},
		{Filter: Document{"id": "c"}, Doc: Document{"id": "c", "sessions": 3}, Mode: UpsertSet},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Upserted: 1, Modified: 1, Matched: 2}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBulkWriteSetOnInsertContinuesPastFailure(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	insert := regexp.QuoteMeta("ON CONFLICT (collection, doc_key) DO NOTHING")
	mock.ExpectExec(insert).
		WithArgs("ga_country", "r1", `{"_id":"r1","country":"US"}`).
		WillReturnError(assert.AnError)
	mock.ExpectExec(insert).
		WithArgs("ga_country", "r2", `{"_id":"r2","country":"DE"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).
		WithArgs("ga_country", "r3", `{"_id":"r3","country":"FR"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	res, err := p.BulkWrite(ctx, "ga_country", []WriteModel{
		{Filter: Document{IDField: "r1"}, Doc: Document{IDField: "r1", "country": "US"}, Mode: UpsertSetOnInsert},
		{Filter: Document{IDField: "r2"}, Doc: Document{IDField: "r2", "country": "DE"}, Mode: UpsertSetOnInsert},
		{Filter: Document{IDField: "r3"}, Doc: Document{IDField: "r3", "country": "FR"}, Mode: UpsertSetOnInsert},
	}, false)

	var bwe *BulkWriteError
	require.ErrorAs(t, err, &bwe)
	assert.Equal(t, BulkResult{Upserted: 1, Matched: 1}, res)
	assert.Equal(t, res, bwe.Result)
	require.Len(t, bwe.Failures, 1)
	assert.Equal(t, 0, bwe.Failures[0].Index)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureIndex(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "documents_combined_dimensions_date_idx" ON ingest.documents ((doc->>'date')) WHERE collection = 'combined_dimensions'`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.EnsureIndex(context.Background(), "combined_dimensions", "date"))
	require.NoError(t, mock.ExpectationsWereMet())
}
