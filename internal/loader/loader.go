package loader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/ga4-ingest/internal/docstore"
	"github.com/stanstork/ga4-ingest/internal/models"
)

// Schema tells the loader how each collection is keyed and indexed.
// *modes.Catalog implements it.
type Schema interface {
	UniqueKeysFor(collection string) []string
	IndexesFor(collection string) []string
}

// Result counts new and changed documents of one Persist call.
type Result struct {
	Inserted int `json:"inserted"`
	Modified int `json:"modified"`
}

func (r Result) Add(o Result) Result {
	return Result{Inserted: r.Inserted + o.Inserted, Modified: r.Modified + o.Modified}
}

// Loader upserts normalized rows. Collections with configured unique keys are
// upserted on those keys; rows for other collections are insert-only under a
// generated _id, so re-running a load never duplicates a stored row.
// Configured indexes are created once per collection before its first write.
type Loader struct {
	store  docstore.Store
	schema Schema
	logger zerolog.Logger
	now        func() time.Time
	newID      func() string

	mu      sync.Mutex
	indexed map[string]bool
}

func New(store docstore.Store, schema Schema, logger zerolog.Logger) *Loader {
	return &Loader{
		store:   store,
		schema:  schema,
		logger:  logger.With().Str("component", "loader").Logger(),
		now:     time.Now,
		newID:   uuid.NewString,
		indexed: make(map[string]bool),
	}
}

func (l *Loader) Persist(ctx context.Context, collection string, rows []models.Row) (Result, error) {
	if len(rows) == 0 {
		return Result{}, nil
	}

	if err := l.ensureIndexes(ctx, collection); err != nil {
		// index creation is an optimization; writes go ahead without it
		l.logger.Warn().Err(err).Str("collection", collection).Msg("Failed to ensure index")
	}

	keys := l.schema.UniqueKeysFor(collection)
	stamp := l.now().UTC().Format(time.RFC3339Nano)
	writes := make([]docstore.WriteModel, 0, len(rows))
	for _, row := range rows {
		doc := docstore.Document(row.Clone())
		doc["updated_at"] = stamp

		if len(keys) > 0 && row.HasAll(keys) {
			filter := make(docstore.Document, len(keys))
			for _, k := range keys {
				filter[k] = row[k]
			}
			writes = append(writes, docstore.WriteModel{Filter: filter, Doc: doc, Mode: docstore.UpsertSet})
			continue
		}

		id, ok := doc[docstore.IDField]
		if !ok || id == nil || id == "" {
			id = l.newID()
			doc[docstore.IDField] = id
		}
		writes = append(writes, docstore.WriteModel{
			Filter: docstore.Document{docstore.IDField: id},
			Doc:    doc,
			Mode:   docstore.UpsertSetOnInsert,
		})
	}

	res, err := l.store.BulkWrite(ctx, collection, writes, false)
	out := Result{Inserted: res.Upserted, Modified: res.Modified}
	if err != nil {
		return out, errors.Wrapf(err, "failed to persist %d rows to %s", len(rows), collection)
	}

	l.logger.Debug().
		Str("collection", collection).
		Int("rows", len(rows)).
		Int("inserted", out.Inserted).
		Int("modified", out.Modified).
		Msg("Rows persisted")
	return out, nil
}

func (l *Loader) ensureIndexes(ctx context.Context, collection string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexed[collection] {
		return nil
	}
	for _, field := range l.schema.IndexesFor(collection) {
		if err := l.store.EnsureIndex(ctx, collection, field); err != nil {
			return err
		}
	}
	l.indexed[collection] = true
	return nil
}
