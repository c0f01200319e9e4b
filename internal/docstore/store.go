// Package docstore is a small document persistence layer with the subset of
// operations ingestion needs: keyed inserts, partial updates and unordered
// bulk upserts.
package docstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// IDField is the primary key of every stored document.
const IDField = "_id"

var ErrNotFound = errors.New("document not found")

// Document is a schemaless record.
type Document map[string]any

type WriteMode int

const (
	// UpsertSet overwrites the given fields of the matching document, or
	// inserts filter+fields when nothing matches.
	UpsertSet WriteMode = iota
	// UpsertSetOnInsert inserts filter+fields when nothing matches and
	// leaves an existing document untouched.
	UpsertSetOnInsert
)

func (m WriteMode) String() string {
	switch m {
	case UpsertSet:
		return "set"
	case UpsertSetOnInsert:
		return "set_on_insert"
	}
	return fmt.Sprintf("WriteMode(%d)", int(m))
}

// WriteModel is a single upsert inside a bulk write.
type WriteModel struct {
	Filter Document
	Doc    Document
	Mode   WriteMode
}

// BulkResult counts the effect of a bulk write. Modified only counts
// documents whose content changed.
type BulkResult struct {
	Upserted int `json:"upserted"`
	Modified int `json:"modified"`
	Matched  int `json:"matched"`
}

// WriteFailure describes one rejected model of a bulk write.
type WriteFailure struct {
	Index   int
	Message string
}

// BulkWriteError reports the models that failed. Result still carries the
// counts of the models that were applied.
type BulkWriteError struct {
	Result   BulkResult
	Failures []WriteFailure
}

func (e *BulkWriteError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("#%d: %s", f.Index, f.Message))
	}
	return fmt.Sprintf("bulk write: %d operation(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

// Store is implemented by every backend.
type Store interface {
	// InsertOne stores a new document. doc must serialize with an _id field.
	InsertOne(ctx context.Context, collection string, doc any) error
	// FindOne decodes the document with the given _id into out.
	FindOne(ctx context.Context, collection, id string, out any) error
	// UpdateByID sets the given top-level fields on the document with the given _id.
	UpdateByID(ctx context.Context, collection, id string, set Document) error
	BulkWrite(ctx context.Context, collection string, models []WriteModel, ordered bool) (BulkResult, error)
	// EnsureIndex creates a secondary index on a top-level field if missing.
	EnsureIndex(ctx context.Context, collection, field string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
