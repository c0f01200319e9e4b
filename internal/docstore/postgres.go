package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// Postgres stores documents as jsonb rows of ingest.documents, keyed by
// (collection, doc_key). The table is created by the goose migrations.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) InsertOne(ctx context.Context, collection string, doc any) error {
	d, err := normalize(doc)
	if err != nil {
		return err
	}
	id, ok := d[IDField].(string)
	if !ok || id == "" {
		return errors.New("document has no string _id")
	}
	body, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "failed to encode document")
	}

	query := `
		INSERT INTO ingest.documents (collection, doc_key, doc)
		VALUES ($1, $2, $3::jsonb)
	`
	if _, err := p.db.ExecContext(ctx, query, collection, id, string(body)); err != nil {
		return errors.Wrapf(err, "failed to insert %s/%s", collection, id)
	}
	return nil
}

func (p *Postgres) FindOne(ctx context.Context, collection, id string, out any) error {
	query := `SELECT doc FROM ingest.documents WHERE collection = $1 AND doc_key = $2`

	var body []byte
	err := p.db.QueryRowContext(ctx, query, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "failed to load %s/%s", collection, id)
	}
	return errors.Wrap(json.Unmarshal(body, out), "failed to decode document")
}

func (p *Postgres) UpdateByID(ctx context.Context, collection, id string, set Document) error {
	body, err := json.Marshal(set)
	if err != nil {
		return errors.Wrap(err, "failed to encode update")
	}

	query := `
		UPDATE ingest.documents
		SET doc = doc || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND doc_key = $2
	`
	res, err := p.db.ExecContext(ctx, query, collection, id, string(body))
	if err != nil {
		return errors.Wrapf(err, "failed to update %s/%s", collection, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// upsertSetQuery only touches the row when the merged document differs, so
// an unchanged match returns no row and is not counted as modified.
const upsertSetQuery = `
	INSERT INTO ingest.documents (collection, doc_key, doc)
	VALUES ($1, $2, $3::jsonb)
	ON CONFLICT (collection, doc_key) DO UPDATE
	SET doc = ingest.documents.doc || EXCLUDED.doc, updated_at = NOW()
	WHERE ingest.documents.doc IS DISTINCT FROM ingest.documents.doc || EXCLUDED.doc
	RETURNING (xmax = 0) AS inserted
`

const insertIfAbsentQuery = `
	INSERT INTO ingest.documents (collection, doc_key, doc)
	VALUES ($1, $2, $3::jsonb)
	ON CONFLICT (collection, doc_key) DO NOTHING
`

func (p *Postgres) BulkWrite(ctx context.Context, collection string, models []WriteModel, ordered bool) (BulkResult, error) {
	var (
		res      BulkResult
		failures []WriteFailure
	)
	for i, model := range models {
		if err := p.apply(ctx, collection, model, &res); err != nil {
			failures = append(failures, WriteFailure{Index: i, Message: err.Error()})
			if ordered {
				break
			}
		}
	}
	if len(failures) > 0 {
		return res, &BulkWriteError{Result: res, Failures: failures}
	}
	return res, nil
}

func (p *Postgres) apply(ctx context.Context, collection string, model WriteModel, res *BulkResult) error {
	key, err := documentKey(model.Filter)
	if err != nil {
		return err
	}
	body, err := json.Marshal(merge(model.Filter, model.Doc))
	if err != nil {
		return errors.Wrap(err, "failed to encode document")
	}

	switch model.Mode {
	case UpsertSet:
		var inserted bool
		err := p.db.QueryRowContext(ctx, upsertSetQuery, collection, key, string(body)).Scan(&inserted)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res.Matched++
		case err != nil:
			return err
		case inserted:
			res.Upserted++
		default:
			res.Matched++
			res.Modified++
		}
	case UpsertSetOnInsert:
		r, err := p.db.ExecContext(ctx, insertIfAbsentQuery, collection, key, string(body))
		if err != nil {
			return err
		}
		n, err := r.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			res.Upserted++
		} else {
			res.Matched++
		}
	default:
		return errors.Errorf("unsupported write mode %s", model.Mode)
	}
	return nil
}

func (p *Postgres) EnsureIndex(ctx context.Context, collection, field string) error {
	name := pq.QuoteIdentifier(fmt.Sprintf("documents_%s_%s_idx", collection, field))
	query := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON ingest.documents ((doc->>%s)) WHERE collection = %s",
		name, pq.QuoteLiteral(field), pq.QuoteLiteral(collection),
	)
	_, err := p.db.ExecContext(ctx, query)
	return errors.Wrapf(err, "failed to index %s.%s", collection, field)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close(context.Context) error {
	return p.db.Close()
}
