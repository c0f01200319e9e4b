package docstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongo(ctx context.Context, uri, database string, timeout time.Duration) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "failed to ping MongoDB")
	}
	return &Mongo{client: client, db: client.Database(database)}, nil
}

func (m *Mongo) InsertOne(ctx context.Context, collection string, doc any) error {
	_, err := m.db.Collection(collection).InsertOne(ctx, doc)
	return errors.Wrapf(err, "failed to insert into %s", collection)
}

func (m *Mongo) FindOne(ctx context.Context, collection, id string, out any) error {
	err := m.db.Collection(collection).FindOne(ctx, bson.M{IDField: id}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return errors.Wrapf(err, "failed to load %s/%s", collection, id)
}

func (m *Mongo) UpdateByID(ctx context.Context, collection, id string, set Document) error {
	res, err := m.db.Collection(collection).UpdateOne(ctx, bson.M{IDField: id}, bson.M{"$set": bson.M(set)})
	if err != nil {
		return errors.Wrapf(err, "failed to update %s/%s", collection, id)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) BulkWrite(ctx context.Context, collection string, models []WriteModel, ordered bool) (BulkResult, error) {
	if len(models) == 0 {
		return BulkResult{}, nil
	}
	writes, err := mongoWriteModels(models)
	if err != nil {
		return BulkResult{}, err
	}

	res, err := m.db.Collection(collection).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(ordered))
	var out BulkResult
	if res != nil {
		out = BulkResult{
			Upserted: int(res.UpsertedCount),
			Modified: int(res.ModifiedCount),
			Matched:  int(res.MatchedCount),
		}
	}
	if err == nil {
		return out, nil
	}

	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
		failures := make([]WriteFailure, 0, len(bwe.WriteErrors))
		for _, we := range bwe.WriteErrors {
			failures = append(failures, WriteFailure{Index: we.Index, Message: we.Message})
		}
		return out, &BulkWriteError{Result: out, Failures: failures}
	}
	return out, errors.Wrapf(err, "bulk write to %s failed", collection)
}

func mongoWriteModels(models []WriteModel) ([]mongo.WriteModel, error) {
	writes := make([]mongo.WriteModel, 0, len(models))
	for _, model := range models {
		var op string
		switch model.Mode {
		case UpsertSet:
			op = "$set"
		case UpsertSetOnInsert:
			op = "$setOnInsert"
		default:
			return nil, errors.Errorf("unsupported write mode %s", model.Mode)
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M(model.Filter)).
			SetUpdate(bson.M{op: bson.M(model.Doc)}).
			SetUpsert(true))
	}
	return writes, nil
}

func (m *Mongo) EnsureIndex(ctx context.Context, collection, field string) error {
	_, err := m.db.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: field, Value: 1}},
	})
	return errors.Wrapf(err, "failed to index %s.%s", collection, field)
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
