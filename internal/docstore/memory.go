package docstore

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type memCollection struct {
	docs  map[string]Document
	order []string
}

// Memory keeps documents in process. It backs tests and ad hoc runs.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	indexes     map[string][]string
	newID       func() string
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]*memCollection),
		indexes:     make(map[string][]string),
		newID:       uuid.NewString,
	}
}

func (m *Memory) collection(name string) *memCollection {
	c, ok := m.collections[name]
	if !ok {
		c = &memCollection{docs: make(map[string]Document)}
		m.collections[name] = c
	}
	return c
}

func (c *memCollection) put(id string, doc Document) {
	if _, ok := c.docs[id]; !ok {
		c.order = append(c.order, id)
	}
	c.docs[id] = doc
}

func (c *memCollection) match(filter Document) (string, bool) {
	for _, id := range c.order {
		doc := c.docs[id]
		hit := true
		for k, v := range filter {
			if !reflect.DeepEqual(doc[k], v) {
				hit = false
				break
			}
		}
		if hit {
			return id, true
		}
	}
	return "", false
}

func (m *Memory) InsertOne(_ context.Context, collection string, doc any) error {
	d, err := normalize(doc)
	if err != nil {
		return err
	}
	id, ok := d[IDField].(string)
	if !ok || id == "" {
		return errors.New("document has no string _id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	if _, exists := c.docs[id]; exists {
		return errors.Errorf("duplicate _id %q in %s", id, collection)
	}
	c.put(id, d)
	return nil
}

func (m *Memory) FindOne(_ context.Context, collection, id string, out any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return ErrNotFound
	}
	doc, ok := c.docs[id]
	if !ok {
		return ErrNotFound
	}
	return decodeInto(doc, out)
}

func (m *Memory) UpdateByID(_ context.Context, collection, id string, set Document) error {
	fields, err := normalize(set)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return ErrNotFound
	}
	doc, ok := c.docs[id]
	if !ok {
		return ErrNotFound
	}
	c.docs[id] = merge(doc, fields)
	return nil
}

func (m *Memory) BulkWrite(_ context.Context, collection string, models []WriteModel, ordered bool) (BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		res      BulkResult
		failures []WriteFailure
	)
	c := m.collection(collection)
	for i, model := range models {
		if err := m.apply(c, model, &res); err != nil {
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

func (m *Memory) apply(c *memCollection, model WriteModel, res *BulkResult) error {
	if len(model.Filter) == 0 {
		return errors.New("upsert filter must not be empty")
	}
	filter, err := normalize(model.Filter)
	if err != nil {
		return err
	}
	doc, err := normalize(model.Doc)
	if err != nil {
		return err
	}

	id, found := c.match(filter)
	if !found {
		created := merge(filter, doc)
		newID, ok := created[IDField].(string)
		if !ok || newID == "" {
			newID = m.newID()
			created[IDField] = newID
		}
		c.put(newID, created)
		res.Upserted++
		return nil
	}

	res.Matched++
	if model.Mode == UpsertSetOnInsert {
		return nil
	}
	existing := c.docs[id]
	updated := merge(existing, doc)
	if !reflect.DeepEqual(existing, updated) {
		c.docs[id] = updated
		res.Modified++
	}
	return nil
}

func (m *Memory) EnsureIndex(_ context.Context, collection, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.indexes[collection] {
		if f == field {
			return nil
		}
	}
	m.indexes[collection] = append(m.indexes[collection], field)
	return nil
}

// Indexes lists the fields indexed on a collection.
func (m *Memory) Indexes(collection string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.indexes[collection]...)
}

// All returns the documents of a collection in insertion order.
func (m *Memory) All(collection string) []Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil
	}
	out := make([]Document, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, merge(nil, c.docs[id]))
	}
	return out
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close(context.Context) error { return nil }
