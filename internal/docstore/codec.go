package docstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// normalize converts any JSON-serializable value into a Document made of
// plain JSON types, so that backends compare and merge values uniformly.
func normalize(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode document")
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode document")
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

func decodeInto(doc Document, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to encode document")
	}
	return errors.Wrap(json.Unmarshal(data, out), "failed to decode document")
}

func merge(dst, src Document) Document {
	out := make(Document, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// documentKey derives the storage key of a filter. A filter on _id alone maps
// to the id itself so that FindOne and UpdateByID address the same record.
func documentKey(filter Document) (string, error) {
	if len(filter) == 0 {
		return "", errors.New("upsert filter must not be empty")
	}
	if id, ok := filter[IDField]; ok && len(filter) == 1 {
		return fmt.Sprint(id), nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(filter[k])
		if err != nil {
			return "", errors.Wrapf(err, "failed to encode filter field %q", k)
		}
		parts = append(parts, k+"="+string(v))
	}
	return strings.Join(parts, "&"), nil
}
