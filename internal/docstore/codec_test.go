package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentKey(t *testing.T) {
	key, err := documentKey(Document{IDField: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", key)

	key, err = documentKey(Document{"id": "x", "date": "2024-01-01"})
	require.NoError(t, err)
	assert.Equal(t, `date="2024-01-01"&id="x"`, key)

	_, err = documentKey(nil)
	assert.Error(t, err)
}

func TestBulkWriteErrorMessage(t *testing.T) {
	err := &BulkWriteError{Failures: []WriteFailure{{Index: 2, Message: "boom"}}}
	assert.Equal(t, "bulk write: 1 operation(s) failed: #2: boom", err.Error())
}
