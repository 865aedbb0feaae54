package memory

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOsExistsResult(t *testing.T) {
	t.Run("success means present", func(t *testing.T) {
		exists, err := osExistsResult(&opensearch.Response{StatusCode: http.StatusOK}, nil)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("missing index is absent, not a failure", func(t *testing.T) {
		resp := &opensearch.Response{StatusCode: http.StatusNotFound}
		exists, err := osExistsResult(resp, errors.New("404 Not Found"))
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("not-found surfaced without a response", func(t *testing.T) {
		cause := &opensearch.StringError{Status: http.StatusNotFound, Err: "404 Not Found"}
		exists, err := osExistsResult(nil, cause)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("other failures propagate", func(t *testing.T) {
		resp := &opensearch.Response{StatusCode: http.StatusInternalServerError}
		cause := errors.New("boom")
		_, err := osExistsResult(resp, cause)
		assert.ErrorIs(t, err, cause)
	})
}

func TestOsSpaceType(t *testing.T) {
	assert.Equal(t, "cosinesimil", osSpaceType(SimilarityCosine))
	assert.Equal(t, "innerproduct", osSpaceType(SimilarityInnerProduct))
	assert.Equal(t, "l2", osSpaceType(SimilarityEuclidean))
	assert.Equal(t, "cosinesimil", osSpaceType(""))
}

func TestOsIndexBody(t *testing.T) {
	t.Run("ivf carries nlist", func(t *testing.T) {
		body := osIndexBody(IndexOptions{Algorithm: AlgorithmIVF, Lists: 100, Similarity: SimilarityCosine, Dimensions: 1536})

		mappings := body["mappings"].(map[string]any)
		embedding := mappings["properties"].(map[string]any)["embedding"].(map[string]any)
		assert.Equal(t, "knn_vector", embedding["type"])
		assert.Equal(t, 1536, embedding["dimension"])

		method := embedding["method"].(map[string]any)
		assert.Equal(t, "ivf", method["name"])
		assert.Equal(t, "faiss", method["engine"])
		assert.Equal(t, "cosinesimil", method["space_type"])
		assert.Equal(t, map[string]any{"nlist": 100}, method["parameters"])

		settings := body["settings"].(map[string]any)["index"].(map[string]any)
		assert.Equal(t, true, settings["knn"])
	})

	t.Run("hnsw carries m", func(t *testing.T) {
		body := osIndexBody(IndexOptions{Algorithm: AlgorithmHNSW, Lists: 16, Similarity: SimilarityEuclidean, Dimensions: 8})

		mappings := body["mappings"].(map[string]any)
		method := mappings["properties"].(map[string]any)["embedding"].(map[string]any)["method"].(map[string]any)
		assert.Equal(t, "hnsw", method["name"])
		assert.Equal(t, "l2", method["space_type"])
		assert.Equal(t, map[string]any{"m": 16}, method["parameters"])
	})
}

func TestOsBulkBody(t *testing.T) {
	now := testTimestamp()
	records := []Record{
		{ID: "a", Embedding: []float32{1, 0}, Text: "first", Timestamp: &now},
		{ID: "b", Embedding: []float32{0, 1}, Text: "second"},
	}

	body, ids, err := osBulkBody("memories", records)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	lines := bytes.Split(bytes.TrimRight(body, "\n"), []byte("\n"))
	require.Len(t, lines, 4)

	var action map[string]map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &action))
	assert.Equal(t, "memories", action["index"]["_index"])
	assert.Equal(t, "a", action["index"]["_id"])

	var source map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &source))
	assert.Equal(t, "a", source["id"])
	assert.NotEmpty(t, source["metadata"])
	assert.NotEmpty(t, source["timestamp"])

	source = nil
	require.NoError(t, json.Unmarshal(lines[3], &source))
	assert.Equal(t, "b", source["id"])
	_, hasTimestamp := source["timestamp"]
	assert.False(t, hasTimestamp)
}

func TestOsHitRecord(t *testing.T) {
	t.Run("maps a hit source back to a record", func(t *testing.T) {
		source := []byte(`{
			"id": "rec-1",
			"embedding": [0.5, 0.25],
			"metadata": "{\"text\":\"hello\",\"description\":\"greeting\",\"additional_metadata\":\"extra\"}",
			"timestamp": "2026-03-14T09:26:53Z"
		}`)

		rec, err := osHitRecord(source, true)
		require.NoError(t, err)
		assert.Equal(t, "rec-1", rec.ID)
		assert.Equal(t, []float32{0.5, 0.25}, rec.Embedding)
		assert.Equal(t, "hello", rec.Text)
		assert.Equal(t, "greeting", rec.Description)
		assert.Equal(t, "extra", rec.AdditionalMetadata)
		require.NotNil(t, rec.Timestamp)
	})

	t.Run("excluded embedding stays empty", func(t *testing.T) {
		source := []byte(`{"id": "rec-2", "metadata": "{\"text\":\"t\"}"}`)

		rec, err := osHitRecord(source, false)
		require.NoError(t, err)
		assert.NotNil(t, rec.Embedding)
		assert.Len(t, rec.Embedding, 0)
	})

	t.Run("malformed source surfaces an error", func(t *testing.T) {
		_, err := osHitRecord([]byte("{oops"), false)
		assert.Error(t, err)
	})
}
