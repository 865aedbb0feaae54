package memory

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorEncoding(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		vec := []float32{0.1, -2.5, 3.75, 0}

		got := decodeVector(string(encodeVector(vec)))
		assert.Equal(t, vec, got)
	})

	t.Run("layout is little-endian float32", func(t *testing.T) {
		blob := encodeVector([]float32{1})

		// 1.0 is 0x3f800000
		assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, blob)
	})

	t.Run("empty and truncated blobs decode to empty non-nil", func(t *testing.T) {
		assert.NotNil(t, decodeVector(""))
		assert.Len(t, decodeVector(""), 0)
		assert.Len(t, decodeVector("ab"), 0)
	})
}

func TestRedisDistanceMetric(t *testing.T) {
	assert.Equal(t, "COSINE", redisDistanceMetric(SimilarityCosine))
	assert.Equal(t, "IP", redisDistanceMetric(SimilarityInnerProduct))
	assert.Equal(t, "L2", redisDistanceMetric(SimilarityEuclidean))
}

func TestRelevanceFromDistance(t *testing.T) {
	t.Run("cosine and inner product invert around one", func(t *testing.T) {
		assert.InDelta(t, 0.9, relevanceFromDistance(SimilarityCosine, 0.1), 1e-9)
		assert.InDelta(t, 0.25, relevanceFromDistance(SimilarityInnerProduct, 0.75), 1e-9)
	})

	t.Run("euclidean negates so higher stays more similar", func(t *testing.T) {
		assert.Equal(t, -2.0, relevanceFromDistance(SimilarityEuclidean, 2.0))
		assert.Greater(t,
			relevanceFromDistance(SimilarityEuclidean, 0.5),
			relevanceFromDistance(SimilarityEuclidean, 2.0),
		)
	})
}

func TestRedisFieldsRecord(t *testing.T) {
	b := &RedisBackend{collection: "memories"}

	t.Run("full document", func(t *testing.T) {
		fields := map[string]string{
			"id":        "rec-1",
			"metadata":  `{"text":"hello","description":"d","additional_metadata":"m"}`,
			"timestamp": "2026-03-14T09:26:53Z",
			"embedding": string(encodeVector([]float32{0.5, 1.5})),
		}

		rec, err := b.fieldsRecord(fields, true)
		require.NoError(t, err)
		assert.Equal(t, "rec-1", rec.ID)
		assert.Equal(t, "hello", rec.Text)
		assert.Equal(t, []float32{0.5, 1.5}, rec.Embedding)
		require.NotNil(t, rec.Timestamp)
		assert.Equal(t, time.March, rec.Timestamp.Month())
	})

	t.Run("without embedding", func(t *testing.T) {
		fields := map[string]string{"id": "rec-2", "metadata": `{"text":"t"}`}

		rec, err := b.fieldsRecord(fields, false)
		require.NoError(t, err)
		assert.NotNil(t, rec.Embedding)
		assert.Len(t, rec.Embedding, 0)
		assert.Nil(t, rec.Timestamp)
	})

	t.Run("bad timestamp surfaces an error", func(t *testing.T) {
		fields := map[string]string{"id": "rec-3", "timestamp": "last tuesday"}

		_, err := b.fieldsRecord(fields, false)
		assert.Error(t, err)
	})
}

func TestRedisKeyPrefix(t *testing.T) {
	b := &RedisBackend{collection: "memories"}
	assert.Equal(t, "memories:rec-1", b.key("rec-1"))
}

func TestRedisUpsertStaging(t *testing.T) {
	t.Run("hash fields", func(t *testing.T) {
		now := testTimestamp()
		doc, err := (Record{ID: "rec-1", Text: "hello", Timestamp: &now}).document()
		require.NoError(t, err)

		fields := upsertFields(doc, []float32{1})
		assert.Equal(t, "rec-1", fields["id"])
		assert.Equal(t, encodeVector([]float32{1}), fields["embedding"])
		assert.Equal(t, now.Format(time.RFC3339Nano), fields["timestamp"])

		doc, err = (Record{ID: "rec-2"}).document()
		require.NoError(t, err)
		assert.NotContains(t, upsertFields(doc, nil), "timestamp")
	})

	t.Run("delete and rewrite queue on one transaction", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
		defer client.Close()

		b := &RedisBackend{client: client, collection: "memories"}
		pipe := client.TxPipeline()
		defer pipe.Discard()

		require.NoError(t, b.stageUpsert(context.Background(), pipe, Record{ID: "rec-1"}))
		require.NoError(t, b.stageUpsert(context.Background(), pipe, Record{ID: "rec-2"}))
		assert.Equal(t, 4, pipe.Len())
	})
}
