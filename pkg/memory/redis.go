package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection parameters. The RediSearch module
// must be loaded on the server. Collection is the search index the backend
// binds its record operations to; Redis has no inverted-file index, so the
// ivf algorithm family maps to a FLAT (exact scan) index there.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	Collection string `toml:"collection"`
}

// Validate checks Redis configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: redis addr is required", ErrInvalidConfiguration)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: redis collection is required", ErrInvalidConfiguration)
	}
	return nil
}

// RedisBackend implements Backend against Redis with RediSearch. A
// collection maps to a search index over hashes keyed "<collection>:<id>".
type RedisBackend struct {
	client     *redis.Client
	collection string
	index      IndexOptions
	logger     *slog.Logger
}

// NewRedisBackend creates a Redis-backed store bound to cfg.Collection.
func NewRedisBackend(cfg RedisConfig, index IndexOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, opError(ErrBackendUnavailable, "redis", "connect", cfg.Collection, err)
	}

	return &RedisBackend{
		client:     client,
		collection: cfg.Collection,
		index:      index,
		logger:     slog.Default().With("module", "memory.redis"),
	}, nil
}

// EnsureIndex provisions the bound collection's search index. The server's
// index list is consulted first, so repeated calls are cheap no-ops.
func (b *RedisBackend) EnsureIndex(ctx context.Context, opts IndexOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	b.index = opts

	exists, err := b.CollectionExists(ctx, b.collection)
	if err != nil {
		return err
	}
	if exists {
		b.logger.Debug("vector index already provisioned", "collection", b.collection)
		return nil
	}

	return b.CreateCollection(ctx, b.collection)
}

// CreateCollection creates the named search index. Existing indexes are
// left untouched.
func (b *RedisBackend) CreateCollection(ctx context.Context, name string) error {
	exists, err := b.CollectionExists(ctx, name)
	if err != nil || exists {
		return err
	}

	vectorArgs := &redis.FTVectorArgs{}
	metric := redisDistanceMetric(b.index.Similarity)
	if b.index.Algorithm == AlgorithmHNSW {
		vectorArgs.HNSWOptions = &redis.FTHNSWOptions{
			Type:            "FLOAT32",
			Dim:             b.index.Dimensions,
			DistanceMetric:  metric,
			MaxEdgesPerNode: b.index.Lists,
		}
	} else {
		vectorArgs.FlatOptions = &redis.FTFlatOptions{
			Type:           "FLOAT32",
			Dim:            b.index.Dimensions,
			DistanceMetric: metric,
		}
	}

	err = b.client.FTCreate(ctx, name,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{name + ":"},
		},
		&redis.FieldSchema{
			FieldName:  "embedding",
			FieldType:  redis.SearchFieldTypeVector,
			VectorArgs: vectorArgs,
		},
	).Err()
	if err != nil {
		return opError(ErrBackendOperationFailed, "redis", "create collection", name, err)
	}

	b.logger.Info("vector index provisioned",
		"collection", name,
		"algorithm", string(b.index.Algorithm),
		"dimensions", b.index.Dimensions,
	)
	return nil
}

// ListCollections returns all search index names on the server.
func (b *RedisBackend) ListCollections(ctx context.Context) ([]string, error) {
	names, err := b.client.FT_List(ctx).Result()
	if err != nil {
		return nil, opError(ErrBackendOperationFailed, "redis", "list collections", "", err)
	}
	return names, nil
}

// DeleteCollection drops the named search index together with its
// documents.
func (b *RedisBackend) DeleteCollection(ctx context.Context, name string) error {
	err := b.client.FTDropIndexWithArgs(ctx, name, &redis.FTDropIndexOptions{DeleteDocs: true}).Err()
	if err != nil {
		return opError(ErrBackendOperationFailed, "redis", "delete collection", name, err)
	}
	return nil
}

// CollectionExists reports whether the named search index exists.
func (b *RedisBackend) CollectionExists(ctx context.Context, name string) (bool, error) {
	names, err := b.ListCollections(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, name), nil
}

// UpsertOne writes one record, overwriting any document under the same id.
func (b *RedisBackend) UpsertOne(ctx context.Context, record Record) (string, error) {
	ids, err := b.UpsertMany(ctx, []Record{record})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// UpsertMany writes a batch of records in one MULTI/EXEC round trip and
// returns their ids in input order. Each document is fully replaced so no
// stale fields survive a re-upsert; the transaction keeps a concurrent
// reader from observing a key between its delete and its rewrite.
func (b *RedisBackend) UpsertMany(ctx context.Context, records []Record) ([]string, error) {
	if len(records) == 0 {
		return []string{}, nil
	}

	pipe := b.client.TxPipeline()
	ids := make([]string, 0, len(records))

	for _, rec := range records {
		if err := b.stageUpsert(ctx, pipe, rec); err != nil {
			return nil, opError(ErrBackendOperationFailed, "redis", "upsert", b.collection, err)
		}
		ids = append(ids, rec.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, opError(ErrBackendOperationFailed, "redis", "upsert", b.collection, err)
	}

	b.logger.Debug("records upserted", "collection", b.collection, "count", len(ids))
	return ids, nil
}

// stageUpsert queues the delete-and-rewrite of one record onto pipe.
func (b *RedisBackend) stageUpsert(ctx context.Context, pipe redis.Pipeliner, rec Record) error {
	doc, err := rec.document()
	if err != nil {
		return err
	}

	key := b.key(rec.ID)
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, upsertFields(doc, rec.Embedding))
	return nil
}

// upsertFields renders the hash fields stored for one document.
func upsertFields(doc document, embedding []float32) map[string]interface{} {
	fields := map[string]interface{}{
		"id":        doc.ID,
		"metadata":  doc.Metadata,
		"embedding": encodeVector(embedding),
	}
	if doc.Timestamp != nil {
		fields["timestamp"] = doc.Timestamp.Format(time.RFC3339Nano)
	}
	return fields
}

// GetOne returns the record stored under id, or ErrNotFound.
func (b *RedisBackend) GetOne(ctx context.Context, id string, includeEmbedding bool) (Record, error) {
	records, err := b.GetMany(ctx, []string{id}, includeEmbedding)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, opError(ErrNotFound, "redis", "get", b.collection, nil)
	}
	return records[0], nil
}

// GetMany returns the subset of ids that exist, fetched in one pipelined
// round trip. The embedding field is not transferred when includeEmbedding
// is false.
func (b *RedisBackend) GetMany(ctx context.Context, ids []string, includeEmbedding bool) ([]Record, error) {
	if len(ids) == 0 {
		return []Record{}, nil
	}

	pipe := b.client.Pipeline()

	if includeEmbedding {
		cmds := make([]*redis.MapStringStringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, b.key(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, opError(ErrBackendOperationFailed, "redis", "get", b.collection, err)
		}

		records := make([]Record, 0, len(ids))
		for _, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				continue
			}
			rec, err := b.fieldsRecord(fields, true)
			if err != nil {
				return nil, opError(ErrBackendOperationFailed, "redis", "get", b.collection, err)
			}
			records = append(records, rec)
		}
		return records, nil
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, b.key(id), "id", "metadata", "timestamp")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, opError(ErrBackendOperationFailed, "redis", "get", b.collection, err)
	}

	records := make([]Record, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 3 || vals[0] == nil {
			continue
		}

		fields := map[string]string{"id": vals[0].(string)}
		if s, ok := vals[1].(string); ok {
			fields["metadata"] = s
		}
		if s, ok := vals[2].(string); ok {
			fields["timestamp"] = s
		}

		rec, err := b.fieldsRecord(fields, false)
		if err != nil {
			return nil, opError(ErrBackendOperationFailed, "redis", "get", b.collection, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteOne removes the record stored under id; absent ids are a no-op.
func (b *RedisBackend) DeleteOne(ctx context.Context, id string) error {
	return b.DeleteMany(ctx, []string{id})
}

// DeleteMany removes a batch of ids; absent ids are a no-op.
func (b *RedisBackend) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.key(id)
	}

	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return opError(ErrBackendOperationFailed, "redis", "delete", b.collection, err)
	}
	return nil
}

// NearestMatches runs a KNN query against the embedding field. RediSearch
// reports distances, so they are converted to the exposed higher-is-better
// convention before the minScore cutoff is applied.
func (b *RedisBackend) NearestMatches(ctx context.Context, embedding []float32, limit int, minScore float64, includeEmbedding bool) ([]Match, error) {
	if limit <= 0 {
		return []Match{}, nil
	}

	query := fmt.Sprintf("*=>[KNN %d @embedding $vec AS distance]", limit)
	res, err := b.client.FTSearchWithArgs(ctx, b.collection, query, &redis.FTSearchOptions{
		DialectVersion: 2,
		SortBy:         []redis.FTSearchSortBy{{FieldName: "distance", Asc: true}},
		LimitOffset:    0,
		Limit:          limit,
		Params:         map[string]interface{}{"vec": encodeVector(embedding)},
	}).Result()
	if err != nil {
		return nil, opError(ErrBackendOperationFailed, "redis", "search", b.collection, err)
	}

	matches := make([]Match, 0, len(res.Docs))
	for _, doc := range res.Docs {
		distance, err := strconv.ParseFloat(doc.Fields["distance"], 64)
		if err != nil {
			return nil, opError(ErrBackendOperationFailed, "redis", "search", b.collection, err)
		}

		score := relevanceFromDistance(b.index.Similarity, distance)
		if score < minScore {
			continue
		}

		rec, err := b.fieldsRecord(doc.Fields, includeEmbedding)
		if err != nil {
			return nil, opError(ErrBackendOperationFailed, "redis", "search", b.collection, err)
		}
		matches = append(matches, Match{Record: rec, Score: score})
	}
	return matches, nil
}

// NearestMatch returns the single nearest record clearing minScore, or nil.
func (b *RedisBackend) NearestMatch(ctx context.Context, embedding []float32, minScore float64, includeEmbedding bool) (*Match, error) {
	matches, err := b.NearestMatches(ctx, embedding, 1, minScore, includeEmbedding)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) key(id string) string {
	return b.collection + ":" + id
}

// fieldsRecord maps hash fields back to a record.
func (b *RedisBackend) fieldsRecord(fields map[string]string, includeEmbedding bool) (Record, error) {
	doc := document{
		ID:       fields["id"],
		Metadata: fields["metadata"],
	}
	if ts := fields["timestamp"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Record{}, fmt.Errorf("parse timestamp for record %q: %w", doc.ID, err)
		}
		doc.Timestamp = &t
	}

	rec, err := doc.record(false)
	if err != nil {
		return Record{}, err
	}
	if includeEmbedding {
		rec.Embedding = decodeVector(fields["embedding"])
	}
	return rec, nil
}

// encodeVector packs a float32 vector into the little-endian byte blob
// RediSearch expects for vector fields.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a stored vector blob. Malformed or absent blobs
// come back empty, never nil.
func decodeVector(raw string) []float32 {
	data := []byte(raw)
	vec := make([]float32, 0, len(data)/4)
	for i := 0; i+4 <= len(data); i += 4 {
		vec = append(vec, math.Float32frombits(binary.LittleEndian.Uint32(data[i:])))
	}
	return vec
}

// redisDistanceMetric maps the similarity metric to RediSearch's
// DISTANCE_METRIC argument.
func redisDistanceMetric(s Similarity) string {
	switch s {
	case SimilarityInnerProduct:
		return "IP"
	case SimilarityEuclidean:
		return "L2"
	default:
		return "COSINE"
	}
}

// relevanceFromDistance converts a reported distance to the exposed
// higher-is-better relevance score: 1-d for cosine and inner product,
// negative distance for Euclidean.
func relevanceFromDistance(s Similarity, distance float64) float64 {
	if s == SimilarityEuclidean {
		return -distance
	}
	return 1 - distance
}
