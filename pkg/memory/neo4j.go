package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jConfig holds Neo4j connection parameters. Collection is the node
// label the backend binds its record operations to.
type Neo4jConfig struct {
	URI        string `toml:"uri"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

// Validate checks Neo4j configuration.
func (c *Neo4jConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("%w: neo4j uri is required", ErrInvalidConfiguration)
	}
	if c.Database == "" {
		return fmt.Errorf("%w: neo4j database is required", ErrInvalidConfiguration)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: neo4j collection is required", ErrInvalidConfiguration)
	}
	return nil
}

// Neo4jBackend implements Backend against a Neo4j vector index. A
// collection maps to a node label; records are nodes keyed by id. Neo4j
// only implements cosine and euclidean similarity, so innerproduct is
// rejected at provisioning time. The index algorithm family has no Neo4j
// counterpart and is accepted but not forwarded.
type Neo4jBackend struct {
	driver     neo4j.DriverWithContext
	database   string
	collection string
	index      IndexOptions
	logger     *slog.Logger
}

// NewNeo4jBackend creates a Neo4j-backed store bound to cfg.Collection.
func NewNeo4jBackend(cfg Neo4jConfig, index IndexOptions) (*Neo4jBackend, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, opError(ErrBackendUnavailable, "neo4j", "connect", cfg.Collection, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, opError(ErrBackendUnavailable, "neo4j", "connect", cfg.Collection, err)
	}

	return &Neo4jBackend{
		driver:     driver,
		database:   cfg.Database,
		collection: sanitizeLabel(cfg.Collection),
		index:      index,
		logger:     slog.Default().With("module", "memory.neo4j"),
	}, nil
}

// EnsureIndex provisions the bound collection's vector index. The schema
// catalog is consulted first, so repeated calls are cheap no-ops.
func (b *Neo4jBackend) EnsureIndex(ctx context.Context, opts IndexOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	b.index = opts

	return b.provisionIndex(ctx, b.collection)
}

// CreateCollection provisions the vector index for the named collection.
// Nodes themselves are created lazily on upsert.
func (b *Neo4jBackend) CreateCollection(ctx context.Context, name string) error {
	return b.provisionIndex(ctx, sanitizeLabel(name))
}

func (b *Neo4jBackend) provisionIndex(ctx context.Context, label string) error {
	similarity, err := neo4jSimilarityFunction(b.index.Similarity)
	if err != nil {
		return err
	}

	indexName := neo4jIndexName(label)
	rows, err := b.run(ctx, "SHOW VECTOR INDEXES YIELD name WHERE name = $name RETURN name",
		map[string]any{"name": indexName}, "ensure index")
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		b.logger.Debug("vector index already provisioned", "collection", label)
		return nil
	}

	cypher := fmt.Sprintf(
		"CREATE VECTOR INDEX `%s` IF NOT EXISTS FOR (r:`%s`) ON (r.embedding) "+
			"OPTIONS {indexConfig: {`vector.dimensions`: $dimensions, `vector.similarity_function`: $similarity}}",
		indexName, label)

	if err := b.write(ctx, cypher, map[string]any{
		"dimensions": b.index.Dimensions,
		"similarity": similarity,
	}, "ensure index"); err != nil {
		return err
	}

	b.logger.Info("vector index provisioned", "collection", label, "dimensions", b.index.Dimensions)
	return nil
}

// ListCollections returns all collections: node labels in the database
// plus collections whose vector index is provisioned but not yet written
// to. db.labels() only lists labels attached to existing nodes, so a
// freshly created collection would otherwise be invisible until its first
// upsert.
func (b *Neo4jBackend) ListCollections(ctx context.Context) ([]string, error) {
	labelRows, err := b.run(ctx, "CALL db.labels() YIELD label RETURN label", nil, "list collections")
	if err != nil {
		return nil, err
	}

	indexRows, err := b.run(ctx, "SHOW VECTOR INDEXES YIELD name RETURN name", nil, "list collections")
	if err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(labelRows))
	for _, row := range labelRows {
		if label, ok := row["label"].(string); ok {
			labels = append(labels, label)
		}
	}

	indexNames := make([]string, 0, len(indexRows))
	for _, row := range indexRows {
		if name, ok := row["name"].(string); ok {
			indexNames = append(indexNames, name)
		}
	}

	return mergeCollectionNames(labels, indexNames), nil
}

// DeleteCollection drops the named collection's vector index and deletes
// its nodes.
func (b *Neo4jBackend) DeleteCollection(ctx context.Context, name string) error {
	label := sanitizeLabel(name)

	cypher := fmt.Sprintf("DROP INDEX `%s` IF EXISTS", neo4jIndexName(label))
	if err := b.write(ctx, cypher, nil, "delete collection"); err != nil {
		return err
	}

	cypher = fmt.Sprintf("MATCH (r:`%s`) DETACH DELETE r", label)
	return b.write(ctx, cypher, nil, "delete collection")
}

// CollectionExists reports whether the named collection has nodes or a
// provisioned vector index, so a collection reads as existing right after
// CreateCollection.
func (b *Neo4jBackend) CollectionExists(ctx context.Context, name string) (bool, error) {
	names, err := b.ListCollections(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, sanitizeLabel(name)), nil
}

// UpsertOne writes one record, overwriting any node under the same id.
func (b *Neo4jBackend) UpsertOne(ctx context.Context, record Record) (string, error) {
	ids, err := b.UpsertMany(ctx, []Record{record})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// UpsertMany merges a batch of records in one transaction with a single
// UNWIND statement and returns their ids in input order.
func (b *Neo4jBackend) UpsertMany(ctx context.Context, records []Record) ([]string, error) {
	if len(records) == 0 {
		return []string{}, nil
	}

	rows := make([]map[string]any, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		doc, err := rec.document()
		if err != nil {
			return nil, opError(ErrBackendOperationFailed, "neo4j", "upsert", b.collection, err)
		}

		row := map[string]any{
			"id":        doc.ID,
			"embedding": float64Slice(rec.Embedding),
			"metadata":  doc.Metadata,
			"timestamp": nil,
		}
		if doc.Timestamp != nil {
			row["timestamp"] = doc.Timestamp.Format(time.RFC3339Nano)
		}
		rows = append(rows, row)
		ids = append(ids, rec.ID)
	}

	cypher := fmt.Sprintf(
		"UNWIND $rows AS row MERGE (r:`%s` {id: row.id}) "+
			"SET r.embedding = row.embedding, r.metadata = row.metadata, r.timestamp = row.timestamp",
		b.collection)

	if err := b.write(ctx, cypher, map[string]any{"rows": rows}, "upsert"); err != nil {
		return nil, err
	}

	b.logger.Debug("records upserted", "collection", b.collection, "count", len(ids))
	return ids, nil
}

// GetOne returns the record stored under id, or ErrNotFound.
func (b *Neo4jBackend) GetOne(ctx context.Context, id string, includeEmbedding bool) (Record, error) {
	records, err := b.GetMany(ctx, []string{id}, includeEmbedding)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, opError(ErrNotFound, "neo4j", "get", b.collection, nil)
	}
	return records[0], nil
}

// GetMany returns the subset of ids that exist. The embedding property is
// not returned by the query when includeEmbedding is false.
func (b *Neo4jBackend) GetMany(ctx context.Context, ids []string, includeEmbedding bool) ([]Record, error) {
	if len(ids) == 0 {
		return []Record{}, nil
	}

	projection := "r.id AS id, r.metadata AS metadata, r.timestamp AS timestamp"
	if includeEmbedding {
		projection += ", r.embedding AS embedding"
	}
	cypher := fmt.Sprintf("MATCH (r:`%s`) WHERE r.id IN $ids RETURN %s", b.collection, projection)

	rows, err := b.run(ctx, cypher, map[string]any{"ids": ids}, "get")
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := rowRecord(row, includeEmbedding)
		if err != nil {
			return nil, opError(ErrBackendOperationFailed, "neo4j", "get", b.collection, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteOne removes the record stored under id; absent ids are a no-op.
func (b *Neo4jBackend) DeleteOne(ctx context.Context, id string) error {
	return b.DeleteMany(ctx, []string{id})
}

// DeleteMany removes a batch of ids; absent ids are a no-op.
func (b *Neo4jBackend) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	cypher := fmt.Sprintf("MATCH (r:`%s`) WHERE r.id IN $ids DETACH DELETE r", b.collection)
	return b.write(ctx, cypher, map[string]any{"ids": ids}, "delete")
}

// NearestMatches queries the collection's vector index. Neo4j scores are
// already descending-by-similarity for the configured metric.
func (b *Neo4jBackend) NearestMatches(ctx context.Context, embedding []float32, limit int, minScore float64, includeEmbedding bool) ([]Match, error) {
	if limit <= 0 {
		return []Match{}, nil
	}

	projection := "node.id AS id, node.metadata AS metadata, node.timestamp AS timestamp, score"
	if includeEmbedding {
		projection += ", node.embedding AS embedding"
	}
	cypher := "CALL db.index.vector.queryNodes($index, $k, $embedding) YIELD node, score RETURN " + projection

	rows, err := b.run(ctx, cypher, map[string]any{
		"index":     neo4jIndexName(b.collection),
		"k":         limit,
		"embedding": float64Slice(embedding),
	}, "search")
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		score, ok := row["score"].(float64)
		if !ok || score < minScore {
			continue
		}

		rec, err := rowRecord(row, includeEmbedding)
		if err != nil {
			return nil, opError(ErrBackendOperationFailed, "neo4j", "search", b.collection, err)
		}
		matches = append(matches, Match{Record: rec, Score: score})
	}
	return matches, nil
}

// NearestMatch returns the single nearest record clearing minScore, or nil.
func (b *Neo4jBackend) NearestMatch(ctx context.Context, embedding []float32, minScore float64, includeEmbedding bool) (*Match, error) {
	matches, err := b.NearestMatches(ctx, embedding, 1, minScore, includeEmbedding)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// Close closes the Neo4j driver.
func (b *Neo4jBackend) Close() error {
	return b.driver.Close(context.Background())
}

// run executes a read query and collects rows as maps.
func (b *Neo4jBackend) run(ctx context.Context, cypher string, params map[string]any, op string) ([]map[string]any, error) {
	session := b.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: b.database})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, opError(ErrBackendOperationFailed, "neo4j", op, b.collection, err)
	}

	records, err := result.Collect(ctx)
	if err != nil {
		return nil, opError(ErrBackendOperationFailed, "neo4j", op, b.collection, err)
	}

	rows := make([]map[string]any, 0, len(records))
	for _, record := range records {
		row := make(map[string]any, len(record.Keys))
		for _, key := range record.Keys {
			val, _ := record.Get(key)
			row[key] = val
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// write executes a write query in a managed transaction.
func (b *Neo4jBackend) write(ctx context.Context, cypher string, params map[string]any, op string) error {
	session := b.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: b.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, cypher, params)
		return nil, err
	})
	if err != nil {
		return opError(ErrBackendOperationFailed, "neo4j", op, b.collection, err)
	}
	return nil
}

// rowRecord maps a query row back to a record. Null properties come back
// as nil values and are dropped before decoding.
func rowRecord(row map[string]any, includeEmbedding bool) (Record, error) {
	src := make(map[string]any, len(row))
	for k, v := range row {
		if v == nil || k == "score" {
			continue
		}
		src[k] = v
	}

	doc, err := decodeDocument(src)
	if err != nil {
		return Record{}, err
	}
	return doc.record(includeEmbedding)
}

// neo4jIndexName is the fixed naming convention for a collection's vector
// index.
func neo4jIndexName(label string) string {
	return label + "_embedding"
}

// collectionFromIndexName reverses neo4jIndexName. It reports false for
// index names that do not follow the convention.
func collectionFromIndexName(name string) (string, bool) {
	label, ok := strings.CutSuffix(name, "_embedding")
	if !ok || label == "" {
		return "", false
	}
	return label, true
}

// mergeCollectionNames combines node labels with labels recovered from
// vector index names, keeping each collection once.
func mergeCollectionNames(labels, indexNames []string) []string {
	names := slices.Clone(labels)
	for _, name := range indexNames {
		label, ok := collectionFromIndexName(name)
		if !ok || slices.Contains(names, label) {
			continue
		}
		names = append(names, label)
	}
	return names
}

// neo4jSimilarityFunction maps the similarity metric to Neo4j's
// vector.similarity_function option.
func neo4jSimilarityFunction(s Similarity) (string, error) {
	switch s {
	case SimilarityCosine, "":
		return "cosine", nil
	case SimilarityEuclidean:
		return "euclidean", nil
	default:
		return "", fmt.Errorf("%w: neo4j supports cosine and euclidean similarity only", ErrInvalidConfiguration)
	}
}

// sanitizeLabel strips characters that would escape a quoted Cypher label.
func sanitizeLabel(name string) string {
	return strings.ReplaceAll(name, "`", "")
}

func float64Slice(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}
