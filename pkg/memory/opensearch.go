package memory

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
	"github.com/pkg/errors"
)

// OpenSearchConfig holds OpenSearch connection parameters. Collection is
// the index the backend binds its record operations to.
type OpenSearchConfig struct {
	Addresses   []string `toml:"addresses"`
	Username    string   `toml:"username"`
	Password    string   `toml:"password"`
	Collection  string   `toml:"collection"`
	InsecureSSL bool     `toml:"insecure_ssl"`
}

// Validate checks OpenSearch configuration.
func (c *OpenSearchConfig) Validate() error {
	if len(c.Addresses) == 0 {
		return fmt.Errorf("%w: opensearch addresses are required", ErrInvalidConfiguration)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: opensearch collection is required", ErrInvalidConfiguration)
	}
	return nil
}

// OpenSearchBackend implements Backend against an OpenSearch cluster.
// A collection maps to an index carrying a knn_vector mapping on the
// embedding field.
type OpenSearchBackend struct {
	client     *opensearchapi.Client
	collection string
	index      IndexOptions
	logger     *slog.Logger
}

// NewOpenSearchBackend creates an OpenSearch-backed store bound to
// cfg.Collection.
func NewOpenSearchBackend(cfg OpenSearchConfig, index IndexOptions) (*OpenSearchBackend, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	client, err := opensearchapi.NewClient(opensearchapi.Config{
		Client: opensearch.Config{
			Addresses: cfg.Addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: transport,
		},
	})
	if err != nil {
		return nil, opError(ErrBackendUnavailable, "opensearch", "connect", cfg.Collection, err)
	}

	return &OpenSearchBackend{
		client:     client,
		collection: cfg.Collection,
		index:      index,
		logger:     slog.Default().With("module", "memory.opensearch"),
	}, nil
}

// EnsureIndex provisions the bound collection's knn index. The cluster's
// index catalog is consulted first, so repeated calls are cheap no-ops.
func (b *OpenSearchBackend) EnsureIndex(ctx context.Context, opts IndexOptions) error {
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

// CreateCollection creates the named index with the backend's vector
// mapping. Existing indices are left untouched.
func (b *OpenSearchBackend) CreateCollection(ctx context.Context, name string) error {
	exists, err := b.CollectionExists(ctx, name)
	if err != nil || exists {
		return err
	}

	body, err := json.Marshal(osIndexBody(b.index))
	if err != nil {
		return opError(ErrBackendOperationFailed, "opensearch", "create collection", name, err)
	}

	_, err = b.client.Indices.Create(ctx, opensearchapi.IndicesCreateReq{
		Index: name,
		Body:  bytes.NewReader(body),
	})
	if err != nil {
		return opError(ErrBackendOperationFailed, "opensearch", "create collection", name, err)
	}

	b.logger.Info("vector index provisioned",
		"collection", name,
		"algorithm", string(b.index.Algorithm),
		"dimensions", b.index.Dimensions,
	)
	return nil
}

// ListCollections returns all index names in the cluster.
func (b *OpenSearchBackend) ListCollections(ctx context.Context) ([]string, error) {
	resp, err := b.client.Cat.Indices(ctx, &opensearchapi.CatIndicesReq{})
	if err != nil {
		return nil, opError(ErrBackendOperationFailed, "opensearch", "list collections", "", err)
	}

	names := make([]string, 0, len(resp.Indices))
	for _, idx := range resp.Indices {
		names = append(names, idx.Index)
	}
	return names, nil
}

// DeleteCollection drops the named index. Absent indices are a no-op.
func (b *OpenSearchBackend) DeleteCollection(ctx context.Context, name string) error {
	_, err := b.client.Indices.Delete(ctx, opensearchapi.IndicesDeleteReq{
		Indices: []string{name},
		Params: opensearchapi.IndicesDeleteParams{
			IgnoreUnavailable: opensearchapi.ToPointer(true),
		},
	})
	if err != nil {
		return opError(ErrBackendOperationFailed, "opensearch", "delete collection", name, err)
	}
	return nil
}

// CollectionExists reports whether the named index exists, using a single
// HEAD request rather than listing the cluster's catalog.
func (b *OpenSearchBackend) CollectionExists(ctx context.Context, name string) (bool, error) {
	resp, err := b.client.Indices.Exists(ctx, opensearchapi.IndicesExistsReq{
		Indices: []string{name},
	})

	exists, err := osExistsResult(resp, err)
	if err != nil {
		return false, opError(ErrBackendOperationFailed, "opensearch", "collection exists", name, err)
	}
	return exists, nil
}

// osExistsResult interprets a HEAD exists response. A 404 means the index
// is absent, not a failure; the client surfaces it as an error because the
// status is non-2xx.
func osExistsResult(resp *opensearch.Response, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return false, nil
	}

	var stringErr *opensearch.StringError
	if errors.As(err, &stringErr) && stringErr.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// UpsertOne writes one record, overwriting any document under the same id.
func (b *OpenSearchBackend) UpsertOne(ctx context.Context, record Record) (string, error) {
	ids, err := b.UpsertMany(ctx, []Record{record})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// UpsertMany writes a batch of records with a single bulk request and
// returns their ids in input order.
func (b *OpenSearchBackend) UpsertMany(ctx context.Context, records []Record) ([]string, error) {
	if len(records) == 0 {
		return []string{}, nil
	}

	body, ids, err := osBulkBody(b.collection, records)
	if err != nil {
		return nil, opError(ErrBackendOperationFailed, "opensearch", "upsert", b.collection, err)
	}

	resp, err := b.client.Bulk(ctx, opensearchapi.BulkReq{
		Body:   bytes.NewReader(body),
		Params: opensearchapi.BulkParams{Refresh: "true"},
	})
	if err != nil {
		return nil, opError(ErrBackendOperationFailed, "opensearch", "upsert", b.collection, err)
	}
	if resp.Errors {
		return nil, opError(ErrBackendOperationFailed, "opensearch", "upsert", b.collection,
			errors.New("bulk indexing reported item failures"))
	}

	b.logger.Debug("records upserted", "collection", b.collection, "count", len(ids))
	return ids, nil
}

// GetOne returns the record stored under id, or ErrNotFound.
func (b *OpenSearchBackend) GetOne(ctx context.Context, id string, includeEmbedding bool) (Record, error) {
	records, err := b.GetMany(ctx, []string{id}, includeEmbedding)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, opError(ErrNotFound, "opensearch", "get", b.collection, nil)
	}
	return records[0], nil
}

// GetMany returns the subset of ids that exist. The embedding field is
// projected out of the response when includeEmbedding is false.
func (b *OpenSearchBackend) GetMany(ctx context.Context, ids []string, includeEmbedding bool) ([]Record, error) {
	if len(ids) == 0 {
		return []Record{}, nil
	}

	query := map[string]any{
		"size":  len(ids),
		"query": map[string]any{"ids": map[string]any{"values": ids}},
	}
	if !includeEmbedding {
		query["_source"] = map[string]any{"excludes": []string{"embedding"}}
	}

	hits, err := b.search(ctx, query, "get")
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(hits))
	for _, hit := range hits {
		rec, err := osHitRecord(hit.Source, includeEmbedding)
		if err != nil {
			return nil, opError(ErrBackendOperationFailed, "opensearch", "get", b.collection, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteOne removes the record stored under id; absent ids are a no-op.
func (b *OpenSearchBackend) DeleteOne(ctx context.Context, id string) error {
	return b.DeleteMany(ctx, []string{id})
}

// DeleteMany removes a batch of ids with one delete-by-query call; absent
// ids are a no-op.
func (b *OpenSearchBackend) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"query": map[string]any{"ids": map[string]any{"values": ids}},
	})
	if err != nil {
		return opError(ErrBackendOperationFailed, "opensearch", "delete", b.collection, err)
	}

	_, err = b.client.Document.DeleteByQuery(ctx, opensearchapi.DocumentDeleteByQueryReq{
		Indices: []string{b.collection},
		Body:    bytes.NewReader(body),
		Params: opensearchapi.DocumentDeleteByQueryParams{
			Refresh: opensearchapi.ToPointer(true),
		},
	})
	if err != nil {
		return opError(ErrBackendOperationFailed, "opensearch", "delete", b.collection, err)
	}
	return nil
}

// NearestMatches runs a k-NN query against the embedding field and keeps
// candidates whose native score clears minScore. OpenSearch returns hits
// already descending by score.
func (b *OpenSearchBackend) NearestMatches(ctx context.Context, embedding []float32, limit int, minScore float64, includeEmbedding bool) ([]Match, error) {
	if limit <= 0 {
		return []Match{}, nil
	}

	query := map[string]any{
		"size": limit,
		"query": map[string]any{
			"knn": map[string]any{
				"embedding": map[string]any{"vector": embedding, "k": limit},
			},
		},
	}
	if !includeEmbedding {
		query["_source"] = map[string]any{"excludes": []string{"embedding"}}
	}

	hits, err := b.search(ctx, query, "search")
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		score := float64(hit.Score)
		if score < minScore {
			continue
		}

		rec, err := osHitRecord(hit.Source, includeEmbedding)
		if err != nil {
			return nil, opError(ErrBackendOperationFailed, "opensearch", "search", b.collection, err)
		}
		matches = append(matches, Match{Record: rec, Score: score})
	}
	return matches, nil
}

// NearestMatch returns the single nearest record clearing minScore, or nil.
func (b *OpenSearchBackend) NearestMatch(ctx context.Context, embedding []float32, minScore float64, includeEmbedding bool) (*Match, error) {
	matches, err := b.NearestMatches(ctx, embedding, 1, minScore, includeEmbedding)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// Close releases the backend. The underlying HTTP transport needs no
// explicit shutdown.
func (b *OpenSearchBackend) Close() error {
	return nil
}

func (b *OpenSearchBackend) search(ctx context.Context, query map[string]any, op string) ([]opensearchapi.SearchHit, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, opError(ErrBackendOperationFailed, "opensearch", op, b.collection, err)
	}

	resp, err := b.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{b.collection},
		Body:    bytes.NewReader(body),
	})
	if err != nil {
		return nil, opError(ErrBackendOperationFailed, "opensearch", op, b.collection, err)
	}
	return resp.Hits.Hits, nil
}

// osHitRecord maps a search hit's source back to a record.
func osHitRecord(source json.RawMessage, includeEmbedding bool) (Record, error) {
	var raw map[string]any
	if err := json.Unmarshal(source, &raw); err != nil {
		return Record{}, errors.Wrap(err, "unmarshal hit source")
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return Record{}, err
	}
	return doc.record(includeEmbedding)
}

// osIndexBody builds the index-creation body carrying the knn_vector
// mapping for the configured algorithm family.
func osIndexBody(opts IndexOptions) map[string]any {
	method := map[string]any{
		"name":       "ivf",
		"engine":     "faiss",
		"space_type": osSpaceType(opts.Similarity),
		"parameters": map[string]any{"nlist": opts.Lists},
	}
	if opts.Algorithm == AlgorithmHNSW {
		method["name"] = "hnsw"
		method["parameters"] = map[string]any{"m": opts.Lists}
	}

	return map[string]any{
		"settings": map[string]any{
			"index": map[string]any{"knn": true},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"id": map[string]any{"type": "keyword"},
				"embedding": map[string]any{
					"type":      "knn_vector",
					"dimension": opts.Dimensions,
					"method":    method,
				},
				"metadata":  map[string]any{"type": "keyword", "index": false},
				"timestamp": map[string]any{"type": "date"},
			},
		},
	}
}

// osSpaceType maps the similarity metric to OpenSearch's space_type.
func osSpaceType(s Similarity) string {
	switch s {
	case SimilarityInnerProduct:
		return "innerproduct"
	case SimilarityEuclidean:
		return "l2"
	default:
		return "cosinesimil"
	}
}

// osBulkBody renders the newline-delimited bulk payload and collects ids
// in input order.
func osBulkBody(collection string, records []Record) ([]byte, []string, error) {
	var buf bytes.Buffer
	ids := make([]string, 0, len(records))

	for _, rec := range records {
		doc, err := rec.document()
		if err != nil {
			return nil, nil, err
		}

		action, err := json.Marshal(map[string]any{
			"index": map[string]any{"_index": collection, "_id": rec.ID},
		})
		if err != nil {
			return nil, nil, err
		}
		source, err := json.Marshal(doc)
		if err != nil {
			return nil, nil, err
		}

		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(source)
		buf.WriteByte('\n')
		ids = append(ids, rec.ID)
	}

	return buf.Bytes(), ids, nil
}
