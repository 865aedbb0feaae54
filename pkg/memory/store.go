package memory

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// BackendKind discriminates the concrete backend a store talks to.
type BackendKind string

const (
	// BackendOpenSearch stores records in an OpenSearch k-NN index.
	BackendOpenSearch BackendKind = "opensearch"

	// BackendRedis stores records in Redis hashes under a RediSearch index.
	BackendRedis BackendKind = "redis"

	// BackendNeo4j stores records as labeled nodes under a Neo4j vector index.
	BackendNeo4j BackendKind = "neo4j"
)

// Config selects and configures the backend a store is built on. Only the
// section matching Backend is consulted.
type Config struct {
	Backend    BackendKind      `toml:"backend"`
	Index      IndexOptions     `toml:"index"`
	OpenSearch OpenSearchConfig `toml:"opensearch"`
	Redis      RedisConfig      `toml:"redis"`
	Neo4j      Neo4jConfig      `toml:"neo4j"`
}

// Validate applies defaults and checks the selected backend's section.
func (c *Config) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendOpenSearch
	}

	if err := c.Index.Validate(); err != nil {
		return err
	}

	switch c.Backend {
	case BackendOpenSearch:
		return c.OpenSearch.Validate()
	case BackendRedis:
		return c.Redis.Validate()
	case BackendNeo4j:
		return c.Neo4j.Validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedBackend, c.Backend)
	}
}

// Store is the single entry point applications hold. It owns exactly one
// backend and forwards every call to it. Construct with New, which only
// returns once the vector index is provisioned.
type Store struct {
	backend Backend
	index   IndexOptions
	logger  *slog.Logger
	sf      singleflight.Group
}

// New builds the backend selected by cfg.Backend, provisions its vector
// index, and returns a ready-to-use store. An unrecognized kind fails with
// ErrUnsupportedBackend before any connection is attempted.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case BackendOpenSearch:
		backend, err = NewOpenSearchBackend(cfg.OpenSearch, cfg.Index)
	case BackendRedis:
		backend, err = NewRedisBackend(cfg.Redis, cfg.Index)
	case BackendNeo4j:
		backend, err = NewNeo4jBackend(cfg.Neo4j, cfg.Index)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	store := NewWithBackend(backend, cfg.Index)
	if err := store.EnsureIndex(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}

	store.logger.Info("store ready", "backend", string(cfg.Backend))
	return store, nil
}

// NewWithBackend wraps an already constructed backend. The caller is
// responsible for provisioning the index before searching.
func NewWithBackend(backend Backend, index IndexOptions) *Store {
	return &Store{
		backend: backend,
		index:   index,
		logger:  slog.Default().With("module", "memory"),
	}
}

// EnsureIndex provisions the vector index for the bound collection.
// Repeated calls are idempotent; concurrent calls are collapsed into one
// backend round trip.
func (s *Store) EnsureIndex(ctx context.Context) error {
	_, err, _ := s.sf.Do("ensure-index", func() (any, error) {
		return nil, s.backend.EnsureIndex(ctx, s.index)
	})
	return err
}

// CreateCollection provisions the named collection.
func (s *Store) CreateCollection(ctx context.Context, name string) error {
	return s.backend.CreateCollection(ctx, name)
}

// ListCollections returns the names of all collections.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	return s.backend.ListCollections(ctx)
}

// DeleteCollection removes the named collection and everything in it.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	return s.backend.DeleteCollection(ctx, name)
}

// CollectionExists reports whether the named collection exists.
func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	return s.backend.CollectionExists(ctx, name)
}

// UpsertOne writes a record and returns its id.
func (s *Store) UpsertOne(ctx context.Context, record Record) (string, error) {
	return s.backend.UpsertOne(ctx, record)
}

// UpsertMany writes a batch of records and returns their ids in input order.
func (s *Store) UpsertMany(ctx context.Context, records []Record) ([]string, error) {
	return s.backend.UpsertMany(ctx, records)
}

// GetOne returns the record stored under id, or ErrNotFound.
func (s *Store) GetOne(ctx context.Context, id string, includeEmbedding bool) (Record, error) {
	return s.backend.GetOne(ctx, id, includeEmbedding)
}

// GetMany returns the subset of ids that exist.
func (s *Store) GetMany(ctx context.Context, ids []string, includeEmbedding bool) ([]Record, error) {
	return s.backend.GetMany(ctx, ids, includeEmbedding)
}

// DeleteOne removes the record stored under id; absent ids are a no-op.
func (s *Store) DeleteOne(ctx context.Context, id string) error {
	return s.backend.DeleteOne(ctx, id)
}

// DeleteMany removes a batch of ids; absent ids are a no-op.
func (s *Store) DeleteMany(ctx context.Context, ids []string) error {
	return s.backend.DeleteMany(ctx, ids)
}

// NearestMatches returns up to limit records nearest to embedding,
// descending by score, every score >= minScore.
func (s *Store) NearestMatches(ctx context.Context, embedding []float32, limit int, minScore float64, includeEmbedding bool) ([]Match, error) {
	return s.backend.NearestMatches(ctx, embedding, limit, minScore, includeEmbedding)
}

// NearestMatch returns the single nearest record clearing minScore, or nil.
func (s *Store) NearestMatch(ctx context.Context, embedding []float32, minScore float64, includeEmbedding bool) (*Match, error) {
	return s.backend.NearestMatch(ctx, embedding, minScore, includeEmbedding)
}

// Close releases the backend's connection.
func (s *Store) Close() error {
	return s.backend.Close()
}
