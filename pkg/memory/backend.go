package memory

import (
	"context"
	"fmt"
)

// Similarity selects the metric a collection's vector index ranks by.
type Similarity string

const (
	// SimilarityCosine ranks by cosine similarity.
	SimilarityCosine Similarity = "cosine"

	// SimilarityInnerProduct ranks by inner product.
	SimilarityInnerProduct Similarity = "innerproduct"

	// SimilarityEuclidean ranks by negative Euclidean distance.
	SimilarityEuclidean Similarity = "euclidean"
)

// IndexAlgorithm selects the index family the backend builds.
type IndexAlgorithm string

const (
	// AlgorithmIVF is an inverted-file index partitioned into lists.
	AlgorithmIVF IndexAlgorithm = "ivf"

	// AlgorithmHNSW is a hierarchical navigable small world graph index.
	AlgorithmHNSW IndexAlgorithm = "hnsw"
)

// IndexOptions describes the vector index provisioned for a collection.
// All records of a collection share one dimensionality and one index.
type IndexOptions struct {
	// Algorithm is the index family. Defaults to ivf.
	Algorithm IndexAlgorithm `toml:"algorithm"`

	// Lists sizes the index: number of inverted lists for ivf, graph
	// out-degree for hnsw.
	Lists int `toml:"lists"`

	// Similarity is the ranking metric. Defaults to cosine.
	Similarity Similarity `toml:"similarity"`

	// Dimensions is the fixed embedding length of the collection.
	Dimensions int `toml:"dimensions"`
}

// Validate applies defaults and checks index options.
func (o *IndexOptions) Validate() error {
	if o.Algorithm == "" {
		o.Algorithm = AlgorithmIVF
	}
	switch o.Algorithm {
	case AlgorithmIVF, AlgorithmHNSW:
	default:
		return fmt.Errorf("%w: unknown index algorithm %q", ErrInvalidConfiguration, o.Algorithm)
	}

	if o.Similarity == "" {
		o.Similarity = SimilarityCosine
	}
	switch o.Similarity {
	case SimilarityCosine, SimilarityInnerProduct, SimilarityEuclidean:
	default:
		return fmt.Errorf("%w: unknown similarity metric %q", ErrInvalidConfiguration, o.Similarity)
	}

	if o.Lists <= 0 {
		return fmt.Errorf("%w: index lists must be positive", ErrInvalidConfiguration)
	}
	if o.Dimensions <= 0 {
		return fmt.Errorf("%w: index dimensions must be positive", ErrInvalidConfiguration)
	}

	return nil
}

// Backend is the capability set a vector-search-capable document database
// must implement. Record-level operations act on the collection the
// backend was bound to at construction; collection administration takes
// explicit names.
type Backend interface {
	// EnsureIndex idempotently provisions the vector index for the bound
	// collection. Existing index metadata is checked first; a repeated
	// call with the index already present is a cheap no-op. Must run once
	// before the first search; CRUD does not require it.
	EnsureIndex(ctx context.Context, opts IndexOptions) error

	// CreateCollection provisions the named collection, including its
	// vector index. Creating an existing collection is a no-op.
	CreateCollection(ctx context.Context, name string) error

	// ListCollections returns the names of all collections.
	ListCollections(ctx context.Context) ([]string, error)

	// DeleteCollection removes the named collection and everything in it.
	DeleteCollection(ctx context.Context, name string) error

	// CollectionExists reports whether the named collection exists.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// UpsertOne writes a record keyed by its id, overwriting any document
	// already stored under the same id, and returns that id.
	UpsertOne(ctx context.Context, record Record) (string, error)

	// UpsertMany writes a batch of records in one call and returns their
	// ids in input order. The batch is all-or-nothing: any failure fails
	// the whole call with no partial-success reporting.
	UpsertMany(ctx context.Context, records []Record) ([]string, error)

	// GetOne returns the record stored under id, or ErrNotFound.
	GetOne(ctx context.Context, id string, includeEmbedding bool) (Record, error)

	// GetMany returns the subset of ids that exist, in no particular
	// order. Missing ids are not an error.
	GetMany(ctx context.Context, ids []string, includeEmbedding bool) ([]Record, error)

	// DeleteOne removes the record stored under id; absent ids are a no-op.
	DeleteOne(ctx context.Context, id string) error

	// DeleteMany removes a batch of ids; absent ids are a no-op.
	DeleteMany(ctx context.Context, ids []string) error

	// NearestMatches returns up to limit records nearest to embedding,
	// descending by score, every score >= minScore.
	NearestMatches(ctx context.Context, embedding []float32, limit int, minScore float64, includeEmbedding bool) ([]Match, error)

	// NearestMatch returns the single nearest record clearing minScore,
	// or nil when none does.
	NearestMatch(ctx context.Context, embedding []float32, minScore float64, includeEmbedding bool) (*Match, error)

	// Close releases the backend's connection.
	Close() error
}
