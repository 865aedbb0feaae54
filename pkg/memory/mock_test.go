package memory

import (
	"context"
	"math"
	"slices"
	"sort"
	"time"
)

func testTimestamp() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

// memBackend is an in-memory Backend used to test the facade and the port
// contract without a live database. Search ranks by cosine similarity.
type memBackend struct {
	bound       string
	index       IndexOptions
	ensureCalls int
	collections map[string]map[string]Record
}

func newMemBackend(bound string) *memBackend {
	return &memBackend{
		bound:       bound,
		collections: map[string]map[string]Record{},
	}
}

func (m *memBackend) records() map[string]Record {
	if m.collections[m.bound] == nil {
		m.collections[m.bound] = map[string]Record{}
	}
	return m.collections[m.bound]
}

func (m *memBackend) EnsureIndex(_ context.Context, opts IndexOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	m.ensureCalls++
	m.index = opts
	m.records()
	return nil
}

func (m *memBackend) CreateCollection(_ context.Context, name string) error {
	if m.collections[name] == nil {
		m.collections[name] = map[string]Record{}
	}
	return nil
}

func (m *memBackend) ListCollections(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memBackend) DeleteCollection(_ context.Context, name string) error {
	delete(m.collections, name)
	return nil
}

func (m *memBackend) CollectionExists(_ context.Context, name string) (bool, error) {
	_, ok := m.collections[name]
	return ok, nil
}

func (m *memBackend) UpsertOne(ctx context.Context, record Record) (string, error) {
	ids, err := m.UpsertMany(ctx, []Record{record})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (m *memBackend) UpsertMany(_ context.Context, records []Record) ([]string, error) {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		stored := rec
		stored.Embedding = slices.Clone(rec.Embedding)
		m.records()[rec.ID] = stored
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func (m *memBackend) GetOne(ctx context.Context, id string, includeEmbedding bool) (Record, error) {
	records, err := m.GetMany(ctx, []string{id}, includeEmbedding)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, opError(ErrNotFound, "mem", "get", m.bound, nil)
	}
	return records[0], nil
}

func (m *memBackend) GetMany(_ context.Context, ids []string, includeEmbedding bool) ([]Record, error) {
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, ok := m.records()[id]
		if !ok {
			continue
		}
		records = append(records, m.view(rec, includeEmbedding))
	}
	return records, nil
}

func (m *memBackend) DeleteOne(ctx context.Context, id string) error {
	return m.DeleteMany(ctx, []string{id})
}

func (m *memBackend) DeleteMany(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.records(), id)
	}
	return nil
}

func (m *memBackend) NearestMatches(_ context.Context, embedding []float32, limit int, minScore float64, includeEmbedding bool) ([]Match, error) {
	matches := make([]Match, 0)
	for _, rec := range m.records() {
		score := cosineSimilarity(embedding, rec.Embedding)
		if score < minScore {
			continue
		}
		matches = append(matches, Match{Record: m.view(rec, includeEmbedding), Score: score})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (m *memBackend) NearestMatch(ctx context.Context, embedding []float32, minScore float64, includeEmbedding bool) (*Match, error) {
	matches, err := m.NearestMatches(ctx, embedding, 1, minScore, includeEmbedding)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

func (m *memBackend) Close() error {
	return nil
}

func (m *memBackend) view(rec Record, includeEmbedding bool) Record {
	out := rec
	out.Embedding = []float32{}
	if includeEmbedding {
		out.Embedding = slices.Clone(rec.Embedding)
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
