package main

import (
	"context"
	"flag"
	stdlog "log"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/Zereker/vecstore/internal/config"
	"github.com/Zereker/vecstore/pkg/log"
	"github.com/Zereker/vecstore/pkg/memory"
)

var (
	configFile = flag.String("config", "configs/config.toml", "Path to config file")
	probe      = flag.Bool("probe", false, "Write, search and delete a probe record")
)

func init() {
	flag.Parse()
}

func main() {
	conf, err := config.Load(*configFile)
	if err != nil {
		stdlog.Fatalf("failed to load configuration: %v", err)
	}

	if err := log.Init(conf.Log); err != nil {
		stdlog.Fatalf("failed to initialize logging: %v", err)
	}

	ctx := context.Background()
	logger := log.Logger("vecstore")

	store, err := memory.New(ctx, conf.Store)
	if err != nil {
		stdlog.Fatalf("failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	collections, err := store.ListCollections(ctx)
	if err != nil {
		stdlog.Fatalf("failed to list collections: %v", err)
	}
	logger.Info("connected", "backend", string(conf.Store.Backend), "collections", len(collections))

	if *probe {
		if err := runProbe(ctx, store, conf.Store.Index.Dimensions); err != nil {
			stdlog.Fatalf("probe failed: %v", err)
		}
		logger.Info("probe round-trip succeeded")
	}
}

// runProbe exercises the full write/read/search/delete path with one
// throwaway record.
func runProbe(ctx context.Context, store *memory.Store, dimensions int) error {
	now := time.Now().UTC()
	rec := memory.Record{
		ID:          "probe-" + uuid.NewString(),
		Embedding:   randomUnitVector(dimensions),
		Text:        "vecstore probe record",
		Description: "written by vecstore -probe; safe to delete",
		Timestamp:   &now,
	}

	if _, err := store.UpsertOne(ctx, rec); err != nil {
		return err
	}

	if _, err := store.GetOne(ctx, rec.ID, true); err != nil {
		return err
	}

	if _, err := store.NearestMatch(ctx, rec.Embedding, 0, false); err != nil {
		return err
	}

	return store.DeleteOne(ctx, rec.ID)
}

func randomUnitVector(dimensions int) []float32 {
	vec := make([]float32, dimensions)
	var norm float64
	for i := range vec {
		vec[i] = rand.Float32()
		norm += float64(vec[i]) * float64(vec[i])
	}
	if norm == 0 {
		return vec
	}
	length := math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / length)
	}
	return vec
}
