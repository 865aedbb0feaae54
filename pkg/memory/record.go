package memory

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Record is the unit of storage: a caller-supplied id, the text the
// embedding was computed from, and free-form metadata. Embedding is empty
// (never nil) when a read was performed without embeddings; callers must
// not infer absence of a stored embedding from an empty slice.
type Record struct {
	ID                 string     `json:"id"`
	Embedding          []float32  `json:"embedding"`
	Text               string     `json:"text"`
	Description        string     `json:"description"`
	AdditionalMetadata string     `json:"additional_metadata"`
	Timestamp          *time.Time `json:"timestamp,omitempty"`
}

// Match pairs a record with its relevance score. Higher is always more
// similar, regardless of the configured similarity metric.
type Match struct {
	Record Record
	Score  float64
}

// metadataEnvelope is the serialized form of a record's descriptive
// fields. It is stored as one JSON string on the document so the schema
// stays flexible, and unpacked back into discrete fields on read.
type metadataEnvelope struct {
	Text               string `json:"text"`
	Description        string `json:"description"`
	AdditionalMetadata string `json:"additional_metadata"`
}

// document is the backend-neutral wire shape of a record. The primary key
// of the stored document always equals ID.
type document struct {
	ID        string     `json:"id"`
	Embedding []float32  `json:"embedding,omitempty"`
	Metadata  string     `json:"metadata"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// document folds the record's descriptive fields into the metadata
// envelope and returns the wire shape.
func (r Record) document() (document, error) {
	env, err := json.Marshal(metadataEnvelope{
		Text:               r.Text,
		Description:        r.Description,
		AdditionalMetadata: r.AdditionalMetadata,
	})
	if err != nil {
		return document{}, errors.Wrapf(err, "encode metadata for record %q", r.ID)
	}

	return document{
		ID:        r.ID,
		Embedding: r.Embedding,
		Metadata:  string(env),
		Timestamp: r.Timestamp,
	}, nil
}

// record unpacks the metadata envelope back into a Record. The embedding
// is carried over only when includeEmbedding is set; otherwise the result
// holds an empty, non-nil slice.
func (d document) record(includeEmbedding bool) (Record, error) {
	var env metadataEnvelope
	if d.Metadata != "" {
		if err := json.Unmarshal([]byte(d.Metadata), &env); err != nil {
			return Record{}, errors.Wrapf(err, "decode metadata for record %q", d.ID)
		}
	}

	rec := Record{
		ID:                 d.ID,
		Embedding:          []float32{},
		Text:               env.Text,
		Description:        env.Description,
		AdditionalMetadata: env.AdditionalMetadata,
		Timestamp:          d.Timestamp,
	}
	if includeEmbedding && len(d.Embedding) > 0 {
		rec.Embedding = d.Embedding
	}

	return rec, nil
}

// decodeDocument converts a raw backend document into the wire shape.
// Backends hand over map[string]any with JSON-ish value types, so numeric
// slices arrive as []any and timestamps as strings.
func decodeDocument(src map[string]any) (document, error) {
	var doc document

	config := &mapstructure.DecoderConfig{
		Result:           &doc,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(float32SliceHook, timePointerHook),
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return doc, errors.Wrap(err, "create document decoder")
	}

	if err := decoder.Decode(src); err != nil {
		return doc, errors.Wrap(err, "decode document")
	}

	return doc, nil
}

// float32SliceHook handles []any/[]float32 -> []float32 conversion.
func float32SliceHook(_, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf([]float32{}) {
		return data, nil
	}

	if f32Slice, ok := data.([]float32); ok {
		return f32Slice, nil
	}

	slice, ok := data.([]any)
	if !ok {
		return data, nil
	}

	result := make([]float32, len(slice))
	for i, v := range slice {
		switch f := v.(type) {
		case float64:
			result[i] = float32(f)
		case float32:
			result[i] = f
		}
	}

	return result, nil
}

// timePointerHook handles string -> *time.Time conversion.
func timePointerHook(_, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(&time.Time{}) {
		return data, nil
	}

	s, ok := data.(string)
	if !ok {
		return data, nil
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}

	return data, nil
}
