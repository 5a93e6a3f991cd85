// Package vectorindex provides the optional provider-native vector search
// port of spec §4.7, for deployments that want sublinear nearest-neighbor
// search at scale. engine/ingest dual-writes committed Run embeddings to it
// and deletes superseded Runs' points; nothing in this repository calls
// Search, so retrieval and the decision layer use the graph store's
// in-process cosine scan whether or not an index is configured.
package vectorindex

import "context"

// Point is one embedding plus the metadata needed to recover the owning
// graph entity and apply partition filters without a graph round trip.
type Point struct {
	ID        string
	Embedding []float32
	Payload   map[string]string
}

// Match is one search hit: the point's id and its similarity score.
type Match struct {
	ID    string
	Score float32
}

// Index is the vector search port. Implementations must be safe for
// concurrent use.
type Index interface {
	// EnsureCollection creates the backing collection if absent, sized for
	// the given embedding dimensionality.
	EnsureCollection(ctx context.Context, dims int) error

	// Upsert stores or replaces points by id.
	Upsert(ctx context.Context, points []Point) error

	// Search returns the topK nearest points to embedding, optionally
	// restricted to points whose payload matches every key in filter
	// (spec §4.4's partition scoping).
	Search(ctx context.Context, embedding []float32, topK int, filter map[string]string) ([]Match, error)

	// Delete removes points by id, used when a Run is superseded.
	Delete(ctx context.Context, ids []string) error

	Close() error
}
