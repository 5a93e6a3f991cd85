package domain

import "math"

// CosineSimilarity returns the cosine similarity of a and b. ok is false
// when the vectors differ in length, are empty, or either has zero norm —
// callers skip such candidates rather than erroring (spec §4.4's "skipping candidates whose
// embedding dimension differs").
func CosineSimilarity(a, b []float32) (score float64, ok bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
