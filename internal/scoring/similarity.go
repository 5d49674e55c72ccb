package scoring

import "math"

// CosineSimilarity computes cosine similarity between two float32 vectors.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
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

// MaxCosine returns the maximum cosine similarity between v and any vector in
// candidates. Returns 0 when candidates is empty.
func MaxCosine(v []float32, candidates [][]float32) float64 {
	best := 0.0
	for _, u := range candidates {
		if s := CosineSimilarity(v, u); s > best {
			best = s
		}
	}
	return best
}
