// Package similarity provides vector similarity utilities.
package similarity

import "math"

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns 0 for vectors of different lengths, empty vectors, or zero-magnitude vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		va := float64(a[i])
		vb := float64(b[i])
		dot += va * vb
		normA += va * va
		normB += vb * vb
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance returns 1 - CosineSimilarity(a, b).
// Near-zero values indicate near-identical vectors.
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}

// WithinBand reports whether distance lies in the symmetric interval [-band, band].
// Floating point error can push the distance of identical vectors slightly below zero.
func WithinBand(distance, band float64) bool {
	if math.IsNaN(distance) || band < 0 {
		return false
	}
	return distance >= -band && distance <= band
}

// Magnitude returns the Euclidean norm of v.
func Magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
