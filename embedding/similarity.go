package embedding

import "math"

// CosineSimilarity computes the cosine similarity between two vectors.
// It returns 0 for empty or mismatched-length inputs and for zero-norm
// vectors, so callers can rank results without error plumbing.
// Accumulation happens in float64 to keep high-dimension sums stable.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Norm computes the L2 norm of a vector.
func Norm(v []float32) float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	return float32(math.Sqrt(sum))
}

// DotProduct computes the dot product of two equal-length vectors.
// Mismatched or empty inputs yield 0.
func DotProduct(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

// Normalize returns a unit-length copy of v. Zero vectors and empty
// inputs are returned unchanged.
func Normalize(v []float32) []float32 {
	norm := Norm(v)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, val := range v {
		out[i] = val / norm
	}
	return out
}
