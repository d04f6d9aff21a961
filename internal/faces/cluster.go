package faces

import (
	"math"
)

// Noise is the label for points that belong to no cluster.
const Noise = -1

// Normalize returns the L2-normalised copy of v. Zero vectors come back
// unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// CosineSim computes cosine similarity between two vectors.
func CosineSim(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CosineDist is 1 - cosine similarity.
func CosineDist(a, b []float32) float64 {
	return 1 - CosineSim(a, b)
}

// Centroid is the L2-normalised mean of the member embeddings.
func Centroid(members [][]float32) []float32 {
	if len(members) == 0 {
		return nil
	}
	dim := len(members[0])
	mean := make([]float32, dim)
	for _, m := range members {
		for i, x := range m {
			mean[i] += x
		}
	}
	n := float32(len(members))
	for i := range mean {
		mean[i] /= n
	}
	return Normalize(mean)
}

// Cluster groups embeddings by cosine-distance density: a point is a core
// point when at least minSize points (itself included) lie within eps, and
// clusters grow by expanding core neighbourhoods. Points reachable from no
// core point are labelled Noise. This trades HDBSCAN's variable-density
// hierarchy for determinism; face embeddings of the same person sit well
// inside eps while different people land near orthogonal, so the flat
// density cut holds up in practice.
func Cluster(embeddings [][]float32, eps float64, minSize int) ([]int, int) {
	n := len(embeddings)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = Noise
	}
	if n == 0 {
		return labels, 0
	}
	if minSize < 1 {
		minSize = 1
	}

	neighbours := func(idx int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if CosineDist(embeddings[idx], embeddings[j]) <= eps {
				out = append(out, j)
			}
		}
		return out
	}

	visited := make([]bool, n)
	next := 0
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true

		hood := neighbours(i)
		if len(hood) < minSize {
			continue // stays noise unless claimed by a later expansion
		}

		labels[i] = next
		queue := hood
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]

			if labels[j] == Noise {
				labels[j] = next // border point
			}
			if visited[j] {
				continue
			}
			visited[j] = true
			labels[j] = next

			jHood := neighbours(j)
			if len(jHood) >= minSize {
				queue = append(queue, jHood...)
			}
		}
		next++
	}
	return labels, next
}

// NearestCentroid returns the index of the closest centroid and its cosine
// similarity, or (-1, 0) when there are no centroids.
func NearestCentroid(embedding []float32, centroids [][]float32) (int, float64) {
	best, bestSim := -1, -1.0
	for i, c := range centroids {
		if sim := CosineSim(embedding, c); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if best == -1 {
		return -1, 0
	}
	return best, bestSim
}
