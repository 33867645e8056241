package retrieval

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
)

// trainKMeans clusters vectors into at most k centroids using cosine
// similarity for assignment. Seeds are distinct vectors drawn from rng;
// empty clusters are reseeded. Iteration stops when no assignment changes
// or after maxIter rounds. It returns the centroids and the cluster index
// of every vector.
func trainKMeans(ctx context.Context, vectors [][]float32, k, maxIter int, rng *rand.Rand) ([][]float32, []int, error) {
	if len(vectors) == 0 {
		return nil, nil, errors.New("no vectors to cluster")
	}
	if k <= 0 {
		return nil, nil, errors.New("partition count must be positive")
	}
	if k > len(vectors) {
		k = len(vectors)
	}
	if maxIter <= 0 {
		maxIter = 10
	}
	dim := len(vectors[0])

	centroids := make([][]float32, k)
	chosen := make(map[int]struct{}, k)
	for i := 0; i < k; i++ {
		for {
			idx := rng.IntN(len(vectors))
			if _, ok := chosen[idx]; ok {
				continue
			}
			chosen[idx] = struct{}{}
			centroids[i] = append([]float32(nil), vectors[idx]...)
			break
		}
	}

	unit := make([][]float32, len(vectors))
	for i := range vectors {
		unit[i] = normalized(vectors[i])
	}
	assign := make([]int, len(vectors))
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		centroidUnit := normalizeAll(centroids)
		changed := false
		for i := range unit {
			best := nearestCentroid(unit[i], centroidUnit)
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, v := range vectors {
			c := assign[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += float64(v[d])
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				centroids[c] = append([]float32(nil), vectors[rng.IntN(len(vectors))]...)
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}

	// Final assignment against the last centroids.
	centroidUnit := normalizeAll(centroids)
	for i := range unit {
		assign[i] = nearestCentroid(unit[i], centroidUnit)
	}
	return centroids, assign, nil
}

func normalizeAll(vs [][]float32) [][]float32 {
	out := make([][]float32, len(vs))
	for i, v := range vs {
		out[i] = normalized(v)
	}
	return out
}

func nearestCentroid(unitVec []float32, centroidUnit [][]float32) int {
	best := 0
	bestScore := math.Inf(-1)
	for i, c := range centroidUnit {
		if s := dot(unitVec, c); s > bestScore {
			bestScore = s
			best = i
		}
	}
	return best
}

// topCentroids returns the indexes of the nprobe centroids most similar to
// the unit query, best first.
func topCentroids(unitQuery []float32, centroidUnit [][]float32, nprobe int) []int {
	if nprobe > len(centroidUnit) {
		nprobe = len(centroidUnit)
	}
	type scored struct {
		idx   int
		score float64
	}
	best := make([]scored, 0, nprobe)
	for i, c := range centroidUnit {
		s := scored{idx: i, score: dot(unitQuery, c)}
		if len(best) < nprobe {
			best = append(best, s)
		} else if s.score > best[len(best)-1].score {
			best[len(best)-1] = s
		} else {
			continue
		}
		for j := len(best) - 1; j > 0 && best[j].score > best[j-1].score; j-- {
			best[j], best[j-1] = best[j-1], best[j]
		}
	}
	out := make([]int, len(best))
	for i, s := range best {
		out[i] = s.idx
	}
	return out
}

// probeCount returns max(1, ceil(fraction * lists)), capped at lists.
func probeCount(fraction float64, lists int) int {
	n := int(math.Ceil(fraction * float64(lists)))
	if n < 1 {
		n = 1
	}
	if n > lists {
		n = lists
	}
	return n
}
