package metrics

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/go-gan/tensor"
)

// NearestNeighbors returns, for every query row, the indices of the k rows of
// pool closest in squared L2 distance, nearest first. Ties keep pool order.
func NearestNeighbors(query, pool *tensor.Tensor, k int) ([][]int, error) {
	if query.RowLen() != pool.RowLen() {
		return nil, errors.Errorf("feature sizes differ: %d vs %d", query.RowLen(), pool.RowLen())
	}
	if k <= 0 || k > pool.Rows() {
		return nil, errors.Errorf("cannot take %d neighbours from %d candidates", k, pool.Rows())
	}

	out := make([][]int, query.Rows())
	dist := make([]float64, pool.Rows())
	for i := range out {
		q := query.Row(i)
		idx := make([]int, pool.Rows())
		for j := range idx {
			idx[j] = j
			var d float64
			for c, v := range pool.Row(j) {
				diff := float64(v) - float64(q[c])
				d += diff * diff
			}
			dist[j] = d
		}
		sort.SliceStable(idx, func(a, b int) bool { return dist[idx[a]] < dist[idx[b]] })
		out[i] = idx[:k]
	}
	return out, nil
}
