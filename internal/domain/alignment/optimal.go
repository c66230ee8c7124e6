package alignment

import "math"

// Optimal assigns primaries to secondaries so that the total Y-center
// distance over all matched pairs is minimal (Hungarian method). When the
// streams differ in length the surplus side stays unmatched. Elements with
// invalid boxes never take part.
type Optimal struct{}

// Match implements Aligner.
func (Optimal) Match(primary, secondary []Element) []MatchedPair {
	pairs := make([]MatchedPair, len(primary))
	for i := range pairs {
		pairs[i] = unmatched(i)
	}

	var rows, cols []int
	for i, p := range primary {
		if p.Box.Valid() {
			rows = append(rows, i)
		}
	}
	for j, s := range secondary {
		if s.Box.Valid() {
			cols = append(cols, j)
		}
	}
	if len(rows) == 0 || len(cols) == 0 {
		return pairs
	}

	dist := func(r, c int) float64 {
		return math.Abs(primary[rows[r]].Box.CenterY() - secondary[cols[c]].Box.CenterY())
	}

	assign := func(r, c int) {
		i, j := rows[r], cols[c]
		pairs[i] = MatchedPair{Primary: i, Secondary: j, Distance: dist(r, c), Matched: true}
	}

	if len(rows) <= len(cols) {
		cost := make([][]float64, len(rows))
		for r := range rows {
			cost[r] = make([]float64, len(cols))
			for c := range cols {
				cost[r][c] = dist(r, c)
			}
		}
		for r, c := range hungarian(cost) {
			assign(r, c)
		}
		return pairs
	}

	// More primaries than secondaries: solve the transposed problem so every
	// secondary is placed, then map back.
	cost := make([][]float64, len(cols))
	for c := range cols {
		cost[c] = make([]float64, len(rows))
		for r := range rows {
			cost[c][r] = dist(r, c)
		}
	}
	for c, r := range hungarian(cost) {
		assign(r, c)
	}
	return pairs
}

// hungarian solves the rectangular assignment problem for an n x m cost
// matrix with n <= m and returns the column assigned to each row.
func hungarian(cost [][]float64) []int {
	n, m := len(cost), len(cost[0])
	inf := math.Inf(1)

	u := make([]float64, n+1)
	v := make([]float64, m+1)
	p := make([]int, m+1)
	way := make([]int, m+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, m+1)
		for j := range minv {
			minv[j] = inf
		}
		used := make([]bool, m+1)

		for {
			used[j0] = true
			i0, delta, j1 := p[j0], inf, 0
			for j := 1; j <= m; j++ {
				if used[j] {
					continue
				}
				cur := cost[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j], way[j] = cur, j0
				}
				if minv[j] < delta {
					delta, j1 = minv[j], j
				}
			}
			for j := 0; j <= m; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
			if j0 == 0 {
				break
			}
		}
	}

	out := make([]int, n)
	for j := 1; j <= m; j++ {
		if p[j] != 0 {
			out[p[j]-1] = j - 1
		}
	}
	return out
}
