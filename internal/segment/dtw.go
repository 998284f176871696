package segment

import (
	"fmt"
	"math"
)

// dtw runs dynamic time warping over the negated alignment-weight matrix and
// returns the backtracked warping path as parallel text/time index slices.
//
// cost is row-major [rows, cols] in float64; moves are diagonal, up, and
// left, with ties resolving diagonal < up < left.
func dtw(weights [][]float64) (textIndices, timeIndices []int, err error) {
	rows := len(weights)
	if rows == 0 {
		return nil, nil, fmt.Errorf("%w: empty alignment matrix", ErrSegmentingFailed)
	}

	cols := len(weights[0])
	for i, row := range weights {
		if len(row) != cols {
			return nil, nil, fmt.Errorf("%w: ragged alignment row %d (%d vs %d)", ErrSegmentingFailed, i, len(row), cols)
		}
	}

	if cols == 0 {
		return nil, nil, fmt.Errorf("%w: alignment matrix has no columns", ErrSegmentingFailed)
	}

	const (
		moveDiag = 0
		moveUp   = 1
		moveLeft = 2
	)

	inf := math.Inf(1)

	cost := make([]float64, (rows+1)*(cols+1))
	trace := make([]int8, (rows+1)*(cols+1))

	at := func(i, j int) int { return i*(cols+1) + j }

	for i := range rows + 1 {
		for j := range cols + 1 {
			cost[at(i, j)] = inf
		}
	}

	cost[at(0, 0)] = 0

	for i := 1; i <= rows; i++ {
		for j := 1; j <= cols; j++ {
			c := -weights[i-1][j-1]

			d := cost[at(i-1, j-1)]
			u := cost[at(i-1, j)]
			l := cost[at(i, j-1)]

			best := d
			move := int8(moveDiag)

			if u < best {
				best = u
				move = moveUp
			}

			if l < best {
				best = l
				move = moveLeft
			}

			cost[at(i, j)] = c + best
			trace[at(i, j)] = move
		}
	}

	i, j := rows, cols
	for i > 0 && j > 0 {
		textIndices = append(textIndices, i-1)
		timeIndices = append(timeIndices, j-1)

		switch trace[at(i, j)] {
		case moveDiag:
			i--
			j--
		case moveUp:
			i--
		default:
			j--
		}
	}

	// The path was collected backwards.
	reverse(textIndices)
	reverse(timeIndices)

	return textIndices, timeIndices, nil
}

func reverse(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
