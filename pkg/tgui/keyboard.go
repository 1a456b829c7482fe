package tgui

// Grid lays n items out in rows of at most perRow, returning index rows.
func Grid(n, perRow int) [][]int {
	if n <= 0 {
		return nil
	}
	if perRow <= 0 {
		perRow = n
	}
	rows := make([][]int, 0, (n+perRow-1)/perRow)
	for start := 0; start < n; start += perRow {
		end := min(start+perRow, n)
		row := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			row = append(row, i)
		}
		rows = append(rows, row)
	}
	return rows
}
