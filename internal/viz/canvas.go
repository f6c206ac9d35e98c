package viz

import (
	"math"
	"strings"
)

// braille dot bits of one cell, indexed [row][col]
var pixelMap = [4][2]rune{
	{0x1, 0x8},
	{0x2, 0x10},
	{0x4, 0x20},
	{0x40, 0x80},
}

const blank = 0x2800

// Phase is a braille phase portrait. Points are kept in state units and
// scaled to the bounding box on every render.
type Phase struct {
	cols, rows int
	maxPoints  int
	xs, ys     []float64
	grid       [][]rune
}

func NewPhase(cols, rows, maxPoints int) *Phase {
	p := &Phase{cols: cols, rows: rows, maxPoints: maxPoints, grid: make([][]rune, rows)}
	for i := range p.grid {
		p.grid[i] = make([]rune, cols)
	}
	return p
}

// Add appends a point, dropping the oldest once full. Non-finite points
// are ignored.
func (p *Phase) Add(x, y float64) {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return
	}
	p.xs = append(p.xs, x)
	p.ys = append(p.ys, y)
	if p.maxPoints > 0 && len(p.xs) > p.maxPoints {
		p.xs = p.xs[1:]
		p.ys = p.ys[1:]
	}
}

func (p *Phase) Len() int { return len(p.xs) }

func (p *Phase) Reset() {
	p.xs = p.xs[:0]
	p.ys = p.ys[:0]
}

func (p *Phase) String() string {
	for _, row := range p.grid {
		for j := range row {
			row[j] = blank
		}
	}
	if len(p.xs) > 0 {
		xmin, xmax := bounds(p.xs)
		ymin, ymax := bounds(p.ys)
		w, h := 2*p.cols-1, 4*p.rows-1
		px := func(i int) (int, int) {
			x := int(math.Round(float64(w) * (p.xs[i] - xmin) / (xmax - xmin)))
			y := h - int(math.Round(float64(h)*(p.ys[i]-ymin)/(ymax-ymin)))
			return x, y
		}
		x0, y0 := px(0)
		p.set(x0, y0)
		for i := 1; i < len(p.xs); i++ {
			x1, y1 := px(i)
			p.line(x0, y0, x1, y1)
			x0, y0 = x1, y1
		}
	}

	var b strings.Builder
	for _, row := range p.grid {
		b.WriteString(string(row))
		b.WriteByte('\n')
	}
	return b.String()
}

// bounds returns a non-empty range covering v.
func bounds(v []float64) (lo, hi float64) {
	lo, hi = v[0], v[0]
	for _, x := range v {
		lo, hi = math.Min(lo, x), math.Max(hi, x)
	}
	if hi-lo == 0 {
		lo, hi = lo-1, hi+1
	}
	return lo, hi
}

// set lights the dot (x, y) in sub-cell coordinates.
func (p *Phase) set(x, y int) {
	if x < 0 || y < 0 {
		return
	}
	col, row := x/2, y/4
	if col >= p.cols || row >= p.rows {
		return
	}
	p.grid[row][col] |= pixelMap[y%4][x%2]
}

// line is Bresenham between two dots.
func (p *Phase) line(x0, y0, x1, y1 int) {
	dx, dy := absInt(x1-x0), absInt(y1-y0)
	sx, sy := -1, -1
	if x0 < x1 {
		sx = 1
	}
	if y0 < y1 {
		sy = 1
	}
	err := dx - dy
	for {
		p.set(x0, y0)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x0 += sx
		}
		if e2 < dx {
			err += dx
			y0 += sy
		}
	}
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
