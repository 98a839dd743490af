package engine

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
)

const (
	canvasWidth  = 960
	canvasHeight = 600
	plotMargin   = 48
	pointSize    = 7
)

var (
	axisColor   = color.NRGBA{R: 40, G: 40, B: 40, A: 255}
	seriesColor = color.NRGBA{R: 31, G: 119, B: 180, A: 255}
	gridColor   = color.NRGBA{R: 225, G: 225, B: 225, A: 255}
)

// figure is a pending plot recorded by the plot helpers.
type figure struct {
	Kind   string    `json:"kind"`
	Labels []string  `json:"labels"`
	X      []float64 `json:"x"`
	Y      []float64 `json:"y"`
	Title  string    `json:"title"`
}

// renderFigure rasterizes fig and fits it within width x height.
func renderFigure(fig figure, width, height int) ([]byte, error) {
	if len(fig.Y) == 0 {
		return nil, errors.New("nothing to plot")
	}
	img := imaging.New(canvasWidth, canvasHeight, color.White)
	p := newPlotArea(fig)
	p.grid(img)

	switch fig.Kind {
	case "bar":
		p.bars(img, fig.Y)
	case "line":
		p.line(img, fig.X, fig.Y)
	case "scatter":
		p.points(img, fig.X, fig.Y)
	default:
		return nil, errors.New("unknown figure kind " + fig.Kind)
	}
	p.axes(img)

	out := imaging.Fit(img, width, height, imaging.Lanczos)
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type plotArea struct {
	x0, y0, x1, y1 int // pixel bounds of the data area
	minX, maxX     float64
	minY, maxY     float64
}

func newPlotArea(fig figure) *plotArea {
	p := &plotArea{
		x0: plotMargin, y0: plotMargin / 2,
		x1: canvasWidth - plotMargin/2, y1: canvasHeight - plotMargin,
	}
	p.minY, p.maxY = bounds(fig.Y)
	if fig.Kind == "bar" {
		p.minY = math.Min(p.minY, 0)
		p.maxY = math.Max(p.maxY, 0)
		p.minX, p.maxX = 0, float64(len(fig.Y))
	} else {
		xs := fig.X
		if len(xs) == 0 {
			xs = make([]float64, len(fig.Y))
			for i := range xs {
				xs[i] = float64(i)
			}
		}
		p.minX, p.maxX = bounds(xs)
	}
	if p.maxY == p.minY {
		p.maxY++
	}
	if p.maxX == p.minX {
		p.maxX++
	}
	return p
}

func bounds(vs []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return 0, 1
	}
	return lo, hi
}

func (p *plotArea) px(x float64) int {
	return p.x0 + int(math.Round((x-p.minX)/(p.maxX-p.minX)*float64(p.x1-p.x0)))
}

func (p *plotArea) py(y float64) int {
	return p.y1 - int(math.Round((y-p.minY)/(p.maxY-p.minY)*float64(p.y1-p.y0)))
}

func (p *plotArea) grid(img *image.NRGBA) {
	for i := 1; i < 5; i++ {
		y := p.y0 + i*(p.y1-p.y0)/5
		hline(img, p.x0, p.x1, y, gridColor)
	}
}

func (p *plotArea) axes(img *image.NRGBA) {
	hline(img, p.x0, p.x1, p.y1, axisColor)
	vline(img, p.x0, p.y0, p.y1, axisColor)
	if p.minY < 0 && p.maxY > 0 {
		hline(img, p.x0, p.x1, p.py(0), axisColor)
	}
}

func (p *plotArea) bars(img *image.NRGBA, ys []float64) {
	slot := float64(p.x1-p.x0) / float64(len(ys))
	w := int(math.Max(1, slot*0.7))
	base := p.py(0)
	for i, v := range ys {
		if math.IsNaN(v) {
			continue
		}
		left := p.x0 + int(slot*float64(i)+(slot-float64(w))/2)
		top, bottom := p.py(v), base
		if top > bottom {
			top, bottom = bottom, top
		}
		h := bottom - top
		if h < 1 {
			h = 1
		}
		pasteInto(img, imaging.New(w, h, seriesColor), image.Pt(left, top))
	}
}

func (p *plotArea) coords(xs, ys []float64) []image.Point {
	pts := make([]image.Point, 0, len(ys))
	for i, y := range ys {
		x := float64(i)
		if i < len(xs) {
			x = xs[i]
		}
		if math.IsNaN(x) || math.IsNaN(y) {
			continue
		}
		pts = append(pts, image.Pt(p.px(x), p.py(y)))
	}
	return pts
}

func (p *plotArea) line(img *image.NRGBA, xs, ys []float64) {
	pts := p.coords(xs, ys)
	for i := 1; i < len(pts); i++ {
		segment(img, pts[i-1], pts[i], seriesColor)
		segment(img, pts[i-1].Add(image.Pt(0, 1)), pts[i].Add(image.Pt(0, 1)), seriesColor)
	}
}

func (p *plotArea) points(img *image.NRGBA, xs, ys []float64) {
	dot := imaging.New(pointSize, pointSize, seriesColor)
	for _, pt := range p.coords(xs, ys) {
		pasteInto(img, dot, pt.Sub(image.Pt(pointSize/2, pointSize/2)))
	}
}

// pasteInto copies src onto dst in place.
func pasteInto(dst, src *image.NRGBA, at image.Point) {
	r := src.Bounds().Add(at).Intersect(dst.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.SetNRGBA(x, y, src.NRGBAAt(x-at.X, y-at.Y))
		}
	}
}

func hline(img *image.NRGBA, x0, x1, y int, c color.NRGBA) {
	for x := x0; x <= x1; x++ {
		img.SetNRGBA(x, y, c)
	}
}

func vline(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	for y := y0; y <= y1; y++ {
		img.SetNRGBA(x, y, c)
	}
}

// segment draws a line with Bresenham's algorithm.
func segment(img *image.NRGBA, a, b image.Point, c color.NRGBA) {
	dx := abs(b.X - a.X)
	dy := -abs(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	e := dx + dy
	for {
		img.SetNRGBA(a.X, a.Y, c)
		if a == b {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			a.X += sx
		}
		if e2 <= dx {
			e += dx
			a.Y += sy
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
