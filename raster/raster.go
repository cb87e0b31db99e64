// Package raster renders ego-centered bird's-eye-view images of a traffic
// scene. Each rasterized frame contributes two channels (the agent of
// interest and everyone else), followed by three map channels. Agents are
// drawn as filled oriented boxes using their extents and yaw.
package raster

import (
	"fmt"
	"math"

	"github.com/ShanglinLi/Motion-Prediction/configs"
)

// Agent is the minimal pose-and-shape view of a traffic participant needed
// for drawing. Positions are in world meters, yaw in radians, extents in
// meters (length along heading, width lateral).
type Agent struct {
	X, Y    float32
	Yaw     float32
	ExtentX float32
	ExtentY float32
}

// Frame holds the scene at one timestep. Ego is the agent of interest and
// may be nil when it was not observed at this frame; its channel stays
// empty in that case.
type Frame struct {
	Ego    *Agent
	Others []Agent
}

// Rasterizer renders a fixed-size multi-channel float32 grid. The raster is
// oriented so the agent of interest faces +x; its position in the image is
// set by the ego-center fractions.
type Rasterizer struct {
	Width, Height int

	// Meters per pixel.
	PixelWidth, PixelHeight float64

	// Fractions of the raster size locating the agent of interest.
	EgoCenterX, EgoCenterY float64

	// HistoryNumFrames past frames are rendered in addition to the anchor.
	HistoryNumFrames int
}

// BuildRasterizer constructs a Rasterizer from the raster and model params
// of a validated config.
func BuildRasterizer(cfg *configs.Config) (*Rasterizer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if cfg.RasterParams.MapType != "box_occupancy" {
		return nil, fmt.Errorf("unsupported map_type %q", cfg.RasterParams.MapType)
	}
	return &Rasterizer{
		Width:            cfg.RasterParams.RasterSize[0],
		Height:           cfg.RasterParams.RasterSize[1],
		PixelWidth:       cfg.RasterParams.PixelSize[0],
		PixelHeight:      cfg.RasterParams.PixelSize[1],
		EgoCenterX:       cfg.RasterParams.EgoCenter[0],
		EgoCenterY:       cfg.RasterParams.EgoCenter[1],
		HistoryNumFrames: cfg.ModelParams.HistoryNumFrames,
	}, nil
}

// NumChannels is 2 per rendered frame plus 3 map channels.
func (r *Rasterizer) NumChannels() int {
	return 3 + 2*(r.HistoryNumFrames+1)
}

// WorldToImage maps a world point into pixel coordinates of a raster
// centered on the given agent, with the agent rotated to face +x.
func (r *Rasterizer) WorldToImage(center Agent, x, y float32) (px, py float64) {
	dx := float64(x - center.X)
	dy := float64(y - center.Y)
	c := math.Cos(float64(center.Yaw))
	s := math.Sin(float64(center.Yaw))
	rx := dx*c + dy*s
	ry := -dx*s + dy*c
	px = rx/r.PixelWidth + r.EgoCenterX*float64(r.Width)
	py = ry/r.PixelHeight + r.EgoCenterY*float64(r.Height)
	return px, py
}

// Rasterize renders the given frames around center. frames[0] is the anchor
// frame and each following entry is one step further into the past; exactly
// HistoryNumFrames+1 frames are expected. The returned buffer is laid out
// [channel][row][col], length NumChannels()*Height*Width.
func (r *Rasterizer) Rasterize(center Agent, frames []Frame) ([]float32, error) {
	want := r.HistoryNumFrames + 1
	if len(frames) != want {
		return nil, fmt.Errorf("expected %d frames (history %d + anchor), got %d",
			want, r.HistoryNumFrames, len(frames))
	}

	channels := r.NumChannels()
	grid := make([]float32, channels*r.Height*r.Width)
	occupancy := channels - 3

	for i, f := range frames {
		egoCh := 2 * i
		othersCh := 2*i + 1
		if f.Ego != nil {
			r.drawBox(grid, egoCh, center, *f.Ego, 1)
			r.drawBox(grid, occupancy, center, *f.Ego, 1)
		}
		for _, a := range f.Others {
			r.drawBox(grid, othersCh, center, a, 1)
			r.drawBox(grid, occupancy, center, a, 1)
		}
	}

	// Positional gradient channels give the net a notion of where in the
	// raster a pixel sits.
	xCh := channels - 2
	yCh := channels - 1
	for row := 0; row < r.Height; row++ {
		for col := 0; col < r.Width; col++ {
			grid[r.index(xCh, row, col)] = float32(col) / float32(r.Width-1)
			grid[r.index(yCh, row, col)] = float32(row) / float32(r.Height-1)
		}
	}

	return grid, nil
}

func (r *Rasterizer) index(ch, row, col int) int {
	return (ch*r.Height+row)*r.Width + col
}

// drawBox fills the oriented rectangle of agent a into the given channel.
// Degenerate extents fall back to a single pixel.
func (r *Rasterizer) drawBox(grid []float32, ch int, center, a Agent, value float32) {
	if a.ExtentX <= 0 || a.ExtentY <= 0 {
		px, py := r.WorldToImage(center, a.X, a.Y)
		col := int(math.Floor(px))
		row := int(math.Floor(py))
		if col >= 0 && col < r.Width && row >= 0 && row < r.Height {
			grid[r.index(ch, row, col)] = value
		}
		return
	}

	// Box corners in world space.
	hx := float64(a.ExtentX) / 2
	hy := float64(a.ExtentY) / 2
	c := math.Cos(float64(a.Yaw))
	s := math.Sin(float64(a.Yaw))
	corners := [4][2]float64{}
	for i, off := range [4][2]float64{{hx, hy}, {hx, -hy}, {-hx, -hy}, {-hx, hy}} {
		wx := float64(a.X) + off[0]*c - off[1]*s
		wy := float64(a.Y) + off[0]*s + off[1]*c
		px, py := r.WorldToImage(center, float32(wx), float32(wy))
		corners[i] = [2]float64{px, py}
	}

	minX, maxX := corners[0][0], corners[0][0]
	minY, maxY := corners[0][1], corners[0][1]
	for _, cr := range corners[1:] {
		minX = math.Min(minX, cr[0])
		maxX = math.Max(maxX, cr[0])
		minY = math.Min(minY, cr[1])
		maxY = math.Max(maxY, cr[1])
	}

	// Clip the scan window to the raster.
	col0 := clampInt(int(math.Floor(minX)), 0, r.Width-1)
	col1 := clampInt(int(math.Ceil(maxX)), 0, r.Width-1)
	row0 := clampInt(int(math.Floor(minY)), 0, r.Height-1)
	row1 := clampInt(int(math.Ceil(maxY)), 0, r.Height-1)
	if maxX < 0 || minX > float64(r.Width) || maxY < 0 || minY > float64(r.Height) {
		return
	}

	for row := row0; row <= row1; row++ {
		for col := col0; col <= col1; col++ {
			// Pixel center.
			px := float64(col) + 0.5
			py := float64(row) + 0.5
			if pointInQuad(px, py, corners) {
				grid[r.index(ch, row, col)] = value
			}
		}
	}
}

// pointInQuad reports whether (px,py) is inside the convex quad given by
// corners in winding order. Points on the boundary count as inside.
func pointInQuad(px, py float64, corners [4][2]float64) bool {
	sign := 0.0
	for i := 0; i < 4; i++ {
		x1, y1 := corners[i][0], corners[i][1]
		x2, y2 := corners[(i+1)%4][0], corners[(i+1)%4][1]
		cross := (x2-x1)*(py-y1) - (y2-y1)*(px-x1)
		if cross == 0 {
			continue
		}
		if sign == 0 {
			sign = cross
		} else if (sign > 0) != (cross > 0) {
			return false
		}
	}
	return true
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
