package rfb

import (
	"github.com/cespare/xxhash/v2"

	"github.com/kmsvnc/kmsvnc/pkg/types"
)

// TileSize is the fixed change-detection granularity. Edge tiles are clipped
// to the framebuffer bounds and hashed at their real size.
const TileSize = 64

// TileGrid stores, per 64x64 tile, the hash of the source pixels as of the
// last time that tile's bytes went out on the wire. A validity bit rather
// than a sentinel hash marks never-sent tiles, so the first update is always
// a full transmission and a genuine zero hash cannot suppress a send.
type TileGrid struct {
	width, height uint16
	cols, rows    int
	hash          []uint64
	valid         []bool
}

// NewTileGrid sizes a grid for a w×h framebuffer.
func NewTileGrid(w, h uint16) *TileGrid {
	cols := (int(w) + TileSize - 1) / TileSize
	rows := (int(h) + TileSize - 1) / TileSize
	return &TileGrid{
		width:  w,
		height: h,
		cols:   cols,
		rows:   rows,
		hash:   make([]uint64, cols*rows),
		valid:  make([]bool, cols*rows),
	}
}

// tileRect returns the clipped rectangle of tile (tx, ty).
func (g *TileGrid) tileRect(tx, ty int) types.Rect {
	x := tx * TileSize
	y := ty * TileSize
	w := TileSize
	if x+w > int(g.width) {
		w = int(g.width) - x
	}
	h := TileSize
	if y+h > int(g.height) {
		h = int(g.height) - y
	}
	return types.Rect{X: uint16(x), Y: uint16(y), W: uint16(w), H: uint16(h)}
}

// Invalidate clears the stored state of every tile intersecting r, forcing
// those tiles into the next update.
func (g *TileGrid) Invalidate(r types.Rect) {
	r, ok := r.Intersect(g.width, g.height)
	if !ok {
		return
	}
	tx0 := int(r.X) / TileSize
	ty0 := int(r.Y) / TileSize
	tx1 := (int(r.X) + int(r.W) - 1) / TileSize
	ty1 := (int(r.Y) + int(r.H) - 1) / TileSize
	for ty := ty0; ty <= ty1; ty++ {
		for tx := tx0; tx <= tx1; tx++ {
			g.valid[ty*g.cols+tx] = false
		}
	}
}

// DirtyTile is one tile due for transmission, with the hash to commit once
// its bytes are on the wire.
type DirtyTile struct {
	Rect types.Rect
	hash uint64
	idx  int
}

// Dirty hashes every tile of f intersecting bounds and returns the ones
// whose hash differs from the last transmitted state. The frame must match
// the grid geometry.
func (g *TileGrid) Dirty(f *types.Frame, bounds types.Rect) []DirtyTile {
	bounds, ok := bounds.Intersect(g.width, g.height)
	if !ok {
		return nil
	}
	tx0 := int(bounds.X) / TileSize
	ty0 := int(bounds.Y) / TileSize
	tx1 := (int(bounds.X) + int(bounds.W) - 1) / TileSize
	ty1 := (int(bounds.Y) + int(bounds.H) - 1) / TileSize

	bpp := f.Format.BytesPerPixel()
	var dirty []DirtyTile
	var digest xxhash.Digest

	for ty := ty0; ty <= ty1; ty++ {
		for tx := tx0; tx <= tx1; tx++ {
			r := g.tileRect(tx, ty)
			digest.Reset()
			for y := int(r.Y); y < int(r.Y)+int(r.H); y++ {
				start := y*f.Stride + int(r.X)*bpp
				digest.Write(f.Pix[start : start+int(r.W)*bpp])
			}
			h := digest.Sum64()

			idx := ty*g.cols + tx
			if g.valid[idx] && g.hash[idx] == h {
				continue
			}
			dirty = append(dirty, DirtyTile{Rect: r, hash: h, idx: idx})
		}
	}
	return dirty
}

// Commit records the hashes of tiles whose bytes were successfully written.
func (g *TileGrid) Commit(tiles []DirtyTile) {
	for _, t := range tiles {
		g.hash[t.idx] = t.hash
		g.valid[t.idx] = true
	}
}
