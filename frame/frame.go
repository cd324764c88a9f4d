// Package frame holds the 1-bit framebuffer shared between the network
// pipeline and the panel driver.
//
// The layout matches what the SSD1683 controller expects for its RAM
// planes: row-major, 8 pixels per byte, MSB first, each row padded to a
// whole byte. A set bit is a white pixel, a cleared bit is black.
package frame

import (
	"fmt"
	"image"
)

// Buffer is a fixed-size 1bpp bitmap. It is allocated once at startup and
// only ever overwritten, never resized.
type Buffer struct {
	width    int
	height   int
	rowBytes int
	pix      []byte
}

// New allocates a white buffer. The width must be a multiple of 8 so rows
// land on byte boundaries, same restriction as the panel RAM.
func New(width, height int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame: invalid size %dx%d", width, height)
	}
	if width%8 != 0 {
		return nil, fmt.Errorf("frame: width %d not a multiple of 8", width)
	}
	b := &Buffer{
		width:    width,
		height:   height,
		rowBytes: width / 8,
	}
	b.pix = make([]byte, b.rowBytes*height)
	b.Fill(true)
	return b, nil
}

func (b *Buffer) Width() int    { return b.width }
func (b *Buffer) Height() int   { return b.height }
func (b *Buffer) RowBytes() int { return b.rowBytes }

// Bounds returns the buffer extent as an image rectangle.
func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.width, b.height)
}

// Bytes exposes the raw plane for transfer to the panel.
func (b *Buffer) Bytes() []byte { return b.pix }

// Fill paints the whole buffer white or black.
func (b *Buffer) Fill(white bool) {
	v := byte(0x00)
	if white {
		v = 0xFF
	}
	for i := range b.pix {
		b.pix[i] = v
	}
}

// SetPixel sets a single pixel. Out-of-range coordinates are ignored, the
// text renderer clips against the edges this way.
func (b *Buffer) SetPixel(x, y int, black bool) {
	if x < 0 || x >= b.width || y < 0 || y >= b.height {
		return
	}
	i := y*b.rowBytes + x/8
	mask := byte(0x80) >> (x % 8)
	if black {
		b.pix[i] &^= mask
	} else {
		b.pix[i] |= mask
	}
}

// Row returns the packed bytes of row y. The slice aliases the buffer.
func (b *Buffer) Row(y int) []byte {
	return b.pix[y*b.rowBytes : (y+1)*b.rowBytes]
}

// Region copies out the bytes covering rect, rounded outward to byte
// boundaries on the x axis, in the row-major order the partial update
// command wants them.
func (b *Buffer) Region(rect image.Rectangle) []byte {
	rect = rect.Intersect(b.Bounds())
	if rect.Empty() {
		return nil
	}
	x0 := rect.Min.X / 8
	x1 := (rect.Max.X - 1) / 8
	w := x1 - x0 + 1
	out := make([]byte, 0, w*rect.Dy())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := b.Row(y)
		out = append(out, row[x0:x0+w]...)
	}
	return out
}

// CopyFrom overwrites this buffer with the content of src. Sizes must
// match; the controller uses it to publish a fully fetched frame.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if src.width != b.width || src.height != b.height {
		return fmt.Errorf("frame: size mismatch %dx%d vs %dx%d",
			src.width, src.height, b.width, b.height)
	}
	copy(b.pix, src.pix)
	return nil
}

// Clone returns an independent copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{
		width:    b.width,
		height:   b.height,
		rowBytes: b.rowBytes,
		pix:      make([]byte, len(b.pix)),
	}
	copy(c.pix, b.pix)
	return c
}
