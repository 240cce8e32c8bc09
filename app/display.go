package app

import (
	"image/color"

	"smpsim/hal"

	"tinygo.org/x/drivers"
)

// fbDisplay is a horizontal band of the framebuffer drawn through its own
// back buffer. It emulates a panel with hardware vertical scrolling:
// SetScroll picks the back buffer row shown at the top of the band, and
// Display copies the rotated rows into the framebuffer.
type fbDisplay struct {
	fb     hal.Framebuffer
	y0     int
	width  int
	height int
	scroll int
	back   []uint16
}

func newFBDisplay(fb hal.Framebuffer, y0, height int) *fbDisplay {
	w := fb.Width()
	if y0 < 0 {
		y0 = 0
	}
	if y0+height > fb.Height() {
		height = fb.Height() - y0
	}
	if height < 0 {
		height = 0
	}
	return &fbDisplay{
		fb:     fb,
		y0:     y0,
		width:  w,
		height: height,
		back:   make([]uint16, w*height),
	}
}

func (d *fbDisplay) Size() (x, y int16) {
	return int16(d.width), int16(d.height)
}

func (d *fbDisplay) SetPixel(x, y int16, c color.RGBA) {
	ix, iy := int(x), int(y)
	if ix < 0 || ix >= d.width || iy < 0 || iy >= d.height {
		return
	}
	d.back[iy*d.width+ix] = hal.RGB565(c.R, c.G, c.B)
}

// Display copies the band into the framebuffer. It does not present.
func (d *fbDisplay) Display() error {
	if d.fb.Format() != hal.PixelFormatRGB565 || d.height == 0 {
		return nil
	}
	buf := d.fb.Buffer()
	stride := d.fb.StrideBytes()
	for y := 0; y < d.height; y++ {
		src := d.back[((y+d.scroll)%d.height)*d.width:][:d.width]
		off := (d.y0 + y) * stride
		if off+d.width*2 > len(buf) {
			return nil
		}
		row := buf[off : off+d.width*2]
		for x, p := range src {
			row[2*x] = byte(p)
			row[2*x+1] = byte(p >> 8)
		}
	}
	return nil
}

func (d *fbDisplay) FillRectangle(x, y, width, height int16, c color.RGBA) error {
	x0 := clampInt(int(x), 0, d.width)
	y0 := clampInt(int(y), 0, d.height)
	x1 := clampInt(int(x)+int(width), 0, d.width)
	y1 := clampInt(int(y)+int(height), 0, d.height)
	if x0 >= x1 || y0 >= y1 {
		return nil
	}

	pixel := hal.RGB565(c.R, c.G, c.B)
	for py := y0; py < y1; py++ {
		row := d.back[py*d.width:]
		for px := x0; px < x1; px++ {
			row[px] = pixel
		}
	}
	return nil
}

// SetScroll sets the back buffer row shown at the top of the band.
func (d *fbDisplay) SetScroll(line int16) {
	if d.height == 0 {
		return
	}
	s := int(line) % d.height
	if s < 0 {
		s += d.height
	}
	d.scroll = s
}

// SetRotation accepts only the native orientation.
func (d *fbDisplay) SetRotation(rotation drivers.Rotation) error {
	if rotation != drivers.Rotation0 {
		return hal.ErrNotImplemented
	}
	return nil
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
