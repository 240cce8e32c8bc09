package app

import (
	"errors"
	"fmt"
	"image/color"
	"strings"
	"unicode/utf8"

	"smpsim/hal"
	"smpsim/hal/mp"
	"smpsim/kernel/smp"

	"tinygo.org/x/tinyfont"
)

// panicReport is what the panic screen shows.
type panicReport struct {
	cpu     int
	message string
	stack   []byte
}

// reportFromError digs the most specific description out of a machine
// error: an smp panic, else a CPU fault, else the error text.
func reportFromError(err error) panicReport {
	var pe *smp.PanicError
	if errors.As(err, &pe) {
		return panicReport{cpu: pe.CPU, message: pe.Message, stack: pe.Stack}
	}
	var f *mp.Fault
	if errors.As(err, &f) {
		return panicReport{cpu: f.CPU, message: fmt.Sprint(f.Value), stack: f.Stack}
	}
	return panicReport{cpu: -1, message: err.Error()}
}

func (r panicReport) lines() []string {
	lines := []string{
		"smpsim panic:",
		fmt.Sprintf("cpu: %d", r.cpu),
		fmt.Sprintf("panic: %s", r.message),
	}
	if len(r.stack) == 0 {
		return append(lines, "stack: unavailable")
	}
	lines = append(lines, "stack:")
	for _, line := range strings.Split(string(r.stack), "\n") {
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func logPanic(l hal.Logger, r panicReport) {
	if l == nil {
		return
	}
	for _, line := range r.lines() {
		l.WriteLineString(line)
	}
}

// drawPanic fills the framebuffer with the report, wrapping long lines, and
// presents it.
func drawPanic(fb hal.Framebuffer, r panicReport) error {
	if fb == nil {
		return nil
	}
	font, err := loadFont()
	if err != nil {
		return err
	}

	d := newFBDisplay(fb, 0, fb.Height())
	_ = d.FillRectangle(0, 0, int16(d.width), int16(d.height), color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF})

	fg := color.RGBA{A: 0xFF}
	cols := int16(d.width) / font.width
	if cols <= 0 {
		cols = 1
	}
	y := int16(0)
	maxH := int16(d.height)

draw:
	for _, line := range r.lines() {
		for len(line) > 0 {
			if y+font.height > maxH {
				break draw
			}
			chunk, rest := takeRunes(line, cols)
			drawTextLine(d, font, 0, y, chunk, fg)
			y += font.height
			line = strings.TrimLeft(rest, " ")
		}
	}

	if err := d.Display(); err != nil {
		return err
	}
	return fb.Present()
}

func drawTextLine(d *fbDisplay, font monitorFont, x0, y0 int16, s string, fg color.RGBA) {
	x := x0
	for _, r := range s {
		tinyfont.DrawChar(d, font.font, x, y0+font.offset, r, fg)
		x += font.width
	}
}

func takeRunes(s string, n int16) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	if int64(len(s)) <= int64(n) {
		return s, ""
	}
	var i int
	var count int16
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			break
		}
		i += size
		count++
	}
	if i >= len(s) {
		return s, ""
	}
	return s[:i], s[i:]
}
