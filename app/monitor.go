package app

import (
	"errors"
	"image/color"

	"smpsim/hal"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
	"tinygo.org/x/tinyterm"
)

var errNoFont = errors.New("monitor font has no width")

var (
	colorBG     = color.RGBA{R: 0x10, G: 0x14, B: 0x20, A: 0xFF}
	colorText   = color.RGBA{R: 0xD0, G: 0xD8, B: 0xE0, A: 0xFF}
	colorHeader = color.RGBA{R: 0xFF, G: 0xC0, B: 0x40, A: 0xFF}
	colorRule   = color.RGBA{R: 0x40, G: 0x48, B: 0x60, A: 0xFF}
)

type monitorFont struct {
	font   tinyfont.Fonter
	width  int16
	height int16
	offset int16
}

func loadFont() (monitorFont, error) {
	f := monitorFont{font: &proggy.TinySZ8pt7b, height: 10, offset: 8}
	_, outboxWidth := tinyfont.LineWidth(f.font, "0")
	f.width = int16(outboxWidth)
	if f.width <= 0 {
		return monitorFont{}, errNoFont
	}
	return f, nil
}

// monitor splits the framebuffer into a stats band on top and a scrolling
// log console below it.
type monitor struct {
	fb      hal.Framebuffer
	font    monitorFont
	stats   *fbDisplay
	console *fbDisplay
	term    *tinyterm.Terminal
	rows    int
}

func newMonitor(fb hal.Framebuffer, statRows int) (*monitor, error) {
	font, err := loadFont()
	if err != nil {
		return nil, err
	}
	bandHeight := statRows*int(font.height) + 2
	if limit := fb.Height() / 2; bandHeight > limit {
		bandHeight = limit
	}

	m := &monitor{
		fb:      fb,
		font:    font,
		stats:   newFBDisplay(fb, 0, bandHeight),
		console: newFBDisplay(fb, bandHeight, fb.Height()-bandHeight),
		rows:    (bandHeight - 2) / int(font.height),
	}
	_ = m.console.FillRectangle(0, 0, int16(m.console.width), int16(m.console.height), color.RGBA{A: 0xFF})
	m.term = tinyterm.NewTerminal(m.console)
	m.term.Configure(&tinyterm.Config{
		Font:       font.font,
		FontHeight: font.height,
		FontOffset: font.offset,
	})
	return m, nil
}

// Cols returns how many characters fit on one stats line.
func (m *monitor) Cols() int { return m.stats.width / int(m.font.width) }

// Rows returns how many stats lines fit in the band.
func (m *monitor) Rows() int { return m.rows }

// drawStats redraws the band. The first line is the header.
func (m *monitor) drawStats(lines []string) {
	d := m.stats
	_ = d.FillRectangle(0, 0, int16(d.width), int16(d.height), colorBG)
	cols := m.Cols()
	for i, line := range lines {
		if i >= m.rows {
			break
		}
		if len(line) > cols {
			line = line[:cols]
		}
		c := colorText
		if i == 0 {
			c = colorHeader
		}
		y := int16(i)*m.font.height + m.font.offset
		tinyfont.WriteLine(d, m.font.font, 0, y, line, c)
	}
	_ = d.FillRectangle(0, int16(d.height-1), int16(d.width), 1, colorRule)
}

// logLine appends one line to the console.
func (m *monitor) logLine(b []byte) {
	_, _ = m.term.Write(b)
	_, _ = m.term.Write([]byte("\r\n"))
}

// present copies both bands into the framebuffer and presents it.
func (m *monitor) present() error {
	if err := m.stats.Display(); err != nil {
		return err
	}
	if err := m.console.Display(); err != nil {
		return err
	}
	return m.fb.Present()
}
