// Package screen drives the two multiplexed seven-segment digits, and retains what they last showed
// for debugging the rest of the program without the display attached.
package screen

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/jrockway/parport-display/control/config"
	"github.com/jrockway/parport-display/control/mux"
	"github.com/jrockway/parport-display/control/segment"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

const (
	cellWidth     = 70 // Width of one digit in the preview.
	cellHeight    = 100
	captionHeight = 20
	stroke        = 8 // Thickness of a segment.
	left, right   = 10, 50
	top, bottom   = 10, 90
	middle        = cellHeight / 2
)

// ErrBothDigitsLit is returned by Enable if the other digit hasn't been turned off first.
var ErrBothDigitsLit = errors.New("other digit is still enabled")

var (
	litColor   = color.NRGBA{R: 0xff, G: 0x20, B: 0x10, A: 0xff}
	unlitColor = color.NRGBA{R: 0x30, G: 0x08, B: 0x08, A: 0xff}
	background = color.NRGBA{A: 0xff}
	textColor  = color.NRGBA{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff}
)

// Opts describes the electrical polarity of the display.
type Opts struct {
	SegmentActiveLow bool // Common-anode display, or an inverting segment driver.
	EnableActiveLow  bool // PNP digit drivers.
}

// Screen is the display I wired to the parallel port monitor: two common-cathode digits whose
// segment anodes are shared, with one enable line per digit.  Only one digit may be lit at a time.
//
// Screen implements mux.Display.  It must only be driven from one goroutine; the preview may be
// read from any goroutine.
type Screen struct {
	segments    [8]gpio.PinOut // nil in preview-only mode
	enables     [2]gpio.PinOut
	segOn, enOn gpio.Level
	lit         [2]bool
	drivenWith  byte
	previewOnly bool

	shownMu sync.Mutex
	shown   [2]byte // the pattern each digit was last lit with; must hold shownMu.
}

// New returns an initialized Screen with both digits off.  If all pins are nil, the screen only
// keeps the preview.
func New(segments [8]gpio.PinOut, enables [2]gpio.PinOut, opts Opts) (*Screen, error) {
	s := &Screen{
		segments: segments,
		enables:  enables,
		segOn:    gpio.Level(!opts.SegmentActiveLow),
		enOn:     gpio.Level(!opts.EnableActiveLow),
	}
	var missing int
	for _, p := range segments {
		if p == nil {
			missing++
		}
	}
	for _, p := range enables {
		if p == nil {
			missing++
		}
	}
	switch missing {
	case len(segments) + len(enables):
		s.previewOnly = true
		return s, nil
	case 0:
	default:
		return nil, fmt.Errorf("%d of %d display pins are missing", missing, len(segments)+len(enables))
	}
	if err := s.Blank(); err != nil {
		return nil, fmt.Errorf("turn off digits: %w", err)
	}
	if err := s.Drive(0); err != nil {
		return nil, fmt.Errorf("turn off segments: %w", err)
	}
	return s, nil
}

// Open looks up the configured display pins.  A simulated configuration yields a preview-only
// Screen.
func Open(p config.Pins) (*Screen, error) {
	opts := Opts{SegmentActiveLow: p.SegmentActiveLow, EnableActiveLow: p.EnableActiveLow}
	var segments [8]gpio.PinOut
	var enables [2]gpio.PinOut
	if p.Simulated() {
		return New(segments, enables, opts)
	}
	if len(p.Segments) != len(segments) {
		return nil, fmt.Errorf("need %d segment pins, got %d", len(segments), len(p.Segments))
	}
	for i, name := range p.Segments {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("segment %c: no gpio pin named %q", "ABCDEFGP"[i], name)
		}
		segments[i] = pin
	}
	for i, name := range []string{p.Digit1, p.Digit2} {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("digit %d enable: no gpio pin named %q", i+1, name)
		}
		enables[i] = pin
	}
	return New(segments, enables, opts)
}

// Blank turns off both digits.  A digit whose enable line can't be written is still considered lit.
func (s *Screen) Blank() error {
	if s.previewOnly {
		s.lit = [2]bool{}
		return nil
	}
	var errs []error
	for i, p := range s.enables {
		if err := p.Out(!s.enOn); err != nil {
			errs = append(errs, fmt.Errorf("digit %d enable (%s): %w", i+1, p, err))
			continue
		}
		s.lit[i] = false
	}
	return errors.Join(errs...)
}

// Drive puts a pattern on the segment lines.
func (s *Screen) Drive(pattern byte) error {
	s.drivenWith = pattern
	if s.previewOnly {
		return nil
	}
	for i, p := range s.segments {
		l := !s.segOn
		if pattern&(1<<i) != 0 {
			l = s.segOn
		}
		if err := p.Out(l); err != nil {
			return fmt.Errorf("segment %c (%s): %w", "ABCDEFGP"[i], p, err)
		}
	}
	return nil
}

// Enable lights one digit with whatever is on the segment lines.  The other digit must be off.
func (s *Screen) Enable(d mux.Phase) error {
	i := int(d)
	if i < 0 || i >= len(s.enables) {
		return fmt.Errorf("no such digit %v", d)
	}
	if s.lit[1-i] {
		return ErrBothDigitsLit
	}
	// A failed write may have left the digit on.
	s.lit[i] = true
	if !s.previewOnly {
		if err := s.enables[i].Out(s.enOn); err != nil {
			return fmt.Errorf("digit %d enable (%s): %w", i+1, s.enables[i], err)
		}
	}
	s.shownMu.Lock()
	s.shown[i] = s.drivenWith
	s.shownMu.Unlock()
	return nil
}

// Shown returns the pattern each digit was last lit with, i.e. what a person looking at the
// display sees.
func (s *Screen) Shown() [2]byte {
	s.shownMu.Lock()
	defer s.shownMu.Unlock()
	return s.shown
}

// Text draws the display as ASCII art.
func (s *Screen) Text() string {
	return Text(s.Shown())
}

// Text draws a pair of digit patterns as ASCII art.
func Text(shown [2]byte) string {
	a, b := segment.Glyph(shown[0]), segment.Glyph(shown[1])
	lines := make([]string, len(a))
	for i := range a {
		lines[i] = strings.TrimRight(a[i]+" "+b[i], " ")
	}
	return strings.Join(lines, "\n") + "\n"
}

// Caption returns the characters that a pair of patterns show, like "A.5".  Patterns that aren't
// hex digits show as "?".
func Caption(shown [2]byte) string {
	var b strings.Builder
	for _, p := range shown {
		c := " "
		if p&^segment.DecimalPoint != 0 {
			c = "?"
			for n, d := range segment.Digits {
				if d == p&^segment.DecimalPoint {
					c = string("0123456789AbcdEF"[n])
					break
				}
			}
		}
		b.WriteString(c)
		if p&segment.DecimalPoint != 0 {
			b.WriteString(".")
		}
	}
	return b.String()
}

// segmentRects are the outlines of segments A-G and the decimal point within one cell of the
// preview.
var segmentRects = [8]image.Rectangle{
	image.Rect(left+stroke, top, right-stroke, top+stroke),
	image.Rect(right-stroke, top+stroke, right, middle-stroke/2),
	image.Rect(right-stroke, middle+stroke/2, right, bottom-stroke),
	image.Rect(left+stroke, bottom-stroke, right-stroke, bottom),
	image.Rect(left, middle+stroke/2, left+stroke, bottom-stroke),
	image.Rect(left, top+stroke, left+stroke, middle-stroke/2),
	image.Rect(left+stroke, middle-stroke/2, right-stroke, middle+stroke/2),
	image.Rect(right+stroke/2, bottom-stroke, right+stroke/2+stroke, bottom),
}

// Render draws a pair of digit patterns.
func Render(shown [2]byte) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, len(shown)*cellWidth, cellHeight+captionHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	for d, p := range shown {
		off := image.Pt(d*cellWidth, 0)
		for i, r := range segmentRects {
			c := unlitColor
			if p&(1<<i) != 0 {
				c = litColor
			}
			draw.Draw(img, r.Add(off), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(left, cellHeight+captionHeight-5),
	}
	drawer.DrawString(Caption(shown))
	return img
}

// ServeHTTP serves the current display as a PNG.
func (s *Screen) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	img := Render(s.Shown())
	w.Header().Add("content-type", "image/png")
	w.WriteHeader(http.StatusOK)
	if err := png.Encode(w, img); err != nil {
		log.Printf("encoding image: %v", err)
	}
}
