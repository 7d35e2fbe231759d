// Package mux samples the parallel port and multiplexes it onto a two-digit seven-segment display,
// one digit per tick.
package mux

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrockway/parport-display/control/segment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parport_display_samples",
		Help: "count of reads of the parallel port data lines",
	})
	valueGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parport_display_value",
		Help: "the byte most recently sampled from the parallel port",
	})
	busyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parport_display_busy",
		Help: "1 if BUSY was asserted the last time digit 1 was drawn",
	})
	paperOutGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parport_display_paper_out",
		Help: "1 if PAPER-OUT was asserted the last time digit 2 was drawn",
	})
)

// ErrTicksClosed is returned by Run when the tick source goes away.
var ErrTicksClosed = errors.New("tick channel closed")

// Phase is the digit that the next tick draws.
type Phase int

const (
	Digit1 Phase = iota // high nibble, BUSY on the decimal point
	Digit2              // low nibble, PAPER-OUT on the decimal point
)

func (p Phase) String() string {
	switch p {
	case Digit1:
		return "digit 1"
	case Digit2:
		return "digit 2"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Flip returns the other phase.
func (p Phase) Flip() Phase {
	if p == Digit1 {
		return Digit2
	}
	return Digit1
}

// State is everything the loop remembers between ticks.
type State struct {
	phase   Phase
	sampled byte
}

// NewState returns the power-on state: about to sample and draw digit 1.
func NewState() State {
	return State{phase: Digit1}
}

func (s State) Phase() Phase  { return s.phase }
func (s State) Sampled() byte { return s.sampled }

// Inputs are the raw levels of the parallel port lines.
type Inputs struct {
	Data     byte
	Busy     bool
	PaperOut bool
}

// Frame is what one tick puts on the display.
type Frame struct {
	Digit    Phase
	Segments byte
}

// Step advances the state by one tick.  Digit 1 latches in.Data and draws its high nibble; digit 2
// draws the low nibble of the byte latched on the previous tick and ignores in.Data, so the two
// digits on the display always come from the same sample.
func Step(s State, in Inputs) (Frame, State) {
	f := Frame{Digit: s.phase}
	switch s.phase {
	case Digit1:
		s.sampled = in.Data
		f.Segments = segment.Encode(s.sampled >> 4)
		if in.Busy {
			f.Segments |= segment.DecimalPoint
		}
	default:
		f.Segments = segment.Encode(s.sampled & 0x0f)
		if in.PaperOut {
			f.Segments |= segment.DecimalPoint
		}
	}
	s.phase = s.phase.Flip()
	return f, s
}

// Port reads the parallel port.
type Port interface {
	Data() byte
	Busy() bool
	PaperOut() bool
}

// Display drives the segment and digit-enable lines.
type Display interface {
	// Blank turns off both digits.
	Blank() error
	// Drive sets the segment lines to the pattern.
	Drive(segments byte) error
	// Enable turns on one digit.
	Enable(d Phase) error
}

// Multiplexer runs the sample/draw loop.  It is not safe for concurrent use; only Run's goroutine
// touches the state.
type Multiplexer struct {
	port    Port
	display Display
	state   State

	// OnFrame, if set, is called with every frame after it has been displayed.
	OnFrame func(Frame)
}

// New returns a Multiplexer in the power-on state.
func New(p Port, d Display) *Multiplexer {
	return &Multiplexer{port: p, display: d, state: NewState()}
}

// State returns the current state.
func (m *Multiplexer) State() State { return m.state }

// Tick draws the next digit.  Both digits are turned off before the segment lines change, so that
// the old digit never shows the new pattern.
func (m *Multiplexer) Tick() error {
	if err := m.display.Blank(); err != nil {
		return fmt.Errorf("blank: %w", err)
	}

	// Only read the lines that this phase uses.
	var in Inputs
	switch m.state.phase {
	case Digit1:
		in.Data = m.port.Data()
		in.Busy = m.port.Busy()
		samplesCounter.Inc()
		valueGauge.Set(float64(in.Data))
		busyGauge.Set(boolToFloat(in.Busy))
	default:
		in.PaperOut = m.port.PaperOut()
		paperOutGauge.Set(boolToFloat(in.PaperOut))
	}

	f, next := Step(m.state, in)
	if err := m.display.Drive(f.Segments); err != nil {
		return fmt.Errorf("drive segments for %v: %w", f.Digit, err)
	}
	if err := m.display.Enable(f.Digit); err != nil {
		return fmt.Errorf("enable %v: %w", f.Digit, err)
	}
	m.state = next
	if m.OnFrame != nil {
		m.OnFrame(f)
	}
	return nil
}

// Run draws one digit per value received on ticks until the context is cancelled or the display
// fails.  The display is blanked on the way out.
func (m *Multiplexer) Run(ctx context.Context, ticks <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			if err := m.display.Blank(); err != nil {
				return fmt.Errorf("blank after %v: %w", ctx.Err(), err)
			}
			return fmt.Errorf("waiting for tick: %w", ctx.Err())
		case _, ok := <-ticks:
			if !ok {
				return ErrTicksClosed
			}
		}
		if err := m.Tick(); err != nil {
			return err
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
