// Package parport reads the data and status lines of a printer port wired to GPIO inputs.
package parport

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/jrockway/parport-display/control/config"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// Port is a parallel port on GPIO pins.  Reads are not synchronized across lines; the 8 data bits
// are read one pin at a time.
type Port struct {
	data     [8]gpio.PinIn
	busy     gpio.PinIn
	paperOut gpio.PinIn

	busyActive, paperOutActive gpio.Level
}

// Lines are the already-resolved pins of a port.
type Lines struct {
	Data     [8]gpio.PinIn
	Busy     gpio.PinIn
	PaperOut gpio.PinIn
	Unused   []gpio.PinIn

	Pull              gpio.Pull
	BusyActiveLow     bool
	PaperOutActiveLow bool
}

// ParsePull converts a configuration pull name to a gpio.Pull.
func ParsePull(name string) (gpio.Pull, error) {
	switch name {
	case "", "float":
		return gpio.Float, nil
	case "up":
		return gpio.PullUp, nil
	case "down":
		return gpio.PullDown, nil
	}
	return gpio.PullNoChange, fmt.Errorf("unknown pull %q", name)
}

// Open looks up the configured pins by name and sets them up as inputs.
func Open(p config.Pins) (*Port, error) {
	if len(p.Data) != 8 {
		return nil, fmt.Errorf("need 8 data pins, got %d", len(p.Data))
	}
	pull, err := ParsePull(p.Pull)
	if err != nil {
		return nil, err
	}
	l := Lines{
		Pull:              pull,
		BusyActiveLow:     p.BusyActiveLow,
		PaperOutActiveLow: p.PaperOutActiveLow,
	}
	for i, name := range p.Data {
		if l.Data[i], err = lookup(name); err != nil {
			return nil, fmt.Errorf("D%d: %w", i, err)
		}
	}
	if l.Busy, err = lookup(p.Busy); err != nil {
		return nil, fmt.Errorf("busy: %w", err)
	}
	if l.PaperOut, err = lookup(p.PaperOut); err != nil {
		return nil, fmt.Errorf("paper out: %w", err)
	}
	for _, name := range p.Unused {
		pin, err := lookup(name)
		if err != nil {
			return nil, fmt.Errorf("unused: %w", err)
		}
		l.Unused = append(l.Unused, pin)
	}
	return New(l)
}

func lookup(name string) (gpio.PinIO, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("no gpio pin named %q", name)
	}
	return pin, nil
}

// New configures the provided pins as inputs.  Unused pins are pulled up so that they don't float.
func New(l Lines) (*Port, error) {
	p := &Port{
		data:           l.Data,
		busy:           l.Busy,
		paperOut:       l.PaperOut,
		busyActive:     gpio.Level(!l.BusyActiveLow),
		paperOutActive: gpio.Level(!l.PaperOutActiveLow),
	}
	for i, pin := range p.data {
		if pin == nil {
			return nil, fmt.Errorf("D%d: no pin", i)
		}
		if err := pin.In(l.Pull, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("configure D%d (%s): %w", i, pin, err)
		}
	}
	for _, s := range []struct {
		name string
		pin  gpio.PinIn
	}{{"busy", p.busy}, {"paper out", p.paperOut}} {
		if s.pin == nil {
			return nil, fmt.Errorf("%s: no pin", s.name)
		}
		if err := s.pin.In(l.Pull, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("configure %s (%s): %w", s.name, s.pin, err)
		}
	}
	for _, pin := range l.Unused {
		if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("pull up unused pin %s: %w", pin, err)
		}
	}
	return p, nil
}

// Data returns the byte on D0-D7.
func (p *Port) Data() byte {
	var b byte
	for i, pin := range p.data {
		if pin.Read() == gpio.High {
			b |= 1 << i
		}
	}
	return b
}

// Busy returns true if the printer is busy.
func (p *Port) Busy() bool { return p.busy.Read() == p.busyActive }

// PaperOut returns true if the printer is out of paper.
func (p *Port) PaperOut() bool { return p.paperOut.Read() == p.paperOutActive }

// Static is a port whose lines are set by software, for running without hardware.
type Static struct {
	mu       sync.Mutex
	data     byte
	busy     bool
	paperOut bool
}

// NewStatic returns a Static port with the given line levels.
func NewStatic(data byte, busy, paperOut bool) *Static {
	return &Static{data: data, busy: busy, paperOut: paperOut}
}

// Set changes all the lines at once.
func (s *Static) Set(data byte, busy, paperOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data, s.busy, s.paperOut = data, busy, paperOut
}

func (s *Static) Data() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (s *Static) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Static) PaperOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paperOut
}

// ServeHTTP shows the current line levels, and on POST changes them from the form values "value"
// (any base accepted by strconv, e.g. 0xa5), "busy" and "paper_out".
func (s *Static) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodPost {
		if err := req.ParseForm(); err != nil {
			http.Error(w, fmt.Sprintf("parse form: %v", err), http.StatusBadRequest)
			return
		}
		v, err := strconv.ParseUint(req.Form.Get("value"), 0, 8)
		if err != nil {
			http.Error(w, fmt.Sprintf("parse value: %v", err), http.StatusBadRequest)
			return
		}
		busy, err := parseFlag(req.Form.Get("busy"))
		if err != nil {
			http.Error(w, fmt.Sprintf("parse busy: %v", err), http.StatusBadRequest)
			return
		}
		paperOut, err := parseFlag(req.Form.Get("paper_out"))
		if err != nil {
			http.Error(w, fmt.Sprintf("parse paper_out: %v", err), http.StatusBadRequest)
			return
		}
		s.Set(byte(v), busy, paperOut)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("content-type", "text/plain")
	fmt.Fprintf(w, "value=0x%02x busy=%v paper_out=%v\n", s.data, s.busy, s.paperOut)
}

// parseFlag reads a boolean form value.  A missing value is false.
func parseFlag(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
