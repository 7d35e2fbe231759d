// Package config describes how the display and parallel port are wired to the host's GPIO pins.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jrockway/parport-display/control/clock"
	"gopkg.in/yaml.v3"
)

// Config is the whole configuration file.
type Config struct {
	Pins   Pins   `yaml:"pins"`
	Timing Timing `yaml:"timing"`
}

// Pins maps each line to a periph.io pin name (e.g. "P9_12" or "GPIO17").  An empty pin set runs
// the display in simulation mode.
type Pins struct {
	// Data lines D0 through D7.
	Data     []string `yaml:"data"`
	Busy     string   `yaml:"busy"`
	PaperOut string   `yaml:"paper_out"`
	// Inputs that aren't wired to anything; they get pull-ups so they don't float.
	Unused []string `yaml:"unused"`
	// Pull applied to the data and status inputs: "float", "up", "down" or "" for float.
	Pull string `yaml:"pull"`
	// Set if BUSY or PAPER-OUT are wired through an inverter.
	BusyActiveLow     bool `yaml:"busy_active_low"`
	PaperOutActiveLow bool `yaml:"paper_out_active_low"`

	// Segments A through G, then the decimal point.
	Segments []string `yaml:"segments"`
	Digit1   string   `yaml:"digit1"`
	Digit2   string   `yaml:"digit2"`
	// Set for common-anode displays or drivers that invert.
	SegmentActiveLow bool `yaml:"segment_active_low"`
	EnableActiveLow  bool `yaml:"enable_active_low"`

	// If set, this pin is pulsed on every tick.
	DebugPin string `yaml:"debug_pin"`
}

// Timing sets the tick rate; one digit is drawn per tick.
type Timing struct {
	ClockHz  uint32 `yaml:"clock_hz"`
	Prescale uint32 `yaml:"prescale"`
}

const (
	DefaultClockHz  = 1000000
	DefaultPrescale = 64
)

var (
	// ErrPartialPins is returned when some, but not all, of the required pins are set.
	ErrPartialPins = errors.New("either all of data, busy, paper_out, segments, digit1 and digit2 must be set, or none")
	// ErrPinReused is returned when the same pin is assigned to two lines.
	ErrPinReused = errors.New("pin used more than once")
)

// Default returns a configuration for simulation mode at the original firmware's tick rate.
func Default() *Config {
	return &Config{
		Timing: Timing{ClockHz: DefaultClockHz, Prescale: DefaultPrescale},
	}
}

// Load reads a configuration file.  Unknown keys are an error.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(content)
}

// Parse parses the YAML representation of a config.  Timing values that are missing are filled
// in from Default.
func Parse(content []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	Normalize(cfg)
	return cfg, nil
}

// Simulated returns true if no hardware pins are configured.
func (p *Pins) Simulated() bool {
	return len(p.Data) == 0 && p.Busy == "" && p.PaperOut == "" && len(p.Segments) == 0 && p.Digit1 == "" && p.Digit2 == ""
}

// Period returns the duration of one tick.
func (t Timing) Period() time.Duration {
	return clock.Period(t.ClockHz, t.Prescale)
}

// Validate checks the configuration for mistakes.  It does not mutate it.
func Validate(cfg *Config) error {
	if cfg.Timing.ClockHz == 0 {
		return errors.New("timing: clock_hz must be positive")
	}
	if cfg.Timing.Prescale == 0 {
		return errors.New("timing: prescale must be positive")
	}
	if p := cfg.Timing.Period(); p < time.Microsecond {
		return fmt.Errorf("timing: tick period %v is shorter than 1µs", p)
	}

	p := &cfg.Pins
	switch p.Pull {
	case "", "float", "up", "down":
	default:
		return fmt.Errorf("pins: unknown pull %q", p.Pull)
	}
	if p.Simulated() {
		if len(p.Unused) > 0 || p.DebugPin != "" {
			return fmt.Errorf("pins: unused or debug_pin set without any display pins: %w", ErrPartialPins)
		}
		return nil
	}
	if len(p.Data) == 0 || p.Busy == "" || p.PaperOut == "" || len(p.Segments) == 0 || p.Digit1 == "" || p.Digit2 == "" {
		return ErrPartialPins
	}
	if got := len(p.Data); got != 8 {
		return fmt.Errorf("pins: need 8 data pins, got %d", got)
	}
	if got := len(p.Segments); got != 8 {
		return fmt.Errorf("pins: need 8 segment pins (A-G and DP), got %d", got)
	}

	owner := make(map[string]string)
	claim := func(pin, line string) error {
		if pin == "" {
			return fmt.Errorf("pins: %s has no pin name", line)
		}
		if prev, ok := owner[pin]; ok {
			return fmt.Errorf("pins: %s is used by both %s and %s: %w", pin, prev, line, ErrPinReused)
		}
		owner[pin] = line
		return nil
	}
	for i, pin := range p.Data {
		if err := claim(pin, fmt.Sprintf("D%d", i)); err != nil {
			return err
		}
	}
	for i, pin := range p.Segments {
		if err := claim(pin, fmt.Sprintf("segment %c", "ABCDEFGP"[i])); err != nil {
			return err
		}
	}
	for _, l := range []struct{ pin, line string }{
		{p.Busy, "busy"},
		{p.PaperOut, "paper_out"},
		{p.Digit1, "digit1"},
		{p.Digit2, "digit2"},
	} {
		if err := claim(l.pin, l.line); err != nil {
			return err
		}
	}
	for i, pin := range p.Unused {
		if err := claim(pin, fmt.Sprintf("unused[%d]", i)); err != nil {
			return err
		}
	}
	if p.DebugPin != "" {
		if err := claim(p.DebugPin, "debug_pin"); err != nil {
			return err
		}
	}
	return nil
}

// Normalize fills in defaults.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Timing.ClockHz == 0 {
		cfg.Timing.ClockHz = DefaultClockHz
	}
	if cfg.Timing.Prescale == 0 {
		cfg.Timing.Prescale = DefaultPrescale
	}
	if cfg.Pins.Pull == "" {
		cfg.Pins.Pull = "float"
	}
}
