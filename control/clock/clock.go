// Package clock produces the fixed-rate wakeups that pace the display multiplexer.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"periph.io/x/conn/v3/gpio"
)

var (
	ticksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parport_display_ticks",
		Help: "count of timer firings",
	})

	missedTicksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parport_display_missed_ticks",
		Help: "count of ticks that were coalesced into a pending wakeup or skipped because the timer fell behind",
	})

	tickDelayMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parport_display_tick_delay",
		Help:    "amount of time between a tick's deadline and when it fired, in nanoseconds",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 8),
	})
)

// Period returns the tick period for a timer counting clockHz/prescale, overflowing on every
// count.  The firmware this replaces ran 1MHz/64 for a 64µs tick.
func Period(clockHz, prescale uint32) time.Duration {
	if clockHz == 0 {
		return 0
	}
	return time.Duration(uint64(prescale) * uint64(time.Second) / uint64(clockHz))
}

type options struct {
	pulse gpio.PinOut
}

// Option configures Tick.
type Option func(*options)

// WithPulse makes every tick pulse pin high then low, so that the refresh rate can be measured
// with a scope.
func WithPulse(pin gpio.PinOut) Option {
	return func(o *options) { o.pulse = pin }
}

// Tick sends a wakeup to ch every period until the context is cancelled.  The timer is re-armed on
// every firing for the deadline one period after the previous one, so the rate doesn't drift with
// how long the receiver takes.  ch should have a buffer of 1; a wakeup that arrives while one is
// still pending is dropped and counted, as is any deadline that has already passed by the time
// the timer is re-armed.
func Tick(ctx context.Context, period time.Duration, ch chan<- struct{}, opts ...Option) error {
	if period <= 0 {
		return fmt.Errorf("invalid tick period %v", period)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	next := time.Now().Add(period)
	t := time.NewTimer(time.Until(next))
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for next tick: %w", ctx.Err())
		}
		now := time.Now()
		ticksCounter.Inc()
		tickDelayMetric.Observe(float64(now.Sub(next).Nanoseconds()))
		if o.pulse != nil {
			if err := pulse(o.pulse); err != nil {
				return fmt.Errorf("pulse debug pin: %w", err)
			}
		}

		select {
		case ch <- struct{}{}:
		default:
			missedTicksCounter.Inc()
		}

		next = next.Add(period)
		if behind := now.Sub(next); behind >= 0 {
			skip := behind/period + 1
			missedTicksCounter.Add(float64(skip))
			next = next.Add(skip * period)
		}
		t.Reset(time.Until(next))
	}
}

func pulse(pin gpio.PinOut) error {
	if err := pin.Out(gpio.High); err != nil {
		return fmt.Errorf("set high: %w", err)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("set low: %w", err)
	}
	return nil
}
