package clock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestPeriod(t *testing.T) {
	testData := []struct {
		hz, prescale uint32
		want         time.Duration
	}{
		{1000000, 64, 64 * time.Microsecond},
		{1000000, 1, time.Microsecond},
		{8000000, 1024, 128 * time.Microsecond},
		{1000, 2, 2 * time.Millisecond},
		{0, 64, 0},
	}
	for _, test := range testData {
		if got, want := Period(test.hz, test.prescale), test.want; got != want {
			t.Errorf("period %v/%v:\n  got: %v\n want: %v", test.hz, test.prescale, got, want)
		}
	}
}

func TestTick(t *testing.T) {
	ctx, c := context.WithCancel(context.Background())
	period := 20 * time.Millisecond
	timeout := 10 * period

	tch := make(chan struct{}, 1)
	errch := make(chan error)
	go func() {
		errch <- Tick(ctx, period, tch)
		close(errch)
	}()

	// Check that ticks arrive and they're about a period apart.
	var a, b time.Time
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for first tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for first tick: %v", err)
	case <-tch:
		a = time.Now()
	}
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for second tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for second tick: %v", err)
	case <-tch:
		b = time.Now()
	}
	if diff := b.Sub(a); diff > timeout {
		t.Errorf("too much delay between ticks: %s", diff)
	}

	// Check that an absent listener does not block the ticker, and that missed ticks are
	// coalesced into a single pending wakeup.
	select {
	case <-time.After(5 * period):
	case err := <-errch:
		t.Fatalf("unexpected error while sleeping: %v", err)
	}
	if got, want := len(tch), 1; got != want {
		t.Errorf("pending wakeups after sleeping:\n  got: %v\n want: %v", got, want)
	}
	<-tch
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for third tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for third tick: %v", err)
	case <-tch:
	}

	// Check that cancelling the context stops the ticking.
	c()
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for cancel")
	case err := <-errch:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error after cancel: %v", err)
		}
	}
}

func TestTickInvalidPeriod(t *testing.T) {
	if err := Tick(context.Background(), 0, make(chan struct{}, 1)); err == nil {
		t.Error("expected error for zero period")
	}
}

type recordingPin struct {
	gpiotest.Pin
	mu     sync.Mutex
	levels []gpio.Level
}

func (p *recordingPin) Out(l gpio.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.levels = append(p.levels, l)
	return nil
}

func (p *recordingPin) history() []gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gpio.Level(nil), p.levels...)
}

func TestTickPulse(t *testing.T) {
	ctx, c := context.WithCancel(context.Background())
	pin := &recordingPin{Pin: gpiotest.Pin{N: "DEBUG"}}
	tch := make(chan struct{}, 1)
	errch := make(chan error)
	go func() {
		errch <- Tick(ctx, 5*time.Millisecond, tch, WithPulse(pin))
		close(errch)
	}()
	select {
	case <-tch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for tick")
	}
	c()
	<-errch

	levels := pin.history()
	if len(levels) < 2 || len(levels)%2 != 0 {
		t.Fatalf("expected whole high/low pulses, got %v", levels)
	}
	for i, l := range levels {
		if want := gpio.Level(i%2 == 0); l != want {
			t.Errorf("level %d:\n  got: %v\n want: %v", i, l, want)
		}
	}
}

// stallingPin blocks the ticker for stall on its first pulse, and records when each pulse started.
type stallingPin struct {
	gpiotest.Pin
	stall time.Duration

	mu     sync.Mutex
	starts []time.Time
}

func (p *stallingPin) Out(l gpio.Level) error {
	if l == gpio.Low {
		return nil
	}
	p.mu.Lock()
	p.starts = append(p.starts, time.Now())
	first := len(p.starts) == 1
	p.mu.Unlock()
	if first {
		time.Sleep(p.stall)
	}
	return nil
}

func (p *stallingPin) history() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.starts...)
}

func TestTickSkipsLateDeadlines(t *testing.T) {
	period := 20 * time.Millisecond
	pin := &stallingPin{Pin: gpiotest.Pin{N: "STALL"}, stall: 10 * period}
	ticksBefore := testutil.ToFloat64(ticksCounter)
	missedBefore := testutil.ToFloat64(missedTicksCounter)

	ctx, c := context.WithCancel(context.Background())
	tch := make(chan struct{}, 1)
	errch := make(chan error)
	start := time.Now()
	go func() {
		errch <- Tick(ctx, period, tch, WithPulse(pin))
		close(errch)
	}()

	// Receive slowly, so that some wakeups are coalesced as well.
	var delivered int
	for time.Since(start) < 30*period {
		time.Sleep(3 * period)
		select {
		case <-tch:
			delivered++
		default:
		}
	}
	c()
	if err := <-errch; !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error after cancel: %v", err)
	}
	elapsed := time.Since(start)
	delivered += len(tch)

	fired := testutil.ToFloat64(ticksCounter) - ticksBefore
	missed := testutil.ToFloat64(missedTicksCounter) - missedBefore
	deadlines := float64(elapsed / period)
	if got := float64(delivered) + missed; got > deadlines || got < deadlines-3 {
		t.Errorf("delivered+missed ticks over %v:\n  got: %v (%v delivered, %v missed)\n want: about %v", elapsed, got, delivered, missed, deadlines)
	}
	if got, want := missed, 8.0; got < want {
		t.Errorf("missed ticks after a %v stall:\n  got: %v\n want: at least %v", pin.stall, got, want)
	}
	if got := fired; got > deadlines-8 {
		t.Errorf("deadlines passed during the stall were fired instead of skipped: %v fired of %v", got, deadlines)
	}

	// After the stall, the ticker picks up on the original schedule instead of firing the
	// deadlines it missed back to back.
	starts := pin.history()
	if len(starts) < 3 {
		t.Fatalf("too few ticks: %v", len(starts))
	}
	var short int
	for i := 1; i < len(starts); i++ {
		if starts[i].Sub(starts[i-1]) < period/4 {
			short++
		}
	}
	if short > 2 {
		t.Errorf("%d of %d ticks fired in a burst", short, len(starts)-1)
	}
}
