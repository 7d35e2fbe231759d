package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrockway/parport-display/control/clock"
	"github.com/jrockway/parport-display/control/config"
	"github.com/jrockway/parport-display/control/mux"
	"github.com/jrockway/parport-display/control/parport"
	"github.com/jrockway/parport-display/control/screen"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/trace"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var (
	bind        = flag.String("bind", ":8080", "address to bind for debug/metrics server")
	configFile  = flag.String("config", "", "yaml file describing how the port and display are wired; empty to simulate")
	clockHz     = flag.Uint("clock-hz", 0, "if set, override the timer clock frequency")
	prescale    = flag.Uint("prescale", 0, "if set, override the timer prescale; one digit is drawn every prescale/clock-hz seconds")
	debugPin    = flag.String("debug-pin", "", "if set, pulse this pin on every tick")
	dump        = flag.Bool("dump", false, "print what the simulated inputs look like on the display and exit")
	simValue    = flag.Uint("sim-value", 0, "simulation mode: byte on the data lines")
	simBusy     = flag.Bool("sim-busy", false, "simulation mode: assert BUSY")
	simPaperOut = flag.Bool("sim-paper-out", false, "simulation mode: assert PAPER-OUT")
)

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return nil, err
		}
	}
	if *clockHz != 0 {
		cfg.Timing.ClockHz = uint32(*clockHz)
	}
	if *prescale != 0 {
		cfg.Timing.Prescale = uint32(*prescale)
	}
	if *debugPin != "" {
		cfg.Pins.DebugPin = *debugPin
	}
	config.Normalize(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return cfg, nil
}

// dumpDisplay runs one full refresh cycle against the simulated inputs and prints the result.
func dumpDisplay() error {
	leds, err := screen.Open(config.Pins{})
	if err != nil {
		return err
	}
	m := mux.New(parport.NewStatic(byte(*simValue), *simBusy, *simPaperOut), leds)
	for _, d := range []mux.Phase{mux.Digit1, mux.Digit2} {
		if err := m.Tick(); err != nil {
			return fmt.Errorf("draw %v: %w", d, err)
		}
	}
	fmt.Print(leds.Text())
	return nil
}

func main() {
	flag.Parse()
	if *simValue > 0xff {
		log.Fatalf("-sim-value %#x does not fit in a byte", *simValue)
	}
	if *dump {
		if err := dumpDisplay(); err != nil {
			log.Fatalf("dump: %v", err)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if _, err := host.Init(); err != nil {
		log.Fatalf("init periph.io: %v", err)
	}

	var port mux.Port
	if cfg.Pins.Simulated() {
		log.Printf("no pins configured; simulating the parallel port")
		static := parport.NewStatic(byte(*simValue), *simBusy, *simPaperOut)
		http.Handle("/sim", static)
		port = static
	} else {
		p, err := parport.Open(cfg.Pins)
		if err != nil {
			log.Fatalf("open parallel port: %v", err)
		}
		port = p
	}

	leds, err := screen.Open(cfg.Pins)
	if err != nil {
		log.Fatalf("init screen: %v", err)
	}

	var tickOpts []clock.Option
	if name := cfg.Pins.DebugPin; name != "" {
		pin := gpioreg.ByName(name)
		if pin == nil {
			log.Fatalf("debug pin: no gpio pin named %q", name)
		}
		if err := pin.Out(gpio.Low); err != nil {
			log.Fatalf("debug pin %s: %v", pin, err)
		}
		tickOpts = append(tickOpts, clock.WithPulse(pin))
	}

	http.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/display.png", http.StatusFound)
	})
	http.Handle("/display.png", leds)
	http.Handle("/metrics", promhttp.Handler())

	ctx, cancel := context.WithCancel(context.Background())

	httpDoneCh := make(chan error)
	httpServer := http.Server{Addr: *bind}
	go func() {
		log.Printf("http server listening on %s", httpServer.Addr)
		err := httpServer.ListenAndServe()
		select {
		case httpDoneCh <- err:
		case <-ctx.Done():
		}
		close(httpDoneCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	l := trace.NewEventLog("display", "multiplexer")
	period := cfg.Timing.Period()
	l.Printf("tick period %v (%v Hz / %v)", period, cfg.Timing.ClockHz, cfg.Timing.Prescale)
	log.Printf("drawing one digit every %v", period)
	if period < time.Millisecond {
		// Go timers rarely wake up this often; the display still alternates, just more slowly.
		log.Printf("tick period %v is below timer resolution; see parport_display_missed_ticks for the rate actually achieved", period)
	}

	ticks := make(chan struct{}, 1)
	tickDoneCh := make(chan error, 1)
	go func() {
		tickDoneCh <- clock.Tick(ctx, period, ticks, tickOpts...)
	}()

	m := mux.New(port, leds)
	loopDoneCh := make(chan error, 1)
	go func() {
		loopDoneCh <- m.Run(ctx, ticks)
	}()

	loopAlive, httpAlive := true, true
	select {
	case err := <-httpDoneCh:
		log.Printf("http server died: %v", err)
		l.Errorf("http server died: %v", err)
		httpAlive = false
	case err := <-tickDoneCh:
		log.Printf("ticker died: %v", err)
		l.Errorf("ticker died: %v", err)
	case err := <-loopDoneCh:
		log.Printf("display loop died: %v", err)
		l.Errorf("display loop died: %v", err)
		loopAlive = false
	case <-sigCh:
		log.Printf("interrupt")
	}
	signal.Stop(sigCh)
	cancel()
	if loopAlive {
		<-loopDoneCh
	}

	// Leave the display dark, so someone looking at it can tell that nothing is being monitored.
	if err := leds.Blank(); err != nil {
		log.Printf("blank display: %v", err)
	}
	if httpAlive {
		tctx, c := context.WithTimeout(context.Background(), time.Second)
		httpServer.Shutdown(tctx)
		c()
	}
	l.Finish()
	os.Exit(1)
}
