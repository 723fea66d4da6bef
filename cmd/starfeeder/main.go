// Package main is the starfeeder acquisition engine's entry point: load
// config, open the event store and Whisker relay, start the Supervisor,
// and run until signalled to stop. Grounded on the teacher's
// cmd/mqttradio/main.go (flag parsing, config load, start loop,
// signal-free "run forever"), generalized to a proper context +
// os/signal shutdown since this engine owns serial ports that must be
// closed cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/config"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/events"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/logging"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/store"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/supervisor"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/whisker"
)

const whiskerDialTimeout = 5 * time.Second

func main() {
	configFile := flag.String("config", "starfeeder.toml", "path to config file")
	debug := flag.Bool("debug", false, "enable verbose development logging")
	flag.Parse()

	log := logging.New(*debug)
	defer log.Sync()

	if err := run(*configFile, log); err != nil {
		log.Errorw("starfeeder exiting", "err", err)
		os.Exit(1)
	}
}

func run(configFile string, log *zap.SugaredLogger) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath, durationFromSeconds(cfg.RfidCoalesceWindowS))
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer db.Close()

	wclient := whisker.New(cfg.WhiskerHost, cfg.WhiskerPort, whiskerReportName, cfg.BroadcastPrefix, log)
	if err := wclient.Connect(whiskerDialTimeout); err != nil {
		log.Warnw("could not connect to whisker server at startup, will keep serving locally", "err", err)
	} else {
		defer wclient.Close()
	}

	sink := events.FanOut{Sinks: []events.Sink{db, wclient}}

	sv := supervisor.New(cfg, sink, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sv.Start(ctx); err != nil {
		return fmt.Errorf("starting devices: %w", err)
	}
	defer sv.Stop()

	log.Infow("starfeeder running", "readers", sv.ReaderNames())
	go sv.RunPingLoop(ctx)

	<-ctx.Done()
	log.Infow("shutting down")
	return nil
}

const whiskerReportName = "starfeeder"

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
