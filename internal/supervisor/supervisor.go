// Package supervisor owns the configuration snapshot, instantiates and
// wires one SerialLink per enabled device, and drives start/stop
// ordering (§4.8). RFID detections go to the shared Correlator and the
// EventSink only; they are not forwarded to the paired balance's
// controller, so balance.Controller.OnRfid is never called and a balance
// without read_continuously goes idle after its first measurement batch.
// Grounded on the teacher's cmd/mqttradio/main.go device-construction
// loop, generalized from "one radio type" to "one reader paired with
// one balance".
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/balance"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/config"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/correlate"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/events"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/link"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/rfidcontroller"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/stability"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/starerr"
)

// defaultPingInterval is how often an idle balance is polled with
// Ping() to detect a device that has gone silently deaf (SPEC_FULL.md
// supplemented feature 1).
const defaultPingInterval = 30 * time.Second

// maxMissedPings is how many consecutive unanswered pings before a
// balance's link is asked to stop, per §7's transport-error policy.
const maxMissedPings = 3

// readerLink pairs a SerialLink with its RfidController.
type readerLink struct {
	cfg  config.RfidReaderConfig
	link *link.SerialLink
	ctrl *rfidcontroller.Controller
}

// balanceLink pairs a SerialLink with its BalanceController.
type balanceLink struct {
	cfg  config.BalanceConfig
	link *link.SerialLink
	ctrl *balance.Controller
}

// Supervisor wires and runs the whole acquisition engine for one
// configuration snapshot.
type Supervisor struct {
	cfg *config.MasterConfig
	log *zap.SugaredLogger

	sink events.Sink

	correlator *correlate.Correlator
	readers    []*readerLink
	balances   []*balanceLink

	statusMu  sync.Mutex
	statusLog []events.StatusUpdate

	missedMu sync.Mutex
	missed   map[int]int
}

// clearMissed zeroes the missed-ping counter for a balance, called
// whenever it proves it's still listening by answering IDN?/ESR? (see
// balanceSink.ObserveHeartbeat).
func (sv *Supervisor) clearMissed(balanceID int) {
	sv.missedMu.Lock()
	sv.missed[balanceID] = 0
	sv.missedMu.Unlock()
}

// recordStatus appends a StatusUpdate to the in-memory log and relays
// it to the configured EventSink as a broadcast line (SPEC_FULL.md
// supplemented feature 4 — there is no GUI here to poll StatusUpdates,
// but Whisker's console gets the same free-text line the GUI would
// have shown).
func (sv *Supervisor) recordStatus(deviceID int, status string) {
	u := events.StatusUpdate{DeviceID: deviceID, Status: status, At: time.Now()}
	sv.statusMu.Lock()
	sv.statusLog = append(sv.statusLog, u)
	sv.statusMu.Unlock()
	sv.sink.Broadcast(fmt.Sprintf("STATUS: device %d, %s", deviceID, status))
}

// statusTap wraps a link.Controller, forwarding OnReceive/OnError
// unchanged but additionally routing OnStatus through the Supervisor's
// status log and broadcast relay.
type statusTap struct {
	link.Controller
	deviceID int
	sv       *Supervisor
}

func (t statusTap) OnStatus(status string) {
	t.Controller.OnStatus(status)
	t.sv.recordStatus(t.deviceID, status)
}

// New builds a Supervisor for the given snapshot. sink is the combined
// events.Sink (persistence + Whisker relay); building the fan-out is
// the caller's job (see cmd/starfeeder).
func New(cfg *config.MasterConfig, sink events.Sink, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		log:        log.Named("supervisor"),
		sink:       sink,
		correlator: correlate.New(cfg.RfidEffectiveTimeS),
		missed:     make(map[int]int),
	}
}

// rfidSink adapts (correlator + EventSink) to rfidcontroller.Sink.
type rfidSink struct {
	correlator *correlate.Correlator
	sink       events.Sink
}

func (s *rfidSink) Observe(d events.RfidDetection) {
	s.correlator.Observe(d)
	s.sink.RecordRfid(d)
}

// balanceSink adapts EventSink to balance.Sink, logging calibration
// reports since EventSink's narrow interface (§4.7) has no dedicated
// calibration operation, and relaying heartbeats to the owning
// Supervisor's missed-ping counter.
type balanceSink struct {
	sink      events.Sink
	log       *zap.SugaredLogger
	sv        *Supervisor
	balanceID int
}

func (s *balanceSink) ObserveMass(m events.MassReading) {
	s.sink.RecordMass(m)
}

func (s *balanceSink) ObserveCalibration(r events.CalibrationReport) {
	s.log.Infow("calibration report",
		"balance", r.BalanceName,
		"zero_value", r.ZeroValue,
		"refload_value", r.RefloadValue,
		"refload_mass_kg", r.RefloadMassKg)
}

// ObserveHeartbeat clears the missed-ping counter: any IDN?/ESR? reply,
// whether prompted by the reset sequence or by RunPingLoop's Ping(),
// proves the balance is still listening.
func (s *balanceSink) ObserveHeartbeat() {
	if s.sv != nil {
		s.sv.clearMissed(s.balanceID)
	}
}

// Start wires and starts every enabled device in dependency-free
// order: writer, then reader, then controller, per link; on any link
// failing to open, Start stops everything already running and returns
// the error.
func (sv *Supervisor) Start(ctx context.Context) error {
	readersByID := make(map[int]config.RfidReaderConfig)
	for _, r := range sv.cfg.Readers {
		readersByID[r.ID] = r
	}

	for _, rc := range sv.cfg.Readers {
		if !rc.Enabled {
			continue
		}
		rl, err := sv.buildReader(rc)
		if err != nil {
			sv.Stop()
			return err
		}
		sv.readers = append(sv.readers, rl)
	}

	for _, bc := range sv.cfg.Balances {
		if !bc.Enabled {
			continue
		}
		reader := readersByID[bc.ReaderID]
		bl, err := sv.buildBalance(bc, reader)
		if err != nil {
			sv.Stop()
			return err
		}
		sv.balances = append(sv.balances, bl)
	}

	for _, rl := range sv.readers {
		if err := rl.link.Start(ctx); err != nil {
			sv.Stop()
			return err
		}
		rl.ctrl.Start()
	}
	for _, bl := range sv.balances {
		if err := bl.link.Start(ctx); err != nil {
			sv.Stop()
			return err
		}
		bl.ctrl.Start()
	}
	return nil
}

func (sv *Supervisor) buildReader(rc config.RfidReaderConfig) (*readerLink, error) {
	sinkAdapter := &rfidSink{correlator: sv.correlator, sink: sv.sink}
	params := link.Params{
		Name:    rc.Name,
		Port:    rc.Port,
		Baud:    uint(rc.Baud),
		RxEOL:   []byte("\r\n"),
		TxEOL:   nil,
		XonXoff: rc.XonXoff,
		RtsCts:  rc.RtsCts,
		DtrDsr:  rc.DtrDsr,
	}
	var l *link.SerialLink
	ctrl := rfidcontroller.New(rc.ID, rc.Name, linkSenderFunc(func(data []byte, delay time.Duration) {
		l.Send(data, delay)
	}), sinkAdapter, sv.log)
	l = link.New(params, statusTap{Controller: ctrl, deviceID: rc.ID, sv: sv}, sv.log)

	return &readerLink{cfg: rc, link: l, ctrl: ctrl}, nil
}

func (sv *Supervisor) buildBalance(bc config.BalanceConfig, reader config.RfidReaderConfig) (*balanceLink, error) {
	if reader.ID == 0 && bc.ReaderID != 0 {
		return nil, starerr.Newf(starerr.Config, bc.Name, "balance %q references unknown reader_id %d", bc.Name, bc.ReaderID)
	}
	det := stability.New(bc.StabilityN, bc.ToleranceKg, bc.MinMassKg, bc.UnlockMassKg)
	sinkAdapter := &balanceSink{sink: sv.sink, log: sv.log, sv: sv, balanceID: bc.ID}

	ccfg := balance.Config{
		BalanceID:          bc.ID,
		BalanceName:        bc.Name,
		ReaderID:           reader.ID,
		ReaderName:         reader.Name,
		Baud:               bc.Baud,
		Parity:             bc.Parity,
		MeasurementRateHz:  bc.MeasurementRateHz,
		RefloadMassKg:      bc.RefloadMassKg,
		ReadContinuously:   bc.ReadContinuously,
		RfidEffectiveTimeS: sv.cfg.RfidEffectiveTimeS,
		ZeroValue:          bc.ZeroValue,
		RefloadValue:       bc.RefloadValue,
	}

	params := link.Params{
		Name:    bc.Name,
		Port:    bc.Port,
		Baud:    uint(bc.Baud),
		RxEOL:   []byte("\r\n"),
		TxEOL:   []byte(";"),
		XonXoff: bc.XonXoff,
		RtsCts:  bc.RtsCts,
		DtrDsr:  bc.DtrDsr,
	}
	var l *link.SerialLink
	ctrl := balance.New(ccfg, linkSenderFunc(func(data []byte, delay time.Duration) {
		l.Send(data, delay)
	}), sinkAdapter, det, sv.correlator, sv.log)
	l = link.New(params, statusTap{Controller: ctrl, deviceID: bc.ID, sv: sv}, sv.log)

	return &balanceLink{cfg: bc, link: l, ctrl: ctrl}, nil
}

// linkSenderFunc adapts a plain func to balance.Sender/rfidcontroller.Sender.
type linkSenderFunc func(data []byte, delay time.Duration)

func (f linkSenderFunc) Send(data []byte, delay time.Duration) { f(data, delay) }

// Stop requests controller, then reader, then writer stop on every
// link, waiting for quiescence before closing ports, per §4.8's stop
// order. It does not return an error list; individual link stop
// failures are logged.
func (sv *Supervisor) Stop() {
	for _, bl := range sv.balances {
		bl.ctrl.Stop()
		if err := bl.link.Stop(); err != nil {
			sv.log.Warnw("stopping balance link", "balance", bl.cfg.Name, "err", err)
		}
	}
	for _, rl := range sv.readers {
		rl.ctrl.Stop()
		if err := rl.link.Stop(); err != nil {
			sv.log.Warnw("stopping reader link", "reader", rl.cfg.Name, "err", err)
		}
	}
}

// StatusUpdates returns a snapshot of the in-memory status log
// (SPEC_FULL.md supplemented feature 4); there is no GUI in this repo
// to poll it, but the surface producing it is implemented.
func (sv *Supervisor) StatusUpdates() []events.StatusUpdate {
	sv.statusMu.Lock()
	defer sv.statusMu.Unlock()
	return append([]events.StatusUpdate{}, sv.statusLog...)
}

// RunPingLoop periodically pings every balance; a balance that misses
// maxMissedPings consecutive pings has its link stopped as a transport
// error (SPEC_FULL.md supplemented feature 1). A balance's IDN?/ESR?
// reply — relayed via balanceSink.ObserveHeartbeat — resets its counter
// to 0, so only a balance that is genuinely unresponsive accumulates
// misses. It blocks until ctx is cancelled.
func (sv *Supervisor) RunPingLoop(ctx context.Context) {
	ticker := time.NewTicker(defaultPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, bl := range sv.balances {
				bl.ctrl.Ping()

				sv.missedMu.Lock()
				sv.missed[bl.cfg.ID]++
				count := sv.missed[bl.cfg.ID]
				sv.missedMu.Unlock()

				if count > maxMissedPings {
					sv.log.Errorw("balance missed consecutive pings, stopping link",
						"balance", bl.cfg.Name, "missed", count)
					_ = bl.link.Stop()
				}
			}
		}
	}
}

// ReaderNames returns the configured reader names, for diagnostics.
func (sv *Supervisor) ReaderNames() []string {
	names := make([]string, 0, len(sv.readers))
	for _, rl := range sv.readers {
		names = append(names, rl.cfg.Name)
	}
	return names
}

