// Package balance implements BalanceController (§4.4): the per-balance
// state machine driving a multi-phase reset, a FIFO command/reply
// queue, batched measurement cycles, status decoding, and software
// tare/calibration. Grounded on original_source/weigh/balance.py's
// BalanceController for the reset phases, command queue, and batching
// shape; the soft-calibration arithmetic has no original-source ground
// truth (the Python original never implements it) and follows spec.md
// §4.4 directly.
package balance

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/correlate"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/events"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/stability"
)

const (
	cmdNoOp            = ""
	cmdStopMeasuring   = "STP"
	cmdWarmRestart     = "RES"
	cmdSetBaudRate     = "BDR"
	cmdQueryBaudRate   = "BDR?"
	cmdAsciiResult     = "COF3"
	cmdDataDelimiter   = "TEX172"
	cmdQueryIdent      = "IDN?"
	cmdQueryStatus     = "ESR?"
	cmdQueryScaling    = "NOV?"
	cmdMeasurementRate = "ICR"
	cmdQueryMeasure    = "MSV?"

	responseUnknown      = "?"
	responseNonspecificOK = "0"
)

const (
	resetPause1 = 3000 * time.Millisecond
	resetPause2 = 200 * time.Millisecond
)

var baudRateRegex = regexp.MustCompile(`^(\d+),(\d)$`)

// Sender is the subset of SerialLink a BalanceController needs.
type Sender interface {
	Send(data []byte, delay time.Duration)
}

// Sink receives every mass reading that calibration could convert
// (stable ones already attributed by the Correlator) and calibration
// reports, plus a
// heartbeat whenever the balance proves it's still listening by
// answering IDN? or ESR? (sent both during the reset sequence and by
// Ping).
type Sink interface {
	ObserveMass(events.MassReading)
	ObserveCalibration(events.CalibrationReport)
	ObserveHeartbeat()
}

// Config holds the balance's static parameters, carried over from
// config.BalanceConfig without importing that package directly (keeps
// balance decoupled from the TOML schema).
type Config struct {
	BalanceID         int
	BalanceName       string
	ReaderID          int
	ReaderName        string
	Baud              int
	Parity            string // "N" or "E"
	MeasurementRateHz int
	RefloadMassKg     float64
	ReadContinuously  bool
	RfidEffectiveTimeS float64

	ZeroValue    *int64
	RefloadValue *int64
}

// Controller is the per-balance protocol state machine. It implements
// link.Controller.
type Controller struct {
	cfg Config

	send       Sender
	sink       Sink
	stability  *stability.Detector
	correlator *correlate.Correlator
	log        *zap.SugaredLogger

	commandQueue         []string
	nPendingMeasurements int
	maxValue             int64

	zeroValue    *int64
	refloadValue *int64
	pendingTare     bool
	pendingCalibrate bool

	readUntil        time.Time
	reset1Timer      *time.Timer
	reset2Timer      *time.Timer
}

// New builds a Controller. stabilityDet and correlator are the
// already-constructed per-balance StabilityDetector and the shared
// Correlator it feeds.
func New(cfg Config, send Sender, sink Sink, stabilityDet *stability.Detector, correlator *correlate.Correlator, log *zap.SugaredLogger) *Controller {
	return &Controller{
		cfg:          cfg,
		send:         send,
		sink:         sink,
		stability:    stabilityDet,
		correlator:   correlator,
		log:          log.Named("balance." + cfg.BalanceName),
		maxValue:     100000,
		zeroValue:    cfg.ZeroValue,
		refloadValue: cfg.RefloadValue,
	}
}

// Start begins the reset sequence (§4.4 step 1).
func (c *Controller) Start() {
	c.reset()
}

// Stop stops measuring; the owning SerialLink drives the rest of
// shutdown.
func (c *Controller) Stop() {
	c.stopMeasuring()
	if c.reset1Timer != nil {
		c.reset1Timer.Stop()
	}
	if c.reset2Timer != nil {
		c.reset2Timer.Stop()
	}
}

// sendCmd transmits command+params, entering it in the command queue
// when a reply is expected. All outbound commands terminate with ';'
// at the SerialLink level (TxEOL), not here.
func (c *Controller) sendCmd(command, params string, replyExpected bool) {
	if replyExpected {
		c.commandQueue = append(c.commandQueue, command)
	}
	c.send.Send([]byte(command+params), 0)
}

func (c *Controller) reset() {
	c.log.Info("balance resetting: phase 1")
	c.sendCmd(cmdNoOp, "", false)
	c.sendCmd(cmdStopMeasuring, "", false)
	c.sendCmd(cmdWarmRestart, "", false)
	if c.reset1Timer != nil {
		c.reset1Timer.Stop()
	}
	c.reset1Timer = time.AfterFunc(resetPause1, c.resetPhase2)
}

func (c *Controller) resetPhase2() {
	c.log.Info("balance resetting: phase 2")
	parityCode := 0
	if strings.EqualFold(c.cfg.Parity, "E") {
		parityCode = 1
	}
	c.sendCmd(cmdSetBaudRate, fmt.Sprintf("%d,%d", c.cfg.Baud, parityCode), true)
	if c.reset2Timer != nil {
		c.reset2Timer.Stop()
	}
	c.reset2Timer = time.AfterFunc(resetPause2, c.resetPhase3)
}

func (c *Controller) resetPhase3() {
	c.log.Info("balance resetting: phase 3")
	c.sendCmd(cmdQueryBaudRate, "", true)
	c.sendCmd(cmdQueryIdent, "", true)
	c.sendCmd(cmdQueryStatus, "", true)
	c.sendCmd(cmdAsciiResult, "", true)
	c.sendCmd(cmdDataDelimiter, "", true)
	c.sendCmd(cmdQueryScaling, "", true)
	c.sendCmd(cmdMeasurementRate, strconv.Itoa(rateCode(c.cfg.MeasurementRateHz)), true)
	c.startMeasuring()
}

// rateCode maps a measurement rate in Hz to the ICR command's rate
// code (1,2,3,6,12,25,50,100 Hz -> 7,6,5,4,3,2,1,0). Only {1,2,3,6,10}
// are exposed by config validation; 10 Hz maps to the 12 Hz code,
// being the next supported device rate >= 10 (see DESIGN.md's Open
// Question decision).
func rateCode(hz int) int {
	switch hz {
	case 1:
		return 7
	case 2:
		return 6
	case 3:
		return 5
	case 6:
		return 4
	case 10:
		return 3
	default:
		return 5
	}
}

// batchSize computes the MSV? batch count for a measurement cycle.
func batchSize(rateHz int) int {
	b := int(math.Ceil(float64(rateHz) / 2))
	if b < 1 {
		return 1
	}
	return b
}

func (c *Controller) startMeasuring() {
	batch := batchSize(c.cfg.MeasurementRateHz)
	c.nPendingMeasurements += batch
	c.sendCmd(cmdQueryMeasure, strconv.Itoa(batch), true)
	for i := 1; i < batch; i++ {
		c.commandQueue = append(c.commandQueue, cmdQueryMeasure)
	}
}

func (c *Controller) stopMeasuring() {
	c.sendCmd(cmdStopMeasuring, "", false)
	filtered := c.commandQueue[:0]
	for _, cmd := range c.commandQueue {
		if cmd != cmdQueryMeasure {
			filtered = append(filtered, cmd)
		}
	}
	c.commandQueue = filtered
	c.nPendingMeasurements = 0
}

// Tare arms a pending tare: the next measured value becomes the new
// zero reference (§4.4's software-tare path, preferred over a
// hardware TAR command).
func (c *Controller) Tare() {
	c.pendingTare = true
}

// CalibrateToReference arms a pending calibration: the next measured
// value becomes the new reference-load value.
func (c *Controller) CalibrateToReference() {
	c.pendingCalibrate = true
}

// Ping queries identification then status; queues behind any pending
// measurement cycle (SPEC_FULL.md supplemented feature 1).
func (c *Controller) Ping() {
	c.sendCmd(cmdQueryIdent, "", true)
	c.sendCmd(cmdQueryStatus, "", true)
}

// OnRfid updates read_until so a measurement cycle keeps running
// rfid_effective_time_s past the most recent tag detection; if the
// balance was idle it starts a batch immediately.
func (c *Controller) OnRfid(ts time.Time) {
	wasIdle := c.nPendingMeasurements == 0
	c.readUntil = ts.Add(time.Duration(c.cfg.RfidEffectiveTimeS * float64(time.Second)))
	if wasIdle {
		c.startMeasuring()
	}
}

// valueToMass converts a raw reading to kilograms using the two-point
// calibration; returns ok=false when calibration is incomplete, in
// which case the value is dropped silently (§7 calibration-missing).
func (c *Controller) valueToMass(v int64) (float64, bool) {
	if c.zeroValue == nil || c.refloadValue == nil || *c.refloadValue == *c.zeroValue {
		return 0, false
	}
	return c.cfg.RefloadMassKg * float64(v-*c.zeroValue) / float64(*c.refloadValue-*c.zeroValue), true
}

func (c *Controller) applyTare(v int64) {
	var delta int64
	if c.zeroValue != nil {
		delta = v - *c.zeroValue
	}
	zv := v
	c.zeroValue = &zv
	if c.refloadValue != nil {
		rv := *c.refloadValue + delta
		if rv == v {
			c.refloadValue = nil
		} else {
			c.refloadValue = &rv
		}
	}
	c.emitCalibrationReport()
}

func (c *Controller) applyCalibrateToReference(v int64) {
	if c.zeroValue != nil && v == *c.zeroValue {
		c.refloadValue = nil
	} else {
		rv := v
		c.refloadValue = &rv
	}
	c.emitCalibrationReport()
}

func (c *Controller) emitCalibrationReport() {
	report := events.CalibrationReport{
		BalanceID:     c.cfg.BalanceID,
		BalanceName:   c.cfg.BalanceName,
		RefloadMassKg: c.cfg.RefloadMassKg,
	}
	if c.zeroValue != nil {
		report.ZeroValue = *c.zeroValue
	}
	if c.refloadValue != nil {
		report.RefloadValue = *c.refloadValue
	}
	c.sink.ObserveCalibration(report)
}

func (c *Controller) handleMeasurement(v int64, ts time.Time) {
	if c.pendingTare {
		c.pendingTare = false
		c.pendingCalibrate = false
		c.applyTare(v)
	} else if c.pendingCalibrate {
		c.pendingCalibrate = false
		c.applyCalibrateToReference(v)
	}

	mass, ok := c.valueToMass(v)
	if !ok {
		return
	}
	stable, reported := c.stability.Observe(mass)
	reading := events.MassReading{
		BalanceID:   c.cfg.BalanceID,
		BalanceName: c.cfg.BalanceName,
		ReaderID:    c.cfg.ReaderID,
		ReaderName:  c.cfg.ReaderName,
		MassKg:      reported,
		Timestamp:   ts,
		Stable:      stable,
	}
	if stable {
		reading = c.correlator.Attribute(reading)
	}
	c.sink.ObserveMass(reading)
}

// OnReceive matches one incoming line against the head of the command
// queue, per §4.4's queue-based reply matching.
func (c *Controller) OnReceive(line []byte, timestamp time.Time) {
	data := strings.TrimSpace(string(line))

	var cmd string
	if len(c.commandQueue) > 0 {
		cmd = c.commandQueue[0]
		c.commandQueue = c.commandQueue[1:]
	} else {
		c.log.Debugw("reply with empty command queue, dropped", "data", data)
		return
	}

	switch {
	case cmd == cmdQueryMeasure:
		value, err := strconv.ParseInt(data, 10, 64)
		if err != nil {
			c.log.Errorw("balance sent a bad value", "data", data)
		} else {
			c.handleMeasurement(value, timestamp)
		}
		c.nPendingMeasurements--
		if c.nPendingMeasurements <= 0 {
			c.nPendingMeasurements = 0
			if c.cfg.ReadContinuously || timestamp.Before(c.readUntil) {
				c.startMeasuring()
			}
		}

	case (cmd == cmdQueryBaudRate || cmd == cmdSetBaudRate) && baudRateRegex.MatchString(data):
		m := baudRateRegex.FindStringSubmatch(data)
		c.log.Infow("balance baud rate", "baud", m[1], "parity_code", m[2])

	case data == responseNonspecificOK && isAckOnlyCommand(cmd):
		c.log.Debugw("balance acknowledges command", "cmd", cmd)

	case cmd == cmdQueryStatus:
		c.log.Infow("balance status", "raw", data)
		c.sink.ObserveHeartbeat()
		esr, err := strconv.ParseUint(data, 10, 64)
		if err != nil {
			c.log.Debug("can't interpret status")
		} else {
			esr &= 0x3f
			commandError := esr&(1<<5) != 0
			executionError := esr&(1<<4) != 0
			hardwareError := esr&(1<<3) != 0
			c.log.Infow("balance status bits",
				"command_error", commandError,
				"execution_error", executionError,
				"hardware_error", hardwareError)
		}

	case cmd == cmdQueryIdent:
		c.log.Infow("balance identification", "data", data)
		c.sink.ObserveHeartbeat()

	case cmd == cmdQueryScaling:
		mv, err := strconv.ParseInt(data, 10, 64)
		if err != nil {
			c.log.Errorw("bad NOV? value", "data", data)
		} else {
			c.maxValue = mv
		}

	case data == responseUnknown:
		c.log.Debug("balance says 'eh?'")

	default:
		c.log.Errorw("unknown message from balance", "cmd", cmd, "data", data)
	}
}

func isAckOnlyCommand(cmd string) bool {
	switch cmd {
	case cmdAsciiResult, cmdDataDelimiter, cmdMeasurementRate, cmdSetBaudRate:
		return true
	default:
		return false
	}
}

// OnStatus is called by the owning SerialLink on every lifecycle
// transition.
func (c *Controller) OnStatus(status string) {
	c.log.Infow("link status", "status", status)
}

// OnError is called by the owning SerialLink on a transport error.
func (c *Controller) OnError(err error) {
	c.log.Errorw("transport error", "err", err)
}
