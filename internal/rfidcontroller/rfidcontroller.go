// Package rfidcontroller implements RfidController (§4.3): the
// per-reader state machine that resets an RFID reader into
// continuous-read mode and surfaces tag detections upstream. Grounded
// on original_source/weigh/rfid.py's RfidController, translated from
// Qt timers/signals to explicit states driven by a single goroutine
// per §9's "model each as a task with explicit channels" guidance.
package rfidcontroller

import (
	"time"

	"go.uber.org/zap"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/events"
	"github.com/RudolfCardinal/whisker-starfeeder/internal/rfiddecoder"
)

// State is one of RfidController's six states.
type State int

const (
	Idle State = iota
	Resetting1
	Resetting2
	Starting
	Reading
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Resetting1:
		return "Resetting1"
	case Resetting2:
		return "Resetting2"
	case Starting:
		return "Starting"
	case Reading:
		return "Reading"
	case Stopping:
		return "Stopping"
	default:
		return "?"
	}
}

const resetPause = 200 * time.Millisecond

// Sender is the subset of SerialLink a RfidController needs: send a
// single command byte with no terminator (a newline would cancel the
// read it's meant to start).
type Sender interface {
	Send(data []byte, delay time.Duration)
}

// Sink receives tag detections.
type Sink interface {
	Observe(events.RfidDetection)
}

// Controller is the per-reader state machine. It implements
// link.Controller.
type Controller struct {
	readerID   int
	readerName string

	send Sender
	sink Sink
	log  *zap.SugaredLogger

	state                    State
	swallowNextStoppedRead bool

	resetTimer *time.Timer
}

// New builds a Controller bound to the given reader id/name, a Sender
// to transmit commands on, and a Sink for tag detections.
func New(readerID int, readerName string, send Sender, sink Sink, log *zap.SugaredLogger) *Controller {
	return &Controller{
		readerID:   readerID,
		readerName: readerName,
		send:       send,
		sink:       sink,
		log:        log.Named("rfid." + readerName),
		state:      Idle,
	}
}

// Start begins the reset sequence (entry point for on_start, §4.3).
func (c *Controller) Start() {
	c.reset()
}

// Stop sends the cancel byte and transitions toward Stopping; the
// owning SerialLink's Stop() drives the rest of the shutdown sequence.
func (c *Controller) Stop() {
	c.send.Send([]byte("\n"), 0)
	c.state = Stopping
}

func (c *Controller) reset() {
	c.log.Info("resetting RFID: phase 1")
	c.state = Resetting1
	c.swallowNextStoppedRead = true
	c.send.Send([]byte("\n"), 0) // cancel any ongoing read
	c.armResetTimer()
}

func (c *Controller) armResetTimer() {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	c.resetTimer = time.AfterFunc(resetPause, c.resetting2)
}

func (c *Controller) resetting2() {
	c.log.Info("resetting RFID: phase 2")
	c.state = Resetting2
	c.swallowNextStoppedRead = false
	c.send.Send([]byte("x"), 0)
	// Waiting for the reader's Hello before issuing the read command;
	// see OnReceive's handling of KindHello.
	c.state = Starting
}

func (c *Controller) startReading() {
	c.log.Info("asking RFID to start reading")
	c.state = Reading
	c.send.Send([]byte("c"), 0)
}

// OnReceive classifies and handles one framed line, per §4.3's
// per-state transitions.
func (c *Controller) OnReceive(line []byte, timestamp time.Time) {
	classified := rfiddecoder.Classify(string(line))
	switch classified.Kind {
	case rfiddecoder.KindTag:
		c.log.Debugw("rfid tag", "tag", classified.Tag)
		c.sink.Observe(events.RfidDetection{
			ReaderID:   c.readerID,
			ReaderName: c.readerName,
			Tag:        classified.Tag,
			Timestamp:  timestamp,
		})
	case rfiddecoder.KindHello:
		c.log.Debug("reader says hello")
		// Resets any short-term dedup state on an unsolicited hello
		// (SPEC_FULL.md supplemented feature 2); this controller keeps
		// no such state beyond swallowNextStoppedRead, which is the
		// thing to clear.
		c.swallowNextStoppedRead = false
		if c.state == Starting || c.state == Reading {
			c.startReading()
		}
	case rfiddecoder.KindAck:
		switch classified.Ack {
		case rfiddecoder.ReadStopped:
			if c.swallowNextStoppedRead {
				c.swallowNextStoppedRead = false
			} else if c.state == Reading {
				c.startReading()
			}
		case rfiddecoder.InvalidCommand, rfiddecoder.NotExecuted, rfiddecoder.AntennaOff:
			c.log.Debugw("reader ack", "kind", classified.Ack.String())
		}
	default:
		c.log.Errorw("unknown data from reader", "line", string(line))
	}
}

// OnStatus is called by the owning SerialLink on every lifecycle
// transition; surfaced as a StatusUpdate by the Supervisor.
func (c *Controller) OnStatus(status string) {
	c.log.Infow("link status", "status", status)
}

// OnError is called by the owning SerialLink on a transport error.
func (c *Controller) OnError(err error) {
	c.log.Errorw("transport error", "err", err)
}

// State returns the controller's current state, for tests and status
// reporting.
func (c *Controller) State() State { return c.state }
