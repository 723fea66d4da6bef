// Package link implements SerialLink (§4.1): it owns one serial port,
// runs a reader loop and a writer loop on dedicated OS threads (blocking
// I/O, §5), and dispatches framed lines to a Controller in arrival
// order. The reader/writer/controller split, and pinning the two
// blocking-I/O loops to their own kernel thread, is adapted from the
// teacher's thread.Realtime helper (thread/thread.go) and from
// original_source/starfeeder/serial_controller.py's SerialReader/
// SerialWriter/SerialOwner trio.
package link

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/starerr"
	"github.com/RudolfCardinal/whisker-starfeeder/thread"
)

// State is one of SerialLink's four lifecycle states.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	default:
		return "?"
	}
}

const (
	readTimeout  = 10 * time.Millisecond
	writeTimeout = 5 * time.Second
)

// Controller receives framed lines and lifecycle notifications from a
// SerialLink. Implementations (RfidController, BalanceController) run
// single-threaded: OnReceive is called serially, in arrival order.
type Controller interface {
	OnReceive(line []byte, timestamp time.Time)
	OnStatus(status string)
	OnError(err error)
}

// Params configures a SerialLink's serial port and framing.
type Params struct {
	Name     string
	Port     string
	Baud     uint
	DataBits uint
	Parity   serial.ParityMode
	StopBits uint
	RxEOL    []byte
	TxEOL    []byte

	// XonXoff, RtsCts and DtrDsr are applied via termios/TIOCM ioctls
	// after open, since go-serial's OpenOptions doesn't expose them
	// (see applyLineControl).
	XonXoff bool
	RtsCts  bool
	DtrDsr  bool
}

type outboundEntry struct {
	data  []byte
	delay time.Duration
}

// SerialLink owns one serial port and the reader/writer tasks that
// drive it.
type SerialLink struct {
	params     Params
	controller Controller
	log        *zap.SugaredLogger

	mu    sync.Mutex
	state State

	port     port
	outbound chan outboundEntry

	readerDone chan struct{}
	writerDone chan struct{}
	stop       chan struct{}

	residual []byte
}

// port is the subset of serial.Open's return value SerialLink uses;
// narrowed to an interface so tests can substitute an in-memory fake
// without opening a real device.
type port interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

var openPort = func(p Params) (port, error) {
	opts := serial.OpenOptions{
		PortName:              p.Port,
		BaudRate:              p.Baud,
		DataBits:              p.DataBits,
		StopBits:              p.StopBits,
		ParityMode:            p.Parity,
		MinimumReadSize:       0,
		InterCharacterTimeout: uint(readTimeout / time.Millisecond),
	}
	return serial.Open(opts)
}

// New builds a SerialLink; it does not open the port until Start.
func New(p Params, controller Controller, log *zap.SugaredLogger) *SerialLink {
	return &SerialLink{
		params:     p,
		controller: controller,
		log:        log.Named("link." + p.Name),
		state:      Stopped,
	}
}

// State returns the current lifecycle state.
func (l *SerialLink) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *SerialLink) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.controller.OnStatus(s.String())
}

// Start opens the port and begins the writer, then the reader, per
// §4.8's per-link start order. It is rejected outside Stopped.
func (l *SerialLink) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != Stopped {
		l.mu.Unlock()
		return fmt.Errorf("link %s: start rejected in state %s", l.params.Name, l.state)
	}
	l.state = Starting
	l.mu.Unlock()

	p, err := openPort(l.params)
	if err != nil {
		l.setState(Stopped)
		return starerr.New(starerr.DeviceOpen, l.params.Name, err)
	}
	l.port = p
	applyLineControl(p, l.params)
	l.outbound = make(chan outboundEntry, 64)
	l.stop = make(chan struct{})
	l.writerDone = make(chan struct{})
	l.readerDone = make(chan struct{})

	go l.writerLoop()
	go l.readerLoop()

	l.setState(Running)
	return nil
}

// Send appends bytes plus the link's TxEOL to the outbound queue. If
// delay > 0 the writer pauses that long after sending before taking
// the next entry. FIFO order is preserved for any interleaving of
// zero-delay sends, per §8's queue property.
func (l *SerialLink) Send(data []byte, delay time.Duration) {
	if l.State() != Running {
		return
	}
	buf := make([]byte, 0, len(data)+len(l.params.TxEOL))
	buf = append(buf, data...)
	buf = append(buf, l.params.TxEOL...)
	select {
	case l.outbound <- outboundEntry{data: buf, delay: delay}:
	case <-l.stop:
	}
}

// Stop requests termination; it blocks until reader and writer have
// quiesced and the port is closed. Rejected when already Stopped.
func (l *SerialLink) Stop() error {
	l.mu.Lock()
	if l.state == Stopped {
		l.mu.Unlock()
		return fmt.Errorf("link %s: stop rejected, already stopped", l.params.Name)
	}
	l.mu.Unlock()

	l.setState(Stopping)
	close(l.stop)
	<-l.readerDone
	<-l.writerDone
	_ = l.port.Close()
	l.setState(Stopped)
	return nil
}

// readerLoop reads one byte (blocking up to readTimeout), then drains
// whatever else is immediately available, per §4.1's reader-loop
// algorithm. It runs pinned to its own OS thread because the
// underlying read blocks in a syscall (§5).
func (l *SerialLink) readerLoop() {
	thread.Pin()
	defer runtime.UnlockOSThread()
	defer close(l.readerDone)

	one := make([]byte, 1)
	drain := make([]byte, 4096)
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		n, err := l.port.Read(one)
		if err != nil {
			l.controller.OnError(starerr.New(starerr.Transport, l.params.Name, err))
			return
		}
		if n == 0 {
			continue
		}
		ts := time.Now()
		data := append([]byte{}, one[:n]...)

		for {
			dn, derr := l.port.Read(drain)
			if dn > 0 {
				data = append(data, drain[:dn]...)
			}
			if derr != nil || dn == 0 {
				break
			}
		}
		l.dispatch(data, ts)
	}
}

// dispatch appends incoming bytes to the residual buffer, splits on
// RxEOL, and delivers complete lines to the controller in order.
func (l *SerialLink) dispatch(data []byte, ts time.Time) {
	buf := append(l.residual, data...)
	for {
		idx := bytes.Index(buf, l.params.RxEOL)
		if idx < 0 {
			break
		}
		line := buf[:idx]
		buf = buf[idx+len(l.params.RxEOL):]
		l.controller.OnReceive(line, ts)
	}
	l.residual = append([]byte{}, buf...)
}

// writerLoop drains the outbound queue in FIFO order, writing each
// entry with a write timeout and honouring its advertised delay before
// taking the next one. It runs pinned to its own OS thread for the
// same reason as readerLoop.
func (l *SerialLink) writerLoop() {
	thread.Pin()
	defer runtime.UnlockOSThread()
	defer close(l.writerDone)

	for {
		select {
		case <-l.stop:
			return
		case entry := <-l.outbound:
			if err := l.writeWithTimeout(entry.data); err != nil {
				l.controller.OnError(starerr.New(starerr.Transport, l.params.Name, err))
				return
			}
			if entry.delay > 0 {
				select {
				case <-time.After(entry.delay):
				case <-l.stop:
					return
				}
			}
		}
	}
}

// writeWithTimeout writes data, giving up after writeTimeout. go-serial
// ports don't expose a write deadline, so the write runs on its own
// goroutine and the result is raced against the timeout; a timed-out
// write leaves that goroutine to finish in the background, mirroring
// the Python original's comment that a broken port can still hang a
// blocking write.
func (l *SerialLink) writeWithTimeout(data []byte) error {
	result := make(chan error, 1)
	go func() {
		_, err := l.port.Write(data)
		result <- err
	}()
	select {
	case err := <-result:
		return err
	case <-time.After(writeTimeout):
		return fmt.Errorf("write timed out after %s", writeTimeout)
	}
}
