package rfidcontroller

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/events"
)

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSender) Send(data []byte, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte{}, data...))
}

func (f *fakeSender) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeSink struct {
	mu         sync.Mutex
	detections []events.RfidDetection
}

func (f *fakeSink) Observe(d events.RfidDetection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detections = append(f.detections, d)
}

func newTestController() (*Controller, *fakeSender, *fakeSink) {
	sender := &fakeSender{}
	sink := &fakeSink{}
	c := New(1, "reader1", sender, sink, zap.NewNop().Sugar())
	return c, sender, sink
}

func TestResetSequenceSendsCancelThenReset(t *testing.T) {
	c, sender, _ := newTestController()
	c.Start()
	assert.Equal(t, []byte("\n"), sender.last())
	assert.Equal(t, Resetting1, c.State())

	require.Eventually(t, func() bool {
		return c.State() == Starting
	}, time.Second, time.Millisecond)
	assert.Equal(t, []byte("x"), sender.last())
}

func TestHelloStartsReading(t *testing.T) {
	c, sender, _ := newTestController()
	c.state = Starting

	c.OnReceive([]byte("MULTITAG-125 01"), time.Now())

	assert.Equal(t, Reading, c.State())
	assert.Equal(t, []byte("c"), sender.last())
}

func TestTagEmitsDetection(t *testing.T) {
	c, _, sink := newTestController()
	c.state = Reading

	c.OnReceive([]byte("Z5A2080A70C2C0001"), time.Now())

	require.Len(t, sink.detections, 1)
	assert.Equal(t, int64(208210000479322), sink.detections[0].Tag)
	assert.Equal(t, 1, sink.detections[0].ReaderID)
}

func TestReadStoppedResumesUnlessSwallowed(t *testing.T) {
	c, sender, _ := newTestController()
	c.state = Reading
	c.swallowNextStoppedRead = true

	c.OnReceive([]byte("S"), time.Now())
	assert.False(t, c.swallowNextStoppedRead)
	assert.NotEqual(t, []byte("c"), sender.last())

	c.OnReceive([]byte("S"), time.Now())
	assert.Equal(t, []byte("c"), sender.last())
}

func TestHelloDuringReadingResends(t *testing.T) {
	c, sender, _ := newTestController()
	c.state = Reading

	c.OnReceive([]byte("MULTITAG-125 01"), time.Now())
	assert.Equal(t, []byte("c"), sender.last())
	assert.Equal(t, Reading, c.State())
}
