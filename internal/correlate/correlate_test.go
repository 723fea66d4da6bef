package correlate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/events"
)

func TestAttributionWithinWindow(t *testing.T) {
	c := New(5.0)
	t0 := time.Unix(0, 0)

	c.Observe(events.RfidDetection{ReaderID: 1, Tag: 12345, Timestamp: t0})

	m1 := events.MassReading{ReaderID: 1, Stable: true, Timestamp: t0.Add(4900 * time.Millisecond)}
	got1 := c.Attribute(m1)
	require.True(t, got1.Locked)
	require.NotNil(t, got1.Tag)
	assert.Equal(t, int64(12345), *got1.Tag)

	m2 := events.MassReading{ReaderID: 1, Stable: true, Timestamp: t0.Add(5100 * time.Millisecond)}
	got2 := c.Attribute(m2)
	assert.False(t, got2.Locked)
	assert.Nil(t, got2.Tag)
}

func TestAttributionNoDetection(t *testing.T) {
	c := New(5.0)
	m := events.MassReading{ReaderID: 7, Stable: true, Timestamp: time.Now()}
	got := c.Attribute(m)
	assert.False(t, got.Locked)
	assert.Nil(t, got.Tag)
}

func TestAttributionTieCountsAsWithinWindow(t *testing.T) {
	c := New(5.0)
	t0 := time.Unix(0, 0)
	c.Observe(events.RfidDetection{ReaderID: 1, Tag: 1, Timestamp: t0})
	m := events.MassReading{ReaderID: 1, Stable: true, Timestamp: t0.Add(5 * time.Second)}
	got := c.Attribute(m)
	assert.True(t, got.Locked)
}

func TestObserveOverwritesPerReader(t *testing.T) {
	c := New(5.0)
	t0 := time.Unix(0, 0)
	c.Observe(events.RfidDetection{ReaderID: 1, Tag: 1, Timestamp: t0})
	c.Observe(events.RfidDetection{ReaderID: 1, Tag: 2, Timestamp: t0.Add(time.Second)})

	m := events.MassReading{ReaderID: 1, Stable: true, Timestamp: t0.Add(time.Second)}
	got := c.Attribute(m)
	require.NotNil(t, got.Tag)
	assert.Equal(t, int64(2), *got.Tag)
}
