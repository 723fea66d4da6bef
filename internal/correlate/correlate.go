// Package correlate attributes stable mass readings to the most
// recently seen RFID tag at the paired reader, within a configured
// effective time window. The per-reader cache is guarded by a mutex
// because RFID events and mass events originate on different
// controller goroutines (§5), the same "map + mutex" shape the teacher
// uses for its dedup cache in cmd/mqttradio/mqtt.go.
package correlate

import (
	"sync"
	"time"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/events"
)

type lastRfid struct {
	tag int64
	at  time.Time
}

// Correlator keeps the most recent RfidDetection per reader.
type Correlator struct {
	effectiveWindow time.Duration

	mu   sync.Mutex
	last map[int]lastRfid
}

// New builds a Correlator with the given effective window, converted
// from the configured rfid_effective_time_s.
func New(effectiveTimeS float64) *Correlator {
	return &Correlator{
		effectiveWindow: time.Duration(effectiveTimeS * float64(time.Second)),
		last:            make(map[int]lastRfid),
	}
}

// Observe records a fresh RfidDetection, overwriting whatever was
// cached for its reader.
func (c *Correlator) Observe(d events.RfidDetection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[d.ReaderID] = lastRfid{tag: d.Tag, at: d.Timestamp}
}

// Attribute fills in the Tag/Locked fields of a stable MassReading
// based on the cached RfidDetection for m.ReaderID, per §4.6. The
// caller must only invoke Attribute on readings with Stable == true;
// Attribute itself does not check it.
func (c *Correlator) Attribute(m events.MassReading) events.MassReading {
	c.mu.Lock()
	last, ok := c.last[m.ReaderID]
	c.mu.Unlock()

	if !ok {
		m.Tag = nil
		m.Locked = false
		return m
	}

	delta := m.Timestamp.Sub(last.at)
	if delta <= c.effectiveWindow {
		tag := last.tag
		m.Tag = &tag
		m.Locked = true
		return m
	}
	m.Tag = nil
	m.Locked = false
	return m
}
