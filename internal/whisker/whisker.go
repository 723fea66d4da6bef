// Package whisker implements the Whisker relay client (§6.3): one
// persistent outbound TCP connection to a lab-control server, an
// optional ReportName handshake sent immediately after connecting
// (SPEC_FULL.md supplemented feature 6), and a broadcast(line)
// primitive. Grounded stylistically on the teacher's cmd/mqttradio/
// mqtt.go relay object (one connection, narrow Publish method), but
// retargeted from MQTT pub/sub onto a single raw-line connection
// because that is the wire protocol §6.3 actually defines.
package whisker

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/events"
)

// Client maintains the outbound connection to the Whisker server.
type Client struct {
	addr       string
	reportName string
	prefix     string
	log        *zap.SugaredLogger

	mu   sync.Mutex
	conn net.Conn
}

// New builds a Client; it does not dial until Connect. prefix is
// prepended to every broadcast line formatted by RecordRfid/RecordMass
// (§6.3's broadcast_prefix).
func New(host string, port int, reportName, prefix string, log *zap.SugaredLogger) *Client {
	return &Client{
		addr:       fmt.Sprintf("%s:%d", host, port),
		reportName: reportName,
		prefix:     prefix,
		log:        log.Named("whisker"),
	}
}

// Connect dials the Whisker server and, if a report name was
// configured, sends "ReportName <name>" as the first line.
func (c *Client) Connect(timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", c.addr, timeout)
	if err != nil {
		return fmt.Errorf("dialing whisker server %s: %w", c.addr, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if c.reportName != "" {
		c.writeLine(fmt.Sprintf("ReportName %s", c.reportName))
	}
	return nil
}

// Close closes the outbound connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// RecordRfid implements events.Sink by formatting and broadcasting an
// RFID_EVENT line (§6.3). Whisker has no persistence of its own, so
// there is no coalescing here; that lives in internal/store.
func (c *Client) RecordRfid(d events.RfidDetection) {
	c.writeLine(fmt.Sprintf("%sRFID_EVENT: reader %s, RFID %d, timestamp %s",
		c.prefix, d.ReaderName, d.Tag, d.Timestamp.Format(time.RFC3339Nano)))
}

// RecordMass implements events.Sink by formatting and broadcasting a
// MASS_EVENT line (§6.3) for locked readings only, mirroring
// internal/store's locked-only persistence rule.
func (c *Client) RecordMass(m events.MassReading) {
	if !m.Locked {
		return
	}
	tag := "none"
	if m.Tag != nil {
		tag = fmt.Sprintf("%d", *m.Tag)
	}
	c.writeLine(fmt.Sprintf("%sMASS_EVENT: reader %s, RFID %s, balance %s, mass %g kg, timestamp %s",
		c.prefix, m.ReaderName, tag, m.BalanceName, m.MassKg, m.Timestamp.Format(time.RFC3339Nano)))
}

// Broadcast implements the broadcast half of events.Sink: it sends a
// single framed line to the connected server verbatim, used for
// status updates and other free-text lines.
func (c *Client) Broadcast(line string) {
	c.writeLine(line)
}

func (c *Client) writeLine(line string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.log.Warnw("broadcast with no connection", "line", line)
		return
	}
	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(line + "\n"); err != nil {
		c.log.Errorw("write to whisker server failed", "err", err)
		return
	}
	if err := w.Flush(); err != nil {
		c.log.Errorw("flush to whisker server failed", "err", err)
	}
}
