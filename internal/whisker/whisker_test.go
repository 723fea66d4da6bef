package whisker

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RudolfCardinal/whisker-starfeeder/internal/events"
)

func TestConnectSendsReportNameThenBroadcasts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 10)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		r := bufio.NewScanner(conn)
		for r.Scan() {
			received <- r.Text()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := New(host, port, "starfeeder", "", zap.NewNop().Sugar())
	require.NoError(t, c.Connect(time.Second))
	defer c.Close()

	c.Broadcast("RFID_EVENT: reader r1, RFID 123, timestamp now")

	select {
	case line := <-received:
		assert.Equal(t, "ReportName starfeeder", line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ReportName line")
	}

	select {
	case line := <-received:
		assert.Equal(t, "RFID_EVENT: reader r1, RFID 123, timestamp now", line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast line")
	}
}

func TestRecordRfidFormatsEventLine(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 10)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		r := bufio.NewScanner(conn)
		for r.Scan() {
			received <- r.Text()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := New(host, port, "", "LAB1: ", zap.NewNop().Sugar())
	require.NoError(t, c.Connect(time.Second))
	defer c.Close()

	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	c.RecordRfid(events.RfidDetection{ReaderName: "reader1", Tag: 123, Timestamp: ts})

	select {
	case line := <-received:
		assert.Equal(t, "LAB1: RFID_EVENT: reader reader1, RFID 123, timestamp "+ts.Format(time.RFC3339Nano), line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RFID_EVENT line")
	}
}

func TestRecordMassSkipsUnlockedReadings(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 10)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		r := bufio.NewScanner(conn)
		for r.Scan() {
			received <- r.Text()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := New(host, port, "", "", zap.NewNop().Sugar())
	require.NoError(t, c.Connect(time.Second))
	defer c.Close()

	tag := int64(7)
	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	c.RecordMass(events.MassReading{BalanceName: "bal1", Tag: &tag, MassKg: 1.5, Timestamp: ts, Locked: false})
	c.RecordMass(events.MassReading{BalanceName: "bal1", Tag: &tag, MassKg: 1.5, Timestamp: ts, Locked: true})

	select {
	case line := <-received:
		assert.Equal(t, "MASS_EVENT: reader , RFID 7, balance bal1, mass 1.5 kg, timestamp "+ts.Format(time.RFC3339Nano), line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MASS_EVENT line")
	}

	select {
	case extra := <-received:
		t.Fatalf("unexpected second line for unlocked reading: %q", extra)
	case <-time.After(100 * time.Millisecond):
	}
}
