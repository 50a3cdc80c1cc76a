// Command mockdevice impersonates a Teltonika tracker against a running
// parser: it logs in with an IMEI, streams AVL frames, answers Codec 12
// commands, and sends keepalive pings, checking every ACK on the way.
//
// Usage:
//
//	go run ./cmd/tools/mockdevice -addr localhost:7016 -imei 356307042441013 -n 10
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/banshee-data/fleet.report/internal/teltonika"
)

func main() {
	addr := pflag.String("addr", "localhost:7016", "parser address")
	imei := pflag.String("imei", "356307042441013", "device IMEI")
	frames := pflag.Int("n", 5, "number of AVL frames to send")
	recordsPerFrame := pflag.Int("records", 2, "AVL records per frame")
	interval := pflag.Duration("interval", time.Second, "delay between frames")
	pings := pflag.Int("pings", 2, "keepalive pings between frames")
	respond := pflag.String("respond", "MOCK:OK", "reply to Codec 12 commands; empty stays silent")
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	if err := run(logger, *addr, *imei, *frames, *recordsPerFrame, *interval, *pings, *respond); err != nil {
		logger.Error("mock device failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger, addr, imei string, frames, recordsPerFrame int, interval time.Duration, pings int, respond string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := login(conn, imei); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	logger.Info("logged in", "imei", imei, "addr", addr)

	// Commands can arrive at any point, so reads happen on one
	// goroutine while the main loop writes.
	acks := make(chan uint32, 4)
	go readLoop(logger, conn, respond, acks)

	for i := 0; i < frames; i++ {
		payload, err := teltonika.EncodePacket(teltonika.Codec8, makeRecords(recordsPerFrame, i))
		if err != nil {
			return err
		}
		if _, err := conn.Write(teltonika.Frame(payload)); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}

		select {
		case n := <-acks:
			if int(n) != recordsPerFrame {
				return fmt.Errorf("frame %d: acked %d of %d records", i, n, recordsPerFrame)
			}
			logger.Info("frame acked", "frame", i, "records", n)
		case <-time.After(15 * time.Second):
			return fmt.Errorf("frame %d: no ACK within 15s", i)
		}

		for p := 0; p < pings; p++ {
			if _, err := conn.Write([]byte{0xFF}); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
		time.Sleep(interval)
	}

	logger.Info("done", "frames", frames)
	return nil
}

func login(conn net.Conn, imei string) error {
	buf := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(buf, uint16(len(imei)))
	copy(buf[2:], imei)
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	var ack [1]byte
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Time{})
	if ack[0] != 0x01 {
		return fmt.Errorf("login rejected (0x%02X)", ack[0])
	}
	return nil
}

// readLoop splits what the parser sends back: 4-byte record ACKs and
// framed Codec 12 commands.
func readLoop(logger *log.Logger, conn net.Conn, respond string, acks chan<- uint32) {
	split := teltonika.NewSplitter(0, nil)
	buf := make([]byte, 4096)
	var pending []byte

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		pending = append(pending, buf[:n]...)

		for {
			// A zero preamble means a command frame follows; anything
			// else is a 4-byte ACK.
			if len(pending) >= 4 && binary.BigEndian.Uint32(pending) != 0 {
				acks <- binary.BigEndian.Uint32(pending)
				pending = pending[4:]
				continue
			}
			payloads, _, err := split.Push(pending)
			pending = pending[:0]
			if err != nil {
				logger.Error("bad frame from parser", "err", err)
				return
			}
			for _, payload := range payloads {
				pkt, err := teltonika.DecodePacket(payload)
				if err != nil || pkt.Command == nil {
					continue
				}
				logger.Info("command received", "text", pkt.Command.Text)
				if respond != "" {
					if _, err := conn.Write(teltonika.EncodeResponse(respond)); err != nil {
						return
					}
					logger.Info("responded", "text", respond)
				}
			}
			break
		}
	}
}

// makeRecords fabricates a short drive north through Riga.
func makeRecords(count, frame int) []teltonika.Record {
	recs := make([]teltonika.Record, count)
	base := time.Now().UTC().Truncate(time.Second)
	for i := range recs {
		step := int32(frame*count + i)
		recs[i] = teltonika.Record{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Priority:  teltonika.PriorityLow,
			GPS: teltonika.GPS{
				Latitude:   569500000 + step*100,
				Longitude:  241000000,
				Altitude:   11,
				Angle:      0,
				Satellites: 8,
				Speed:      42,
			},
			EventID: 240,
			Properties: []teltonika.Property{
				{ID: 239, Value: 1},    // ignition
				{ID: 240, Value: 1},    // movement
				{ID: 66, Value: 12500}, // external voltage mV
			},
		}
	}
	return recs
}
