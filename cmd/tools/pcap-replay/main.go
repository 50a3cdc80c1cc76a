// Command pcap-replay extracts the device side of captured Teltonika TCP
// sessions from a pcap file and replays it against a running parser.
// Useful for regression-testing decoder changes with real device traffic.
//
// Usage:
//
//	go run ./cmd/tools/pcap-replay -pcap capture.pcap -port 7016 -addr localhost:7016
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/pflag"
)

func main() {
	pcapFile := pflag.String("pcap", "", "pcap file to replay (required)")
	port := pflag.Int("port", 7016, "server port in the capture; device bytes flow toward it")
	addr := pflag.String("addr", "", "parser to replay against; empty for a dry-run decode count")
	pace := pflag.Duration("pace", 20*time.Millisecond, "delay between replayed segments")
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if *pcapFile == "" {
		logger.Error("-pcap is required")
		os.Exit(1)
	}

	if err := run(logger, *pcapFile, *port, *addr, *pace); err != nil {
		logger.Error("replay failed", "err", err)
		os.Exit(1)
	}
}

// session keys a TCP flow by its endpoints.
type session struct {
	src, dst string
}

func run(logger *log.Logger, pcapFile string, port int, addr string, pace time.Duration) error {
	f, err := os.Open(pcapFile)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("read pcap header: %w", err)
	}

	// Collect device→server payloads per flow, in capture order.
	flows := make(map[session][][]byte)
	var order []session
	source := gopacket.NewPacketSource(r, r.LinkType())
	packets := 0
	for packet := range source.Packets() {
		packets++
		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp := tcpLayer.(*layers.TCP)
		if int(tcp.DstPort) != port || len(tcp.Payload) == 0 {
			continue
		}
		netFlow := packet.NetworkLayer().NetworkFlow()
		key := session{
			src: fmt.Sprintf("%s:%d", netFlow.Src(), tcp.SrcPort),
			dst: fmt.Sprintf("%s:%d", netFlow.Dst(), tcp.DstPort),
		}
		if _, seen := flows[key]; !seen {
			order = append(order, key)
		}
		payload := make([]byte, len(tcp.Payload))
		copy(payload, tcp.Payload)
		flows[key] = append(flows[key], payload)
	}

	logger.Info("capture scanned", "packets", packets, "device_flows", len(order))
	if len(order) == 0 {
		return errors.New("no device payloads toward the given port")
	}

	for _, key := range order {
		segments := flows[key]
		var total int
		for _, seg := range segments {
			total += len(seg)
		}
		logger.Info("flow", "device", key.src, "segments", len(segments), "bytes", total)
		if addr == "" {
			continue
		}
		if err := replayFlow(logger, addr, segments, pace); err != nil {
			return fmt.Errorf("replay %s: %w", key.src, err)
		}
	}
	return nil
}

// replayFlow opens a fresh connection and pushes the captured segments,
// draining whatever the parser answers (login ACKs, record ACKs).
func replayFlow(logger *log.Logger, addr string, segments [][]byte, pace time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	for i, seg := range segments {
		if _, err := conn.Write(seg); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		time.Sleep(pace)
	}

	// Give the parser a moment to ACK the tail before tearing down.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
	}
	logger.Info("flow replayed", "segments", len(segments))
	return nil
}
