package teltonika

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxPacketSize bounds a single frame payload. Anything larger is
// treated as a desynchronised or hostile stream.
const DefaultMaxPacketSize = 10 << 20

// pingByte is the single-byte keepalive devices send between frames.
const pingByte = 0xFF

const frameHeaderSize = 8 // 4-byte preamble + 4-byte length
const frameCRCSize = 4

// Splitter reassembles Teltonika frames from an arbitrary TCP segmentation.
// It keeps an incomplete tail across Push calls, swallows ping bytes, and
// resynchronises on a corrupted preamble by discarding one byte at a time.
// A Splitter belongs to exactly one connection and is not safe for
// concurrent use.
type Splitter struct {
	buf      []byte
	max      int
	resyncs  int
	warnFunc func(format string, args ...any)
}

// NewSplitter returns a Splitter with the given payload size limit.
// maxPacketSize <= 0 selects DefaultMaxPacketSize. warnf receives resync
// diagnostics and may be nil.
func NewSplitter(maxPacketSize int, warnf func(format string, args ...any)) *Splitter {
	if maxPacketSize <= 0 {
		maxPacketSize = DefaultMaxPacketSize
	}
	return &Splitter{max: maxPacketSize, warnFunc: warnf}
}

// Resyncs reports how many bytes have been discarded to recover preamble
// alignment over the life of the connection.
func (s *Splitter) Resyncs() int { return s.resyncs }

// Push appends freshly read bytes and returns every complete frame payload
// now available plus the number of keepalive pings consumed. CRC and
// length validation happen here; a non-nil error means the stream cannot
// be trusted and the connection should be closed. Returned payloads alias
// into an internal buffer and are only valid until the next Push.
func (s *Splitter) Push(data []byte) (payloads [][]byte, pings int, err error) {
	s.buf = append(s.buf, data...)

	for {
		if len(s.buf) == 0 {
			return payloads, pings, nil
		}
		if s.buf[0] == pingByte {
			s.buf = s.buf[1:]
			pings++
			continue
		}
		if len(s.buf) < frameHeaderSize {
			return payloads, pings, nil
		}

		preamble := binary.BigEndian.Uint32(s.buf[0:4])
		if preamble != 0 {
			// One corrupted byte should not poison the whole stream;
			// shift and retry until a zero preamble lines up again.
			if s.warnFunc != nil {
				s.warnFunc("dropping byte 0x%02X to resync (preamble 0x%08X)", s.buf[0], preamble)
			}
			s.buf = s.buf[1:]
			s.resyncs++
			continue
		}

		length := int(binary.BigEndian.Uint32(s.buf[4:8]))
		if length <= 0 || length > s.max {
			return payloads, pings, fmt.Errorf("%w: declared length %d (max %d)", ErrFrameTooLarge, length, s.max)
		}
		total := frameHeaderSize + length + frameCRCSize
		if len(s.buf) < total {
			return payloads, pings, nil
		}

		payload := s.buf[frameHeaderSize : frameHeaderSize+length]
		wireCRC := binary.BigEndian.Uint32(s.buf[frameHeaderSize+length : total])
		if uint32(CRC16(payload)) != wireCRC {
			return payloads, pings, fmt.Errorf("%w: computed 0x%04X, frame carries 0x%08X",
				ErrCRCMismatch, CRC16(payload), wireCRC)
		}

		payloads = append(payloads, payload)
		s.buf = s.buf[total:]
	}
}
