// Package teltonika implements the Teltonika AVL wire protocol: frame
// splitting, CRC validation, and decoders for Codec 7 (GH3000), Codec 8,
// Codec 8 Extended, Codec 16 and the Codec 12 command channel. Decoders
// are pure functions over a frame payload and never panic on malformed
// input; all failures surface as wrapped sentinel errors.
package teltonika

import (
	"errors"
	"fmt"
	"time"
)

// Codec IDs as they appear in the first payload byte.
const (
	Codec7  byte = 0x07
	Codec8  byte = 0x08
	Codec8E byte = 0x8E
	Codec12 byte = 0x0C
	Codec16 byte = 0x10
)

// Codec 12 message types.
const (
	CommandTypeRequest  byte = 0x05 // server → device
	CommandTypeResponse byte = 0x06 // device → server
)

// Decode failure taxonomy. Callers match with errors.Is.
var (
	ErrInvalidPreamble  = errors.New("teltonika: invalid preamble")
	ErrCRCMismatch      = errors.New("teltonika: crc mismatch")
	ErrUnsupportedCodec = errors.New("teltonika: unsupported codec")
	ErrTruncated        = errors.New("teltonika: truncated payload")
	ErrQuantityMismatch = errors.New("teltonika: record quantity mismatch")
	ErrFrameTooLarge    = errors.New("teltonika: frame exceeds max packet size")
)

// CodecName returns a short human-readable codec label for logs.
func CodecName(id byte) string {
	switch id {
	case Codec7:
		return "codec7"
	case Codec8:
		return "codec8"
	case Codec8E:
		return "codec8e"
	case Codec12:
		return "codec12"
	case Codec16:
		return "codec16"
	}
	return fmt.Sprintf("codec(0x%02X)", id)
}

// Priority of an AVL record. Values outside the declared set are retained
// as raw integers (GH3000 firmware has been seen emitting them).
type Priority uint8

const (
	PriorityLow      Priority = 0
	PriorityHigh     Priority = 1
	PriorityPanic    Priority = 2
	PrioritySecurity Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityPanic:
		return "panic"
	case PrioritySecurity:
		return "security"
	}
	return "unknown"
}

// GPS is the positional element of an AVL record. Coordinates are decimal
// degrees scaled by 1e7, exactly as transmitted.
type GPS struct {
	Longitude  int32
	Latitude   int32
	Altitude   int16
	Angle      uint16
	Satellites uint8
	Speed      uint16
}

// Valid reports whether the fix is usable. Teltonika devices signal "no
// fix" with a zero coordinate pair rather than a dedicated flag.
func (g GPS) Valid() bool {
	return g.Latitude != 0 || g.Longitude != 0
}

// Property is a single IO element: a numeric value of 1/2/4/8 bytes, or a
// raw byte run for the Codec 8E variable-length group (Bytes non-nil).
type Property struct {
	ID    uint16
	Value int64
	Bytes []byte
}

// Record is one decoded AVL record.
type Record struct {
	Timestamp  time.Time
	Priority   Priority
	GPS        GPS
	EventID    uint16
	Origin     uint8 // Codec 16 generation type; zero elsewhere
	Properties []Property
}

// Command is a decoded Codec 12 frame.
type Command struct {
	Type byte
	Text string
}

// Packet is the tagged decode result for one frame payload. Exactly one
// of Records (data codecs) or Command (Codec 12) is populated.
type Packet struct {
	CodecID byte
	Records []Record
	Command *Command
}
