package teltonika

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(t *testing.T) []byte {
	t.Helper()
	payload, err := EncodePacket(Codec8, []Record{{
		Timestamp: time.UnixMilli(1704067200000).UTC(),
		GPS:       GPS{Longitude: 670011000, Latitude: 248607000, Speed: 40},
		EventID:   1,
		Properties: []Property{
			{ID: 1, Value: 1},
		},
	}})
	require.NoError(t, err)
	return Frame(payload)
}

func TestSplitterSingleFrame(t *testing.T) {
	s := NewSplitter(0, nil)
	payloads, pings, err := s.Push(testFrame(t))
	require.NoError(t, err)
	assert.Zero(t, pings)
	require.Len(t, payloads, 1)

	pkt, err := DecodePacket(payloads[0])
	require.NoError(t, err)
	assert.Len(t, pkt.Records, 1)
}

func TestSplitterByteAtATime(t *testing.T) {
	frame := testFrame(t)
	s := NewSplitter(0, nil)

	var got int
	for i, b := range frame {
		payloads, _, err := s.Push([]byte{b})
		require.NoError(t, err, "byte %d", i)
		got += len(payloads)
		if i < len(frame)-1 {
			assert.Zero(t, got, "no frame should emit before byte %d", len(frame)-1)
		}
	}
	assert.Equal(t, 1, got)
}

func TestSplitterPingsBetweenFrames(t *testing.T) {
	frame := testFrame(t)
	var stream []byte
	stream = append(stream, 0xFF, 0xFF)
	stream = append(stream, frame...)
	stream = append(stream, 0xFF)
	stream = append(stream, frame...)

	s := NewSplitter(0, nil)
	payloads, pings, err := s.Push(stream)
	require.NoError(t, err)
	assert.Equal(t, 3, pings)
	assert.Len(t, payloads, 2)
}

func TestSplitterResyncsOnGarbage(t *testing.T) {
	frame := testFrame(t)
	var warned int
	s := NewSplitter(0, func(string, ...any) { warned++ })

	stream := append([]byte{0x13, 0x37, 0xAB}, frame...)
	payloads, _, err := s.Push(stream)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, 3, s.Resyncs())
	assert.Equal(t, 3, warned)
}

func TestSplitterRejectsOversizeAndZeroLength(t *testing.T) {
	for _, length := range []uint32{0, DefaultMaxPacketSize + 1} {
		t.Run(fmt.Sprintf("len=%d", length), func(t *testing.T) {
			var header []byte
			header = binary.BigEndian.AppendUint32(header, 0)
			header = binary.BigEndian.AppendUint32(header, length)

			s := NewSplitter(0, nil)
			_, _, err := s.Push(header)
			assert.ErrorIs(t, err, ErrFrameTooLarge)
		})
	}
}

func TestSplitterRejectsBadCRC(t *testing.T) {
	frame := testFrame(t)
	frame[len(frame)-1] ^= 0xFF

	s := NewSplitter(0, nil)
	_, _, err := s.Push(frame)
	assert.ErrorIs(t, err, ErrCRCMismatch)
}

func TestSplitterKeepsTailAcrossPushes(t *testing.T) {
	frame := testFrame(t)
	s := NewSplitter(0, nil)

	payloads, _, err := s.Push(frame[:10])
	require.NoError(t, err)
	assert.Empty(t, payloads)

	payloads, _, err = s.Push(frame[10:])
	require.NoError(t, err)
	assert.Len(t, payloads, 1)
}
