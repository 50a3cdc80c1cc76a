package teltonika

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Captured FMB920 codec 8 frame payload from Teltonika's protocol
// documentation: one record, timestamp 2019-06-10T10:04:46Z, no fix,
// event io 1, five io elements.
const codec8DocPayload = "08010000016B40D8EA3001000000000000000000000000000000" +
	"0105021503010101425E0F01F10000601A014E0000000000000000" +
	"01"

func TestDecodeCodec8DocumentedFrame(t *testing.T) {
	pkt, err := DecodePacket(mustHex(t, codec8DocPayload))
	require.NoError(t, err)
	require.Equal(t, Codec8, pkt.CodecID)
	require.Len(t, pkt.Records, 1)
	require.Nil(t, pkt.Command)

	rec := pkt.Records[0]
	assert.Equal(t, time.Date(2019, 6, 10, 10, 4, 46, 0, time.UTC), rec.Timestamp)
	assert.Equal(t, PriorityHigh, rec.Priority)
	assert.False(t, rec.GPS.Valid())
	assert.Equal(t, uint16(1), rec.EventID)

	require.Len(t, rec.Properties, 5)
	assert.Equal(t, Property{ID: 0x15, Value: 0x03}, rec.Properties[0])
	assert.Equal(t, Property{ID: 0x01, Value: 0x01}, rec.Properties[1])
	assert.Equal(t, Property{ID: 0x42, Value: 0x5E0F}, rec.Properties[2])
	assert.Equal(t, Property{ID: 0xF1, Value: 0x601A}, rec.Properties[3])
	assert.Equal(t, Property{ID: 0x4E, Value: 0}, rec.Properties[4])
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"empty", "", ErrTruncated},
		{"unknown codec", "FE00", ErrUnsupportedCodec},
		{"codec8 truncated record", "08010000016B", ErrTruncated},
		{"codec8 trailer mismatch",
			// one empty record, trailer says two
			"0801" + "0000016B40D8EA30" + "01" +
				"000000000000000000000000000000" + // gps
				"00" + "00" + "00000000" + // event, total, group counts
				"02",
			ErrQuantityMismatch},
		{"codec12 quantity mismatch", "0C010500000002484902", ErrQuantityMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePacket(mustHex(t, tc.payload))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestDecodeCodec16CarriesOrigin(t *testing.T) {
	rec := Record{
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Priority:  PriorityPanic,
		Origin:    0x02,
		GPS: GPS{
			Longitude: 670011000, Latitude: 248607000,
			Altitude: 14, Angle: 181, Satellites: 9, Speed: 63,
		},
		EventID:    0x0103,
		Properties: []Property{{ID: 0x0103, Value: 1}},
	}
	payload, err := EncodePacket(Codec16, []Record{rec})
	require.NoError(t, err)

	pkt, err := DecodePacket(payload)
	require.NoError(t, err)
	require.Len(t, pkt.Records, 1)
	assert.Equal(t, rec, pkt.Records[0])
}

func TestDecodeCodec8EVariableLengthGroup(t *testing.T) {
	rec := Record{
		Timestamp: time.UnixMilli(1700000000000).UTC(),
		Priority:  PriorityLow,
		GPS:       GPS{Longitude: 1, Latitude: 1, Speed: 10},
		EventID:   0,
		Properties: []Property{
			{ID: 239, Value: 1},
			{ID: 66, Value: 12500},
			{ID: 0x0010, Bytes: []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}},
		},
	}
	payload, err := EncodePacket(Codec8E, []Record{rec})
	require.NoError(t, err)

	pkt, err := DecodePacket(payload)
	require.NoError(t, err)
	require.Len(t, pkt.Records, 1)
	assert.Equal(t, rec, pkt.Records[0])
}

// drawRecord generates an AVL record whose property layout survives an
// encode/decode cycle: values are drawn per size group in the order the
// decoder emits them.
func drawRecord(t *rapid.T, codec byte) Record {
	wide := codec == Codec8E || codec == Codec16
	idMax := int32(255)
	if wide {
		idMax = 65535
	}
	drawID := func(label string) uint16 {
		return uint16(rapid.Int32Range(0, idMax).Draw(t, label))
	}

	var props []Property
	for _, g := range []struct {
		label    string
		min, max int64
	}{
		{"v1", 0, 0xFF},
		{"v2", 0x100, 0xFFFF},
		{"v4", 0x10000, 0xFFFFFFFF},
		{"v8", 0x100000000, 1 << 62},
	} {
		n := rapid.IntRange(0, 3).Draw(t, g.label+"n")
		for i := 0; i < n; i++ {
			props = append(props, Property{
				ID:    drawID(g.label + "id"),
				Value: rapid.Int64Range(g.min, g.max).Draw(t, g.label),
			})
		}
	}
	if codec == Codec8E {
		n := rapid.IntRange(0, 2).Draw(t, "vxn")
		for i := 0; i < n; i++ {
			props = append(props, Property{
				ID:    drawID("vxid"),
				Bytes: rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "vx"),
			})
		}
	}

	var origin uint8
	if codec == Codec16 {
		origin = rapid.Uint8().Draw(t, "origin")
	}

	return Record{
		Timestamp: time.UnixMilli(rapid.Int64Range(0, 4102444800000).Draw(t, "ts")).UTC(),
		Priority:  Priority(rapid.Uint8Range(0, 3).Draw(t, "prio")),
		GPS: GPS{
			Longitude:  rapid.Int32().Draw(t, "lon"),
			Latitude:   rapid.Int32().Draw(t, "lat"),
			Altitude:   rapid.Int16().Draw(t, "alt"),
			Angle:      rapid.Uint16Range(0, 359).Draw(t, "angle"),
			Satellites: rapid.Uint8().Draw(t, "sats"),
			Speed:      rapid.Uint16().Draw(t, "speed"),
		},
		EventID:    drawID("event"),
		Origin:     origin,
		Properties: props,
	}
}

func TestRoundTripProperty(t *testing.T) {
	for _, codec := range []byte{Codec8, Codec8E, Codec16} {
		codec := codec
		t.Run(CodecName(codec), func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				n := rapid.IntRange(1, 5).Draw(t, "count")
				records := make([]Record, n)
				for i := range records {
					records[i] = drawRecord(t, codec)
				}

				payload, err := EncodePacket(codec, records)
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				pkt, err := DecodePacket(payload)
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				if len(pkt.Records) != n {
					t.Fatalf("record count %d, want %d", len(pkt.Records), n)
				}
				for i := range records {
					a, b := records[i], pkt.Records[i]
					if !a.Timestamp.Equal(b.Timestamp) {
						t.Fatalf("record %d timestamp %v != %v", i, b.Timestamp, a.Timestamp)
					}
					a.Timestamp = b.Timestamp
					if !recordEqual(a, b) {
						t.Fatalf("record %d mismatch:\n got %+v\nwant %+v", i, b, a)
					}
				}
			})
		})
	}
}

func recordEqual(a, b Record) bool {
	if a.Priority != b.Priority || a.GPS != b.GPS || a.EventID != b.EventID || a.Origin != b.Origin {
		return false
	}
	if len(a.Properties) != len(b.Properties) {
		return false
	}
	for i := range a.Properties {
		pa, pb := a.Properties[i], b.Properties[i]
		if pa.ID != pb.ID || pa.Value != pb.Value {
			return false
		}
		if string(pa.Bytes) != string(pb.Bytes) {
			return false
		}
	}
	return true
}
