package teltonika

import (
	"fmt"
	"time"
)

// DecodePacket decodes one frame payload (the L bytes between the length
// word and the CRC). The first byte selects the codec family.
func DecodePacket(payload []byte) (*Packet, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrTruncated)
	}
	switch payload[0] {
	case Codec7:
		return decodeCodec7(payload)
	case Codec8:
		return decodeAVL(payload, Codec8)
	case Codec8E:
		return decodeAVL(payload, Codec8E)
	case Codec16:
		return decodeAVL(payload, Codec16)
	case Codec12:
		return decodeCodec12(payload)
	}
	return nil, fmt.Errorf("%w: 0x%02X", ErrUnsupportedCodec, payload[0])
}

// decodeAVL handles the shared shell of Codecs 8, 8E and 16:
// codec, count, count × record, count. The trailing count must repeat the
// leading one; a mismatch means the stream is desynchronised.
func decodeAVL(payload []byte, codec byte) (*Packet, error) {
	r := newReader(payload)
	r.U8() // codec id, already dispatched on
	count := r.U8()

	records := make([]Record, 0, count)
	for i := 0; i < int(count); i++ {
		rec, err := decodeRecord(r, codec)
		if err != nil {
			return nil, fmt.Errorf("record %d/%d: %w", i+1, count, err)
		}
		records = append(records, rec)
	}

	trailer := r.U8()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if trailer != count {
		return nil, fmt.Errorf("%w: header %d, trailer %d", ErrQuantityMismatch, count, trailer)
	}
	return &Packet{CodecID: codec, Records: records}, nil
}

func decodeRecord(r *reader, codec byte) (Record, error) {
	var rec Record

	ts := r.I64()
	rec.Timestamp = time.UnixMilli(ts).UTC()
	rec.Priority = Priority(r.U8())

	if codec == Codec16 {
		rec.Origin = r.U8()
	}

	rec.GPS = GPS{
		Longitude:  r.I32(),
		Latitude:   r.I32(),
		Altitude:   r.I16(),
		Angle:      r.U16(),
		Satellites: r.U8(),
		Speed:      r.U16(),
	}

	wide := codec == Codec8E || codec == Codec16
	if wide {
		rec.EventID = r.U16()
	} else {
		rec.EventID = uint16(r.U8())
	}

	var total int
	if codec == Codec8E {
		total = int(r.U16())
	} else {
		total = int(r.U8())
	}
	if err := r.Err(); err != nil {
		return rec, err
	}

	rec.Properties = make([]Property, 0, total)
	for _, width := range []int{1, 2, 4, 8} {
		var n int
		if codec == Codec8E {
			n = int(r.U16())
		} else {
			n = int(r.U8())
		}
		if err := r.Err(); err != nil {
			return rec, err
		}
		for i := 0; i < n; i++ {
			var id uint16
			if wide {
				id = r.U16()
			} else {
				id = uint16(r.U8())
			}
			var v int64
			switch width {
			case 1:
				v = int64(r.U8())
			case 2:
				v = int64(r.U16())
			case 4:
				v = int64(r.U32())
			case 8:
				v = r.I64()
			}
			rec.Properties = append(rec.Properties, Property{ID: id, Value: v})
		}
	}

	// Codec 8E appends a fifth, variable-length group.
	if codec == Codec8E {
		n := int(r.U16())
		for i := 0; i < n; i++ {
			id := r.U16()
			length := int(r.U16())
			if err := r.Err(); err != nil {
				return rec, err
			}
			b := r.Bytes(length)
			if b == nil {
				return rec, r.Err()
			}
			raw := make([]byte, length)
			copy(raw, b)
			rec.Properties = append(rec.Properties, Property{ID: id, Bytes: raw})
		}
	}

	if err := r.Err(); err != nil {
		return rec, err
	}
	if len(rec.Properties) != total {
		return rec, fmt.Errorf("%w: io total %d, decoded %d", ErrQuantityMismatch, total, len(rec.Properties))
	}
	return rec, nil
}
