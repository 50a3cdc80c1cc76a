package teltonika

import (
	"encoding/binary"
	"fmt"
)

// Frame wraps a payload in the on-wire envelope: zero preamble, length,
// payload, CRC-16. EncodeCommand and EncodeResponse call it themselves;
// only EncodePacket output still needs wrapping.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+12)
	out = binary.BigEndian.AppendUint32(out, 0)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint32(out, uint32(CRC16(payload)))
	return out
}

// EncodeCommand builds a complete Codec 12 server→device command frame,
// preamble through CRC. Write it as-is; do not wrap it in Frame again.
func EncodeCommand(text string) []byte {
	return Frame(encodeCodec12(CommandTypeRequest, text))
}

// EncodeResponse builds a Codec 12 device→server response frame. Used by
// the device simulator and tests.
func EncodeResponse(text string) []byte {
	return Frame(encodeCodec12(CommandTypeResponse, text))
}

func encodeCodec12(typ byte, text string) []byte {
	payload := make([]byte, 0, len(text)+8)
	payload = append(payload, Codec12, 1, typ)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(text)))
	payload = append(payload, text...)
	payload = append(payload, 1)
	return payload
}

// EncodePacket serialises AVL records as a frame payload for the given
// data codec. It is the inverse of DecodePacket for Codecs 8, 8E and 16
// and exists for the simulator and round-trip tests; Codec 7 and 12 have
// their own entry points.
func EncodePacket(codec byte, records []Record) ([]byte, error) {
	switch codec {
	case Codec8, Codec8E, Codec16:
	default:
		return nil, fmt.Errorf("%w: encode 0x%02X", ErrUnsupportedCodec, codec)
	}
	if len(records) > 255 {
		return nil, fmt.Errorf("%w: %d records", ErrQuantityMismatch, len(records))
	}

	wide := codec == Codec8E || codec == Codec16
	out := []byte{codec, byte(len(records))}
	for _, rec := range records {
		out = binary.BigEndian.AppendUint64(out, uint64(rec.Timestamp.UnixMilli()))
		out = append(out, byte(rec.Priority))
		if codec == Codec16 {
			out = append(out, rec.Origin)
		}
		out = binary.BigEndian.AppendUint32(out, uint32(rec.GPS.Longitude))
		out = binary.BigEndian.AppendUint32(out, uint32(rec.GPS.Latitude))
		out = binary.BigEndian.AppendUint16(out, uint16(rec.GPS.Altitude))
		out = binary.BigEndian.AppendUint16(out, rec.GPS.Angle)
		out = append(out, rec.GPS.Satellites)
		out = binary.BigEndian.AppendUint16(out, rec.GPS.Speed)

		if wide {
			out = binary.BigEndian.AppendUint16(out, rec.EventID)
		} else {
			out = append(out, byte(rec.EventID))
		}

		groups := map[int][]Property{}
		var variable []Property
		for _, p := range rec.Properties {
			if p.Bytes != nil {
				variable = append(variable, p)
				continue
			}
			groups[propertyWidth(p.Value)] = append(groups[propertyWidth(p.Value)], p)
		}

		total := len(rec.Properties)
		if codec == Codec8E {
			out = binary.BigEndian.AppendUint16(out, uint16(total))
		} else {
			out = append(out, byte(total))
		}

		for _, width := range []int{1, 2, 4, 8} {
			ps := groups[width]
			if codec == Codec8E {
				out = binary.BigEndian.AppendUint16(out, uint16(len(ps)))
			} else {
				out = append(out, byte(len(ps)))
			}
			for _, p := range ps {
				if wide {
					out = binary.BigEndian.AppendUint16(out, p.ID)
				} else {
					out = append(out, byte(p.ID))
				}
				switch width {
				case 1:
					out = append(out, byte(p.Value))
				case 2:
					out = binary.BigEndian.AppendUint16(out, uint16(p.Value))
				case 4:
					out = binary.BigEndian.AppendUint32(out, uint32(p.Value))
				case 8:
					out = binary.BigEndian.AppendUint64(out, uint64(p.Value))
				}
			}
		}

		if codec == Codec8E {
			out = binary.BigEndian.AppendUint16(out, uint16(len(variable)))
			for _, p := range variable {
				out = binary.BigEndian.AppendUint16(out, p.ID)
				out = binary.BigEndian.AppendUint16(out, uint16(len(p.Bytes)))
				out = append(out, p.Bytes...)
			}
		} else if len(variable) > 0 {
			return nil, fmt.Errorf("%w: variable-length io requires codec 8E", ErrUnsupportedCodec)
		}
	}
	out = append(out, byte(len(records)))
	return out, nil
}

// propertyWidth picks the narrowest size group that can carry v, matching
// how device firmware packs IO elements.
func propertyWidth(v int64) int {
	switch {
	case v >= 0 && v <= 0xFF:
		return 1
	case v >= 0 && v <= 0xFFFF:
		return 2
	case v >= 0 && v <= 0xFFFFFFFF:
		return 4
	}
	return 8
}
