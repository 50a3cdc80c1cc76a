package teltonika

import (
	"fmt"
	"time"
)

// Codec 7 is the reduced GH3000 form. Priority and timestamp share one
// 32-bit word (top 2 bits priority, low 30 bits seconds since the GH
// epoch), and a global bitmask selects which element groups follow.
const (
	gh7MaskGPS   = 0x01
	gh7MaskIO8   = 0x02
	gh7MaskIO16  = 0x04
	gh7MaskIO32  = 0x08
	gh7GPSCoords = 0x01
	gh7GPSAlt    = 0x02
	gh7GPSAngle  = 0x04
	gh7GPSSpeed  = 0x08
	gh7GPSSats   = 0x10
	gh7GPSCell   = 0x20
	gh7GPSSignal = 0x40
	gh7GPSOper   = 0x80

	// Speed sentinel reported when the record carries no coordinates.
	SpeedInvalid = 255
)

// gh7Epoch is 2007-01-01T00:00:00Z, the zero point of the 30-bit
// timestamp field.
var gh7Epoch = time.Date(2007, time.January, 1, 0, 0, 0, 0, time.UTC)

func decodeCodec7(payload []byte) (*Packet, error) {
	r := newReader(payload)
	r.U8() // codec id
	count := r.U8()

	records := make([]Record, 0, count)
	for i := 0; i < int(count); i++ {
		rec, err := decodeGHRecord(r)
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
	return &Packet{CodecID: Codec7, Records: records}, nil
}

func decodeGHRecord(r *reader) (Record, error) {
	var rec Record

	word := r.U32()
	rec.Priority = Priority(word >> 30)
	rec.Timestamp = gh7Epoch.Add(time.Duration(word&0x3FFFFFFF) * time.Second)

	mask := r.U8()
	if err := r.Err(); err != nil {
		return rec, err
	}

	if mask&gh7MaskGPS != 0 {
		if err := decodeGHGPS(r, &rec); err != nil {
			return rec, err
		}
	} else {
		rec.GPS.Speed = SpeedInvalid
	}

	for _, g := range []struct {
		bit   uint8
		width int
	}{{gh7MaskIO8, 1}, {gh7MaskIO16, 2}, {gh7MaskIO32, 4}} {
		if mask&g.bit == 0 {
			continue
		}
		n := int(r.U8())
		for i := 0; i < n; i++ {
			id := uint16(r.U8())
			var v int64
			switch g.width {
			case 1:
				v = int64(r.U8())
			case 2:
				v = int64(r.U16())
			case 4:
				v = int64(r.U32())
			}
			rec.Properties = append(rec.Properties, Property{ID: id, Value: v})
		}
	}

	return rec, r.Err()
}

func decodeGHGPS(r *reader, rec *Record) error {
	mask := r.U8()
	if err := r.Err(); err != nil {
		return err
	}

	if mask&gh7GPSCoords != 0 {
		// Coordinates travel as IEEE-754 floats of whole degrees.
		rec.GPS.Longitude = int32(r.F32() * 1e7)
		rec.GPS.Latitude = int32(r.F32() * 1e7)
	} else {
		rec.GPS.Speed = SpeedInvalid
	}
	if mask&gh7GPSAlt != 0 {
		rec.GPS.Altitude = r.I16()
	}
	if mask&gh7GPSAngle != 0 {
		// One byte of angle, scaled to degrees.
		rec.GPS.Angle = uint16(uint32(r.U8()) * 360 / 256)
	}
	if mask&gh7GPSSpeed != 0 {
		s := uint16(r.U8())
		if mask&gh7GPSCoords != 0 {
			rec.GPS.Speed = s
		}
	}
	if mask&gh7GPSSats != 0 {
		rec.GPS.Satellites = r.U8()
	}
	if mask&gh7GPSCell != 0 {
		v := r.U32()
		rec.Properties = append(rec.Properties, Property{ID: ioCellID, Value: int64(v)})
	}
	if mask&gh7GPSSignal != 0 {
		v := r.U8()
		rec.Properties = append(rec.Properties, Property{ID: ioSignalQuality, Value: int64(v)})
	}
	if mask&gh7GPSOper != 0 {
		v := r.U32()
		rec.Properties = append(rec.Properties, Property{ID: ioOperatorCode, Value: int64(v)})
	}
	return r.Err()
}

// Synthetic IO ids for GH3000 GPS sub-elements that have no Codec 8
// equivalent. Kept above the 8-bit range so they can never collide with a
// real GH io id.
const (
	ioCellID        uint16 = 0x0200
	ioSignalQuality uint16 = 0x0201
	ioOperatorCode  uint16 = 0x0202
)
