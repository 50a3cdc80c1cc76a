package teltonika

import "fmt"

// decodeCodec12 decodes a single command or response frame:
// codec, quantity1, type, size, text, quantity2.
func decodeCodec12(payload []byte) (*Packet, error) {
	r := newReader(payload)
	r.U8() // codec id
	q1 := r.U8()
	typ := r.U8()
	size := int(r.U32())
	if err := r.Err(); err != nil {
		return nil, err
	}
	text := r.Bytes(size)
	if text == nil {
		return nil, r.Err()
	}
	q2 := r.U8()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if q1 != q2 {
		return nil, fmt.Errorf("%w: quantity1 %d, quantity2 %d", ErrQuantityMismatch, q1, q2)
	}
	if typ != CommandTypeRequest && typ != CommandTypeResponse {
		return nil, fmt.Errorf("%w: codec 12 type 0x%02X", ErrUnsupportedCodec, typ)
	}
	return &Packet{
		CodecID: Codec12,
		Command: &Command{Type: typ, Text: string(text)},
	}, nil
}
