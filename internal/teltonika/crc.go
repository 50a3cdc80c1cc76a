package teltonika

// CRC16 computes the CRC-16/IBM checksum Teltonika appends to every frame:
// polynomial 0xA001 (reversed 0x8005), initial value 0, bytes processed
// LSB-first. The checksum covers the payload only, never the preamble or
// length words.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
