package crc

// CRC-16/ARC as used by DSMR P1 telegrams: poly 0x8005 reflected (0xA001),
// init 0, no final xor.
const CRC16_POLY_A001 uint16 = 0xa001

var crc16arcTable = makeTable16(CRC16_POLY_A001)

func makeTable16(poly uint16) *[256]uint16 {
	var t [256]uint16
	for i := range t {
		t[i] = CRC16ARC_reference(0, byte(i))
	}
	return &t
}

// Bitwise, slow. Kept as source of truth for the lookup table.
func CRC16ARC_reference(crc uint16, data byte) uint16 {
	crc ^= uint16(data)
	var i byte = 0
	for ; i < 8; i++ {
		if (crc & 0x0001) != 0 {
			crc >>= 1
			crc ^= CRC16_POLY_A001
		} else {
			crc >>= 1
		}
	}
	return crc
}

func CRC16ARC_next(crc uint16, data byte) uint16 {
	return (crc >> 8) ^ crc16arcTable[byte(crc)^data]
}

// CRC16ARC continues checksum crc over bs. Start with crc=0.
func CRC16ARC(crc uint16, bs []byte) uint16 {
	for _, b := range bs {
		crc = (crc >> 8) ^ crc16arcTable[byte(crc)^b]
	}
	return crc
}
