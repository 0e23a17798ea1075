// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fleet License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

// CRC16 calcula CRC-16/IBM (polinômio refletido 0xA001, init 0x0000) sobre a
// região de dados do frame, do byte de codec até o trailer inclusive. No wire
// o valor viaja como uint32 big-endian com os 16 bits altos zerados.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
