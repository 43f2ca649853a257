// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package evertlink

// CalculateCRC computes the CRC-16-CCITT (poly 0x1021, init 0xFFFF) of data
func CalculateCRC(data []byte) uint16 {
	return updateCRC(crcInitial, data)
}

func updateCRC(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
