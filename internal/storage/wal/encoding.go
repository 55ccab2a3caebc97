package wal

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/xtxerr/evtrack/internal/storage/types"
)

// Packet encoding format (binary, little-endian):
// - Packet count (4 bytes)
// - per packet:
//   - VIN length (2 bytes) + VIN string
//   - Raw message length (4 bytes) + raw message
//   - ReceivedAt (8 bytes, unix milliseconds)

// encodePackets encodes a slice of packets into a binary format.
func encodePackets(packets []types.Packet) ([]byte, error) {
	if len(packets) == 0 {
		return nil, nil
	}

	size := 4
	for _, p := range packets {
		if len(p.VIN) > 0xFFFF {
			return nil, fmt.Errorf("vin too long: %d bytes", len(p.VIN))
		}
		size += 2 + len(p.VIN) + 4 + len(p.Raw) + 8
	}
	buf := make([]byte, 0, size)

	// Write packet count
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(packets)))

	for _, p := range packets {
		buf = appendString(buf, p.VIN)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Raw)))
		buf = append(buf, p.Raw...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p.ReceivedAt.UnixMilli()))
	}

	return buf, nil
}

// decodePackets decodes a binary format into a slice of packets.
func decodePackets(data []byte) ([]types.Packet, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for packet count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}
	// Each packet needs at least 14 bytes.
	if count > (len(data)-4)/14 {
		return nil, fmt.Errorf("packet count %d exceeds payload", count)
	}

	packets := make([]types.Packet, count)
	offset := 4

	for i := 0; i < count; i++ {
		var p types.Packet
		var err error

		// VIN
		p.VIN, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("packet %d vin: %w", i, err)
		}

		// Raw
		if offset+4 > len(data) {
			return nil, fmt.Errorf("packet %d: data too short for raw length", i)
		}
		length := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		if offset+length > len(data) {
			return nil, fmt.Errorf("packet %d: data too short for raw message", i)
		}
		p.Raw = string(data[offset : offset+length])
		offset += length

		// ReceivedAt
		if offset+8 > len(data) {
			return nil, fmt.Errorf("packet %d: data too short for timestamp", i)
		}
		p.ReceivedAt = time.UnixMilli(int64(binary.LittleEndian.Uint64(data[offset:]))).UTC()
		offset += 8

		packets[i] = p
	}

	return packets, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
