package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	ChunkMarker0    = 'C' // 0x43
	ChunkMarker1    = 'H' // 0x48
	ChunkHeaderSize = 4
	MaxChunks       = 1 << 16 // sequence numbers are 16 bits
)

// ChunkFrame is one binary fragment of a photo: marker, big-endian seq, payload
type ChunkFrame struct {
	Seq     uint16
	Payload []byte
}

// IsChunkFrame reports whether buf carries the chunk marker and a full header
func IsChunkFrame(buf []byte) bool {
	return len(buf) >= ChunkHeaderSize && buf[0] == ChunkMarker0 && buf[1] == ChunkMarker1
}

// DecodeChunk parses a chunk frame. The payload aliases buf.
func DecodeChunk(buf []byte) (ChunkFrame, error) {
	if len(buf) < ChunkHeaderSize {
		return ChunkFrame{}, fmt.Errorf("data too short for chunk header: %d bytes", len(buf))
	}
	if buf[0] != ChunkMarker0 || buf[1] != ChunkMarker1 {
		return ChunkFrame{}, fmt.Errorf("invalid chunk marker 0x%02X 0x%02X", buf[0], buf[1])
	}
	return ChunkFrame{
		Seq:     binary.BigEndian.Uint16(buf[2:4]),
		Payload: buf[ChunkHeaderSize:],
	}, nil
}

// EncodeChunk builds a chunk frame for seq carrying payload
func EncodeChunk(seq uint16, payload []byte) []byte {
	frame := make([]byte, ChunkHeaderSize+len(payload))
	frame[0] = ChunkMarker0
	frame[1] = ChunkMarker1
	binary.BigEndian.PutUint16(frame[2:4], seq)
	copy(frame[ChunkHeaderSize:], payload)
	return frame
}

// SplitIntoChunks splits photo data into payloads of at most chunkSize bytes
func SplitIntoChunks(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		return nil
	}
	var chunks [][]byte
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[offset:end])
	}
	return chunks
}
