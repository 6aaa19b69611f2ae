package protocol

import (
	"strings"
	"unicode/utf8"
)

// Notification is one classified inbound buffer: exactly one of Line or Chunk is set
type Notification struct {
	Line  *Line
	Chunk *ChunkFrame
}

// DecodeNotification classifies a raw notify buffer. Buffers carrying the
// chunk marker are binary; everything else must be non-empty UTF-8 text.
// ok is false for buffers that should be dropped silently.
func DecodeNotification(buf []byte) (Notification, bool) {
	if IsChunkFrame(buf) {
		frame, err := DecodeChunk(buf)
		if err != nil {
			return Notification{}, false
		}
		return Notification{Chunk: &frame}, true
	}
	if !utf8.Valid(buf) {
		return Notification{}, false
	}
	text := strings.TrimSpace(string(buf))
	if text == "" {
		return Notification{}, false
	}
	line := ClassifyLine(text)
	return Notification{Line: &line}, true
}
