package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Meta announces the shape of the transfer that follows
type Meta struct {
	Size   int
	Chunks int
	Seq    Seq
	Width  int // 0 when not reported
	Height int // 0 when not reported
}

// ParseMeta parses "META:size=<n>,chunks=<n>[,seq=<n>][,w=<n>][,h=<n>]".
// Optional fields may appear in any order; unknown keys are skipped.
// ok is false when the prefix or either required field is missing.
func ParseMeta(line string) (Meta, bool) {
	body, found := strings.CutPrefix(line, "META:")
	if !found {
		return Meta{}, false
	}

	var m Meta
	var haveSize, haveChunks bool
	for _, field := range strings.Split(body, ",") {
		key, raw, found := strings.Cut(strings.TrimSpace(field), "=")
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 {
			continue
		}
		switch key {
		case "size":
			m.Size, haveSize = n, true
		case "chunks":
			m.Chunks, haveChunks = n, true
		case "seq":
			m.Seq = SomeSeq(uint32(n))
		case "w":
			m.Width = n
		case "h":
			m.Height = n
		}
	}
	if !haveSize || !haveChunks {
		return Meta{}, false
	}
	return m, true
}

// String renders the meta line the rover sends
func (m Meta) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "META:size=%d,chunks=%d", m.Size, m.Chunks)
	if v, ok := m.Seq.Get(); ok {
		fmt.Fprintf(&b, ",seq=%d", v)
	}
	if m.Width > 0 {
		fmt.Fprintf(&b, ",w=%d", m.Width)
	}
	if m.Height > 0 {
		fmt.Fprintf(&b, ",h=%d", m.Height)
	}
	return b.String()
}
