package protocol

import (
	"strconv"
	"strings"
)

// Kind identifies what a text line means to the controller
type Kind int

const (
	KindUnclassified Kind = iota
	KindPhotoStart        // PHOTO:START
	KindPhotoBegin        // PHOTO:BEGIN:<seq>
	KindMeta              // META:size=..,chunks=..
	KindDone              // DONE
	KindPhotoDone         // PHOTO:DONE
	KindPhotoEnd          // PHOTO:END:<seq>
	KindBusy              // BUSY
	KindDirection         // single-letter direction echo
	KindSensor            // DHT:...
	KindMission           // MISSION:... / ACK:...
)

var kindNames = [...]string{
	KindUnclassified: "unclassified",
	KindPhotoStart:   "photo-start",
	KindPhotoBegin:   "photo-begin",
	KindMeta:         "meta",
	KindDone:         "done",
	KindPhotoDone:    "photo-done",
	KindPhotoEnd:     "photo-end",
	KindBusy:         "busy",
	KindDirection:    "direction",
	KindSensor:       "sensor",
	KindMission:      "mission",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// IsTransferControl reports whether the line drives the photo reassembler
func (k Kind) IsTransferControl() bool {
	switch k {
	case KindPhotoStart, KindPhotoBegin, KindMeta, KindDone, KindPhotoDone, KindPhotoEnd, KindBusy:
		return true
	}
	return false
}

// Line is a classified inbound text line. Only the fields relevant to Kind are set.
type Line struct {
	Kind      Kind
	Text      string
	Seq       Seq
	Meta      Meta
	Direction Direction
	Mission   MissionEvent
}

const (
	linePhotoStart = "PHOTO:START"
	linePhotoBegin = "PHOTO:BEGIN:"
	lineMeta       = "META:"
	lineDone       = "DONE"
	linePhotoDone  = "PHOTO:DONE"
	linePhotoEnd   = "PHOTO:END:"
	lineBusy       = "BUSY"
	lineSensor     = "DHT:"
)

// ClassifyLine classifies one text line. Checks run in a fixed priority
// order and the first match wins; anything unrecognised, including
// malformed META or sequence lines, comes back as KindUnclassified.
func ClassifyLine(raw string) Line {
	text := strings.TrimSpace(raw)
	line := Line{Kind: KindUnclassified, Text: text}

	switch {
	case text == linePhotoStart:
		line.Kind = KindPhotoStart
		return line
	case strings.HasPrefix(text, linePhotoBegin):
		if seq, ok := parseSeq(text[len(linePhotoBegin):]); ok {
			line.Kind, line.Seq = KindPhotoBegin, seq
		}
		return line
	case strings.HasPrefix(text, lineMeta):
		if meta, ok := ParseMeta(text); ok {
			line.Kind, line.Meta = KindMeta, meta
		}
		return line
	case text == lineDone:
		line.Kind = KindDone
		return line
	case text == linePhotoDone:
		line.Kind = KindPhotoDone
		return line
	case strings.HasPrefix(text, linePhotoEnd):
		if seq, ok := parseSeq(text[len(linePhotoEnd):]); ok {
			line.Kind, line.Seq = KindPhotoEnd, seq
		}
		return line
	case text == lineBusy:
		line.Kind = KindBusy
		return line
	}

	if d, ok := ParseDirection(text); ok {
		line.Kind, line.Direction = KindDirection, d
		return line
	}
	if strings.HasPrefix(text, lineSensor) {
		line.Kind = KindSensor
		return line
	}
	if ev, ok := ParseMissionEvent(text); ok {
		line.Kind, line.Mission = KindMission, ev
		return line
	}
	return line
}

func parseSeq(s string) (Seq, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return NoSeq, false
	}
	return SomeSeq(uint32(n)), true
}
