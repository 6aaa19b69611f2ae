package protocol

import "strings"

// MissionEventType classifies MISSION:/ACK: lines
type MissionEventType int

const (
	MissionOther MissionEventType = iota
	MissionObstacle
	MissionTurnAck
	MissionEnded
	MissionAck
)

// MissionEvent is a parsed mission line
type MissionEvent struct {
	Type MissionEventType
	Name string // text after the prefix, e.g. "OBSTACLE" or "TURN"
}

// ParseMissionEvent recognises MISSION:<name> and ACK:<name> lines
func ParseMissionEvent(text string) (MissionEvent, bool) {
	if name, ok := strings.CutPrefix(text, "MISSION:"); ok {
		ev := MissionEvent{Type: MissionOther, Name: name}
		switch name {
		case "OBSTACLE":
			ev.Type = MissionObstacle
		case "END", "DONE", "FINISHED", "STOP":
			ev.Type = MissionEnded
		}
		return ev, true
	}
	if name, ok := strings.CutPrefix(text, "ACK:"); ok {
		ev := MissionEvent{Type: MissionAck, Name: name}
		if name == "TURN" {
			ev.Type = MissionTurnAck
		}
		return ev, true
	}
	return MissionEvent{}, false
}
